package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/wangn9900/Slux/common"
	"github.com/wangn9900/Slux/vpn"
)

// Session is the controller surface the channel drives. *vpn.Controller
// implements it.
type Session interface {
	Start(ctx context.Context, config string) error
	Stop(ctx context.Context) error
	PermissionGranted() bool
	TunFD() int
	Snapshot() vpn.Snapshot
}

// Channel maps channel methods 1:1 onto session operations.
type Channel struct {
	session Session
}

// NewChannel creates a Channel for session.
func NewChannel(session Session) *Channel {
	return &Channel{session: session}
}

// Handle runs method and returns its result. It blocks until the operation
// reaches a terminal state; callers run it off their read loop.
func (c *Channel) Handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodStartVpn:
		config, err := startConfig(params)
		if err != nil {
			return nil, err
		}
		if err := c.session.Start(ctx, config); err != nil {
			return nil, err
		}
		return true, nil

	case MethodStopVpn:
		// Teardown runs to completion even if the caller goes away.
		if err := c.session.Stop(context.WithoutCancel(ctx)); err != nil {
			return nil, err
		}
		return true, nil

	case MethodCheckVpnPermission:
		return c.session.PermissionGranted(), nil

	case MethodGetTunFd:
		return c.session.TunFD(), nil

	case MethodGetState:
		return FromSnapshot(c.session.Snapshot()), nil

	default:
		return nil, fmt.Errorf("%w: method %q", common.ErrNotImplemented, method)
	}
}

// startConfig accepts {"config": "..."} or a bare JSON string.
func startConfig(params json.RawMessage) (string, error) {
	params = bytes.TrimSpace(params)
	if len(params) == 0 || bytes.Equal(params, []byte("null")) {
		return "", fmt.Errorf("%w: missing config", common.ErrInvalidArgument)
	}
	if params[0] == '"' {
		var config string
		if err := json.Unmarshal(params, &config); err != nil {
			return "", fmt.Errorf("%w: %v", common.ErrInvalidArgument, err)
		}
		return config, nil
	}
	var p StartParams
	if err := json.Unmarshal(params, &p); err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrInvalidArgument, err)
	}
	return p.Config, nil
}
