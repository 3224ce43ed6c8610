// Package control exposes the session controller to UI processes.
//
// Requests and responses travel as JSON frames over a WebSocket served on a
// unix socket. Every request is answered exactly once, with either a result
// or a typed error, and only after the operation reached a terminal state.
// State transitions are pushed to every connection as event frames.
package control

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/wangn9900/Slux/common"
	"github.com/wangn9900/Slux/vpn"
)

// Channel operations.
const (
	MethodStartVpn           = "startVpn"
	MethodStopVpn            = "stopVpn"
	MethodCheckVpnPermission = "checkVpnPermission"
	MethodGetTunFd           = "getTunFd"
	MethodGetState           = "getState"
)

// FrameType distinguishes frames on the wire.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
)

// Frame is the unit exchanged over the channel.
type Frame struct {
	Type   FrameType       `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	Event  *StateView      `json:"event,omitempty"`
}

// StartParams are the parameters of startVpn.
type StartParams struct {
	Config string `json:"config"`
}

// Error codes. VPN_PERMISSION_DENIED is the code UI clients already match on.
const (
	CodeInvalidArgument   = "INVALID_ARGUMENT"
	CodeAlreadyRunning    = "ALREADY_RUNNING"
	CodePermissionDenied  = "VPN_PERMISSION_DENIED"
	CodeSuperseded        = "SUPERSEDED"
	CodeEstablishFailed   = "ESTABLISH_FAILED"
	CodeEngineStartFailed = "ENGINE_START_FAILED"
	CodeCancelled         = "CANCELLED"
	CodeNotImplemented    = "NOT_IMPLEMENTED"
	CodeInterfaceLost     = "INTERFACE_LOST"
	CodeInternal          = "INTERNAL"
)

var codes = []struct {
	code     string
	sentinel error
}{
	{CodeInvalidArgument, common.ErrInvalidArgument},
	{CodeAlreadyRunning, common.ErrAlreadyRunning},
	{CodePermissionDenied, common.ErrPermissionDenied},
	{CodeSuperseded, common.ErrSuperseded},
	{CodeEstablishFailed, common.ErrEstablishFailed},
	{CodeEngineStartFailed, common.ErrEngineStartFailed},
	{CodeCancelled, common.ErrCancelled},
	{CodeNotImplemented, common.ErrNotImplemented},
	{CodeInterfaceLost, common.ErrInterfaceLost},
}

// Error is a typed failure carried in a response frame. It unwraps to the
// matching common sentinel, so callers can use errors.Is on the client side.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	for _, c := range codes {
		if c.code == e.Code {
			return c.sentinel
		}
	}
	return nil
}

// toError classifies err into a wire error.
func toError(err error) *Error {
	if err == nil {
		return nil
	}
	var wire *Error
	if errors.As(err, &wire) {
		return wire
	}
	sentinel := common.Classify(err)
	for _, c := range codes {
		if c.sentinel == sentinel {
			return &Error{Code: c.code, Message: err.Error()}
		}
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// StateView is the wire form of a session snapshot or transition.
type StateView struct {
	State     string    `json:"state"`
	Previous  string    `json:"previous,omitempty"`
	HasConfig bool      `json:"has_config"`
	TunFD     int       `json:"tun_fd"`
	TunName   string    `json:"tun_name,omitempty"`
	LastError *Error    `json:"last_error,omitempty"`
	Uptime    float64   `json:"uptime_seconds,omitempty"`
	Time      time.Time `json:"time"`
}

// FromSnapshot renders a session snapshot.
func FromSnapshot(s vpn.Snapshot) StateView {
	return StateView{
		State:     s.State.String(),
		HasConfig: s.HasConfig,
		TunFD:     s.TunFD,
		TunName:   s.TunName,
		LastError: toError(s.LastError),
		Uptime:    s.Uptime().Seconds(),
		Time:      time.Now().UTC(),
	}
}

// FromEvent renders a state transition.
func FromEvent(e vpn.Event) StateView {
	return StateView{
		State:     e.State.String(),
		Previous:  e.Previous.String(),
		TunFD:     -1,
		LastError: toError(e.Err),
		Time:      e.Time.UTC(),
	}
}
