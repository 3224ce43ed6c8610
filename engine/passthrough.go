package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/wangn9900/Slux/tun"
)

// PassthroughName is the name of the built-in driver.
const PassthroughName = "passthrough"

func init() {
	Register(Passthrough{})
}

// Passthrough is an engine that moves no packets. It opens the interface
// through the Platform and leaves the descriptor to whoever asks for it
// over the control channel, which turns the daemon into a plain
// descriptor broker.
type Passthrough struct{}

// Name implements Driver.
func (Passthrough) Name() string { return PassthroughName }

// RequestedOptions implements OptionsRequester.
func (Passthrough) RequestedOptions(config string) (tun.Options, error) {
	return TunRequest(config)
}

// New implements Driver. A JSON object config must parse; anything else is
// taken as opaque and the interface defaults apply.
func (Passthrough) New(config string, platform Platform) (Engine, error) {
	if !Opaque(config) {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal([]byte(config), &doc); err != nil {
			return nil, fmt.Errorf("passthrough: config is not a JSON object: %w", err)
		}
	}
	requested, err := TunRequest(config)
	if err != nil {
		return nil, fmt.Errorf("passthrough: %w", err)
	}
	return &passthroughEngine{config: config, requested: requested, platform: platform}, nil
}

type passthroughEngine struct {
	config    string
	requested tun.Options
	platform  Platform

	mu        sync.Mutex
	started   bool
	closed    bool
	effective string
}

var errEngineClosed = errors.New("engine closed")

func (e *passthroughEngine) Start() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errEngineClosed
	}
	e.mu.Unlock()

	fd, err := e.platform.OpenTun(e.requested)
	if err != nil {
		return fmt.Errorf("open tun: %w", err)
	}
	effective, err := InjectTunDescriptor(e.config, fd)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errEngineClosed
	}
	e.started = true
	e.effective = effective
	e.platform.WriteLog(fmt.Sprintf("passthrough: attached to fd %d", fd))
	return nil
}

func (e *passthroughEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.started {
		e.platform.WriteLog("passthrough: detached")
	}
	return nil
}
