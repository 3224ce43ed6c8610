// Package vpn provides the session controller.
// This file contains the Controller type which drives consent, the virtual
// interface and the engine through the session lifecycle.
package vpn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wangn9900/Slux/common"
	"github.com/wangn9900/Slux/engine"
	"github.com/wangn9900/Slux/permission"
	"github.com/wangn9900/Slux/platform"
	"github.com/wangn9900/Slux/tun"
)

// Broker negotiates consent. *permission.Broker implements it.
type Broker interface {
	Check() bool
	Request() *permission.Request
	Cancel(token string) bool
}

// Tuns owns virtual interfaces. *tun.Manager implements it.
type Tuns interface {
	Establish(ctx context.Context, opts tun.Options) (tun.Descriptor, error)
	Release(d tun.Descriptor) error
	Alive(d tun.Descriptor) bool
}

// Bridge is the engine's capability surface. *platform.Bridge implements it.
type Bridge interface {
	For(attempt uint64) engine.Platform
	SetOwner(owner platform.TunOwner)
	Defaults() tun.Options
	TakeOpenError(attempt uint64) error
}

// Presence follows the running state. *presence.Manager implements it.
type Presence interface {
	Show(ctx context.Context) error
	Hide(ctx context.Context) error
}

// Options wires a Controller.
type Options struct {
	Broker   Broker
	Tuns     Tuns
	Driver   engine.Driver
	Bridge   Bridge
	Presence Presence

	EngineStartTimeout time.Duration
	EngineStopTimeout  time.Duration
}

// Controller is the single owner and writer of session state.
//
// Three locks are involved. reqMu serializes the consent request of Start,
// which may block on the keyring. opMu serializes establish and teardown
// sequences and is held for their whole duration. mu guards the session
// fields and is only held briefly and never across a broker, keyring or
// engine call, so queries never wait behind a consent prompt or an engine
// start.
type Controller struct {
	broker   Broker
	tuns     Tuns
	driver   engine.Driver
	bridge   Bridge
	presence Presence

	startTimeout time.Duration
	stopTimeout  time.Duration

	reqMu sync.Mutex
	opMu  sync.Mutex

	mu      sync.Mutex
	s       session
	subs    map[int]chan Event
	nextSub int
}

type session struct {
	state   State
	config  string
	tun     tun.Descriptor
	engine  engine.Engine
	lastErr error
	token   string
	// attempt identifies the current start request. Anything that ends a
	// request (supersede, stop) bumps it so stale waiters can tell.
	attempt   uint64
	startedAt time.Time
}

var _ platform.TunOwner = (*Controller)(nil)

// NewController creates a Controller in StateIdle and attaches it to the
// bridge as the interface owner.
func NewController(opts Options) (*Controller, error) {
	switch {
	case opts.Broker == nil:
		return nil, errors.New("vpn: broker is required")
	case opts.Tuns == nil:
		return nil, errors.New("vpn: tun manager is required")
	case opts.Driver == nil:
		return nil, errors.New("vpn: engine driver is required")
	case opts.Bridge == nil:
		return nil, errors.New("vpn: platform bridge is required")
	case opts.Presence == nil:
		return nil, errors.New("vpn: presence manager is required")
	}
	if opts.EngineStartTimeout <= 0 {
		opts.EngineStartTimeout = common.EngineStartTimeout
	}
	if opts.EngineStopTimeout <= 0 {
		opts.EngineStopTimeout = common.EngineStopTimeout
	}

	c := &Controller{
		broker:       opts.Broker,
		tuns:         opts.Tuns,
		driver:       opts.Driver,
		bridge:       opts.Bridge,
		presence:     opts.Presence,
		startTimeout: opts.EngineStartTimeout,
		stopTimeout:  opts.EngineStopTimeout,
		subs:         make(map[int]chan Event),
	}
	c.bridge.SetOwner(c)
	return c, nil
}

// Start brings the tunnel up with the given engine configuration. It returns
// once the session is Running (nil) or the attempt ended: rejected,
// superseded by a newer Start, cancelled, or Failed.
//
// Cancelling ctx only matters while waiting for consent; once the interface
// is being established the attempt runs to completion under its own
// timeouts.
func (c *Controller) Start(ctx context.Context, config string) error {
	if strings.TrimSpace(config) == "" {
		return fmt.Errorf("%w: empty configuration", common.ErrInvalidArgument)
	}

	c.reqMu.Lock()
	c.mu.Lock()
	if c.s.state.Busy() {
		state := c.s.state
		c.mu.Unlock()
		c.reqMu.Unlock()
		return fmt.Errorf("%w: session is %s", common.ErrAlreadyRunning, state)
	}
	// Bumping the attempt first tells an older Start still awaiting consent
	// that it lost, before its request is superseded below.
	c.s.attempt++
	attempt := c.s.attempt
	c.mu.Unlock()

	req := c.broker.Request()

	c.mu.Lock()
	if c.s.attempt != attempt {
		// Stopped while the request was being made.
		c.mu.Unlock()
		c.reqMu.Unlock()
		c.broker.Cancel(req.Token)
		return common.ErrSuperseded
	}
	c.s.config = config
	c.s.lastErr = nil
	if req.AlreadyGranted() {
		c.s.token = ""
		c.setStateLocked(StateEstablishing, nil)
	} else {
		c.s.token = req.Token
		c.setStateLocked(StateAwaitingPermission, nil)
	}
	c.mu.Unlock()
	c.reqMu.Unlock()

	if !req.AlreadyGranted() {
		if err := c.awaitConsent(ctx, attempt, req); err != nil {
			return err
		}
	}
	return c.establish(ctx, attempt)
}

func (c *Controller) awaitConsent(ctx context.Context, attempt uint64, req *permission.Request) error {
	select {
	case <-req.Done():
	case <-ctx.Done():
		c.mu.Lock()
		if c.s.attempt == attempt && c.s.state == StateAwaitingPermission {
			c.s.attempt++
			c.broker.Cancel(req.Token)
			c.s.token = ""
			c.s.config = ""
			c.setStateLocked(StateIdle, nil)
		}
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", common.ErrCancelled, ctx.Err())
	}

	res := req.Result()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.s.attempt != attempt || c.s.state != StateAwaitingPermission {
		return common.ErrSuperseded
	}
	c.s.token = ""

	if errors.Is(res.Err, common.ErrSuperseded) {
		// Only reachable if someone cancelled the request behind our back.
		c.s.attempt++
		c.s.config = ""
		c.setStateLocked(StateIdle, nil)
		return common.ErrSuperseded
	}
	if res.Err != nil || !res.Granted {
		err := common.ErrPermissionDenied
		if res.Err != nil {
			err = fmt.Errorf("%w: %v", common.ErrPermissionDenied, res.Err)
		}
		c.failLocked(err)
		return err
	}

	c.setStateLocked(StateEstablishing, nil)
	return nil
}

// establish runs the bring-up sequence: interface, engine instance, engine
// start. Any failure rolls back everything before the session is Failed.
func (c *Controller) establish(ctx context.Context, attempt uint64) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.s.attempt != attempt || c.s.state != StateEstablishing {
		c.mu.Unlock()
		return common.ErrSuperseded
	}
	config := c.s.config
	c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)

	opts := c.bridge.Defaults()
	if requester, ok := c.driver.(engine.OptionsRequester); ok {
		requested, err := requester.RequestedOptions(config)
		if err != nil {
			return c.rollback(ctx, fmt.Errorf("%w: %v", common.ErrEngineStartFailed, err))
		}
		opts = tun.Merge(opts, requested)
	}

	desc, err := c.tuns.Establish(ctx, opts)
	if err != nil {
		return c.rollback(ctx, err)
	}
	c.mu.Lock()
	c.s.tun = desc
	c.mu.Unlock()

	eng, err := c.driver.New(config, c.bridge.For(attempt))
	if err != nil {
		return c.rollback(ctx, fmt.Errorf("%w: %v", common.ErrEngineStartFailed, err))
	}
	c.mu.Lock()
	c.s.engine = eng
	c.mu.Unlock()

	if err := c.startEngine(eng); err != nil {
		if openErr := c.bridge.TakeOpenError(attempt); openErr != nil {
			return c.rollback(ctx, openErr)
		}
		return c.rollback(ctx, err)
	}

	c.mu.Lock()
	c.s.startedAt = time.Now()
	c.setStateLocked(StateRunning, nil)
	c.mu.Unlock()

	if err := c.presence.Show(ctx); err != nil {
		common.LogWarn("Could not show foreground indicator: %v", err)
	}
	return nil
}

func (c *Controller) startEngine(eng engine.Engine) error {
	done := make(chan error, 1)
	go func() { done <- eng.Start() }()

	timer := time.NewTimer(c.startTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrEngineStartFailed, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: no answer within %v", common.ErrEngineStartFailed, c.startTimeout)
	}
}

// rollback undoes a partial bring-up and moves the session to Failed. The
// interface is released before Failed is published.
func (c *Controller) rollback(ctx context.Context, cause error) error {
	c.mu.Lock()
	// The engine may still be running its Start; retire its attempt so it
	// can no longer open or replace interfaces.
	c.s.attempt++
	eng := c.s.engine
	c.mu.Unlock()
	if eng != nil {
		c.stopEngine(eng)
	}

	c.mu.Lock()
	desc := c.s.tun
	c.s.tun = tun.Descriptor{}
	c.s.engine = nil
	c.mu.Unlock()
	c.releaseTun(desc)

	c.mu.Lock()
	c.failLocked(cause)
	c.mu.Unlock()
	common.LogError("Session start failed: %v", cause)
	return cause
}

// failLocked records cause and moves to Failed. The config is dropped: a
// retry brings its own.
func (c *Controller) failLocked(cause error) {
	c.s.lastErr = cause
	c.s.config = ""
	c.s.token = ""
	c.s.startedAt = time.Time{}
	c.setStateLocked(StateFailed, cause)
}

// stopEngine closes eng, giving up after the stop timeout. A stuck engine
// is abandoned and its interface released regardless.
func (c *Controller) stopEngine(eng engine.Engine) {
	done := make(chan error, 1)
	go func() { done <- eng.Close() }()

	timer := time.NewTimer(c.stopTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			common.LogWarn("%v: engine close: %v", common.ErrTeardown, err)
		}
	case <-timer.C:
		common.LogError("%v: engine did not stop within %v, force-releasing", common.ErrTeardown, c.stopTimeout)
	}
}

func (c *Controller) releaseTun(desc tun.Descriptor) {
	if !desc.Valid() {
		return
	}
	if err := c.tuns.Release(desc); err != nil {
		common.LogWarn("%v", err)
	}
}

// Stop tears the session down and leaves it Idle. It is idempotent and
// never fails: teardown errors are logged and swallowed.
func (c *Controller) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	switch c.s.state {
	case StateIdle:
		c.mu.Unlock()
		return nil
	case StateFailed:
		c.setStateLocked(StateIdle, nil)
		c.mu.Unlock()
		c.hidePresence(ctx)
		return nil
	case StateAwaitingPermission:
		c.s.attempt++
		c.broker.Cancel(c.s.token)
		c.s.token = ""
		c.s.config = ""
		c.setStateLocked(StateIdle, nil)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.terminate(ctx, nil)
	return nil
}

// Abort tears a running session down and leaves it Failed with cause.
// It does nothing unless the session is Running.
func (c *Controller) Abort(ctx context.Context, cause error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	running := c.s.state == StateRunning
	c.mu.Unlock()
	if running {
		common.LogError("Aborting session: %v", cause)
		c.terminate(ctx, cause)
	}
}

// terminate runs every teardown step unconditionally. Caller holds opMu.
func (c *Controller) terminate(ctx context.Context, cause error) {
	c.mu.Lock()
	c.s.attempt++
	eng, desc := c.s.engine, c.s.tun
	c.s.engine = nil
	c.s.tun = tun.Descriptor{}
	c.setStateLocked(StateStopping, nil)
	c.mu.Unlock()

	if eng != nil {
		c.stopEngine(eng)
	}
	c.releaseTun(desc)
	c.hidePresence(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if cause != nil {
		c.failLocked(cause)
		return
	}
	c.s.config = ""
	c.s.startedAt = time.Time{}
	c.setStateLocked(StateIdle, nil)
}

func (c *Controller) hidePresence(ctx context.Context) {
	if err := c.presence.Hide(ctx); err != nil {
		common.LogWarn("%v: hide foreground indicator: %v", common.ErrTeardown, err)
	}
}

// Acknowledge clears a Failed session back to Idle.
func (c *Controller) Acknowledge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.s.state == StateFailed {
		c.setStateLocked(StateIdle, nil)
	}
}

// Shutdown stops the session for process exit.
func (c *Controller) Shutdown(ctx context.Context) error {
	return c.Stop(ctx)
}

// PermissionGranted reports whether consent already exists.
func (c *Controller) PermissionGranted() bool {
	return c.broker.Check()
}

// TunFD returns the descriptor of the running interface, or -1.
func (c *Controller) TunFD() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.s.state != StateRunning || !c.s.tun.Valid() {
		return -1
	}
	return c.s.tun.FD
}

// TunAlive reports whether the running interface still exists.
func (c *Controller) TunAlive() bool {
	c.mu.Lock()
	desc := c.s.tun
	running := c.s.state == StateRunning
	c.mu.Unlock()
	return running && c.tuns.Alive(desc)
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.state
}

// Snapshot returns a copy of the session.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		State:     c.s.state,
		HasConfig: c.s.config != "",
		TunFD:     -1,
		LastError: c.s.lastErr,
		Token:     c.s.token,
		StartedAt: c.s.startedAt,
	}
	if c.s.tun.Valid() {
		snap.TunFD = c.s.tun.FD
		snap.TunName = c.s.tun.Name
	}
	return snap
}

// ActiveTun implements platform.TunOwner.
func (c *Controller) ActiveTun(attempt uint64) (tun.Descriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.activeLocked(attempt) || !c.s.tun.Valid() {
		return tun.Descriptor{}, false
	}
	return c.s.tun, true
}

// activeLocked reports whether attempt is the session being established
// or running. Caller holds mu.
func (c *Controller) activeLocked(attempt uint64) bool {
	return c.s.attempt == attempt &&
		(c.s.state == StateEstablishing || c.s.state == StateRunning)
}

// ReplaceTun implements platform.TunOwner. It runs on the engine's call
// stack inside establish, so it must not take opMu. An engine left behind
// by an earlier attempt never touches the current interface.
func (c *Controller) ReplaceTun(ctx context.Context, attempt uint64, opts tun.Options) (tun.Descriptor, error) {
	c.mu.Lock()
	active := c.activeLocked(attempt)
	c.mu.Unlock()
	if !active {
		return tun.Descriptor{}, fmt.Errorf("%w: attempt %d is no longer active", common.ErrEstablishFailed, attempt)
	}

	desc, err := c.tuns.Establish(ctx, opts)
	if err != nil {
		return tun.Descriptor{}, err
	}

	c.mu.Lock()
	if !c.activeLocked(attempt) {
		c.mu.Unlock()
		c.releaseTun(desc)
		return tun.Descriptor{}, fmt.Errorf("%w: attempt %d is no longer active", common.ErrEstablishFailed, attempt)
	}
	old := c.s.tun
	c.s.tun = desc
	c.mu.Unlock()

	common.LogInfo("Engine requested %s, replaced %s with %s", opts, old.Name, desc.Name)
	c.releaseTun(old)
	return desc, nil
}

// Subscribe returns a channel receiving every state transition. Slow
// subscribers miss events instead of stalling the session. The returned
// function unsubscribes and closes the channel.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			close(ch)
			c.mu.Unlock()
		})
	}
}

// setStateLocked records a transition and publishes it. Caller holds mu.
func (c *Controller) setStateLocked(to State, err error) {
	from := c.s.state
	if !allowedTransition(from, to) {
		common.LogError("Illegal session transition %s -> %s", from, to)
	}
	c.s.state = to
	if err != nil {
		common.LogInfo("Session state %s -> %s: %v", from, to, err)
	} else {
		common.LogInfo("Session state %s -> %s", from, to)
	}

	ev := Event{State: to, Previous: from, Err: err, Time: time.Now()}
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
