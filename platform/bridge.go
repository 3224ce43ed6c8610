// Package platform implements the capability surface the tunneling engine
// calls back into. It holds no session state of its own: interface creation
// is delegated to the session through TunOwner, everything else to small
// OS adapters.
package platform

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wangn9900/Slux/common"
	"github.com/wangn9900/Slux/engine"
	"github.com/wangn9900/Slux/tun"
)

// TunOwner is the session that owns the virtual interface. Every call
// names the start attempt the calling engine belongs to; an owner refuses
// calls from an attempt that is no longer current.
type TunOwner interface {
	// ActiveTun returns the interface of the session being established or
	// running.
	ActiveTun(attempt uint64) (tun.Descriptor, bool)
	// ReplaceTun establishes an interface with opts and releases the
	// previous one.
	ReplaceTun(ctx context.Context, attempt uint64, opts tun.Options) (tun.Descriptor, error)
}

// Protector keeps a socket out of the tunnel routes.
type Protector interface {
	Protect(fd int) error
}

// OwnerFinder answers process ownership queries.
type OwnerFinder interface {
	FindOwner(ipProtocol int32, source, destination netip.AddrPort) (int32, error)
	UserName(uid int32) (string, error)
	UID(name string) (int32, error)
}

// Options configures a Bridge.
type Options struct {
	// Defaults are merged under every OpenTun request.
	Defaults tun.Options
	Owner    TunOwner
	// Protector is optional; without one ProtectSocket always fails.
	Protector Protector
	// Owners is optional; without one ownership queries come back empty.
	Owners OwnerFinder
	// Logger receives engine log lines. Defaults to the application logger.
	Logger common.Logger
	// LogBuffer is the number of lines queued before new ones are dropped.
	LogBuffer int
	// ProcFS lets the engine inspect /proc itself.
	ProcFS bool
	// OpenTimeout bounds a ReplaceTun triggered by OpenTun.
	OpenTimeout time.Duration
}

// Bridge holds the capabilities shared by every engine. Engines are handed
// a per-attempt view from For, never the Bridge itself.
type Bridge struct {
	defaults    tun.Options
	owner       TunOwner
	protector   Protector
	owners      OwnerFinder
	logger      common.Logger
	procFS      bool
	openTimeout time.Duration

	openMu      sync.Mutex
	openErr     error
	openAttempt uint64

	logs    chan string
	dropped atomic.Uint64
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// attemptPlatform is the engine.Platform of one start attempt.
type attemptPlatform struct {
	*Bridge
	attempt uint64
}

var _ engine.Platform = attemptPlatform{}

// NewBridge creates a Bridge and starts its log pump.
func NewBridge(opts Options) *Bridge {
	if opts.Defaults.IsZero() {
		opts.Defaults = tun.DefaultOptions()
	}
	if opts.Logger == nil {
		opts.Logger = common.GetLogger()
	}
	if opts.LogBuffer <= 0 {
		opts.LogBuffer = 256
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = common.EstablishTimeout
	}
	b := &Bridge{
		defaults:    opts.Defaults.Clone(),
		owner:       opts.Owner,
		protector:   opts.Protector,
		owners:      opts.Owners,
		logger:      opts.Logger,
		procFS:      opts.ProcFS,
		openTimeout: opts.OpenTimeout,
		logs:        make(chan string, opts.LogBuffer),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	go b.pump()
	return b
}

// SetOwner attaches the session. The composition root creates the bridge
// before the session exists.
func (b *Bridge) SetOwner(owner TunOwner) {
	b.openMu.Lock()
	defer b.openMu.Unlock()
	b.owner = owner
}

// Defaults returns the options OpenTun merges requests over.
func (b *Bridge) Defaults() tun.Options {
	return b.defaults.Clone()
}

// For returns the platform handed to the engine created for attempt.
func (b *Bridge) For(attempt uint64) engine.Platform {
	return attemptPlatform{Bridge: b, attempt: attempt}
}

// OpenTun implements engine.Platform. If the session already holds an
// interface with the effective options its descriptor is returned as is;
// otherwise the session re-establishes one. Engines of an attempt that
// ended are refused.
func (p attemptPlatform) OpenTun(requested tun.Options) (int, error) {
	return p.openTun(p.attempt, requested)
}

func (b *Bridge) openTun(attempt uint64, requested tun.Options) (int, error) {
	opts := tun.Merge(b.defaults, requested)

	b.openMu.Lock()
	owner := b.owner
	b.openMu.Unlock()
	if owner == nil {
		return -1, fmt.Errorf("%w: no session", common.ErrEstablishFailed)
	}

	if d, ok := owner.ActiveTun(attempt); ok && d.Options.Equal(opts) {
		return d.FD, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.openTimeout)
	defer cancel()
	d, err := owner.ReplaceTun(ctx, attempt, opts)
	if err != nil {
		b.openMu.Lock()
		b.openErr, b.openAttempt = err, attempt
		b.openMu.Unlock()
		return -1, err
	}
	return d.FD, nil
}

// TakeOpenError returns the last OpenTun failure of attempt and forgets it.
// The session uses it to tell an interface failure apart from an engine
// failure when Start returns an error.
func (b *Bridge) TakeOpenError(attempt uint64) error {
	b.openMu.Lock()
	defer b.openMu.Unlock()
	if b.openErr == nil || b.openAttempt != attempt {
		return nil
	}
	err := b.openErr
	b.openErr = nil
	return err
}

// UsePlatformInterfaceControl implements engine.Platform.
func (b *Bridge) UsePlatformInterfaceControl() bool {
	return b.protector != nil
}

// ProtectSocket implements engine.Platform.
func (b *Bridge) ProtectSocket(fd int) bool {
	if b.protector == nil {
		return false
	}
	if err := b.protector.Protect(fd); err != nil {
		common.LogWarn("Could not protect socket %d: %v", fd, err)
		return false
	}
	return true
}

// WriteLog implements engine.Platform. Lines are dropped, never blocked on,
// when the pump falls behind.
func (b *Bridge) WriteLog(message string) {
	select {
	case b.logs <- message:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many log lines were discarded.
func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bridge) pump() {
	defer close(b.stopped)
	for {
		select {
		case msg := <-b.logs:
			b.logger.Info("[engine] %s", msg)
		case <-b.stop:
			for {
				select {
				case msg := <-b.logs:
					b.logger.Info("[engine] %s", msg)
				default:
					return
				}
			}
		}
	}
}

// Close flushes queued log lines and stops the pump.
func (b *Bridge) Close() {
	b.once.Do(func() {
		close(b.stop)
		<-b.stopped
		if n := b.Dropped(); n > 0 {
			common.LogWarn("Dropped %d engine log lines", n)
		}
	})
}

// UseProcFS implements engine.Platform.
func (b *Bridge) UseProcFS() bool {
	return b.procFS
}

// FindConnectionOwner implements engine.Platform.
func (b *Bridge) FindConnectionOwner(ipProtocol int32, source, destination netip.AddrPort) (int32, bool) {
	if b.owners == nil {
		return 0, false
	}
	uid, err := b.owners.FindOwner(ipProtocol, source, destination)
	if err != nil {
		common.LogDebug("Owner of %s -> %s unknown: %v", source, destination, err)
		return 0, false
	}
	return uid, true
}

// PackageNameByUID implements engine.Platform.
func (b *Bridge) PackageNameByUID(uid int32) (string, bool) {
	if b.owners == nil {
		return "", false
	}
	name, err := b.owners.UserName(uid)
	if err != nil {
		return "", false
	}
	return name, true
}

// UIDByPackageName implements engine.Platform.
func (b *Bridge) UIDByPackageName(name string) (int32, bool) {
	if b.owners == nil {
		return 0, false
	}
	uid, err := b.owners.UID(name)
	if err != nil {
		return 0, false
	}
	return uid, true
}
