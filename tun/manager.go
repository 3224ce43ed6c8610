package tun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/wangn9900/Slux/common"
)

// Device is an open virtual interface.
type Device interface {
	// FD returns the raw descriptor. It stays valid until Close.
	FD() int
	// Name returns the kernel interface name.
	Name() string
	// Close closes the descriptor.
	Close() error
}

// Provisioner creates and inspects virtual interfaces at the OS level.
type Provisioner interface {
	// Establish creates and configures a non-blocking interface.
	Establish(ctx context.Context, opts Options) (Device, error)
	// Alive reports whether an interface with that name still exists.
	Alive(name string) bool
	// Remove deletes the named interface. Missing interfaces are not an error.
	Remove(name string) error
}

// Descriptor is a read-only reference to an interface owned by a Manager.
// ID is unique per Manager, so a released descriptor can never alias a
// newer interface that happens to get the same fd number.
type Descriptor struct {
	ID      uint64
	FD      int
	Name    string
	Options Options
}

// Valid reports whether d refers to an established interface.
func (d Descriptor) Valid() bool {
	return d.ID != 0
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Provisioner      Provisioner
	Ledger           Ledger // optional
	EstablishTimeout time.Duration
}

// Manager exclusively owns every interface it establishes. Callers only
// ever see Descriptors; the Device itself never leaves the Manager.
type Manager struct {
	provisioner Provisioner
	ledger      Ledger
	timeout     time.Duration

	mu      sync.Mutex
	nextID  uint64
	devices map[uint64]*owned
}

type owned struct {
	dev  Device
	desc Descriptor
}

// NewManager creates a Manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.EstablishTimeout <= 0 {
		opts.EstablishTimeout = common.EstablishTimeout
	}
	return &Manager{
		provisioner: opts.Provisioner,
		ledger:      opts.Ledger,
		timeout:     opts.EstablishTimeout,
		devices:     make(map[uint64]*owned),
	}
}

// Establish creates an interface with the given options. Failures, including
// the establish timeout, are reported as common.ErrEstablishFailed.
func (m *Manager) Establish(ctx context.Context, opts Options) (Descriptor, error) {
	if err := opts.Validate(); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", common.ErrEstablishFailed, err)
	}
	opts = opts.Clone()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	type result struct {
		dev Device
		err error
	}
	done := make(chan result, 1)
	go func() {
		dev, err := m.provisioner.Establish(ctx, opts)
		done <- result{dev, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return Descriptor{}, fmt.Errorf("%w: %v", common.ErrEstablishFailed, r.err)
		}
		return m.adopt(ctx, r.dev, opts), nil
	case <-ctx.Done():
		// The provisioner may still succeed; nobody will own that device.
		go func() {
			if r := <-done; r.dev != nil {
				common.LogWarn("Discarding interface %s established after timeout", r.dev.Name())
				m.destroy(r.dev)
			}
		}()
		return Descriptor{}, fmt.Errorf("%w: %v", common.ErrEstablishFailed, ctx.Err())
	}
}

func (m *Manager) adopt(ctx context.Context, dev Device, opts Options) Descriptor {
	m.mu.Lock()
	m.nextID++
	desc := Descriptor{
		ID:      m.nextID,
		FD:      dev.FD(),
		Name:    dev.Name(),
		Options: opts,
	}
	m.devices[desc.ID] = &owned{dev: dev, desc: desc}
	m.mu.Unlock()

	if m.ledger != nil {
		lease := Lease{Name: desc.Name, PID: os.Getpid(), CreatedAt: time.Now()}
		if err := m.ledger.Record(context.WithoutCancel(ctx), lease); err != nil {
			common.LogWarn("Could not record lease for %s: %v", desc.Name, err)
		}
	}

	common.LogInfo("Established %s (fd %d, %s)", desc.Name, desc.FD, opts)
	return desc
}

// Release closes the interface behind d. Releasing an unknown or already
// released descriptor is a no-op.
func (m *Manager) Release(d Descriptor) error {
	m.mu.Lock()
	o, ok := m.devices[d.ID]
	if ok {
		delete(m.devices, d.ID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	common.LogInfo("Releasing %s (fd %d)", o.desc.Name, o.desc.FD)
	if err := m.destroy(o.dev); err != nil {
		return fmt.Errorf("%w: release %s: %w", common.ErrTeardown, o.desc.Name, err)
	}
	return nil
}

func (m *Manager) destroy(dev Device) error {
	name := dev.Name()
	errs := []error{dev.Close(), m.provisioner.Remove(name)}
	if m.ledger != nil {
		errs = append(errs, m.ledger.Remove(context.Background(), name))
	}
	return errors.Join(errs...)
}

// Held reports whether d is still owned by the Manager.
func (m *Manager) Held(d Descriptor) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.devices[d.ID]
	return ok
}

// Alive reports whether d is held and the OS still has the interface.
func (m *Manager) Alive(d Descriptor) bool {
	return m.Held(d) && m.provisioner.Alive(d.Name)
}

// Active returns all held descriptors.
func (m *Manager) Active() []Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Descriptor, 0, len(m.devices))
	for _, o := range m.devices {
		out = append(out, o.desc)
	}
	return out
}

// ReleaseAll releases every held interface.
func (m *Manager) ReleaseAll() error {
	var errs []error
	for _, d := range m.Active() {
		errs = append(errs, m.Release(d))
	}
	return errors.Join(errs...)
}

// Reconcile removes interfaces recorded in the ledger that this Manager does
// not hold, i.e. leftovers from a previous process. It returns how many
// interfaces were removed from the OS.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	if m.ledger == nil {
		return 0, nil
	}
	leases, err := m.ledger.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list leases: %w", err)
	}

	held := make(map[string]bool)
	for _, d := range m.Active() {
		held[d.Name] = true
	}

	removed := 0
	var errs []error
	for _, l := range leases {
		if held[l.Name] {
			continue
		}
		if m.provisioner.Alive(l.Name) {
			common.LogWarn("Removing leftover interface %s from pid %d", l.Name, l.PID)
			if err := m.provisioner.Remove(l.Name); err != nil {
				errs = append(errs, fmt.Errorf("remove %s: %w", l.Name, err))
				continue
			}
			removed++
		}
		if err := m.ledger.Remove(ctx, l.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}
