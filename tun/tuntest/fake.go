// Package tuntest provides an in-memory tun.Provisioner for tests.
package tuntest

import (
	"context"
	"fmt"
	"sync"

	"github.com/wangn9900/Slux/tun"
)

// Provisioner hands out fake devices with increasing descriptor numbers.
type Provisioner struct {
	mu sync.Mutex

	// Err, when set, is returned by the next Establish calls.
	Err error
	// Block, when set, makes Establish wait until it is closed or ctx ends.
	Block chan struct{}
	// IgnoreContext makes a blocked Establish succeed once Block is closed
	// even if ctx has expired.
	IgnoreContext bool

	nextFD      int
	links       map[string]bool
	Established []tun.Options
	Closed      []string
	Removed     []string
}

// NewProvisioner returns an empty fake.
func NewProvisioner() *Provisioner {
	return &Provisioner{nextFD: 100, links: make(map[string]bool)}
}

// Device is a fake open interface.
type Device struct {
	p      *Provisioner
	fd     int
	name   string
	closed bool
}

func (d *Device) FD() int      { return d.fd }
func (d *Device) Name() string { return d.name }

func (d *Device) Close() error {
	d.p.mu.Lock()
	defer d.p.mu.Unlock()
	if d.closed {
		return fmt.Errorf("fd %d closed twice", d.fd)
	}
	d.closed = true
	d.p.Closed = append(d.p.Closed, d.name)
	return nil
}

func (p *Provisioner) Establish(ctx context.Context, opts tun.Options) (tun.Device, error) {
	p.mu.Lock()
	block, err := p.Block, p.Err
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			if !p.IgnoreContext {
				return nil, ctx.Err()
			}
			<-block
		}
	}
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextFD++
	name := fmt.Sprintf("slux%d", p.nextFD-101)
	p.links[name] = true
	p.Established = append(p.Established, opts)
	return &Device{p: p, fd: p.nextFD, name: name}, nil
}

func (p *Provisioner) Alive(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.links[name]
}

func (p *Provisioner) Remove(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.links[name] {
		p.Removed = append(p.Removed, name)
	}
	delete(p.links, name)
	return nil
}

// AddLink simulates an interface that exists at the OS level, e.g. one left
// by a crashed process.
func (p *Provisioner) AddLink(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.links[name] = true
}

// DropLink simulates the OS removing an interface behind our back.
func (p *Provisioner) DropLink(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.links, name)
}

// SetErr changes the error returned by Establish.
func (p *Provisioner) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Err = err
}

// Counts returns how many devices were established and closed.
func (p *Provisioner) Counts() (established, closed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Established), len(p.Closed)
}

// LastOptions returns the options of the most recent Establish.
func (p *Provisioner) LastOptions() (tun.Options, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Established) == 0 {
		return tun.Options{}, false
	}
	return p.Established[len(p.Established)-1], true
}
