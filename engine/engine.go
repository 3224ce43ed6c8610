// Package engine defines the boundary between the session daemon and the
// tunneling engine that moves packets. The engine is opaque: it receives a
// configuration string and a Platform, and is started and closed as a unit.
package engine

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"github.com/wangn9900/Slux/tun"
)

// Engine is a running tunnel core.
type Engine interface {
	// Start brings the engine up. It may call back into the Platform,
	// typically OpenTun, before returning.
	Start() error
	// Close shuts the engine down. It must be safe to call while Start is
	// still running and more than once.
	Close() error
}

// Platform is the capability surface an engine calls back into.
type Platform interface {
	// OpenTun returns the descriptor of a virtual interface built from the
	// requested options merged over the defaults.
	OpenTun(requested tun.Options) (int, error)
	// UsePlatformInterfaceControl reports whether the engine should route
	// its sockets through ProtectSocket.
	UsePlatformInterfaceControl() bool
	// ProtectSocket excludes fd from the tunnel routes. It returns false
	// only when the OS refused.
	ProtectSocket(fd int) bool
	// WriteLog forwards an engine log line. It never blocks.
	WriteLog(message string)
	// UseProcFS reports whether the engine may inspect /proc itself instead
	// of asking FindConnectionOwner.
	UseProcFS() bool
	// FindConnectionOwner returns the uid owning a connection.
	FindConnectionOwner(ipProtocol int32, source, destination netip.AddrPort) (int32, bool)
	// PackageNameByUID returns the account name behind uid.
	PackageNameByUID(uid int32) (string, bool)
	// UIDByPackageName is the reverse of PackageNameByUID.
	UIDByPackageName(name string) (int32, bool)
}

// Driver builds engines.
type Driver interface {
	Name() string
	New(config string, platform Platform) (Engine, error)
}

// OptionsRequester is implemented by drivers that can tell, before the
// engine exists, which interface options a configuration asks for.
type OptionsRequester interface {
	RequestedOptions(config string) (tun.Options, error)
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// Register makes a driver available by name. Registering a name twice
// panics.
func Register(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[d.Name()]; dup {
		panic("engine: driver registered twice: " + d.Name())
	}
	drivers[d.Name()] = d
}

// Lookup returns the driver registered under name.
func Lookup(name string) (Driver, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	d, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown engine %q (available: %v)", name, driverNames())
	}
	return d, nil
}

// Drivers returns the registered driver names, sorted.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	return driverNames()
}

func driverNames() []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
