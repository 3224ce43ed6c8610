// Package vpn implements the tunnel session controller for Slux.
//
// The Controller is the single owner of session state. It asks for consent
// through the permission broker, obtains a virtual interface from the tun
// manager, starts the configured engine and keeps the foreground indicator
// in step with the running state.
//
// # Lifecycle
//
//	Idle -> AwaitingPermission -> Establishing -> Running -> Stopping -> Idle
//
// Any step of the bring-up may end in Failed, after every resource acquired
// so far has been released. Stop always returns the session to Idle.
//
// # Concurrency
//
// Start blocks until the attempt resolves. A second Start while the first
// is waiting for consent supersedes it. Queries such as Snapshot and TunFD
// never wait behind a prompt or an engine start.
//
// The HealthChecker polls the running interface and aborts the session with
// common.ErrInterfaceLost when the OS removes it.
package vpn
