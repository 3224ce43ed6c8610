// Package tun provisions and owns the virtual network interface of a session.
//
// Options describes the interface; a Provisioner turns Options into an OS
// interface; the Manager owns every resulting Device, hands out read-only
// Descriptors and guarantees each established interface is released exactly
// once. Interfaces are recorded in a Ledger so that a daemon restarted after
// a crash can Reconcile and remove what its predecessor left behind.
package tun
