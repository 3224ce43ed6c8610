// Package common provides shared constants, types, utilities, and interfaces
// used throughout the Slux session daemon.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: Application-wide constants like timeouts, file names, and interface defaults
//   - Errors: Sentinel errors forming the session error taxonomy
//   - Interfaces: The Logger abstraction used by log forwarding
//   - Logger: Leveled logging with optional rotated file output
//   - Utils: Config, data and runtime directory helpers
//
// # Usage
//
//	// Use constants
//	timeout := common.EstablishTimeout
//
//	// Use logger
//	common.LogInfo("Session state %s -> %s", from, to)
//
//	// Check errors
//	if errors.Is(err, common.ErrPermissionDenied) {
//	    // Report VPN_PERMISSION_DENIED to the caller
//	}
package common
