// Package common provides shared constants, types, and utilities
// used across the Slux session daemon.
package common

import "errors"

// Sentinel errors for session operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Request errors, rejected before any state change.
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAlreadyRunning  = errors.New("session already running")
	ErrNotImplemented  = errors.New("not implemented")

	// Session outcome errors.
	ErrPermissionDenied  = errors.New("vpn permission denied")
	ErrSuperseded        = errors.New("request superseded")
	ErrEstablishFailed   = errors.New("failed to establish virtual interface")
	ErrEngineStartFailed = errors.New("engine failed to start")
	ErrTeardown          = errors.New("teardown error")
	ErrInterfaceLost     = errors.New("virtual interface disappeared")
	ErrCancelled         = errors.New("operation cancelled")

	// Platform errors.
	ErrUnsupported = errors.New("not supported on this platform")

	// Consent record errors.
	ErrConsentStorage = errors.New("failed to store consent")
	ErrEncryption     = errors.New("encryption error")
	ErrDecryption     = errors.New("decryption error")

	// Configuration errors.
	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")
)

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}

// Classify returns the session sentinel that err wraps, or nil when err
// carries none of them.
func Classify(err error) error {
	for _, sentinel := range []error{
		ErrInvalidArgument,
		ErrAlreadyRunning,
		ErrPermissionDenied,
		ErrSuperseded,
		ErrEstablishFailed,
		ErrEngineStartFailed,
		ErrCancelled,
		ErrNotImplemented,
		ErrInterfaceLost,
	} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return nil
}
