// Package common provides shared constants, types, and utilities
// used across the Slux session daemon.
package common

import "time"

// Application metadata.
const (
	// AppID is the unique identifier for the application.
	AppID = "com.slux.slux"
	// AppName is the display name of the application.
	AppName = "Slux VPN"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "slux"
)

// File names used by the application.
const (
	ConfigFileName  = "config.yaml"
	ConsentFileName = ".consent"
	LedgerFileName  = "leases.db"
	LogFileName     = "slux.log"
	SocketFileName  = "control.sock"
)

// Default timeouts and intervals.
const (
	// EstablishTimeout bounds virtual interface creation.
	EstablishTimeout = 10 * time.Second
	// EngineStartTimeout bounds the engine start call.
	EngineStartTimeout = 15 * time.Second
	// EngineStopTimeout is how long teardown waits for the engine before force-releasing it.
	EngineStopTimeout = 5 * time.Second
	// HealthInterval is how often the running interface is checked.
	HealthInterval = 10 * time.Second
	// RequestTimeout is the default client-side deadline for quick control calls.
	RequestTimeout = 5 * time.Second
)

// Virtual interface defaults.
const (
	// TunNameTemplate is passed to the kernel; %d is replaced with the first free index.
	TunNameTemplate = "slux%d"
	// DefaultMTU is used when neither the engine nor the config ask for one.
	DefaultMTU = 1500
	// TunSessionName labels the interface in logs and notifications.
	TunSessionName = "Slux VPN"
)

// Notification defaults for the foreground indicator.
const (
	PresenceTitle = "Slux VPN"
	PresenceBody  = "Connected"
)

// Permission prompt kinds.
const (
	PromptNotification = "notification"
	PromptTerminal     = "terminal"
	PromptAllow        = "allow"
	PromptDeny         = "deny"
)
