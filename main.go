// Package main provides the entry point for Slux.
// Slux owns a single VPN tunnel session on a Linux desktop: consent,
// virtual interface provisioning, the tunneling engine and a visible
// indicator while the tunnel is up.
//
// Usage:
//
//	slux daemon
//	slux start --engine-config engine.json
//	slux status | watch | stop
package main

import (
	"os"

	"github.com/wangn9900/Slux/cli"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

func main() {
	if err := cli.Execute(cli.BuildInfo{
		Version: appVersion,
		Time:    buildTime,
		Commit:  commitSHA,
	}); err != nil {
		os.Exit(1)
	}
}
