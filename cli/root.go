// Package cli provides the command-line interface for Slux.
// The daemon command runs the session; every other command talks to a
// running daemon over the control channel.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wangn9900/Slux/common"
	"github.com/wangn9900/Slux/config"
	"github.com/wangn9900/Slux/control"
)

// BuildInfo is injected by main from ldflags.
type BuildInfo struct {
	Version string
	Time    string
	Commit  string
}

var (
	cfgFile string
	socket  string
	verbose bool

	build BuildInfo
)

var rootCmd = &cobra.Command{
	Use:   "slux",
	Short: "Slux - VPN tunnel session daemon",
	Long: `Slux owns the VPN tunnel session: it asks for consent, provisions the
virtual interface, runs the tunneling engine and keeps a visible indicator
while traffic is routed.

Run the daemon:
  slux daemon

Control it:
  slux start --engine-config ./engine.json
  slux status
  slux watch
  slux stop`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute(info BuildInfo) error {
	build = info
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.config/slux/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&socket, "socket", "", "control socket (default from config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
}

// initLogger configures the application logger from cfg and the flags.
func initLogger(cfg *config.Config, toFile bool) {
	level, err := common.ParseLogLevel(cfg.Log.Level)
	if err != nil {
		level = common.LevelInfo
	}
	if verbose {
		level = common.LevelDebug
	}
	common.GetLogger().SetOutput(os.Stderr)
	if err := common.InitLogger(common.LogConfig{
		Level:       level,
		EnableFile:  toFile && cfg.Log.File,
		Dir:         cfg.Log.Dir,
		MaxFileSize: 5 * 1024 * 1024, // 5MB
		MaxBackups:  5,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
}

// socketPath resolves the control socket from the flag or the config.
func socketPath() string {
	if socket != "" {
		return socket
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return common.DefaultSocketPath()
	}
	return cfg.Control.Socket
}

// connect dials the daemon.
func connect(ctx context.Context) (*control.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, common.RequestTimeout)
	defer cancel()
	c, err := control.Dial(dialCtx, socketPath())
	if err != nil {
		return nil, fmt.Errorf("%w (is `slux daemon` running?)", err)
	}
	return c, nil
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
