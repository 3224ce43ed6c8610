package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/wangn9900/Slux/common"
	"github.com/wangn9900/Slux/control"
)

var engineConfig string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Bring the tunnel up",
	Long: `Send an engine configuration to the daemon and wait until the tunnel is
running or the attempt failed. The user may be asked for consent first.

Use "-" to read the configuration from stdin.`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Tear the tunnel down",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var permissionCmd = &cobra.Command{
	Use:   "permission",
	Short: "Report whether VPN consent was already granted",
	Args:  cobra.NoArgs,
	RunE:  runPermission,
}

var fdCmd = &cobra.Command{
	Use:   "fd",
	Short: "Print the daemon-side descriptor of the running interface (-1 when down)",
	Args:  cobra.NoArgs,
	RunE:  runFD,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version and exit",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s v%s\n", common.AppName, build.Version)
		if build.Time != "" && build.Time != "unknown" {
			fmt.Fprintf(out, "  Build:  %s\n", build.Time)
			fmt.Fprintf(out, "  Commit: %s\n", build.Commit)
		}
	},
}

func init() {
	startCmd.Flags().StringVarP(&engineConfig, "engine-config", "f", "", "engine configuration file (required)")
	_ = startCmd.MarkFlagRequired("engine-config")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, permissionCmd, fdCmd, versionCmd)
}

func readEngineConfig(path string, stdin io.Reader) (string, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		if path, err = homedir.Expand(path); err != nil {
			return "", err
		}
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read engine config: %w", err)
	}
	return string(data), nil
}

func runStart(cmd *cobra.Command, args []string) error {
	config, err := readEngineConfig(engineConfig, cmd.InOrStdin())
	if err != nil {
		return err
	}

	c, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Starting tunnel...")

	// No deadline: the daemon answers once the tunnel is up or failed,
	// and a consent prompt may take as long as the user needs.
	if err := c.StartVpn(cmd.Context(), config); err != nil {
		var wire *control.Error
		if errors.As(err, &wire) && wire.Code == control.CodePermissionDenied {
			return fmt.Errorf("consent was not granted")
		}
		return fmt.Errorf("start failed: %w", err)
	}

	fd, err := c.GetTunFd(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Tunnel running (fd %d)\n", fd)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	c, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Fprintln(cmd.OutOrStdout(), "Stopping tunnel...")
	if err := c.StopVpn(cmd.Context()); err != nil {
		return fmt.Errorf("failed to stop: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Stopped")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	state, err := c.GetState(cmd.Context())
	if err != nil {
		return err
	}
	granted, err := c.CheckVpnPermission(cmd.Context())
	if err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), state, granted)
	return nil
}

func printStatus(out io.Writer, state control.StateView, granted bool) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tINTERFACE\tFD\tUPTIME\tCONSENT\tLAST ERROR")
	fmt.Fprintln(w, "-----\t---------\t--\t------\t-------\t----------")

	iface := state.TunName
	if iface == "" {
		iface = "-"
	}
	fd := "-"
	if state.TunFD >= 0 {
		fd = fmt.Sprint(state.TunFD)
	}
	uptime := "-"
	if state.Uptime > 0 {
		uptime = formatDuration(time.Duration(state.Uptime * float64(time.Second)))
	}
	consent := "No"
	if granted {
		consent = "Yes"
	}
	lastErr := "-"
	if state.LastError != nil {
		lastErr = strings.ReplaceAll(state.LastError.Error(), "\t", " ")
	}

	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
		state.State, iface, fd, uptime, consent, lastErr)
	w.Flush()
}

func runPermission(cmd *cobra.Command, args []string) error {
	c, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	granted, err := c.CheckVpnPermission(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), granted)
	return nil
}

func runFD(cmd *cobra.Command, args []string) error {
	c, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	fd, err := c.GetTunFd(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), fd)
	return nil
}
