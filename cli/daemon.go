package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wangn9900/Slux/common"
	"github.com/wangn9900/Slux/config"
	"github.com/wangn9900/Slux/control"
	"github.com/wangn9900/Slux/desktop"
	"github.com/wangn9900/Slux/engine"
	"github.com/wangn9900/Slux/keyring"
	"github.com/wangn9900/Slux/permission"
	"github.com/wangn9900/Slux/platform"
	"github.com/wangn9900/Slux/presence"
	"github.com/wangn9900/Slux/tun"
	"github.com/wangn9900/Slux/vpn"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the session daemon",
	Long: `Run the session daemon in the foreground. It serves the control channel
on a unix socket until interrupted, then tears down any running tunnel.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

// daemon holds every long-lived component, in construction order.
type daemon struct {
	cfg      *config.Config
	ledger   *tun.SQLiteLedger
	resolved *tun.ResolvedDNS
	tuns     *tun.Manager
	notifier *desktop.Notifier
	bridge   *platform.Bridge
	ctrl     *vpn.Controller
	health   *vpn.HealthChecker
	server   *control.Server
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	initLogger(cfg, true)
	defer common.CloseLogger()
	if socket != "" {
		cfg.Control.Socket = socket
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()

	if err := d.server.Start(); err != nil {
		return err
	}
	d.health.Start()
	common.LogInfo("%s v%s listening on %s (engine %q)", common.AppName, build.Version, cfg.Control.Socket, cfg.Engine)

	<-ctx.Done()
	common.LogInfo("Shutting down")
	return nil
}

// newDaemon wires the components described by cfg. Optional desktop
// services that are not reachable are logged and skipped.
func newDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	d := &daemon{cfg: cfg}

	driver, err := engine.Lookup(cfg.Engine)
	if err != nil {
		return nil, err
	}
	defaults, err := cfg.TunDefaults()
	if err != nil {
		return nil, err
	}

	var ledger tun.Ledger
	if cfg.Tun.Ledger != "" {
		if l, err := tun.OpenSQLiteLedger(cfg.Tun.Ledger); err != nil {
			common.LogWarn("Interface ledger unavailable: %v", err)
		} else {
			d.ledger, ledger = l, l
		}
	}

	var dns tun.DNSConfigurator
	if r, err := tun.NewResolvedDNS(); err != nil {
		common.LogWarn("systemd-resolved unavailable, tunnel DNS will not be set: %v", err)
	} else {
		d.resolved, dns = r, r
	}

	d.tuns = tun.NewManager(tun.ManagerOptions{
		Provisioner:      tun.NewProvisioner(cfg.Tun.NameTemplate, dns),
		Ledger:           ledger,
		EstablishTimeout: cfg.Timeouts.Establish,
	})
	if n, err := d.tuns.Reconcile(ctx); err != nil {
		common.LogWarn("Could not reconcile leftover interfaces: %v", err)
	} else if n > 0 {
		common.LogInfo("Removed %d interface(s) left by a previous run", n)
	}

	if n, err := desktop.NewNotifier(); err != nil {
		common.LogWarn("Desktop notifications unavailable: %v", err)
	} else {
		d.notifier = n
	}

	store, err := keyring.NewStore(keyring.Options{})
	if err != nil {
		d.close()
		return nil, fmt.Errorf("consent store: %w", err)
	}
	broker := permission.NewBroker(&permission.DesktopConsent{
		Store:    store,
		Prompter: selectPrompter(cfg.Permission.Prompt, d.notifier),
	})

	d.bridge = platform.NewBridge(platform.Options{
		Defaults:    defaults,
		Protector:   platform.NewProtector(strings.ReplaceAll(cfg.Tun.NameTemplate, "%d", "")),
		Owners:      platform.NewOwnerFinder(),
		OpenTimeout: cfg.Timeouts.Establish,
	})

	var indicator presence.Indicator = presence.LogIndicator{}
	if d.notifier != nil {
		indicator = &presence.NotificationIndicator{Notifier: d.notifier}
	}

	d.ctrl, err = vpn.NewController(vpn.Options{
		Broker:             broker,
		Tuns:               d.tuns,
		Driver:             driver,
		Bridge:             d.bridge,
		Presence:           presence.NewManager(indicator, cfg.Presence.Title, cfg.Presence.Body),
		EngineStartTimeout: cfg.Timeouts.EngineStart,
		EngineStopTimeout:  cfg.Timeouts.EngineStop,
	})
	if err != nil {
		d.close()
		return nil, err
	}

	d.health = vpn.NewHealthChecker(d.ctrl, vpn.HealthConfig{
		CheckInterval:    cfg.Health.Interval,
		FailureThreshold: cfg.Health.FailureThreshold,
	})
	d.health.SetOnHealthChange(func(from, to vpn.HealthState) {
		common.LogDebug("Interface health: %s -> %s", from, to)
	})

	d.server = control.NewServer(control.NewChannel(d.ctrl), d.ctrl, control.ServerOptions{
		Socket: cfg.Control.Socket,
	})
	return d, nil
}

// selectPrompter maps the configured prompt mode to a Prompter. The
// notification mode falls back to the terminal without a notifier.
func selectPrompter(mode string, notifier *desktop.Notifier) permission.Prompter {
	switch mode {
	case common.PromptAllow:
		return permission.AutoPrompter{Answer: true}
	case common.PromptDeny:
		return permission.AutoPrompter{Answer: false}
	case common.PromptTerminal:
		return permission.NewTerminalPrompter()
	default:
		if notifier == nil {
			common.LogWarn("No notification service, asking for consent on the terminal")
			return permission.NewTerminalPrompter()
		}
		return &permission.NotificationPrompter{Notifier: notifier}
	}
}

// close tears components down in reverse dependency order. It tolerates
// a partially built daemon.
func (d *daemon) close() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeouts.EngineStop+common.RequestTimeout)
	defer cancel()

	if d.server != nil {
		if err := d.server.Stop(ctx); err != nil {
			common.LogWarn("Control server stop: %v", err)
		}
	}
	if d.health != nil {
		d.health.Stop()
	}
	if d.ctrl != nil {
		if err := d.ctrl.Shutdown(ctx); err != nil {
			common.LogWarn("Session shutdown: %v", err)
		}
	}
	if d.tuns != nil {
		if err := d.tuns.ReleaseAll(); err != nil {
			common.LogWarn("Interface release: %v", err)
		}
	}
	if d.bridge != nil {
		d.bridge.Close()
	}
	if d.ledger != nil {
		_ = d.ledger.Close()
	}
	if d.notifier != nil {
		_ = d.notifier.Shutdown()
	}
	if d.resolved != nil {
		_ = d.resolved.Close()
	}
}
