package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/developingchet/actionban/internal/config"
	"github.com/developingchet/actionban/internal/daemon"
	"github.com/developingchet/actionban/internal/logger"
	"github.com/developingchet/actionban/internal/storage"
	"github.com/spf13/cobra"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "actionban",
		Short:         "Rate-based IP banning from UDP action events",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		runCmd(),
		sendCmd(),
		reconcileCmd(),
		healthcheckCmd(),
		versionCmd(),
	)
	return root
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the actionban daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	log.Info().Str("version", Version).Msg("actionban starting")

	store, err := storage.NewBboltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	enf, err := daemon.NewEnforcer(cfg, log)
	if err != nil {
		return fmt.Errorf("build enforcer: %w", err)
	}

	daemon.BinaryVersion = Version
	d, err := daemon.New(cfg, store, enf, log)
	if err != nil {
		return fmt.Errorf("build daemon: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return d.Run(ctx)
}

// sendCmd writes one raw datagram to a running listener.
func sendCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "send <command> [fields...]",
		Short: "Send one datagram to the action listener",
		Example: "  actionban send jail ssh 10 3 600\n" +
			"  actionban send action ssh 192.0.2.10 1 10 3 600",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				addr = cfg.ListenAddr
			}
			return sendDatagram(addr, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listener address (default LISTEN_ADDR)")
	return cmd
}

func sendDatagram(addr, msg string) error {
	conn, err := net.DialTimeout("udp", addr, 2*time.Second)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(msg)); err != nil {
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return nil
}

// reconcileCmd re-applies persisted membership to the firewall.
func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Re-create jail sets and re-ban persisted members, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := logger.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

			store, err := storage.NewBboltStore(cfg.DataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			state, err := daemon.NewState(cfg, store)
			if err != nil {
				return err
			}
			enf, err := daemon.NewEnforcer(cfg, log)
			if err != nil {
				return err
			}

			start := time.Now()
			result, err := daemon.NewTicker(cfg, state, enf, log).Reconcile(context.Background())
			fmt.Printf("reconcile complete: jails=%d applied=%d failed=%d elapsed=%s\n",
				result.Jails, result.Applied, result.Failed, time.Since(start).Round(time.Millisecond))
			return err
		},
	}
}

// healthcheckCmd exits 0 if the monitor reports healthy.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + cfg.MonitorAddr + "/healthz") //nolint:noctx
			if err != nil {
				fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
				os.Exit(1)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				fmt.Fprintf(os.Stderr, "healthcheck returned %d\n", resp.StatusCode)
				os.Exit(1)
			}
			fmt.Println("healthy")
			return nil
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("actionban %s\n", Version)
		},
	}
}
