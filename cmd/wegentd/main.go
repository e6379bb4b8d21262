package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"wegent/internal/app"
	"wegent/internal/config"
	"wegent/internal/runtime/sdnotify"
	logx "wegent/pkg/logx"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgPath     string
	stopTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "wegentd",
	Short: "wegentd - subscription trigger scheduler",
	Long: `wegentd fires subscription triggers (cron, interval, one-time, event)
and runs the resulting executions against the agent service.

Examples:
  wegentd run --config /etc/wegent/wegent.yaml
  wegentd check-config --config ./wegent.json`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler and workers until SIGINT/SIGTERM",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the config file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.CheckConfig(cmd.Context(), cfgPath)
		if err != nil {
			return fmt.Errorf("config %s: %w", cfgPath, err)
		}
		changed, _ := config.SummarizeConfigChange(nil, cfg)
		fmt.Fprintf(cmd.OutOrStdout(), "config ok: %s (sections: %s)\n", cfgPath, strings.Join(changed, ","))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "wegentd", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./wegent.json", "path to config (json or yaml)")
	runCmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 20*time.Second, "upper bound for graceful shutdown")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(parent context.Context) error {
	boot := logx.NewConsole("INFO").Component("main")

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sig := make(chan os.Signal, 4)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sig)

	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("fatal start: %w", err)
	}

	sd := sdnotify.New(boot)
	sd.Ready()
	go func() {
		if err := sd.RunWatchdog(ctx); err != nil {
			boot.Warn("watchdog disabled", logx.Err(err))
		}
	}()

	reason := app.StopUnknown
loop:
	for {
		select {
		case s := <-sig:
			switch s {
			case syscall.SIGHUP:
				sd.Reloading()
				if err := a.Reload(ctx); err != nil && !errors.Is(err, config.ErrUnchanged) {
					boot.Warn("reload rejected", logx.Err(err))
				}
				sd.Ready()
			case syscall.SIGTERM:
				reason = app.StopSIGTERM
				break loop
			default:
				reason = app.StopSIGINT
				break loop
			}
		case <-a.Done():
			reason = app.StopFatalError
			break loop
		}
	}

	sd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	cancel()

	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			return fmt.Errorf("fatal: %w", err)
		}
	}
	return nil
}
