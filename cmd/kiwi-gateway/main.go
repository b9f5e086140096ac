package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rkrishn7/kiwi/internal/config"
	"github.com/rkrishn7/kiwi/internal/gateway"
)

const version = "0.1.0"

var (
	configPath  string
	watchConfig bool
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:     "kiwi-gateway",
	Short:   "Multiplexes upstream streaming sources to WebSocket clients",
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway, serving client connections until terminated",
	RunE:  runServe,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Parse and validate a configuration file without starting the gateway",
	RunE:  runValidate,
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Signal a running gateway process to reload its configuration",
	RunE:  runReload,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the gateway configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug-level logging")
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	serveCmd.Flags().BoolVar(&watchConfig, "watch", false, "Reload automatically when the config file changes on disk")
	viper.BindPFlag("watch", serveCmd.Flags().Lookup("watch"))

	reloadCmd.Flags().Int("pid", 0, "Process id of the running gateway to signal")

	rootCmd.AddCommand(serveCmd, validateCmd, reloadCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func runValidate(cmd *cobra.Command, args []string) error {
	setupLogging()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	slog.Info("configuration valid", "config", configPath, "sources", len(cfg.Sources))
	return nil
}

func runReload(cmd *cobra.Command, args []string) error {
	setupLogging()
	pid, _ := cmd.Flags().GetInt("pid")
	if pid == 0 {
		return fmt.Errorf("--pid is required")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}
	slog.Info("reload signal sent", "pid", pid)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	slog.Info("starting kiwi-gateway", "version", version, "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw, err := gateway.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	var watcher *fsnotify.Watcher
	if watchConfig {
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
		defer watcher.Close()
		if err := watcher.Add(configPath); err != nil {
			slog.Warn("failed to watch config file", "path", configPath, "error", err)
		}
	}

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- gw.Serve(ctx) }()

	reloadEvents := fsnotifyEvents(watcher)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, reloading configuration", "config", configPath)
				if err := gw.ReloadFrom(ctx, configPath); err != nil {
					slog.Error("reload failed", "error", err)
				}
				continue
			}
			slog.Info("received shutdown signal", "signal", sig)
			cancel()
			return <-serveErrCh
		case <-reloadEvents:
			slog.Info("config file changed on disk, reloading", "config", configPath)
			if err := gw.ReloadFrom(ctx, configPath); err != nil {
				slog.Error("reload failed", "error", err)
			}
		case err := <-serveErrCh:
			return err
		}
	}
}

// fsnotifyEvents adapts an optional *fsnotify.Watcher into a write-event
// channel that fires at most once per second (write/create events arriving
// within a second of the last delivered one are discarded); nil watcher
// yields a channel that never fires.
func fsnotifyEvents(watcher *fsnotify.Watcher) <-chan struct{} {
	out := make(chan struct{})
	if watcher == nil {
		return out
	}
	go func() {
		var last time.Time
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if time.Since(last) < time.Second {
					continue
				}
				last = time.Now()
				out <- struct{}{}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()
	return out
}
