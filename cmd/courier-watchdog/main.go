// ABOUTME: Entry point for courier-watchdog, the external daemon supervisor.
// ABOUTME: Runs as a separate process so it survives daemon crashes.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/2389/coven-courier/internal/backend"
	"github.com/2389/coven-courier/internal/config"
	"github.com/2389/coven-courier/internal/watchdog"
)

var version = "dev"

func main() {
	configPath := os.Getenv("COURIER_CONFIG")
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v":
			fmt.Printf("courier-watchdog %s\n", version)
			return
		case "--config", "-c":
			if len(os.Args) < 3 {
				fmt.Fprintln(os.Stderr, "Usage: courier-watchdog [--config PATH]")
				os.Exit(1)
			}
			configPath = os.Args[2]
		default:
			fmt.Fprintf(os.Stderr, "Unknown flag: %s\n", os.Args[1])
			os.Exit(1)
		}
	}
	if configPath == "" {
		configPath = defaultConfigPath()
	}

	if err := run(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "courier.yaml"
		}
		configDir = homeDir + "/.config"
	}
	return configDir + "/courier/courier.yaml"
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	backends, err := backend.NewRegistry(cfg.Backends.CatalogPath, cfg.Backends.Default)
	if err != nil {
		return fmt.Errorf("loading backend catalog: %w", err)
	}
	sender := backend.NewCommandSender(backends, 0, logger)

	probeURL := cfg.Watchdog.ProbeURL
	if probeURL == "" {
		probeURL = fmt.Sprintf("http://%s/healthz", cfg.Daemon.HTTPAddr)
	}

	w := watchdog.New(watchdog.Config{
		ProbeURL:        probeURL,
		Interval:        cfg.Watchdog.Interval,
		LockFile:        cfg.Watchdog.LockFile,
		RestartCommand:  cfg.Watchdog.RestartCommand,
		Operator:        cfg.Watchdog.Operator,
		OperatorBackend: cfg.Watchdog.OperatorBackend,
		LogFile:         cfg.Daemon.LogFile,
		LogTailLines:    cfg.Watchdog.LogTailLines,
	}, sender, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting courier-watchdog", "probe_url", probeURL, "version", version)
	return w.Run(ctx)
}
