// ABOUTME: Entry point for courier-matrix bridge
// ABOUTME: Connects Matrix rooms to the courier daemon

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
)

const banner = `
                       _                                _        _
  ___ ___  _   _ _ __(_) ___ _ __      _ __ ___   __ _| |_ _ __(_)_  __
 / __/ _ \| | | | '__| |/ _ \ '__|____| '_ ' _ \ / _' | __| '__| \ \/ /
| (_| (_) | |_| | |  | |  __/ | |_____| | | | | | (_| | |_| |  | |>  <
 \___\___/ \__,_|_|  |_|\___|_|       |_| |_| |_|\__,_|\__|_|  |_/_/\_\
`

// getConfigPath returns the path to the matrix bridge config file.
// Priority: COURIER_MATRIX_CONFIG env var > XDG_CONFIG_HOME/courier/matrix-bridge.toml > ~/.config/courier/matrix-bridge.toml
func getConfigPath() string {
	if envPath := os.Getenv("COURIER_MATRIX_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "matrix-bridge.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "courier", "matrix-bridge.toml")
}

// getDataPath returns the path to the courier data directory.
// Priority: XDG_DATA_HOME/courier > ~/.local/share/courier
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "courier")
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			if err := runInit(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "send":
			if err := runSend(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "run":
			// fall through to run below
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
			fmt.Fprintln(os.Stderr, "Usage: courier-matrix [run|init|send <target> <text>]")
			os.Exit(1)
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := getConfigPath()
	dataPath := getDataPath()

	// Ensure data directory exists
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	// Load config
	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging.Level)

	// Print startup info
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("User:       %s\n", cfg.Matrix.UserID)
	green.Print("    ▶ ")
	fmt.Printf("Courier:    %s\n", cfg.Courier.URL)
	if cfg.Matrix.RecoveryKey != "" {
		green.Print("    ▶ ")
		fmt.Println("Encryption: enabled")
	}
	fmt.Println()

	// Setup graceful shutdown context first
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Create bridge
	bridge, err := NewBridge(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	// Setup encryption (only if recovery key is provided)
	if cfg.Matrix.RecoveryKey != "" {
		cryptoMgr, err := SetupCrypto(ctx, bridge.matrix, cfg.Matrix.UserID, cfg.Matrix.RecoveryKey, dataPath, logger)
		if err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		defer cryptoMgr.Close()
	} else {
		logger.Info("encryption disabled (no recovery key)")
	}

	// Run bridge
	logger.Info("starting bridge")
	return bridge.Run(ctx)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func runInit() error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println("    Interactive Setup")
	fmt.Println("    -----------------")
	fmt.Println()

	configPath := getConfigPath()

	// Check if config already exists
	if _, err := os.Stat(configPath); err == nil {
		yellow.Printf("    Config already exists at %s\n", configPath)
		fmt.Print("    Overwrite? [y/N]: ")
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Println("    Aborted.")
			return nil
		}
		fmt.Println()
	}

	reader := bufio.NewReader(os.Stdin)

	homeserver := prompt(reader, green, "Matrix homeserver URL", "https://matrix.org")
	userID := prompt(reader, green, "Matrix user ID (e.g. @courier:matrix.org)", "")
	accessToken := prompt(reader, green, "Matrix access token", "")
	recoveryKey := prompt(reader, green, "Matrix recovery key (optional, for E2EE)", "")
	courierURL := prompt(reader, green, "Courier daemon URL", "http://127.0.0.1:7171")
	courierToken := prompt(reader, green, "Courier token (courier-daemon token --subject bridge:matrix)", "")
	defaultTier := prompt(reader, green, "Default tier for unmapped contacts", "friend")

	config := fmt.Sprintf(`# courier-matrix bridge configuration
# Generated by courier-matrix init

[matrix]
homeserver = "%s"
user_id = "%s"
access_token = "%s"
`, homeserver, userID, accessToken)

	if recoveryKey != "" {
		config += fmt.Sprintf("recovery_key = \"%s\"\n", recoveryKey)
	}

	config += fmt.Sprintf(`
[courier]
url = "%s"
token = "%s"

[bridge]
# Only listen in these rooms (empty = all joined rooms)
allowed_rooms = []
# Rooms treated as group conversations
group_rooms = []
# Tier for contacts without an explicit mapping below
default_tier = "%s"

[bridge.tiers]
# "@ana:matrix.org" = "family"

[logging]
level = "info"
`, courierURL, courierToken, defaultTier)

	// Ensure config directory exists
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(config), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Println()
	green.Printf("    ✓ Config written to %s\n", configPath)
	fmt.Println()
	fmt.Println("    Next steps:")
	fmt.Println("    1. Run: courier-matrix")
	fmt.Println()

	return nil
}

func prompt(reader *bufio.Reader, green *color.Color, label, defaultValue string) string {
	green.Print("    ▶ ")
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", label, defaultValue)
	} else {
		fmt.Printf("%s: ", label)
	}
	answer, _ := reader.ReadString('\n')
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return defaultValue
	}
	return answer
}
