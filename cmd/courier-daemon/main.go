// ABOUTME: Entry point for courier-daemon, the session orchestration service.
// ABOUTME: Subcommands: serve, init, status, health, token.

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-courier/internal/auth"
	"github.com/2389/coven-courier/internal/config"
	"github.com/2389/coven-courier/internal/daemon"
	"github.com/2389/coven-courier/internal/session"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                       _
  ___ ___  _   _ _ __(_) ___ _ __
 / __/ _ \| | | | '__| |/ _ \ '__|
| (_| (_) | |_| | |  | |  __/ |
 \___\___/ \__,_|_|  |_|\___|_|
`

// getConfigPath returns the path to the courier config file.
// Priority: COURIER_CONFIG env var > XDG_CONFIG_HOME/courier/courier.yaml > ~/.config/courier/courier.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COURIER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "courier.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "courier", "courier.yaml")
}

// getDataPath returns the courier data directory.
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
	if len(os.Args) < 2 {
		fmt.Println("Usage: courier-daemon <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                     Start the courier daemon")
		fmt.Println("  init                      Create config with a fresh token secret")
		fmt.Println("  status                    Show live sessions")
		fmt.Println("  health                    Check daemon health")
		fmt.Println("  token --subject SUBJECT   Mint a control-plane token")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "status":
		err = runStatus(ctx)
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, closeLog, err := setupLogger(cfg.Logging, cfg.Daemon.LogFile)
	if err != nil {
		return err
	}
	defer closeLog()

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:    %s\n", cfg.Daemon.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Data:    %s\n", cfg.Daemon.DataDir)
	green.Print("    ▶ ")
	fmt.Printf("Agent:   %s\n", cfg.Agent.Command)
	fmt.Println()

	logger.Info("starting courier-daemon",
		"config", configPath,
		"http_addr", cfg.Daemon.HTTPAddr,
	)

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating daemon: %w", err)
	}

	return d.Run(ctx)
}

// setupLogger builds the process logger. With a log file configured, JSON
// lines go there so the watchdog can tail them; otherwise colored text goes
// to stdout.
func setupLogger(cfg config.LoggingConfig, logFile string) (*slog.Logger, func(), error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		return slog.New(slog.NewJSONHandler(f, opts)), func() { f.Close() }, nil
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{level: level}
	}
	return slog.New(handler), func() {}, nil
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu    sync.Mutex
	level slog.Level
	attrs []slog.Attr
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{level: h.level, attrs: newAttrs}
}

func (h *colorHandler) WithGroup(_ string) slog.Handler {
	return h
}

// runInit writes a starter config with a random token secret and mints an
// operator token next to it. Refuses to touch an existing config.
func runInit() error {
	configPath := getConfigPath()
	dataPath := getDataPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating token secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	configContent := fmt.Sprintf(`# courier-daemon configuration
# Generated by courier-daemon init

daemon:
  http_addr: "127.0.0.1:7171"
  data_dir: "%s"
  log_file: "%s"

auth:
  token_secret: "%s"

agent:
  command: "courier-agent"
  connect_timeout: "30s"
  turn_timeout: "10m"

registry:
  path: "%s"

backends:
  default: "imessage"

sessions:
  idle_timeout: "2h"

health:
  classifier:
    enabled: false

watchdog:
  probe_url: "http://127.0.0.1:7171/healthz"
  lock_file: "%s"

logging:
  level: "info"
`,
		dataPath,
		filepath.Join(dataPath, "courier.log"),
		secret,
		filepath.Join(dataPath, "sessions.json"),
		filepath.Join(dataPath, "watchdog.lock"),
	)

	if err := os.WriteFile(configPath, []byte(configContent), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)

	verifier := auth.NewJWTVerifier([]byte(secret))
	token, err := verifier.Generate("operator", 90*24*time.Hour)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	tokenPath := filepath.Join(filepath.Dir(configPath), "token")
	if err := os.WriteFile(tokenPath, []byte(token), 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	green.Printf("  ✓ Saved operator token: %s\n", tokenPath)

	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    edit agent.command in the config, then: courier-daemon serve")
	fmt.Println()

	return nil
}

// runToken mints a control-plane token for a bridge or tool.
func runToken() error {
	var subject string
	ttl := 90 * 24 * time.Hour

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--subject" || arg == "-s":
			if i+1 >= len(args) {
				return fmt.Errorf("--subject requires a value")
			}
			subject = args[i+1]
			i++
		case strings.HasPrefix(arg, "--subject="):
			subject = strings.TrimPrefix(arg, "--subject=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = d
			i++
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if subject == "" {
		return fmt.Errorf("--subject flag is required (e.g. bridge:matrix)")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret not configured")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.TokenSecret)).Generate(subject, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Daemon.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runStatus(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tokenPath := filepath.Join(filepath.Dir(getConfigPath()), "token")
	tokenBytes, err := os.ReadFile(tokenPath)
	if err != nil {
		return fmt.Errorf("reading token (run courier-daemon init first): %w", err)
	}

	url := fmt.Sprintf("http://%s/api/status", cfg.Daemon.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(string(tokenBytes)))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var status struct {
		Live     int                     `json:"live"`
		Sessions []session.SessionStatus `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	fmt.Printf("%d live session(s)\n", status.Live)
	for _, s := range status.Sessions {
		marker := color.GreenString("●")
		if !s.Healthy {
			marker = color.RedString("●")
		}
		fmt.Printf("  %s %-24s tier=%-8s state=%-8s turns=%-5d queue=%d last=%s\n",
			marker, s.ID, s.Tier, s.State, s.Turns, s.QueueLen,
			s.LastActivity.Format("15:04:05"))
	}

	return nil
}
