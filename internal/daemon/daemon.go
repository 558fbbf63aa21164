// ABOUTME: Daemon orchestrator wiring config, stores, agent client, and the session manager.
// ABOUTME: Owns the HTTP control plane and the shutdown order that keeps the registry durable.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/2389/coven-courier/internal/agent"
	"github.com/2389/coven-courier/internal/auth"
	"github.com/2389/coven-courier/internal/backend"
	"github.com/2389/coven-courier/internal/config"
	"github.com/2389/coven-courier/internal/dedupe"
	"github.com/2389/coven-courier/internal/health"
	"github.com/2389/coven-courier/internal/registry"
	"github.com/2389/coven-courier/internal/session"
	"github.com/2389/coven-courier/internal/tier"
	"github.com/2389/coven-courier/internal/transcript"
)

// Daemon is the long-running courier process: one session manager, one
// registry, one HTTP control plane.
type Daemon struct {
	config      *config.Config
	logger      *slog.Logger
	manager     *session.Manager
	reg         *registry.Registry
	transcripts transcript.Store
	dedupe      *dedupe.Window
	httpServer  *http.Server

	managerDone chan struct{}
	managerStop context.CancelFunc
}

// New builds a daemon from configuration. Nothing is listening until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if err := os.MkdirAll(cfg.Daemon.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	backends, err := backend.NewRegistry(cfg.Backends.CatalogPath, cfg.Backends.Default)
	if err != nil {
		return nil, err
	}

	tierOverrides := make(map[string]tier.Override, len(cfg.Tiers))
	for name, tc := range cfg.Tiers {
		tierOverrides[name] = tier.Override{
			Model:    tc.Model,
			MaxTurns: tc.MaxTurns,
			Pinned:   tc.Pinned,
		}
	}
	tiers := tier.NewResolver(tierOverrides)

	reg, err := registry.Open(cfg.Registry.Path, cfg.Registry.Debounce, logger)
	if err != nil {
		return nil, err
	}

	transcripts, err := transcript.NewSQLiteStore(transcriptDBPath(cfg), logger)
	if err != nil {
		reg.Close()
		return nil, err
	}

	matcher, err := health.NewMatcher(cfg.Health.FatalSignatures)
	if err != nil {
		reg.Close()
		transcripts.Close()
		return nil, err
	}

	var classifier health.Classifier
	if cfg.Health.Classifier.Enabled {
		classifier = health.NewAnthropicClassifier(cfg.Health.Classifier.Model)
	}

	client := agent.NewProcessClient(cfg.Agent.Command, cfg.Agent.Args, logger)
	sender := backend.NewCommandSender(backends, 30*time.Second, logger)

	manager := session.NewManager(session.ManagerParams{
		Client:      client,
		Sender:      sender,
		Backends:    backends,
		Tiers:       tiers,
		Registry:    reg,
		Transcripts: transcripts,
		Matcher:     matcher,
		Classifier:  classifier,
		Logger:      logger,

		DataDir:        cfg.Daemon.DataDir,
		ConnectTimeout: cfg.Agent.ConnectTimeout,
		TurnTimeout:    cfg.Agent.TurnTimeout,
		StopTimeout:    cfg.Sessions.StopTimeout,
		IdleTimeout:    cfg.Sessions.IdleTimeout,

		HealthInterval:     cfg.Sessions.HealthInterval,
		DeepHealthInterval: cfg.Sessions.DeepHealthInterval,
	})

	d := &Daemon{
		config:      cfg,
		logger:      logger,
		manager:     manager,
		reg:         reg,
		transcripts: transcripts,
		dedupe:      dedupe.New(cfg.Sessions.DedupeWindow, 4096),
		managerDone: make(chan struct{}),
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.TokenSecret))
	d.httpServer = &http.Server{
		Addr:              cfg.Daemon.HTTPAddr,
		Handler:           d.routes(verifier),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return d, nil
}

func transcriptDBPath(cfg *config.Config) string {
	if cfg.Transcript.Path != "" {
		return cfg.Transcript.Path
	}
	return filepath.Join(cfg.Daemon.DataDir, "transcripts.db")
}

// Run starts the HTTP server and the manager loops, then blocks until ctx
// is cancelled or the server fails. Shutdown runs before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	managerCtx, cancel := context.WithCancel(context.Background())
	d.managerStop = cancel
	go func() {
		d.manager.Run(managerCtx)
		close(d.managerDone)
	}()

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("control plane listening", "addr", d.httpServer.Addr)
		if err := d.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		d.logger.Error("http server failed", "error", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := d.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops components in dependency order: stop accepting injects,
// drain the actors, then flush and close the stores. The registry closes
// last so every resume token written during the drain is durable.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var errs []error

	if err := d.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	if d.managerStop != nil {
		d.managerStop()
		select {
		case <-d.managerDone:
		case <-ctx.Done():
			errs = append(errs, errors.New("manager drain timed out"))
		}
	}

	d.dedupe.Close()

	if err := d.transcripts.Close(); err != nil {
		errs = append(errs, fmt.Errorf("transcript close: %w", err))
	}

	if err := d.reg.Close(); err != nil {
		errs = append(errs, fmt.Errorf("registry close: %w", err))
	}

	d.logger.Info("daemon stopped")
	return errors.Join(errs...)
}
