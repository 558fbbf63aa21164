// ABOUTME: Independent watchdog that probes the daemon and recovers it when dead.
// ABOUTME: Doubling backoff between recovery attempts, reset on the first healthy probe.

package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/2389/coven-courier/internal/backend"
)

const (
	baseDelay = 60 * time.Second
	maxDelay  = 900 * time.Second
)

// Config parameterizes one watchdog run.
type Config struct {
	ProbeURL       string
	Interval       time.Duration
	LockFile       string
	RestartCommand []string

	// Operator notification on recovery attempts. Optional.
	Operator        string
	OperatorBackend string
	LogFile         string
	LogTailLines    int
}

// Watchdog probes the daemon's health endpoint and runs the recovery
// command when probes fail. It is its own process so a wedged daemon
// cannot take its supervisor down with it.
type Watchdog struct {
	cfg    Config
	sender backend.Sender
	logger *slog.Logger
	client *http.Client

	base time.Duration
	cap  time.Duration

	failures atomic.Int32
	lockFD   int
}

// New creates a watchdog. sender may be nil when operator notification is
// not configured.
func New(cfg Config, sender backend.Sender, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		cfg:    cfg,
		sender: sender,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
		base:   baseDelay,
		cap:    maxDelay,
		lockFD: -1,
	}
}

// Run acquires the singleton lock and loops until ctx is cancelled.
// Healthy probes sleep the configured interval; after a failed probe the
// watchdog attempts recovery and sleeps the backoff delay instead, so a
// daemon that keeps dying is not hammered with restarts.
func (w *Watchdog) Run(ctx context.Context) error {
	if err := w.acquireLock(); err != nil {
		return err
	}
	defer w.releaseLock()

	w.logger.Info("watchdog running", "probe", w.cfg.ProbeURL, "interval", w.cfg.Interval)

	for {
		var sleep time.Duration
		if err := w.probe(ctx); err != nil {
			n := int(w.failures.Add(1))
			w.logger.Error("daemon probe failed",
				"error", err,
				"consecutive", n,
			)
			w.recover(ctx, err)
			sleep = w.recoveryDelay(n)
		} else {
			if n := w.failures.Swap(0); n > 0 {
				w.logger.Info("daemon recovered", "after_failures", n)
			}
			sleep = w.cfg.Interval
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

// recoveryDelay returns the wait after the nth consecutive failure:
// 60s, 120s, 240s, 480s, then capped at 900s.
func (w *Watchdog) recoveryDelay(failures int) time.Duration {
	d := w.base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= w.cap {
			return w.cap
		}
	}
	return d
}

// probe checks the daemon's health endpoint once.
func (w *Watchdog) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.ProbeURL, nil)
	if err != nil {
		return err
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe returned %d", resp.StatusCode)
	}
	return nil
}

// recover runs the restart command and notifies the operator. Both steps
// are best effort; the next probe decides whether they worked.
func (w *Watchdog) recover(ctx context.Context, probeErr error) {
	if len(w.cfg.RestartCommand) > 0 {
		cmd := exec.CommandContext(ctx, w.cfg.RestartCommand[0], w.cfg.RestartCommand[1:]...)
		if out, err := cmd.CombinedOutput(); err != nil {
			w.logger.Error("restart command failed", "error", err, "output", strings.TrimSpace(string(out)))
		} else {
			w.logger.Info("restart command issued")
		}
	}

	w.notifyOperator(ctx, probeErr)
}

// notifyOperator sends the operator a short report with the last log lines.
func (w *Watchdog) notifyOperator(ctx context.Context, probeErr error) {
	if w.sender == nil || w.cfg.Operator == "" {
		return
	}

	msg := fmt.Sprintf("courier daemon down (probe: %v), recovery attempt %d", probeErr, w.failures.Load())
	if tail := w.logTail(); tail != "" {
		msg += "\n\nrecent log:\n" + tail
	}

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := w.sender.Send(sendCtx, w.cfg.OperatorBackend, w.cfg.Operator, msg); err != nil {
		w.logger.Error("operator notification failed", "error", err)
	}
}

// logTail returns the last configured number of lines of the daemon log.
func (w *Watchdog) logTail() string {
	if w.cfg.LogFile == "" || w.cfg.LogTailLines <= 0 {
		return ""
	}

	data, err := os.ReadFile(w.cfg.LogFile)
	if err != nil {
		return ""
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > w.cfg.LogTailLines {
		lines = lines[len(lines)-w.cfg.LogTailLines:]
	}
	return strings.Join(lines, "\n")
}

// acquireLock takes an exclusive advisory lock so at most one watchdog
// supervises a daemon. A second instance fails fast instead of doubling
// the restart traffic.
func (w *Watchdog) acquireLock() error {
	if w.cfg.LockFile == "" {
		return nil
	}

	fd, err := unix.Open(w.cfg.LockFile, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return fmt.Errorf("another watchdog holds %s: %w", w.cfg.LockFile, err)
	}

	w.lockFD = fd
	return nil
}

func (w *Watchdog) releaseLock() {
	if w.lockFD < 0 {
		return
	}
	unix.Flock(w.lockFD, unix.LOCK_UN)
	unix.Close(w.lockFD)
	w.lockFD = -1
}
