// Package daemon runs the background poll loop: one sample per tick through
// the rule engine and the session tracker, plus the unix-socket control
// surface.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ykawase/ttrack/internal/capture"
	"github.com/ykawase/ttrack/internal/clock"
	"github.com/ykawase/ttrack/internal/config"
	"github.com/ykawase/ttrack/internal/db"
	"github.com/ykawase/ttrack/internal/maintenance"
	"github.com/ykawase/ttrack/internal/model"
	"github.com/ykawase/ttrack/internal/rules"
	"github.com/ykawase/ttrack/internal/session"
)

type Daemon struct {
	cfg     config.Config
	store   *db.Store
	engine  *rules.Engine
	tracker *session.Tracker
	sampler capture.Sampler
	maint   *maintenance.Maintainer
	logger  *slog.Logger
	clk     clock.Clock

	instanceID string

	mu           sync.Mutex
	settings     config.Settings
	lockFile     *os.File
	listener     net.Listener
	lastPruneDay string
}

func New(cfg config.Config, store *db.Store, sampler capture.Sampler, logger *slog.Logger, clk clock.Clock) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	d := &Daemon{
		cfg:        cfg,
		store:      store,
		sampler:    sampler,
		logger:     logger,
		clk:        clk,
		instanceID: uuid.NewString(),
		settings:   config.DefaultSettings(),
	}
	d.engine = rules.NewEngine(logger)
	d.tracker = session.NewTracker(d.currentSettings, d.persistSession, logger)
	d.maint = maintenance.NewMaintainer(store, d.currentSettings, cfg.BackupDir, logger)
	return d
}

func (d *Daemon) currentSettings() config.Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

func (d *Daemon) persistSession(ctx context.Context, s model.Session) error {
	id, err := d.store.InsertSession(ctx, s)
	if err != nil {
		return err
	}
	d.logger.Info("closed session",
		"session_id", id,
		"project_id", s.ProjectID,
		"duration", s.Duration,
		"triggered_by", s.TriggeredBy)
	return nil
}

// Run blocks until ctx is canceled, then performs the terminal shutdown
// transition before returning.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.acquireLock(); err != nil {
		return err
	}
	defer d.releaseLock() //nolint:errcheck

	if err := d.writePidFile(); err != nil {
		d.logger.Warn("failed to write pid file", "error", err)
	}
	defer d.removePidFile()

	if err := d.startControl(ctx); err != nil {
		return err
	}
	defer d.stopControl()

	if err := d.store.EnsureDefaultSettings(ctx, config.DefaultSettingValues()); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	d.reloadSettings(ctx)
	d.reloadRules(ctx)

	d.logger.Info("daemon started", "instance_id", d.instanceID, "db", d.cfg.DBPath)

	ticker := time.NewTicker(d.currentSettings().PollInterval)
	defer ticker.Stop()
	d.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			d.tracker.Shutdown(shutdownCtx, d.clk.Now())
			cancel()
			d.logger.Info("daemon stopped")
			return nil
		case <-ticker.C:
			d.tick(ctx)
			ticker.Reset(d.currentSettings().PollInterval)
		}
	}
}

// tick runs one full poll cycle. Panics are contained here so a single bad
// sample can never take the daemon down.
func (d *Daemon) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("recovered from tick panic", "panic", r)
		}
	}()

	d.reloadSettings(ctx)
	d.syncPauseFlag(ctx)

	sample, err := d.sampler.Sample(ctx, d.currentSettings().IdleThreshold)
	if err != nil {
		d.logger.Error("sampler failed", "error", err)
		return
	}
	sample.Timestamp = sample.Timestamp.UTC()
	if sample.Timestamp.IsZero() {
		sample.Timestamp = d.clk.Now()
	}

	// Raw samples are recorded even while paused; only session tracking
	// stops.
	if err := d.store.RecordTick(ctx, sample); err != nil {
		d.logger.Error("dropping tick write", "timestamp", sample.Timestamp.Format(time.RFC3339), "error", err)
	}

	verdict := session.Verdict{}
	if !sample.Idle && !d.tracker.Paused() {
		d.reloadRules(ctx)
		if m, ok := d.engine.Evaluate(sample); ok {
			verdict = session.Verdict{
				Matched:     true,
				ProjectID:   m.ProjectID,
				ProjectName: m.ProjectName,
				TriggeredBy: m.TriggeredBy,
			}
		}
	}
	d.tracker.Tick(ctx, sample.Timestamp, sample.Idle, verdict)

	d.maybeMaintain(ctx)
}

func (d *Daemon) reloadSettings(ctx context.Context) {
	values, err := d.store.ListSettings(ctx)
	if err != nil {
		d.logger.Error("failed to reload settings", "error", err)
		return
	}
	s := config.ParseSettings(values)
	d.mu.Lock()
	d.settings = s
	d.mu.Unlock()
}

// syncPauseFlag reconciles the tracker with the settings-table pause flag, so
// a pause written directly to the database (control socket unreachable) is
// honored on the next tick.
func (d *Daemon) syncPauseFlag(ctx context.Context) {
	paused := d.currentSettings().TrackingPaused
	switch {
	case paused && !d.tracker.Paused():
		d.tracker.Pause(ctx)
	case !paused && d.tracker.Paused():
		d.tracker.Resume()
	}
}

func (d *Daemon) reloadRules(ctx context.Context) {
	projects, err := d.store.ListProjects(ctx, false)
	if err != nil {
		d.logger.Error("failed to reload projects", "error", err)
		return
	}
	enabled, err := d.store.ListEnabledRules(ctx)
	if err != nil {
		d.logger.Error("failed to reload rules", "error", err)
		return
	}
	d.engine.Reload(projects, enabled)
}

// maybeMaintain runs the retention prune once per UTC day and the backup on
// its own cadence.
func (d *Daemon) maybeMaintain(ctx context.Context) {
	now := d.clk.Now()
	today := now.Format("2006-01-02")
	d.mu.Lock()
	due := d.lastPruneDay != today
	if due {
		d.lastPruneDay = today
	}
	d.mu.Unlock()
	if !due {
		return
	}
	if _, err := d.maint.Prune(ctx, now); err != nil {
		d.logger.Error("retention prune failed", "error", err)
	}
	if _, err := d.maint.BackupIfDue(ctx, now); err != nil {
		d.logger.Error("scheduled backup failed", "error", err)
	}
}

func (d *Daemon) acquireLock() error {
	if err := os.MkdirAll(filepath.Dir(d.cfg.LockPath), 0o700); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(d.cfg.LockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	d.mu.Lock()
	d.lockFile = f
	d.mu.Unlock()
	return nil
}

func (d *Daemon) releaseLock() error {
	d.mu.Lock()
	f := d.lockFile
	d.lockFile = nil
	d.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}

func (d *Daemon) pidPath() string {
	return d.cfg.LockPath + ".pid"
}

func (d *Daemon) writePidFile() error {
	return os.WriteFile(d.pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o600)
}

func (d *Daemon) removePidFile() {
	if err := os.Remove(d.pidPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.Warn("failed to remove pid file", "error", err)
	}
}
