// Package session owns the open-session state machine: one Activity plus one
// rule verdict per tick in, at most one persisted session per close event out.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ykawase/ttrack/internal/config"
	"github.com/ykawase/ttrack/internal/model"
)

// Verdict is the rule engine's answer for one sample.
type Verdict struct {
	Matched     bool
	ProjectID   int64
	ProjectName string
	TriggeredBy string
}

// SettingsFunc reads the current runtime settings. The tracker calls it on
// every transition so settings edits apply without a restart.
type SettingsFunc func() config.Settings

// PersistFunc durably stores one closed session.
type PersistFunc func(context.Context, model.Session) error

type state int

const (
	stateNoSession state = iota
	stateTracking
	statePaused
)

// Current is a snapshot of the open session for status reporting.
type Current struct {
	ProjectID   int64
	ProjectName string
	StartTime   time.Time
	LastActive  time.Time
	TriggeredBy string
}

// Tracker is the session state machine. All methods are safe for concurrent
// use; the control listener and the poll loop share one instance.
type Tracker struct {
	settings SettingsFunc
	persist  PersistFunc
	logger   *slog.Logger

	mu          sync.Mutex
	state       state
	projectID   int64
	projectName string
	triggeredBy string
	startTime   time.Time
	lastActive  time.Time
	idleStart   *time.Time
}

func NewTracker(settings SettingsFunc, persist PersistFunc, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{settings: settings, persist: persist, logger: logger}
}

// Tick consumes one sample. sampledAt is the sample timestamp, idle the
// sensor's idle flag, verdict the rule engine result for the sample. A paused
// tracker ignores ticks entirely.
func (t *Tracker) Tick(ctx context.Context, sampledAt time.Time, idle bool, verdict Verdict) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == statePaused {
		return
	}
	sampledAt = sampledAt.UTC()

	if idle {
		t.tickIdle(ctx, sampledAt)
		return
	}
	t.idleStart = nil

	if !verdict.Matched {
		t.tickNoMatch(ctx, sampledAt)
		return
	}

	switch t.state {
	case stateNoSession:
		t.open(sampledAt, verdict)
	case stateTracking:
		if t.projectID != verdict.ProjectID {
			// Project switch closes at the switch instant, not at
			// lastActive, so back-to-back work has no gap.
			t.close(ctx, sampledAt)
			t.open(sampledAt, verdict)
			return
		}
		t.lastActive = sampledAt
		t.triggeredBy = verdict.TriggeredBy
	}
}

func (t *Tracker) tickIdle(ctx context.Context, sampledAt time.Time) {
	if t.idleStart == nil {
		start := sampledAt
		t.idleStart = &start
	}
	if t.state != stateTracking {
		return
	}
	if sampledAt.Sub(*t.idleStart) >= t.settings().IdleGracePeriod {
		t.close(ctx, t.lastActive)
	}
}

func (t *Tracker) tickNoMatch(ctx context.Context, sampledAt time.Time) {
	if t.state != stateTracking {
		return
	}
	if sampledAt.Sub(t.lastActive) >= t.settings().SessionGracePeriod {
		t.close(ctx, t.lastActive)
	}
}

// Pause closes any open session at its last active instant and suspends
// tracking. The pause command's own timestamp never leaks into billed time.
func (t *Tracker) Pause(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateTracking {
		t.close(ctx, t.lastActive)
	}
	t.state = statePaused
	t.idleStart = nil
}

func (t *Tracker) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == statePaused {
		t.state = stateNoSession
	}
}

func (t *Tracker) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == statePaused
}

// Shutdown is the terminal transition. If idle had already outlived the grace
// period the session closes at lastActive, otherwise at the shutdown instant.
func (t *Tracker) Shutdown(ctx context.Context, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateTracking {
		return
	}
	at = at.UTC()
	end := at
	if t.idleStart != nil && at.Sub(*t.idleStart) >= t.settings().IdleGracePeriod {
		end = t.lastActive
	}
	t.close(ctx, end)
}

// CurrentSession snapshots the open session, if any.
func (t *Tracker) CurrentSession() (Current, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateTracking {
		return Current{}, false
	}
	return Current{
		ProjectID:   t.projectID,
		ProjectName: t.projectName,
		StartTime:   t.startTime,
		LastActive:  t.lastActive,
		TriggeredBy: t.triggeredBy,
	}, true
}

func (t *Tracker) open(sampledAt time.Time, verdict Verdict) {
	t.state = stateTracking
	t.projectID = verdict.ProjectID
	t.projectName = verdict.ProjectName
	t.triggeredBy = verdict.TriggeredBy
	t.startTime = sampledAt
	t.lastActive = sampledAt
}

// close is the single close path: fix end_time, derive the duration, persist
// only when it clears min_session_duration, then drop in-memory state.
func (t *Tracker) close(ctx context.Context, end time.Time) {
	if t.state != stateTracking {
		return
	}
	if end.Before(t.startTime) {
		end = t.startTime
	}
	duration := int64(end.Sub(t.startTime) / time.Second)
	sess := model.Session{
		ProjectID:   t.projectID,
		StartTime:   t.startTime,
		EndTime:     end,
		Duration:    duration,
		TriggeredBy: t.triggeredBy,
	}

	t.state = stateNoSession
	t.idleStart = nil

	if duration < int64(t.settings().MinSessionDuration/time.Second) {
		t.logger.Debug("discarding short session",
			"project_id", sess.ProjectID, "duration", duration)
		return
	}
	if err := t.persist(ctx, sess); err != nil {
		t.logger.Error("failed to persist session",
			"project_id", sess.ProjectID,
			"start_time", sess.StartTime.Format(time.RFC3339),
			"duration", duration,
			"error", err)
	}
}
