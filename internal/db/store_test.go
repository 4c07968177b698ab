package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ykawase/ttrack/internal/model"
)

func newStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "ttrack.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func TestCreateProjectRejectsDuplicateName(t *testing.T) {
	store, ctx := newStore(t)

	p, err := store.CreateProject(ctx, "work", "#ff0000")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if p.Color != "#ff0000" {
		t.Fatalf("color = %s", p.Color)
	}
	if _, err := store.CreateProject(ctx, "work", ""); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if _, err := store.CreateProject(ctx, "  ", ""); err == nil {
		t.Fatalf("blank name must be rejected")
	}
}

func TestListProjectsFiltersArchived(t *testing.T) {
	store, ctx := newStore(t)

	a, _ := store.CreateProject(ctx, "active", "")
	b, _ := store.CreateProject(ctx, "old", "")
	if err := store.SetProjectArchived(ctx, b.ID, true); err != nil {
		t.Fatalf("archive: %v", err)
	}

	visible, err := store.ListProjects(ctx, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(visible) != 1 || visible[0].ID != a.ID {
		t.Fatalf("visible projects = %+v", visible)
	}
	all, err := store.ListProjects(ctx, true)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all projects = %+v", all)
	}

	if err := store.SetProjectArchived(ctx, 999, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateRuleValidation(t *testing.T) {
	store, ctx := newStore(t)
	p, _ := store.CreateProject(ctx, "work", "")

	if _, err := store.CreateRule(ctx, model.Rule{ProjectID: p.ID, Type: "bogus", Value: "x"}); err == nil {
		t.Fatalf("unknown rule type must be rejected")
	}
	if _, err := store.CreateRule(ctx, model.Rule{ProjectID: p.ID, Type: model.RuleWindowRegex, Value: "[unclosed"}); err == nil {
		t.Fatalf("invalid regex must be rejected at creation")
	}
	if _, err := store.CreateRule(ctx, model.Rule{ProjectID: 999, Type: model.RuleExactApp, Value: "Code"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing project should yield ErrNotFound, got %v", err)
	}

	r, err := store.CreateRule(ctx, model.Rule{ProjectID: p.ID, Type: model.RuleExactApp, Value: "Code", Enabled: true})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if !r.Enabled || r.Type != model.RuleExactApp {
		t.Fatalf("rule = %+v", r)
	}
}

func TestListEnabledRulesOrdersByID(t *testing.T) {
	store, ctx := newStore(t)
	p, _ := store.CreateProject(ctx, "work", "")

	first, _ := store.CreateRule(ctx, model.Rule{ProjectID: p.ID, Type: model.RuleExactApp, Value: "A", Enabled: true})
	second, _ := store.CreateRule(ctx, model.Rule{ProjectID: p.ID, Type: model.RuleExactApp, Value: "B", Enabled: true})
	if err := store.SetRuleEnabled(ctx, second.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	enabled, err := store.ListEnabledRules(ctx)
	if err != nil {
		t.Fatalf("list enabled: %v", err)
	}
	if len(enabled) != 1 || enabled[0].ID != first.ID {
		t.Fatalf("enabled rules = %+v", enabled)
	}
}

func TestRecordTickFoldsBlocks(t *testing.T) {
	store, ctx := newStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mk := func(off int, window string) model.Activity {
		return model.Activity{
			Timestamp:   base.Add(time.Duration(off) * time.Second),
			AppName:     model.StrPtr("Code"),
			WindowTitle: model.StrPtr(window),
		}
	}
	for _, a := range []model.Activity{mk(0, "main.go"), mk(2, "main.go"), mk(4, "main.go"), mk(6, "store.go")} {
		if err := store.RecordTick(ctx, a); err != nil {
			t.Fatalf("record tick: %v", err)
		}
	}

	n, err := store.CountRows(ctx, "activities")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 4 {
		t.Fatalf("activities = %d", n)
	}
	list, err := store.ListBlocks(ctx, base, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("list blocks: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("blocks = %+v", list)
	}
	if list[0].Duration != 4 || !list[0].EndTime.Equal(base.Add(4*time.Second)) {
		t.Fatalf("first block = %+v", list[0])
	}
	if list[1].Duration != 0 {
		t.Fatalf("second block = %+v", list[1])
	}

	tail, err := store.LatestBlock(ctx)
	if err != nil {
		t.Fatalf("latest block: %v", err)
	}
	if tail.WindowTitle == nil || *tail.WindowTitle != "store.go" {
		t.Fatalf("tail = %+v", tail)
	}
}

func TestTimestampsRoundTripAsUTCSeconds(t *testing.T) {
	store, ctx := newStore(t)

	local := time.Date(2026, 3, 1, 18, 30, 45, 987654321, time.FixedZone("JST", 9*3600))
	if _, err := store.InsertActivity(ctx, model.Activity{Timestamp: local}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	list, err := store.ListActivities(ctx, local.Add(-time.Minute), local.Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("activities = %+v", list)
	}
	want := time.Date(2026, 3, 1, 9, 30, 45, 0, time.UTC)
	if !list[0].Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", list[0].Timestamp, want)
	}
}

func TestProjectTotalsExcludeArchived(t *testing.T) {
	store, ctx := newStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	live, _ := store.CreateProject(ctx, "live", "")
	archived, _ := store.CreateProject(ctx, "archived", "")
	for _, p := range []model.Project{live, archived} {
		if _, err := store.InsertSession(ctx, model.Session{
			ProjectID: p.ID, StartTime: base, EndTime: base.Add(time.Hour), Duration: 3600,
		}); err != nil {
			t.Fatalf("insert session: %v", err)
		}
	}
	if err := store.SetProjectArchived(ctx, archived.ID, true); err != nil {
		t.Fatalf("archive: %v", err)
	}

	totals, err := store.ProjectTotals(ctx, base.Add(-time.Hour), base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if len(totals) != 1 || totals[0].ProjectID != live.ID || totals[0].Seconds != 3600 {
		t.Fatalf("totals = %+v", totals)
	}

	// Archived projects keep their history.
	sessions, err := store.ListSessions(ctx, base.Add(-time.Hour), base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %+v", sessions)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	store, ctx := newStore(t)

	v := "5"
	if err := store.SetSetting(ctx, "poll_interval", &v); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := store.GetSetting(ctx, "poll_interval")
	if err != nil || got != "5" {
		t.Fatalf("get = %q, %v", got, err)
	}

	// NULL reads back as unset.
	if err := store.SetSetting(ctx, "tracking_paused_at", nil); err != nil {
		t.Fatalf("set null: %v", err)
	}
	if _, err := store.GetSetting(ctx, "tracking_paused_at"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("null value should read as ErrNotFound, got %v", err)
	}

	// Seeding never overwrites existing values.
	seed := "2"
	if err := store.EnsureDefaultSettings(ctx, map[string]*string{"poll_interval": &seed}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	got, err = store.GetSetting(ctx, "poll_interval")
	if err != nil || got != "5" {
		t.Fatalf("seed overwrote value: %q, %v", got, err)
	}
}
