package daemon

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ykawase/ttrack/internal/capture"
	"github.com/ykawase/ttrack/internal/clock"
	"github.com/ykawase/ttrack/internal/config"
	"github.com/ykawase/ttrack/internal/db"
	"github.com/ykawase/ttrack/internal/model"
	"github.com/ykawase/ttrack/internal/testutil"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDaemon(t *testing.T, store *db.Store, sampler capture.Sampler) (*Daemon, *clock.Fixed) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		DBPath:     filepath.Join(dir, "ttrack.db"),
		SocketPath: filepath.Join(dir, "ttrackd.sock"),
		LockPath:   filepath.Join(dir, "ttrackd.lock"),
		BackupDir:  filepath.Join(dir, "backups"),
	}
	clk := clock.NewFixed(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return New(cfg, store, sampler, discard(), clk), clk
}

func seedProjectWithRule(t *testing.T, store *db.Store) model.Project {
	t.Helper()
	ctx := context.Background()
	p, err := store.CreateProject(ctx, "work", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	_, err = store.CreateRule(ctx, model.Rule{
		ProjectID: p.ID, Type: model.RuleExactApp, Value: "Code", Enabled: true,
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return p
}

func TestTickRecordsSampleAndOpensSession(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	p := seedProjectWithRule(t, store)

	sample := model.Activity{
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		AppName:   model.StrPtr("Code"),
	}
	d, _ := testDaemon(t, store, capture.Static(sample))
	if err := store.EnsureDefaultSettings(ctx, config.DefaultSettingValues()); err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	d.tick(ctx)

	n, err := store.CountRows(ctx, "activities")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("recorded %d activities, want 1", n)
	}
	cur, ok := d.tracker.CurrentSession()
	if !ok {
		t.Fatalf("expected an open session after a matching tick")
	}
	if cur.ProjectID != p.ID {
		t.Fatalf("session project = %d, want %d", cur.ProjectID, p.ID)
	}
}

func TestSettingsPauseFlagIsHonoredOnTick(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	seedProjectWithRule(t, store)

	sample := model.Activity{
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		AppName:   model.StrPtr("Code"),
	}
	d, _ := testDaemon(t, store, capture.Static(sample))
	if err := store.EnsureDefaultSettings(ctx, config.DefaultSettingValues()); err != nil {
		t.Fatalf("seed settings: %v", err)
	}
	flag := "1"
	if err := store.SetSetting(ctx, config.KeyTrackingPaused, &flag); err != nil {
		t.Fatalf("set setting: %v", err)
	}

	d.tick(ctx)

	if !d.tracker.Paused() {
		t.Fatalf("tracker must pick up the settings pause flag")
	}
	if _, ok := d.tracker.CurrentSession(); ok {
		t.Fatalf("paused tick must not open a session")
	}
	n, err := store.CountRows(ctx, "activities")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("raw samples are still recorded while paused, got %d rows", n)
	}
}

func TestTickSurvivesSamplerFailure(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	failing := capture.SamplerFunc(func(context.Context, time.Duration) (model.Activity, error) {
		panic("sensor exploded")
	})
	d, _ := testDaemon(t, store, failing)

	// Must not propagate the panic.
	d.tick(ctx)
}

func TestControlSocketProtocol(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := testutil.NewStore(t)
	seedProjectWithRule(t, store)

	sample := model.Activity{
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		AppName:   model.StrPtr("Code"),
	}
	d, _ := testDaemon(t, store, capture.Static(sample))
	if err := store.EnsureDefaultSettings(ctx, config.DefaultSettingValues()); err != nil {
		t.Fatalf("seed settings: %v", err)
	}
	if err := d.startControl(ctx); err != nil {
		t.Fatalf("start control: %v", err)
	}
	defer d.stopControl()

	send := func(cmd string) string {
		conn, err := net.Dial("unix", d.cfg.SocketPath)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()
		if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return strings.TrimSpace(line)
	}

	if got := send("PING"); got != "OK" {
		t.Fatalf("PING = %q", got)
	}
	if got := send("STATUS"); got != "IDLE" {
		t.Fatalf("STATUS with no session = %q", got)
	}

	d.tick(ctx)
	if got := send("STATUS"); !strings.HasPrefix(got, "TRACKING:") {
		t.Fatalf("STATUS while tracking = %q", got)
	}

	if got := send("PAUSE"); got != "OK" {
		t.Fatalf("PAUSE = %q", got)
	}
	if v, err := store.GetSetting(ctx, config.KeyTrackingPaused); err != nil || v != "1" {
		t.Fatalf("pause flag = %q err = %v", v, err)
	}
	if got := send("STATUS"); got != "IDLE" {
		t.Fatalf("STATUS while paused = %q", got)
	}

	if got := send("RESUME"); got != "OK" {
		t.Fatalf("RESUME = %q", got)
	}
	if v, err := store.GetSetting(ctx, config.KeyTrackingPaused); err != nil || v != "0" {
		t.Fatalf("pause flag after resume = %q err = %v", v, err)
	}

	if got := send("BOGUS"); got != "ERROR:unknown command" {
		t.Fatalf("unknown command = %q", got)
	}
}
