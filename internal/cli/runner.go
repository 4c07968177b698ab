// Package cli implements the ttrack command line client. It talks to the
// daemon over the control socket where live state is needed and reads the
// database directly for everything else.
package cli

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ykawase/ttrack/internal/config"
	"github.com/ykawase/ttrack/internal/db"
	"github.com/ykawase/ttrack/internal/maintenance"
	"github.com/ykawase/ttrack/internal/model"
	"github.com/ykawase/ttrack/internal/rules"
)

type Runner struct {
	cfg    config.Config
	out    io.Writer
	errOut io.Writer
}

func NewRunner(cfg config.Config, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{cfg: cfg, out: out, errOut: errOut}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		r.printUsage()
		return 2
	}
	switch args[0] {
	case "project":
		return r.runProject(ctx, args[1:])
	case "rule":
		return r.runRule(ctx, args[1:])
	case "config":
		return r.runConfig(ctx, args[1:])
	case "status":
		return r.runStatus(ctx)
	case "pause":
		return r.runPauseResume(ctx, true)
	case "resume":
		return r.runPauseResume(ctx, false)
	case "stats":
		return r.runStats(ctx, args[1:])
	case "export":
		return r.runExport(ctx, args[1:])
	case "db":
		return r.runDB(ctx, args[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", args[0])
		r.printUsage()
		return 2
	}
}

func (r *Runner) openStore(ctx context.Context) (*db.Store, error) {
	store, err := db.Open(ctx, r.cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		store.Close() //nolint:errcheck
		return nil, err
	}
	return store, nil
}

func (r *Runner) fail(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) runProject(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: ttrack project <add|list|archive|unarchive|rm>")
		return 2
	}
	store, err := r.openStore(ctx)
	if err != nil {
		return r.fail(err)
	}
	defer store.Close() //nolint:errcheck

	switch args[0] {
	case "add":
		fs := flag.NewFlagSet("project add", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		color := fs.String("color", "", "display color, #rrggbb")
		if err := fs.Parse(args[1:]); err != nil || fs.NArg() != 1 {
			_, _ = fmt.Fprintln(r.errOut, "usage: ttrack project add [-color #rrggbb] <name>")
			return 2
		}
		p, err := store.CreateProject(ctx, fs.Arg(0), *color)
		if err != nil {
			if errors.Is(err, db.ErrDuplicate) {
				return r.fail(fmt.Errorf("project %q already exists", fs.Arg(0)))
			}
			return r.fail(err)
		}
		_, _ = fmt.Fprintf(r.out, "created project %d: %s\n", p.ID, p.Name)
		return 0
	case "list":
		fs := flag.NewFlagSet("project list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		all := fs.Bool("all", false, "include archived projects")
		jsonOut := fs.Bool("json", false, "output JSON")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		projects, err := store.ListProjects(ctx, *all)
		if err != nil {
			return r.fail(err)
		}
		if *jsonOut {
			return r.printJSON(projects)
		}
		for _, p := range projects {
			suffix := ""
			if p.Archived {
				suffix = " (archived)"
			}
			_, _ = fmt.Fprintf(r.out, "%d\t%s\t%s%s\n", p.ID, p.Name, p.Color, suffix)
		}
		return 0
	case "archive", "unarchive":
		id, err := parseID(args[1:])
		if err != nil {
			return r.fail(err)
		}
		if err := store.SetProjectArchived(ctx, id, args[0] == "archive"); err != nil {
			return r.fail(err)
		}
		_, _ = fmt.Fprintf(r.out, "%sd project %d\n", args[0], id)
		return 0
	case "rm":
		id, err := parseID(args[1:])
		if err != nil {
			return r.fail(err)
		}
		if err := store.DeleteProject(ctx, id); err != nil {
			return r.fail(err)
		}
		_, _ = fmt.Fprintf(r.out, "deleted project %d\n", id)
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown project command: %s\n", args[0])
		return 2
	}
}

func (r *Runner) runRule(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: ttrack rule <add|list|enable|disable|rm|test>")
		return 2
	}
	store, err := r.openStore(ctx)
	if err != nil {
		return r.fail(err)
	}
	defer store.Close() //nolint:errcheck

	switch args[0] {
	case "add":
		fs := flag.NewFlagSet("rule add", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		project := fs.Int64("project", 0, "project id")
		ruleType := fs.String("type", "", "rule type")
		value := fs.String("value", "", "rule value")
		group := fs.Int64("group", 0, "AND group, 0 for ungrouped")
		if err := fs.Parse(args[1:]); err != nil || *project == 0 || *ruleType == "" || *value == "" {
			_, _ = fmt.Fprintf(r.errOut, "usage: ttrack rule add -project <id> -type <%s> -value <v> [-group n]\n", ruleTypeList())
			return 2
		}
		rule, err := store.CreateRule(ctx, model.Rule{
			ProjectID: *project,
			Type:      model.RuleType(*ruleType),
			Value:     *value,
			Group:     *group,
			Enabled:   true,
		})
		if err != nil {
			return r.fail(err)
		}
		_, _ = fmt.Fprintf(r.out, "created rule %d\n", rule.ID)
		return 0
	case "list":
		fs := flag.NewFlagSet("rule list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		project := fs.Int64("project", 0, "filter by project id")
		jsonOut := fs.Bool("json", false, "output JSON")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		var filter *int64
		if *project != 0 {
			filter = project
		}
		list, err := store.ListRules(ctx, filter)
		if err != nil {
			return r.fail(err)
		}
		if *jsonOut {
			return r.printJSON(list)
		}
		for _, rule := range list {
			state := "enabled"
			if !rule.Enabled {
				state = "disabled"
			}
			_, _ = fmt.Fprintf(r.out, "%d\tproject=%d\tgroup=%d\t%s: %s\t%s\n",
				rule.ID, rule.ProjectID, rule.Group, rule.Type, rule.Value, state)
		}
		return 0
	case "enable", "disable":
		id, err := parseID(args[1:])
		if err != nil {
			return r.fail(err)
		}
		if err := store.SetRuleEnabled(ctx, id, args[0] == "enable"); err != nil {
			return r.fail(err)
		}
		_, _ = fmt.Fprintf(r.out, "%sd rule %d\n", args[0], id)
		return 0
	case "rm":
		id, err := parseID(args[1:])
		if err != nil {
			return r.fail(err)
		}
		if err := store.DeleteRule(ctx, id); err != nil {
			return r.fail(err)
		}
		_, _ = fmt.Fprintf(r.out, "deleted rule %d\n", id)
		return 0
	case "test":
		return r.runRuleTest(ctx, store, args[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown rule command: %s\n", args[0])
		return 2
	}
}

// runRuleTest evaluates the current rule set against a synthetic sample and
// prints every project that would match, in evaluation order.
func (r *Runner) runRuleTest(ctx context.Context, store *db.Store, args []string) int {
	fs := flag.NewFlagSet("rule test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	app := fs.String("app", "", "app name")
	bundle := fs.String("bundle", "", "bundle id")
	window := fs.String("window", "", "window title")
	path := fs.String("path", "", "file path")
	urlField := fs.String("url", "", "url")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintln(r.errOut, "usage: ttrack rule test [-app v] [-bundle v] [-window v] [-path v] [-url v]")
		return 2
	}
	projects, err := store.ListProjects(ctx, false)
	if err != nil {
		return r.fail(err)
	}
	enabled, err := store.ListEnabledRules(ctx)
	if err != nil {
		return r.fail(err)
	}
	engine := rules.NewEngine(nil)
	engine.Reload(projects, enabled)

	sample := model.Activity{
		AppName:     emptyToNil(*app),
		BundleID:    emptyToNil(*bundle),
		WindowTitle: emptyToNil(*window),
		FilePath:    emptyToNil(*path),
		URL:         emptyToNil(*urlField),
	}
	matches := engine.EvaluateAll(sample)
	if len(matches) == 0 {
		_, _ = fmt.Fprintln(r.out, "no match")
		return 0
	}
	for i, m := range matches {
		marker := " "
		if i == 0 {
			marker = "*"
		}
		_, _ = fmt.Fprintf(r.out, "%s %s (%s)\n", marker, m.ProjectName, m.TriggeredBy)
	}
	return 0
}

func (r *Runner) runConfig(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: ttrack config <get|set|list>")
		return 2
	}
	store, err := r.openStore(ctx)
	if err != nil {
		return r.fail(err)
	}
	defer store.Close() //nolint:errcheck

	switch args[0] {
	case "get":
		if len(args) != 2 {
			_, _ = fmt.Fprintln(r.errOut, "usage: ttrack config get <key>")
			return 2
		}
		value, err := store.GetSetting(ctx, args[1])
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return r.fail(fmt.Errorf("setting %q is not set", args[1]))
			}
			return r.fail(err)
		}
		_, _ = fmt.Fprintln(r.out, value)
		return 0
	case "set":
		if len(args) != 3 {
			_, _ = fmt.Fprintln(r.errOut, "usage: ttrack config set <key> <value>")
			return 2
		}
		if err := store.SetSetting(ctx, args[1], &args[2]); err != nil {
			return r.fail(err)
		}
		_, _ = fmt.Fprintf(r.out, "%s = %s\n", args[1], args[2])
		return 0
	case "list":
		values, err := store.ListSettings(ctx)
		if err != nil {
			return r.fail(err)
		}
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_, _ = fmt.Fprintf(r.out, "%s = %s\n", k, values[k])
		}
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown config command: %s\n", args[0])
		return 2
	}
}

// runStatus asks the daemon first and falls back to the settings pause flag
// when the socket is unreachable.
func (r *Runner) runStatus(ctx context.Context) int {
	resp, err := r.control("STATUS")
	if err == nil {
		switch {
		case strings.HasPrefix(resp, "TRACKING:"):
			_, _ = fmt.Fprintf(r.out, "tracking project %s\n", strings.TrimPrefix(resp, "TRACKING:"))
		case resp == "IDLE":
			_, _ = fmt.Fprintln(r.out, "idle")
		default:
			_, _ = fmt.Fprintln(r.out, resp)
		}
		return 0
	}

	store, serr := r.openStore(ctx)
	if serr != nil {
		return r.fail(serr)
	}
	defer store.Close() //nolint:errcheck
	values, serr := store.ListSettings(ctx)
	if serr != nil {
		return r.fail(serr)
	}
	if config.ParseSettings(values).TrackingPaused {
		_, _ = fmt.Fprintln(r.out, "daemon not running (tracking paused)")
	} else {
		_, _ = fmt.Fprintln(r.out, "daemon not running")
	}
	return 0
}

// runPauseResume prefers the live control channel and falls back to writing
// the settings flag, which the daemon re-checks every tick.
func (r *Runner) runPauseResume(ctx context.Context, pause bool) int {
	cmd, flagValue, verb := "RESUME", "0", "resumed"
	if pause {
		cmd, flagValue, verb = "PAUSE", "1", "paused"
	}
	if resp, err := r.control(cmd); err == nil && resp == "OK" {
		_, _ = fmt.Fprintf(r.out, "tracking %s\n", verb)
		return 0
	}

	store, err := r.openStore(ctx)
	if err != nil {
		return r.fail(err)
	}
	defer store.Close() //nolint:errcheck
	if err := store.SetSetting(ctx, config.KeyTrackingPaused, &flagValue); err != nil {
		return r.fail(err)
	}
	var pausedAt *string
	if pause {
		now := time.Now().UTC().Format(time.RFC3339)
		pausedAt = &now
	}
	if err := store.SetSetting(ctx, config.KeyTrackingPausedAt, pausedAt); err != nil {
		return r.fail(err)
	}
	_, _ = fmt.Fprintf(r.out, "tracking %s (daemon will apply on next poll)\n", verb)
	return 0
}

func (r *Runner) runStats(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	rangeName := fs.String("range", "day", "day, week or all")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintln(r.errOut, "usage: ttrack stats [-range day|week|all] [-json]")
		return 2
	}
	store, err := r.openStore(ctx)
	if err != nil {
		return r.fail(err)
	}
	defer store.Close() //nolint:errcheck

	values, err := store.ListSettings(ctx)
	if err != nil {
		return r.fail(err)
	}
	from, to, err := statsRange(*rangeName, time.Now().UTC(), config.ParseSettings(values).WeekStart)
	if err != nil {
		return r.fail(err)
	}

	totals, err := store.ProjectTotals(ctx, from, to)
	if err != nil {
		return r.fail(err)
	}
	if *jsonOut {
		return r.printJSON(totals)
	}
	if len(totals) == 0 {
		_, _ = fmt.Fprintln(r.out, "no sessions in range")
		return 0
	}
	for _, t := range totals {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t(%d sessions)\n", t.Name, formatDuration(t.Seconds), t.Sessions)
	}
	return 0
}

func (r *Runner) runExport(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	format := fs.String("format", "json", "json or csv")
	fromFlag := fs.String("from", "", "start date, YYYY-MM-DD")
	toFlag := fs.String("to", "", "end date, YYYY-MM-DD")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintln(r.errOut, "usage: ttrack export [-format json|csv] [-from YYYY-MM-DD] [-to YYYY-MM-DD]")
		return 2
	}
	from, to, err := exportRange(*fromFlag, *toFlag)
	if err != nil {
		return r.fail(err)
	}
	store, err := r.openStore(ctx)
	if err != nil {
		return r.fail(err)
	}
	defer store.Close() //nolint:errcheck

	sessions, err := store.ListSessions(ctx, from, to)
	if err != nil {
		return r.fail(err)
	}
	names, err := projectNames(ctx, store)
	if err != nil {
		return r.fail(err)
	}

	switch *format {
	case "json":
		type row struct {
			ID          int64  `json:"id"`
			ProjectID   int64  `json:"project_id"`
			Project     string `json:"project"`
			StartTime   string `json:"start_time"`
			EndTime     string `json:"end_time"`
			Duration    int64  `json:"duration"`
			TriggeredBy string `json:"triggered_by"`
		}
		type snapshot struct {
			ExportID    string `json:"export_id"`
			GeneratedAt string `json:"generated_at"`
			Sessions    []row  `json:"sessions"`
		}
		rows := make([]row, 0, len(sessions))
		for _, s := range sessions {
			rows = append(rows, row{
				ID:          s.ID,
				ProjectID:   s.ProjectID,
				Project:     names[s.ProjectID],
				StartTime:   s.StartTime.Format(time.RFC3339),
				EndTime:     s.EndTime.Format(time.RFC3339),
				Duration:    s.Duration,
				TriggeredBy: s.TriggeredBy,
			})
		}
		return r.printJSON(snapshot{
			ExportID:    uuid.NewString(),
			GeneratedAt: time.Now().UTC().Format(time.RFC3339),
			Sessions:    rows,
		})
	case "csv":
		w := csv.NewWriter(r.out)
		if err := w.Write([]string{"id", "project_id", "project", "start_time", "end_time", "duration", "triggered_by"}); err != nil {
			return r.fail(err)
		}
		for _, s := range sessions {
			record := []string{
				strconv.FormatInt(s.ID, 10),
				strconv.FormatInt(s.ProjectID, 10),
				names[s.ProjectID],
				s.StartTime.Format(time.RFC3339),
				s.EndTime.Format(time.RFC3339),
				strconv.FormatInt(s.Duration, 10),
				s.TriggeredBy,
			}
			if err := w.Write(record); err != nil {
				return r.fail(err)
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return r.fail(err)
		}
		return 0
	default:
		return r.fail(fmt.Errorf("unknown export format %q", *format))
	}
}

func (r *Runner) runDB(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: ttrack db <prune|backup>")
		return 2
	}
	store, err := r.openStore(ctx)
	if err != nil {
		return r.fail(err)
	}
	defer store.Close() //nolint:errcheck

	values, err := store.ListSettings(ctx)
	if err != nil {
		return r.fail(err)
	}
	settings := config.ParseSettings(values)
	m := maintenance.NewMaintainer(store, func() config.Settings { return settings }, r.cfg.BackupDir, nil)

	switch args[0] {
	case "prune":
		stats, err := m.Prune(ctx, time.Now().UTC())
		if err != nil {
			return r.fail(err)
		}
		_, _ = fmt.Fprintf(r.out, "pruned %d activities, %d blocks, %d sessions\n",
			stats.Activities, stats.Blocks, stats.Sessions)
		return 0
	case "backup":
		path, err := m.BackupNow(ctx, time.Now().UTC())
		if err != nil {
			return r.fail(err)
		}
		_, _ = fmt.Fprintf(r.out, "backup written to %s\n", path)
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown db command: %s\n", args[0])
		return 2
	}
}

// control sends one request over the daemon socket and reads one response
// line.
func (r *Runner) control(command string) (string, error) {
	conn, err := net.DialTimeout("unix", r.cfg.SocketPath, 2*time.Second)
	if err != nil {
		return "", err
	}
	defer conn.Close()                               //nolint:errcheck
	conn.SetDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return "", err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (r *Runner) printJSON(v any) int {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return r.fail(err)
	}
	return 0
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, `usage: ttrack <command>

commands:
  project  add, list, archive, unarchive, rm
  rule     add, list, enable, disable, rm, test
  config   get, set, list
  status   show current tracking state
  pause    stop session tracking
  resume   restart session tracking
  stats    per-project session totals
  export   dump sessions as json or csv
  db       prune, backup`)
}

func parseID(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected exactly one id argument")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", args[0])
	}
	return id, nil
}

func projectNames(ctx context.Context, store *db.Store) (map[int64]string, error) {
	projects, err := store.ListProjects(ctx, true)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(projects))
	for _, p := range projects {
		names[p.ID] = p.Name
	}
	return names, nil
}

// statsRange resolves a named range to UTC bounds. Week starts follow the
// week_start setting.
func statsRange(name string, now time.Time, weekStart string) (time.Time, time.Time, error) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch name {
	case "day":
		return dayStart, now, nil
	case "week":
		offset := int(now.Weekday()-time.Monday+7) % 7
		if weekStart == "sunday" {
			offset = int(now.Weekday()-time.Sunday+7) % 7
		}
		return dayStart.AddDate(0, 0, -offset), now, nil
	case "all":
		return time.Time{}, now, nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown range %q", name)
	}
}

func exportRange(fromFlag, toFlag string) (time.Time, time.Time, error) {
	from := time.Time{}
	to := time.Now().UTC()
	if fromFlag != "" {
		t, err := time.Parse("2006-01-02", fromFlag)
		if err != nil {
			return from, to, fmt.Errorf("invalid -from date: %w", err)
		}
		from = t
	}
	if toFlag != "" {
		t, err := time.Parse("2006-01-02", toFlag)
		if err != nil {
			return from, to, fmt.Errorf("invalid -to date: %w", err)
		}
		to = t.AddDate(0, 0, 1)
	}
	return from, to, nil
}

func formatDuration(seconds int64) string {
	h := seconds / 3600
	m := (seconds % 3600) / 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}

func ruleTypeList() string {
	parts := make([]string, 0, len(model.RuleTypes))
	for _, t := range model.RuleTypes {
		parts = append(parts, string(t))
	}
	return strings.Join(parts, "|")
}

func emptyToNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
