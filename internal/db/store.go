package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ykawase/ttrack/internal/blocks"
	"github.com/ykawase/ttrack/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

// Store wraps the single SQLite database shared by the daemon and the CLI.
// WAL mode plus busy_timeout gives readers and the single writer the isolation
// the tick loop relies on.
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// InsertActivity appends one raw sample.
func (s *Store) InsertActivity(ctx context.Context, a model.Activity) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO activities(timestamp, app_name, bundle_id, window_title, file_path, url, idle)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, ts(a.Timestamp), nullableStr(a.AppName), nullableStr(a.BundleID), nullableStr(a.WindowTitle), nullableStr(a.FilePath), nullableStr(a.URL), boolToInt(a.Idle))
	if err != nil {
		return 0, fmt.Errorf("insert activity: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert activity id: %w", err)
	}
	return id, nil
}

// RecordTick writes one tick's sample and folds it into the activity block
// tail in a single transaction, so a crash never leaves the block stream
// behind the raw stream.
func (s *Store) RecordTick(ctx context.Context, a model.Activity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tick tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO activities(timestamp, app_name, bundle_id, window_title, file_path, url, idle)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, ts(a.Timestamp), nullableStr(a.AppName), nullableStr(a.BundleID), nullableStr(a.WindowTitle), nullableStr(a.FilePath), nullableStr(a.URL), boolToInt(a.Idle)); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("insert tick activity: %w", err)
	}
	if err := foldBlockTail(ctx, tx, a); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tick tx: %w", err)
	}
	return nil
}

// foldBlockTail extends the newest activity_blocks row when the sample matches
// its descriptive fields, otherwise starts a fresh singleton block.
func foldBlockTail(ctx context.Context, tx *sql.Tx, a model.Activity) error {
	row := tx.QueryRowContext(ctx, `
SELECT id, start_time, app_name, bundle_id, window_title, file_path, url, idle
FROM activity_blocks ORDER BY id DESC LIMIT 1
`)
	var (
		id        int64
		startStr  string
		appName   sql.NullString
		bundleID  sql.NullString
		winTitle  sql.NullString
		filePath  sql.NullString
		urlField  sql.NullString
		idleField int
	)
	err := row.Scan(&id, &startStr, &appName, &bundleID, &winTitle, &filePath, &urlField, &idleField)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("scan block tail: %w", err)
	}
	if err == nil {
		tail := model.ActivityBlock{
			AppName:     nullStr(appName),
			BundleID:    nullStr(bundleID),
			WindowTitle: nullStr(winTitle),
			FilePath:    nullStr(filePath),
			URL:         nullStr(urlField),
			Idle:        idleField == 1,
		}
		if blocks.SameContext(tail, a) {
			start, parseErr := parseTS(startStr)
			if parseErr != nil {
				return fmt.Errorf("parse block start_time: %w", parseErr)
			}
			duration := blocks.DurationSeconds(start, a.Timestamp)
			if _, err := tx.ExecContext(ctx, `UPDATE activity_blocks SET end_time = ?, duration = ? WHERE id = ?`, ts(a.Timestamp), duration, id); err != nil {
				return fmt.Errorf("extend block tail: %w", err)
			}
			return nil
		}
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO activity_blocks(start_time, end_time, duration, app_name, bundle_id, window_title, file_path, url, idle)
VALUES (?, ?, 0, ?, ?, ?, ?, ?, ?)
`, ts(a.Timestamp), ts(a.Timestamp), nullableStr(a.AppName), nullableStr(a.BundleID), nullableStr(a.WindowTitle), nullableStr(a.FilePath), nullableStr(a.URL), boolToInt(a.Idle)); err != nil {
		return fmt.Errorf("insert block tail: %w", err)
	}
	return nil
}

func (s *Store) LatestBlock(ctx context.Context) (model.ActivityBlock, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, start_time, end_time, duration, app_name, bundle_id, window_title, file_path, url, idle
FROM activity_blocks ORDER BY id DESC LIMIT 1
`)
	return scanBlock(row)
}

func (s *Store) ListBlocks(ctx context.Context, from, to time.Time) ([]model.ActivityBlock, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, start_time, end_time, duration, app_name, bundle_id, window_title, file_path, url, idle
FROM activity_blocks
WHERE start_time >= ? AND start_time <= ?
ORDER BY id ASC
`, ts(from), ts(to))
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	out := make([]model.ActivityBlock, 0)
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter blocks: %w", err)
	}
	return out, nil
}

func scanBlock(scanner interface{ Scan(dest ...any) error }) (model.ActivityBlock, error) {
	var (
		b        model.ActivityBlock
		startStr string
		endStr   string
		appName  sql.NullString
		bundleID sql.NullString
		winTitle sql.NullString
		filePath sql.NullString
		urlField sql.NullString
		idle     int
	)
	if err := scanner.Scan(&b.ID, &startStr, &endStr, &b.Duration, &appName, &bundleID, &winTitle, &filePath, &urlField, &idle); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ActivityBlock{}, ErrNotFound
		}
		return model.ActivityBlock{}, fmt.Errorf("scan block: %w", err)
	}
	var err error
	b.StartTime, err = parseTS(startStr)
	if err != nil {
		return model.ActivityBlock{}, fmt.Errorf("parse block start_time: %w", err)
	}
	b.EndTime, err = parseTS(endStr)
	if err != nil {
		return model.ActivityBlock{}, fmt.Errorf("parse block end_time: %w", err)
	}
	b.AppName = nullStr(appName)
	b.BundleID = nullStr(bundleID)
	b.WindowTitle = nullStr(winTitle)
	b.FilePath = nullStr(filePath)
	b.URL = nullStr(urlField)
	b.Idle = idle == 1
	return b, nil
}

func (s *Store) ListActivities(ctx context.Context, from, to time.Time, limit int) ([]model.Activity, error) {
	query := `
SELECT id, timestamp, app_name, bundle_id, window_title, file_path, url, idle
FROM activities
WHERE timestamp >= ? AND timestamp <= ?
ORDER BY id ASC
`
	args := []any{ts(from), ts(to)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	out := make([]model.Activity, 0)
	for rows.Next() {
		var (
			a        model.Activity
			tsStr    string
			appName  sql.NullString
			bundleID sql.NullString
			winTitle sql.NullString
			filePath sql.NullString
			urlField sql.NullString
			idle     int
		)
		if err := rows.Scan(&a.ID, &tsStr, &appName, &bundleID, &winTitle, &filePath, &urlField, &idle); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.Timestamp, err = parseTS(tsStr)
		if err != nil {
			return nil, fmt.Errorf("parse activity timestamp: %w", err)
		}
		a.AppName = nullStr(appName)
		a.BundleID = nullStr(bundleID)
		a.WindowTitle = nullStr(winTitle)
		a.FilePath = nullStr(filePath)
		a.URL = nullStr(urlField)
		a.Idle = idle == 1
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter activities: %w", err)
	}
	return out, nil
}

func (s *Store) CreateProject(ctx context.Context, name, color string) (model.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Project{}, fmt.Errorf("project name is required")
	}
	if color == "" {
		color = "#808080"
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO projects(name, color, created_at) VALUES (?, ?, ?)`, name, color, ts(time.Now().UTC()))
	if err != nil {
		if isUniqueErr(err) {
			return model.Project{}, ErrDuplicate
		}
		return model.Project{}, fmt.Errorf("create project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Project{}, fmt.Errorf("create project id: %w", err)
	}
	return s.GetProject(ctx, id)
}

func (s *Store) GetProject(ctx context.Context, id int64) (model.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, color, archived, created_at FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// ListProjects returns projects ascending by id; creation order is the rule
// evaluation order.
func (s *Store) ListProjects(ctx context.Context, includeArchived bool) ([]model.Project, error) {
	query := `SELECT id, name, color, archived, created_at FROM projects`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	query += ` ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	out := make([]model.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter projects: %w", err)
	}
	return out, nil
}

func (s *Store) SetProjectArchived(ctx context.Context, id int64, archived bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET archived = ? WHERE id = ?`, boolToInt(archived), id)
	if err != nil {
		return fmt.Errorf("set project archived: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set project archived rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteProject(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete project rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProject(scanner interface{ Scan(dest ...any) error }) (model.Project, error) {
	var (
		p         model.Project
		archived  int
		createdAt string
	)
	if err := scanner.Scan(&p.ID, &p.Name, &p.Color, &archived, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Project{}, ErrNotFound
		}
		return model.Project{}, fmt.Errorf("scan project: %w", err)
	}
	p.Archived = archived == 1
	if t, err := parseTS(createdAt); err == nil {
		p.CreatedAt = t
	}
	return p, nil
}

// CreateRule validates the rule kind and, for regex kinds, compiles the
// pattern so a malformed expression is rejected here instead of degrading at
// evaluation time.
func (s *Store) CreateRule(ctx context.Context, r model.Rule) (model.Rule, error) {
	if !r.Type.Valid() {
		return model.Rule{}, fmt.Errorf("invalid rule_type %q", r.Type)
	}
	if strings.TrimSpace(r.Value) == "" {
		return model.Rule{}, fmt.Errorf("rule_value is required")
	}
	if r.Group < 0 {
		return model.Rule{}, fmt.Errorf("rule_group must be >= 0")
	}
	if r.Type.IsRegex() {
		if _, err := regexp.Compile(r.Value); err != nil {
			return model.Rule{}, fmt.Errorf("invalid regex pattern: %w", err)
		}
	}
	if _, err := s.GetProject(ctx, r.ProjectID); err != nil {
		return model.Rule{}, err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO rules(project_id, rule_type, rule_value, rule_group, enabled, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, r.ProjectID, string(r.Type), r.Value, r.Group, boolToInt(r.Enabled), ts(time.Now().UTC()))
	if err != nil {
		return model.Rule{}, fmt.Errorf("create rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Rule{}, fmt.Errorf("create rule id: %w", err)
	}
	return s.GetRule(ctx, id)
}

func (s *Store) GetRule(ctx context.Context, id int64) (model.Rule, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, project_id, rule_type, rule_value, rule_group, enabled, created_at FROM rules WHERE id = ?
`, id)
	return scanRule(row)
}

// ListRules returns rules ascending by id, optionally filtered to one project.
func (s *Store) ListRules(ctx context.Context, projectID *int64) ([]model.Rule, error) {
	query := `SELECT id, project_id, rule_type, rule_value, rule_group, enabled, created_at FROM rules`
	args := make([]any, 0, 1)
	if projectID != nil {
		query += ` WHERE project_id = ?`
		args = append(args, *projectID)
	}
	query += ` ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	out := make([]model.Rule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter rules: %w", err)
	}
	return out, nil
}

// ListEnabledRules returns every enabled rule ascending by id, across all
// projects. The rule engine groups them per project.
func (s *Store) ListEnabledRules(ctx context.Context) ([]model.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, project_id, rule_type, rule_value, rule_group, enabled, created_at
FROM rules WHERE enabled = 1 ORDER BY id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list enabled rules: %w", err)
	}
	defer rows.Close()

	out := make([]model.Rule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter enabled rules: %w", err)
	}
	return out, nil
}

func (s *Store) SetRuleEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rules SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("set rule enabled: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set rule enabled rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rule rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRule(scanner interface{ Scan(dest ...any) error }) (model.Rule, error) {
	var (
		r         model.Rule
		ruleType  string
		enabled   int
		createdAt string
	)
	if err := scanner.Scan(&r.ID, &r.ProjectID, &ruleType, &r.Value, &r.Group, &enabled, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Rule{}, ErrNotFound
		}
		return model.Rule{}, fmt.Errorf("scan rule: %w", err)
	}
	r.Type = model.RuleType(ruleType)
	r.Enabled = enabled == 1
	if t, err := parseTS(createdAt); err == nil {
		r.CreatedAt = t
	}
	return r, nil
}

func (s *Store) InsertSession(ctx context.Context, sess model.Session) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(project_id, start_time, end_time, duration, triggered_by)
VALUES (?, ?, ?, ?, ?)
`, sess.ProjectID, ts(sess.StartTime), ts(sess.EndTime), sess.Duration, sess.TriggeredBy)
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert session id: %w", err)
	}
	return id, nil
}

func (s *Store) ListSessions(ctx context.Context, from, to time.Time) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, project_id, start_time, end_time, duration, COALESCE(triggered_by, '')
FROM sessions
WHERE start_time >= ? AND start_time <= ?
ORDER BY start_time ASC, id ASC
`, ts(from), ts(to))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]model.Session, 0)
	for rows.Next() {
		var (
			sess     model.Session
			startStr string
			endStr   string
		)
		if err := rows.Scan(&sess.ID, &sess.ProjectID, &startStr, &endStr, &sess.Duration, &sess.TriggeredBy); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.StartTime, err = parseTS(startStr)
		if err != nil {
			return nil, fmt.Errorf("parse session start_time: %w", err)
		}
		sess.EndTime, err = parseTS(endStr)
		if err != nil {
			return nil, fmt.Errorf("parse session end_time: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter sessions: %w", err)
	}
	return out, nil
}

// ProjectTotal is one row of the per-project session aggregate.
type ProjectTotal struct {
	ProjectID int64
	Name      string
	Seconds   int64
	Sessions  int64
}

// ProjectTotals aggregates session time per non-archived project over a UTC
// range. Archived projects keep their sessions but drop out of reporting.
func (s *Store) ProjectTotals(ctx context.Context, from, to time.Time) ([]ProjectTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT p.id, p.name, COALESCE(SUM(se.duration), 0), COUNT(se.id)
FROM projects p
JOIN sessions se ON se.project_id = p.id
WHERE p.archived = 0 AND se.start_time >= ? AND se.start_time <= ?
GROUP BY p.id, p.name
ORDER BY SUM(se.duration) DESC, p.id ASC
`, ts(from), ts(to))
	if err != nil {
		return nil, fmt.Errorf("project totals: %w", err)
	}
	defer rows.Close()

	out := make([]ProjectTotal, 0)
	for rows.Next() {
		var t ProjectTotal
		if err := rows.Scan(&t.ProjectID, &t.Name, &t.Seconds, &t.Sessions); err != nil {
			return nil, fmt.Errorf("scan project total: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter project totals: %w", err)
	}
	return out, nil
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key)
	var value sql.NullString
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	if !value.Valid {
		return "", ErrNotFound
	}
	return value.String, nil
}

// SetSetting writes a key; a nil value stores SQL NULL, which reads back as
// unset.
func (s *Store) SetSetting(ctx context.Context, key string, value *string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings(key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value
`, key, nullableStr(value))
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// ListSettings returns every setting with a non-NULL value.
func (s *Store) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var (
			key   string
			value sql.NullString
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		if value.Valid {
			out[key] = value.String
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter settings: %w", err)
	}
	return out, nil
}

// EnsureDefaultSettings seeds missing keys without touching existing values.
func (s *Store) EnsureDefaultSettings(ctx context.Context, defaults map[string]*string) error {
	for key, value := range defaults {
		if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO settings(key, value) VALUES (?, ?)`, key, nullableStr(value)); err != nil {
			return fmt.Errorf("seed setting %s: %w", key, err)
		}
	}
	return nil
}

// PruneStats reports rows removed by one retention pass.
type PruneStats struct {
	Activities int64
	Blocks     int64
	Sessions   int64
}

// PruneRetention deletes rows older than each cutoff. A nil cutoff disables
// that table's retention.
func (s *Store) PruneRetention(ctx context.Context, activityCutoff, blockCutoff, sessionCutoff *time.Time) (PruneStats, error) {
	var stats PruneStats
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin retention tx: %w", err)
	}
	if activityCutoff != nil {
		res, err := tx.ExecContext(ctx, `DELETE FROM activities WHERE timestamp < ?`, ts(*activityCutoff))
		if err != nil {
			tx.Rollback() //nolint:errcheck
			return stats, fmt.Errorf("prune activities: %w", err)
		}
		stats.Activities, _ = res.RowsAffected()
	}
	if blockCutoff != nil {
		res, err := tx.ExecContext(ctx, `DELETE FROM activity_blocks WHERE start_time < ?`, ts(*blockCutoff))
		if err != nil {
			tx.Rollback() //nolint:errcheck
			return stats, fmt.Errorf("prune blocks: %w", err)
		}
		stats.Blocks, _ = res.RowsAffected()
	}
	if sessionCutoff != nil {
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE start_time < ?`, ts(*sessionCutoff))
		if err != nil {
			tx.Rollback() //nolint:errcheck
			return stats, fmt.Errorf("prune sessions: %w", err)
		}
		stats.Sessions, _ = res.RowsAffected()
	}
	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit retention tx: %w", err)
	}
	return stats, nil
}

// Backup writes a consistent snapshot of the database to targetPath.
func (s *Store) Backup(ctx context.Context, targetPath string) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o700); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, targetPath); err != nil {
		return fmt.Errorf("vacuum into backup: %w", err)
	}
	if err := os.Chmod(targetPath, 0o600); err != nil {
		return fmt.Errorf("chmod backup: %w", err)
	}
	return nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table))
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows %s: %w", table, err)
	}
	return count, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullStr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// Timestamps cross the store boundary as ISO-8601 UTC with a Z suffix, whole
// seconds.
func ts(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
