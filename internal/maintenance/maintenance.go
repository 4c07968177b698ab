// Package maintenance runs the periodic housekeeping passes: retention
// pruning and database backups.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ykawase/ttrack/internal/config"
	"github.com/ykawase/ttrack/internal/db"
)

const (
	backupPrefix = "ttrack-"
	backupSuffix = ".db"
	// BackupInterval is the minimum spacing between automatic backups.
	BackupInterval = 7 * 24 * time.Hour
)

type Maintainer struct {
	store     *db.Store
	settings  func() config.Settings
	backupDir string
	logger    *slog.Logger
}

func NewMaintainer(store *db.Store, settings func() config.Settings, backupDir string, logger *slog.Logger) *Maintainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintainer{store: store, settings: settings, backupDir: backupDir, logger: logger}
}

// Prune removes rows older than each stream's retention window. A retention
// of zero days disables pruning for that stream.
func (m *Maintainer) Prune(ctx context.Context, now time.Time) (db.PruneStats, error) {
	s := m.settings()
	stats, err := m.store.PruneRetention(ctx,
		cutoff(now, s.RetentionDays),
		cutoff(now, s.BlocksRetentionDays),
		cutoff(now, s.SessionsRetentionDays),
	)
	if err != nil {
		return stats, err
	}
	if stats.Activities > 0 || stats.Blocks > 0 || stats.Sessions > 0 {
		m.logger.Info("pruned expired rows",
			"activities", stats.Activities,
			"blocks", stats.Blocks,
			"sessions", stats.Sessions)
	}
	return stats, nil
}

func cutoff(now time.Time, days int) *time.Time {
	if days <= 0 {
		return nil
	}
	t := now.UTC().AddDate(0, 0, -days)
	return &t
}

// BackupIfDue writes a dated snapshot unless one newer than BackupInterval
// already exists. It returns the written path, or "" when no backup was due.
func (m *Maintainer) BackupIfDue(ctx context.Context, now time.Time) (string, error) {
	last, err := m.lastBackupTime()
	if err != nil {
		return "", err
	}
	if !last.IsZero() && now.Sub(last) < BackupInterval {
		return "", nil
	}
	path := filepath.Join(m.backupDir, fmt.Sprintf("%s%s%s", backupPrefix, now.UTC().Format("20060102-150405"), backupSuffix))
	if err := m.store.Backup(ctx, path); err != nil {
		return "", err
	}
	m.logger.Info("wrote database backup", "path", path)
	return path, nil
}

// BackupNow writes a snapshot unconditionally.
func (m *Maintainer) BackupNow(ctx context.Context, now time.Time) (string, error) {
	path := filepath.Join(m.backupDir, fmt.Sprintf("%s%s%s", backupPrefix, now.UTC().Format("20060102-150405"), backupSuffix))
	if err := m.store.Backup(ctx, path); err != nil {
		return "", err
	}
	return path, nil
}

// lastBackupTime derives the newest backup instant from the dated filenames.
func (m *Maintainer) lastBackupTime() (time.Time, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("read backup dir: %w", err)
	}
	stamps := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix)
		t, err := time.Parse("20060102-150405", stamp)
		if err != nil {
			continue
		}
		stamps = append(stamps, t)
	}
	if len(stamps) == 0 {
		return time.Time{}, nil
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].After(stamps[j]) })
	return stamps[0], nil
}
