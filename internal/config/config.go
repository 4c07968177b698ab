// Package config carries the two configuration layers: the YAML file that
// locates daemon resources on disk, and the runtime settings stored in the
// database so the daemon picks up changes without a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file-level configuration. Everything in it is a path or an
// external command; behavioral knobs live in Settings.
type Config struct {
	DBPath         string `yaml:"db_path"`
	SocketPath     string `yaml:"socket_path"`
	LockPath       string `yaml:"lock_path"`
	LogPath        string `yaml:"log_path"`
	BackupDir      string `yaml:"backup_dir"`
	SamplerCommand string `yaml:"sampler_command"`
}

// BaseDir is the default state directory, overridable with TTRACK_DIR.
func BaseDir() string {
	if dir := os.Getenv("TTRACK_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ttrack"
	}
	return filepath.Join(home, ".ttrack")
}

func Default() Config {
	base := BaseDir()
	return Config{
		DBPath:     filepath.Join(base, "ttrack.db"),
		SocketPath: filepath.Join(base, "ttrackd.sock"),
		LockPath:   filepath.Join(base, "ttrackd.lock"),
		LogPath:    filepath.Join(base, "ttrackd.log"),
		BackupDir:  filepath.Join(base, "backups"),
	}
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error; an empty path loads <base>/config.yaml.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = filepath.Join(BaseDir(), "config.yaml")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	def := Default()
	if cfg.DBPath == "" {
		cfg.DBPath = def.DBPath
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = def.SocketPath
	}
	if cfg.LockPath == "" {
		cfg.LockPath = def.LockPath
	}
	if cfg.LogPath == "" {
		cfg.LogPath = def.LogPath
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = def.BackupDir
	}
	return cfg, nil
}

// Setting keys in the settings table.
const (
	KeyPollInterval          = "poll_interval"
	KeyIdleThreshold         = "idle_threshold"
	KeyIdleGracePeriod       = "idle_grace_period"
	KeySessionGracePeriod    = "session_grace_period"
	KeyMinSessionDuration    = "min_session_duration"
	KeyRetentionDays         = "retention_days"
	KeyBlocksRetentionDays   = "blocks_retention_days"
	KeySessionsRetentionDays = "sessions_retention_days"
	KeyWeekStart             = "week_start"
	KeyTrackingPaused        = "tracking_paused"
	KeyTrackingPausedAt      = "tracking_paused_at"
)

// Settings are the runtime knobs the daemon re-reads every tick. All periods
// are whole seconds in storage.
type Settings struct {
	PollInterval          time.Duration
	IdleThreshold         time.Duration
	IdleGracePeriod       time.Duration
	SessionGracePeriod    time.Duration
	MinSessionDuration    time.Duration
	RetentionDays         int
	BlocksRetentionDays   int
	SessionsRetentionDays int
	WeekStart             string
	TrackingPaused        bool
	TrackingPausedAt      *time.Time
}

func DefaultSettings() Settings {
	return Settings{
		PollInterval:          2 * time.Second,
		IdleThreshold:         120 * time.Second,
		IdleGracePeriod:       300 * time.Second,
		SessionGracePeriod:    120 * time.Second,
		MinSessionDuration:    60 * time.Second,
		RetentionDays:         90,
		BlocksRetentionDays:   90,
		SessionsRetentionDays: 0,
		WeekStart:             "monday",
	}
}

// DefaultSettingValues is the seed row set for a fresh database.
func DefaultSettingValues() map[string]*string {
	str := func(s string) *string { return &s }
	return map[string]*string{
		KeyPollInterval:          str("2"),
		KeyIdleThreshold:         str("120"),
		KeyIdleGracePeriod:       str("300"),
		KeySessionGracePeriod:    str("120"),
		KeyMinSessionDuration:    str("60"),
		KeyRetentionDays:         str("90"),
		KeyBlocksRetentionDays:   str("90"),
		KeySessionsRetentionDays: str("0"),
		KeyWeekStart:             str("monday"),
		KeyTrackingPaused:        str("0"),
		KeyTrackingPausedAt:      nil,
	}
}

// ParseSettings overlays stored values on the defaults. Unknown keys and
// unparsable values fall back silently so a bad write can never stall the
// daemon.
func ParseSettings(values map[string]string) Settings {
	s := DefaultSettings()
	s.PollInterval = secondsSetting(values, KeyPollInterval, s.PollInterval)
	if s.PollInterval < time.Second {
		s.PollInterval = time.Second
	}
	s.IdleThreshold = secondsSetting(values, KeyIdleThreshold, s.IdleThreshold)
	s.IdleGracePeriod = secondsSetting(values, KeyIdleGracePeriod, s.IdleGracePeriod)
	s.SessionGracePeriod = secondsSetting(values, KeySessionGracePeriod, s.SessionGracePeriod)
	s.MinSessionDuration = secondsSetting(values, KeyMinSessionDuration, s.MinSessionDuration)
	s.RetentionDays = intSetting(values, KeyRetentionDays, s.RetentionDays)
	s.BlocksRetentionDays = intSetting(values, KeyBlocksRetentionDays, s.BlocksRetentionDays)
	s.SessionsRetentionDays = intSetting(values, KeySessionsRetentionDays, s.SessionsRetentionDays)
	if v, ok := values[KeyWeekStart]; ok && (v == "monday" || v == "sunday") {
		s.WeekStart = v
	}
	if v, ok := values[KeyTrackingPaused]; ok {
		s.TrackingPaused = v == "1" || v == "true"
	}
	if v, ok := values[KeyTrackingPausedAt]; ok && v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			t = t.UTC()
			s.TrackingPausedAt = &t
		}
	}
	return s
}

func secondsSetting(values map[string]string, key string, fallback time.Duration) time.Duration {
	v, ok := values[key]
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func intSetting(values map[string]string, key string, fallback int) int {
	v, ok := values[key]
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
