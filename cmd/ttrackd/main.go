package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ykawase/ttrack/internal/capture"
	"github.com/ykawase/ttrack/internal/clock"
	"github.com/ykawase/ttrack/internal/config"
	"github.com/ykawase/ttrack/internal/daemon"
	"github.com/ykawase/ttrack/internal/db"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	socketPath := flag.String("socket", "", "override control socket path")
	dbPath := flag.String("db", "", "override SQLite path")
	samplerCmd := flag.String("sampler", "", "override sensor helper command")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *samplerCmd != "" {
		cfg.SamplerCommand = *samplerCmd
	}
	if cfg.SamplerCommand == "" {
		fatal(errors.New("no sampler command configured; set sampler_command in config.yaml or pass -sampler"))
	}

	logger, closeLog, err := newLogger(cfg.LogPath, *verbose)
	if err != nil {
		fatal(err)
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	sampler, err := capture.NewCommandSampler(cfg.SamplerCommand)
	if err != nil {
		fatal(err)
	}

	d := daemon.New(cfg, store, sampler, logger, clock.Real())
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func newLogger(logPath string, verbose bool) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	var w io.Writer = os.Stderr
	closeLog := func() {}
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closeLog = func() { f.Close() } //nolint:errcheck
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeLog, nil
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "ttrackd: %v\n", err)
	os.Exit(1)
}
