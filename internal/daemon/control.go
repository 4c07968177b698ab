package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ykawase/ttrack/internal/config"
)

const controlTimeout = 5 * time.Second

// startControl binds the unix control socket. One request per connection,
// line in, line out.
func (d *Daemon) startControl(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.cfg.SocketPath), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if st, err := os.Lstat(d.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("socket path exists and is not a unix socket: %s", d.cfg.SocketPath)
		}
		if err := os.Remove(d.cfg.SocketPath); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(d.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	d.mu.Lock()
	d.listener = ln
	d.mu.Unlock()

	go d.acceptLoop(ctx, ln)
	return nil
}

func (d *Daemon) stopControl() {
	d.mu.Lock()
	ln := d.listener
	d.listener = nil
	d.mu.Unlock()
	if ln != nil {
		ln.Close() //nolint:errcheck
	}
	os.Remove(d.cfg.SocketPath) //nolint:errcheck
}

func (d *Daemon) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			d.logger.Warn("control accept failed", "error", err)
			continue
		}
		go d.serveConn(ctx, conn)
	}
}

func (d *Daemon) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close() //nolint:errcheck
	conn.SetDeadline(time.Now().Add(controlTimeout)) //nolint:errcheck

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}
	resp := d.handleCommand(ctx, strings.ToUpper(strings.TrimSpace(line)))
	if _, err := conn.Write([]byte(resp + "\n")); err != nil {
		d.logger.Warn("control write failed", "error", err)
	}
}

func (d *Daemon) handleCommand(ctx context.Context, command string) string {
	switch command {
	case "PING":
		return "OK"
	case "PAUSE":
		d.tracker.Pause(ctx)
		pausedAt := d.clk.Now().Format(time.RFC3339)
		d.setPauseSettings(ctx, "1", &pausedAt)
		return "OK"
	case "RESUME":
		d.tracker.Resume()
		d.setPauseSettings(ctx, "0", nil)
		return "OK"
	case "STATUS":
		if cur, ok := d.tracker.CurrentSession(); ok {
			return fmt.Sprintf("TRACKING:%d", cur.ProjectID)
		}
		return "IDLE"
	default:
		return "ERROR:unknown command"
	}
}

// setPauseSettings mirrors the live pause state into the settings table so
// CLI status keeps working when the daemon is down.
func (d *Daemon) setPauseSettings(ctx context.Context, paused string, pausedAt *string) {
	if err := d.store.SetSetting(ctx, config.KeyTrackingPaused, &paused); err != nil {
		d.logger.Error("failed to persist pause flag", "error", err)
	}
	if err := d.store.SetSetting(ctx, config.KeyTrackingPausedAt, pausedAt); err != nil {
		d.logger.Error("failed to persist pause timestamp", "error", err)
	}
}
