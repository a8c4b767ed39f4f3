package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent is sent whenever config.yaml changes on disk in a way the
// watcher considers worth reacting to.
type ReloadEvent struct {
	Config Config
	Err    error
}

// Watcher watches config.yaml for writes and re-runs Load, forwarding only
// reloads whose Fingerprint actually changed so a touch with identical
// content doesn't spuriously reset dispatch/session tunables at runtime.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
	lastFP  string
}

// NewWatcher creates a Watcher rooted at homeDir. Call Start to begin
// watching; Events() yields reloads as they're observed.
func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 4),
	}
}

// Events returns the channel reload notifications are delivered on.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches config.yaml until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	path := filepath.Join(w.homeDir, fileName)
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.reload()
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload() {
	cfg, err := Load()
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config", "error", err)
		select {
		case w.events <- ReloadEvent{Err: err}:
		default:
			w.logger.Warn("config reload event dropped, channel full")
		}
		return
	}
	fp := cfg.Fingerprint()
	if fp == w.lastFP {
		return
	}
	w.lastFP = fp
	w.logger.Info("config reloaded", "fingerprint", fp)
	select {
	case w.events <- ReloadEvent{Config: cfg}:
	default:
		w.logger.Warn("config reload event dropped, channel full")
	}
}
