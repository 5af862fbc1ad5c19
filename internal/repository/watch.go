// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// ReloadFunc is called after every reload triggered by Watch.
type ReloadFunc func(report *LoadReport, err error)

// Watch reloads the repository whenever a marker file or the grabber
// library changes, until ctx is cancelled.
//
// # Description
//
// Every directory under MarkersDir plus the grabber file's directory is
// watched with fsnotify. Bursts of events collapse into one reload, and
// reloads are throttled to at most one per ReloadInterval. A failed reload
// keeps the previous snapshot.
//
// # Inputs
//
//   - ctx: Cancellation stops the watcher and returns nil.
//   - onReload: Optional callback invoked after each reload attempt.
//
// # Outputs
//
//   - error: Non-nil if the watcher could not be set up.
func (r *Repository) Watch(ctx context.Context, onReload ReloadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	if err := r.addWatchDirs(watcher); err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Every(r.cfg.ReloadInterval), 1)
	pending := false

	for {
		if pending {
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
			drain(watcher)
			pending = false
			report, err := r.Load(ctx)
			if err != nil {
				r.logger.Warn("marker reload failed, keeping previous snapshot",
					"error", err)
			}
			if onReload != nil {
				onReload(report, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				// New subdirectories need their own watch.
				_ = watcher.Add(ev.Name)
			}
			if r.relevant(ev.Name) {
				r.logger.Debug("marker file changed", "path", ev.Name, "op", ev.Op.String())
				pending = true
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("file watcher error", "error", werr)
		}
	}
}

// drain discards events that arrived while waiting for the limiter.
func drain(w *fsnotify.Watcher) {
	for {
		select {
		case <-w.Events:
		default:
			return
		}
	}
}

func (r *Repository) relevant(path string) bool {
	if abs, err := filepath.Abs(path); err == nil {
		if g, gerr := filepath.Abs(r.cfg.GrabberFile); gerr == nil && abs == g {
			return true
		}
	}
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func (r *Repository) addWatchDirs(w *fsnotify.Watcher) error {
	err := filepath.WalkDir(r.cfg.MarkersDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != r.cfg.MarkersDir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNoMarkersDir, r.cfg.MarkersDir)
		}
		return fmt.Errorf("watching marker directory: %w", err)
	}
	grabberDir := filepath.Dir(r.cfg.GrabberFile)
	if err := w.Add(grabberDir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("watching grabber directory: %w", err)
	}
	return nil
}
