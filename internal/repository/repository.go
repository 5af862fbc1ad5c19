// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package repository loads the marker library from flat YAML files and
// publishes it as immutable snapshots.
//
// # Description
//
// The repository is read-mostly state shared by detection, validation and
// repair. Loading produces a new Snapshot which is swapped in atomically,
// so readers holding an older snapshot are never affected by a reload.
//
// # Layout
//
//	<markers_dir>/
//	├── *.yaml, *.yml          marker records (any nesting depth)
//	└── semantic_grabbers.yaml grabber library (configurable path)
//
// Hidden directories and the backup directory are skipped.
package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/markerengine/internal/markers"
)

// DefaultGrabberFile is the grabber library file name inside MarkersDir.
const DefaultGrabberFile = "semantic_grabbers.yaml"

// ErrNoMarkersDir indicates the configured marker directory does not exist.
var ErrNoMarkersDir = errors.New("marker directory does not exist")

// ErrDuplicateID is the Err of a LoadIssue for a marker whose ID was
// already defined by an earlier record.
var ErrDuplicateID = errors.New("duplicate marker id")

// Config configures a Repository.
type Config struct {
	// MarkersDir is the root of the marker files. Required.
	MarkersDir string

	// GrabberFile is the grabber library path.
	// Default: <MarkersDir>/semantic_grabbers.yaml
	GrabberFile string

	// ExcludeDirs are directories skipped while walking (absolute or
	// relative to MarkersDir). The backup directory belongs here.
	ExcludeDirs []string

	// ReloadInterval is the minimum time between two reloads triggered by
	// Watch. Default: 500ms.
	ReloadInterval time.Duration

	// Logger receives load diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// LoadIssue describes a record skipped during load.
type LoadIssue struct {
	Source   string `json:"source"`
	MarkerID string `json:"marker_id,omitempty"`
	Reason   string `json:"reason"`
	Err      error  `json:"-"`
}

// LoadReport summarizes one load.
type LoadReport struct {
	Files    int           `json:"files"`
	Markers  int           `json:"markers"`
	Grabbers int           `json:"grabbers"`
	Issues   []LoadIssue   `json:"issues,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Repository holds the current snapshot of the marker library.
//
// # Thread Safety
//
// Snapshot may be called from any goroutine. Load and Publish are
// serialized internally.
type Repository struct {
	cfg     Config
	current atomic.Pointer[Snapshot]
	loadMu  sync.Mutex
	logger  *slog.Logger
}

// New creates a repository with an empty snapshot. Call Load to read files.
func New(cfg Config) (*Repository, error) {
	if cfg.MarkersDir == "" {
		return nil, fmt.Errorf("repository: markers dir is required")
	}
	if cfg.GrabberFile == "" {
		cfg.GrabberFile = filepath.Join(cfg.MarkersDir, DefaultGrabberFile)
	}
	if cfg.ReloadInterval <= 0 {
		cfg.ReloadInterval = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Repository{cfg: cfg, logger: cfg.Logger}
	r.current.Store(NewSnapshot(nil, nil, nil))
	return r, nil
}

// Config returns the repository configuration with defaults applied.
func (r *Repository) Config() Config { return r.cfg }

// Snapshot returns the current immutable snapshot.
func (r *Repository) Snapshot() *Snapshot {
	return r.current.Load()
}

// Publish replaces the current snapshot. Writers call this after they
// committed changes to disk.
func (r *Repository) Publish(s *Snapshot) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	r.current.Store(s)
}

// Load reads every marker file and the grabber library and publishes the
// result.
//
// # Description
//
// Individual records that fail to decode are skipped and reported in the
// LoadReport. A missing marker directory or an unreadable grabber library
// fails the whole load and leaves the current snapshot untouched.
func (r *Repository) Load(ctx context.Context) (*LoadReport, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	start := time.Now()
	files, err := r.MarkerFiles()
	if err != nil {
		return nil, err
	}

	perFile := make([][]*markers.Marker, len(files))
	perIssues := make([][]LoadIssue, len(files))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range files {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			perFile[i], perIssues[i] = loadFile(path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("loading marker files: %w", err)
	}

	grabbers, err := LoadGrabbers(r.cfg.GrabberFile)
	if err != nil {
		return nil, err
	}

	var all []*markers.Marker
	var issues []LoadIssue
	for i := range files {
		all = append(all, perFile[i]...)
		issues = append(issues, perIssues[i]...)
	}

	snap := NewSnapshot(all, grabbers, issues)
	r.current.Store(snap)

	report := &LoadReport{
		Files:    len(files),
		Markers:  snap.MarkerCount(),
		Grabbers: snap.GrabberCount(),
		Issues:   snap.Issues(),
		Duration: time.Since(start),
	}
	r.logger.Info("marker repository loaded",
		"dir", r.cfg.MarkersDir,
		"files", report.Files,
		"markers", report.Markers,
		"grabbers", report.Grabbers,
		"issues", len(report.Issues),
		"duration_ms", report.Duration.Milliseconds())
	for _, is := range report.Issues {
		r.logger.Warn("skipped marker record",
			"source", is.Source,
			"marker_id", is.MarkerID,
			"reason", is.Reason)
	}
	return report, nil
}

func loadFile(path string) ([]*markers.Marker, []LoadIssue) {
	records, err := ReadRecords(path)
	if err != nil {
		return nil, []LoadIssue{{Source: path, Reason: err.Error(), Err: err}}
	}
	var out []*markers.Marker
	var issues []LoadIssue
	for _, rec := range records {
		m, err := DecodeMarker(rec)
		if err != nil {
			issues = append(issues, LoadIssue{
				Source:   path,
				MarkerID: rec.Key,
				Reason:   err.Error(),
				Err:      err,
			})
			continue
		}
		out = append(out, m)
	}
	return out, issues
}

// MarkerFiles lists marker files under MarkersDir in lexical order.
func (r *Repository) MarkerFiles() ([]string, error) {
	root := r.cfg.MarkersDir
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNoMarkersDir, root)
	}

	grabberAbs, _ := filepath.Abs(r.cfg.GrabberFile)
	excluded := make(map[string]bool, len(r.cfg.ExcludeDirs))
	for _, d := range r.cfg.ExcludeDirs {
		if !filepath.IsAbs(d) {
			d = filepath.Join(root, d)
		}
		if abs, err := filepath.Abs(d); err == nil {
			excluded[abs] = true
		}
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		abs, _ := filepath.Abs(path)
		if d.IsDir() {
			if path != root && (strings.HasPrefix(d.Name(), ".") || excluded[abs]) {
				return filepath.SkipDir
			}
			return nil
		}
		if abs == grabberAbs || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking marker directory %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}
