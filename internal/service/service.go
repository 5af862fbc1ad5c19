// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package service is the entry point used by presentation layers.
//
// # Description
//
// A Service wires the repository, the store, the match engine, the
// detector registry, scoring and repair from one config.Config. The read
// path (Detect, ValidateAll) works on the current repository snapshot.
// The write path (RepairAll, Merge, FixBrokenRefs, Restore) runs inside
// an exclusive store scope and reloads the repository afterwards.
//
// # Thread Safety
//
// Detect and ValidateAll are safe for concurrent use. Write operations
// are serialized by the store lock, across processes as well.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/markerengine/internal/config"
	"github.com/AleutianAI/markerengine/internal/detectors"
	"github.com/AleutianAI/markerengine/internal/engine"
	"github.com/AleutianAI/markerengine/internal/repair"
	"github.com/AleutianAI/markerengine/internal/repository"
	"github.com/AleutianAI/markerengine/internal/scoring"
	"github.com/AleutianAI/markerengine/internal/store"
	"github.com/AleutianAI/markerengine/internal/validate"
)

// Analysis is the result of Detect: the score plus the layer each
// detector produced.
type Analysis struct {
	*scoring.Result
	Schema string            `json:"schema"`
	Layers []detectors.Layer `json:"layers"`
}

// Service is the marker engine facade.
type Service struct {
	cfg      *config.Config
	logger   *slog.Logger
	engine   *engine.Engine
	repairer *repair.Engine
	registry *detectors.Registry
	schema   *scoring.Schema

	mu    sync.RWMutex
	repo  *repository.Repository
	store *store.Store
}

// New builds a Service from cfg. Nothing is read from the marker tree
// until LoadMarkers.
//
// # Inputs
//
//   - cfg: A validated configuration. Required.
//   - logger: Receives diagnostics of every component. Default:
//     slog.Default().
//
// # Outputs
//
//   - *Service: Ready for LoadMarkers.
//   - error: A *markers.ConfigError for an unreadable default schema, or
//     a repository or store construction failure.
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("service: config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	ropts, err := cfg.RepairOptions(logger)
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:      cfg,
		logger:   logger,
		engine:   engine.New(cfg.EngineOptions(logger)),
		repairer: repair.New(ropts),
		registry: detectors.NewRegistry(),
		schema:   scoring.DefaultSchema(),
	}
	if cfg.Detection.SchemaFile != "" {
		if s.schema, err = s.CheckSchema(cfg.Detection.SchemaFile); err != nil {
			return nil, err
		}
	}
	if s.repo, s.store, err = s.openAt(cfg.Repository.MarkersDir); err != nil {
		return nil, err
	}
	return s, nil
}

// openAt builds a repository and a store for a marker tree.
func (s *Service) openAt(dir string) (*repository.Repository, *store.Store, error) {
	// An unset grabber file and backup dir follow the tree.
	c := *s.cfg
	c.Repository.MarkersDir = dir
	repo, err := repository.New(c.RepositoryConfig(s.logger))
	if err != nil {
		return nil, nil, err
	}
	st, err := store.New(c.StoreConfig(s.logger))
	if err != nil {
		return nil, nil, err
	}
	return repo, st, nil
}

func (s *Service) current() (*repository.Repository, *store.Store) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repo, s.store
}

// Config returns the configuration the service was built from.
func (s *Service) Config() *config.Config { return s.cfg }

// Repository returns the repository in use.
func (s *Service) Repository() *repository.Repository {
	repo, _ := s.current()
	return repo
}

// Store returns the store in use.
func (s *Service) Store() *store.Store {
	_, st := s.current()
	return st
}

// Registry returns the detector registry. Custom detectors are registered
// here before the first Detect.
func (s *Service) Registry() *detectors.Registry { return s.registry }

// Schema returns the default analysis schema.
func (s *Service) Schema() *scoring.Schema { return s.schema }

// =============================================================================
// Read path
// =============================================================================

// LoadMarkers loads a marker tree and makes it current.
//
// # Inputs
//
//   - path: The marker directory. Empty reloads the configured one.
//
// # Outputs
//
//   - *repository.LoadReport: Files, marker and grabber counts, skipped
//     records.
//   - error: A missing directory or an unreadable grabber library. The
//     previous snapshot stays current.
func (s *Service) LoadMarkers(ctx context.Context, path string) (*repository.LoadReport, error) {
	repo, _ := s.current()
	if path == "" {
		return repo.Load(ctx)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if abs == repo.Config().MarkersDir {
		return repo.Load(ctx)
	}
	next, st, err := s.openAt(abs)
	if err != nil {
		return nil, err
	}
	report, err := next.Load(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.repo, s.store = next, st
	s.mu.Unlock()
	return report, nil
}

// Detect analyzes one text.
//
// # Description
//
// The schema selects the markers (marker_config), the detectors
// (enabled_detectors) and the risk buckets. A nil schema uses the default
// schema. Detection never fails on a bad marker; errors come from an
// unknown detector or cancellation.
func (s *Service) Detect(ctx context.Context, text string, schema *scoring.Schema) (*Analysis, error) {
	if schema == nil {
		schema = s.schema
	}
	ds, err := s.resolve(schema)
	if err != nil {
		return nil, err
	}
	return s.analyze(ctx, ds, text, schema)
}

// DetectAll analyzes texts in parallel, bounded by the configured worker
// count. Results are index-aligned with texts.
func (s *Service) DetectAll(ctx context.Context, texts []string, schema *scoring.Schema) ([]*Analysis, error) {
	if schema == nil {
		schema = s.schema
	}
	ds, err := s.resolve(schema)
	if err != nil {
		return nil, err
	}
	out := make([]*Analysis, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	if w := s.engine.Options().Workers; w > 0 {
		g.SetLimit(w)
	}
	for i, text := range texts {
		g.Go(func() error {
			a, err := s.analyze(gCtx, ds, text, schema)
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			out[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) resolve(schema *scoring.Schema) ([]detectors.Detector, error) {
	snap := s.Repository().Snapshot()
	if len(schema.MarkerIDs) > 0 {
		snap = repository.NewSnapshot(schema.Restrict(snap.Markers()), snap.GrabberMap(), snap.Issues())
	}
	return s.registry.Resolve(schema.EnabledDetectors, detectors.Env{
		Snapshot: snap,
		Engine:   s.engine,
		Groups:   s.cfg.Detection.CoOccurrence,
		Logger:   s.logger,
	})
}

func (s *Service) analyze(ctx context.Context, ds []detectors.Detector, text string, schema *scoring.Schema) (*Analysis, error) {
	layers, err := detectors.Run(ctx, ds, text)
	if err != nil {
		return nil, err
	}
	return &Analysis{
		Result: scoring.Score(detectors.Matches(layers), schema),
		Schema: schema.Name,
		Layers: layers,
	}, nil
}

// ValidateAll validates the current snapshot.
func (s *Service) ValidateAll() *validate.Report {
	return validate.ValidateAll(s.Repository().Snapshot(),
		validate.WithMinExamples(s.cfg.Repair.MinExamples))
}

// CheckSchema loads an analysis schema and checks that every enabled
// detector is registered.
func (s *Service) CheckSchema(path string) (*scoring.Schema, error) {
	schema, err := scoring.LoadSchema(path)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Check(schema.EnabledDetectors); err != nil {
		return nil, err
	}
	return schema, nil
}

// =============================================================================
// Write path
// =============================================================================

// RepairAll repairs every marker file and links grabber references.
func (s *Service) RepairAll(ctx context.Context, dryRun bool) (*repair.BatchReport, error) {
	repo, st := s.current()
	return repair.NewBatch(s.repairer, repo, st, s.cfg.LinkerOptions(s.logger)).RepairAll(ctx, dryRun)
}

// Backups lists the backup sets, newest first.
func (s *Service) Backups() ([]store.BackupInfo, error) {
	return s.Store().Backups()
}

// Restore copies a backup set back into the marker tree and reloads.
func (s *Service) Restore(ctx context.Context, name string) ([]string, error) {
	repo, st := s.current()
	files, err := st.Restore(ctx, name)
	if err != nil {
		return nil, err
	}
	if _, err := repo.Load(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("reload after restore failed", "error", err)
	}
	return files, nil
}

// Watch reloads the repository on marker file changes until ctx ends.
// It returns immediately when auto reload is off. onReload, if set, sees
// every reload attempt; failures are logged either way.
func (s *Service) Watch(ctx context.Context, onReload repository.ReloadFunc) error {
	if !s.cfg.Repository.AutoReload {
		return nil
	}
	return s.Repository().Watch(ctx, func(report *repository.LoadReport, err error) {
		if err != nil {
			s.logger.Warn("marker reload failed", "error", err)
		}
		if onReload != nil {
			onReload(report, err)
		}
	})
}
