// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"log/slog"

	"github.com/AleutianAI/markerengine/internal/engine"
	"github.com/AleutianAI/markerengine/internal/grabbers"
	"github.com/AleutianAI/markerengine/internal/repair"
	"github.com/AleutianAI/markerengine/internal/repository"
	"github.com/AleutianAI/markerengine/internal/store"
)

// RepositoryConfig maps the repository section. A custom backup directory
// inside the marker tree is excluded from loading.
func (c *Config) RepositoryConfig(logger *slog.Logger) repository.Config {
	exclude := append([]string(nil), c.Repository.ExcludeDirs...)
	if c.Store.BackupDir != "" {
		exclude = append(exclude, c.Store.BackupDir)
	}
	return repository.Config{
		MarkersDir:     c.Repository.MarkersDir,
		GrabberFile:    c.Repository.GrabberFile,
		ExcludeDirs:    exclude,
		ReloadInterval: c.Repository.ReloadInterval,
		Logger:         logger,
	}
}

func (c *Config) StoreConfig(logger *slog.Logger) store.Config {
	return store.Config{
		Root:       c.Repository.MarkersDir,
		BackupDir:  c.Store.BackupDir,
		MaxBackups: c.Store.MaxBackups,
		Logger:     logger,
	}
}

func (c *Config) EngineOptions(logger *slog.Logger) engine.Options {
	return engine.Options{
		MinConfidence:  c.Detection.MinConfidence,
		FuzzyThreshold: c.Detection.FuzzyThreshold,
		ContextWords:   c.Detection.ContextWords,
		DisableFuzzy:   c.Detection.DisableFuzzy,
		Categories:     c.Detection.Categories,
		Workers:        c.Detection.Workers,
		Logger:         logger,
	}
}

func (c *Config) LinkerOptions(logger *slog.Logger) grabbers.Options {
	opts := grabbers.Options{
		SimilarityThreshold: c.Grabbers.SimilarityThreshold,
		MergeThreshold:      c.Grabbers.MergeThreshold,
		MaxPatterns:         c.Grabbers.MaxPatterns,
		Logger:              logger,
	}
	if c.Repair.Deterministic {
		opts.IDSource = grabbers.DeterministicSuffix
	}
	return opts
}

// RepairOptions maps the repair section. Stage names were checked by
// Validate; an unknown name still yields an error here.
func (c *Config) RepairOptions(logger *slog.Logger) (repair.Options, error) {
	skip := make([]repair.StageKind, 0, len(c.Repair.Skip))
	for _, s := range c.Repair.Skip {
		k, err := repair.ParseStageKind(s)
		if err != nil {
			return repair.Options{}, err
		}
		skip = append(skip, k)
	}
	return repair.Options{
		Skip:          skip,
		MinExamples:   c.Repair.MinExamples,
		MaxExamples:   c.Repair.MaxExamples,
		Deterministic: c.Repair.Deterministic,
		Logger:        logger,
	}, nil
}
