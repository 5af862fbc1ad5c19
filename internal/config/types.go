// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the configuration of the marker engine.
//
// A Config is loaded once by the caller and passed to the constructors
// that need it. There is no process-wide instance.
package config

import (
	"time"

	"github.com/AleutianAI/markerengine/internal/detectors"
)

// FileName is the configuration file looked up in the working directory.
const FileName = "markerctl.yaml"

// Config is the complete engine configuration.
type Config struct {
	Repository RepositoryConfig `yaml:"repository"`
	Store      StoreConfig      `yaml:"store"`
	Detection  DetectionConfig  `yaml:"detection"`
	Grabbers   GrabberConfig    `yaml:"grabbers"`
	Repair     RepairConfig     `yaml:"repair"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`

	// source is the file the config was read from, empty for defaults.
	source string
}

// Source returns the file the config was loaded from.
func (c *Config) Source() string { return c.source }

type RepositoryConfig struct {
	// MarkersDir is the marker tree. Relative paths resolve against the
	// config file's directory.
	MarkersDir string `yaml:"markers_dir" validate:"required"`

	// GrabberFile defaults to <markers_dir>/semantic_grabbers.yaml.
	GrabberFile string `yaml:"grabber_file,omitempty"`

	ExcludeDirs []string `yaml:"exclude_dirs,omitempty"`

	// AutoReload watches the marker tree and reloads on change.
	AutoReload     bool          `yaml:"auto_reload"`
	ReloadInterval time.Duration `yaml:"reload_interval" validate:"gte=0"`
}

type StoreConfig struct {
	// BackupDir defaults to <markers_dir>/.backups.
	BackupDir  string `yaml:"backup_dir,omitempty"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=1"`
}

type DetectionConfig struct {
	MinConfidence  float64  `yaml:"min_confidence" validate:"gt=0,lte=1"`
	FuzzyThreshold float64  `yaml:"fuzzy_threshold" validate:"gt=0,lte=1"`
	ContextWords   int      `yaml:"context_words" validate:"gte=0"`
	DisableFuzzy   bool     `yaml:"disable_fuzzy,omitempty"`
	Categories     []string `yaml:"categories,omitempty"`
	Workers        int      `yaml:"workers" validate:"gte=0"`

	// SchemaFile is the default analysis schema. Empty uses the built-in
	// schema.
	SchemaFile string `yaml:"schema_file,omitempty"`

	// CoOccurrence configures the co_occurrence detector.
	CoOccurrence []detectors.Group `yaml:"co_occurrence,omitempty" validate:"dive"`
}

type GrabberConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold" validate:"gt=0,lte=1"`
	MergeThreshold      float64 `yaml:"merge_threshold" validate:"gt=0,lte=1,gtefield=SimilarityThreshold"`
	MaxPatterns         int     `yaml:"max_patterns" validate:"gte=1"`
}

type RepairConfig struct {
	// Skip lists repair stages to disable.
	Skip        []string `yaml:"skip,omitempty"`
	MinExamples int      `yaml:"min_examples" validate:"gte=1"`
	MaxExamples int      `yaml:"max_examples" validate:"gtefield=MinExamples"`

	// Deterministic derives generated IDs from marker IDs instead of
	// random suffixes.
	Deterministic bool `yaml:"deterministic,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Dir receives a JSON log file per run. Empty disables file logging.
	Dir  string `yaml:"dir,omitempty"`
	JSON bool   `yaml:"json,omitempty"`
}

type TelemetryConfig struct {
	// Exporter is one of none, stdout, prometheus.
	Exporter string `yaml:"exporter" validate:"oneof=none stdout prometheus"`

	// MetricsFile receives the Prometheus registry in textfile format at
	// exit. Empty disables it.
	MetricsFile string `yaml:"metrics_file,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Repository: RepositoryConfig{
			MarkersDir:     "markers",
			ReloadInterval: 500 * time.Millisecond,
		},
		Store: StoreConfig{MaxBackups: 5},
		Detection: DetectionConfig{
			MinConfidence:  0.7,
			FuzzyThreshold: 0.85,
			ContextWords:   10,
		},
		Grabbers: GrabberConfig{
			SimilarityThreshold: 0.75,
			MergeThreshold:      0.85,
			MaxPatterns:         10,
		},
		Repair: RepairConfig{
			MinExamples: 5,
			MaxExamples: 20,
		},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{Exporter: "none"},
	}
}
