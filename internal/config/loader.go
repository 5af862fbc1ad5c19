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
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/markerengine/internal/markers"
	"github.com/AleutianAI/markerengine/internal/repair"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MARKERENGINE_"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the configuration.
//
// # Description
//
// An empty path looks for markerctl.yaml in the working directory and
// falls back to Default when there is none. Keys missing from the file
// keep their defaults; unknown keys are an error. MARKERENGINE_*
// environment variables override file values. Relative paths resolve
// against the directory of the file.
//
// # Outputs
//
//   - *Config: The validated configuration.
//   - error: A *markers.ConfigError for an unreadable, unknown-keyed or
//     invalid configuration.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	base, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolving working directory: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = filepath.Join(base, FileName)
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(data, &cfg); err != nil {
			return nil, &markers.ConfigError{Source: path, Reason: "cannot parse configuration", Err: err}
		}
		cfg.source = path
		base = filepath.Dir(path)
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, &markers.ConfigError{Source: path, Reason: "cannot read configuration", Err: err}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, err
	}
	cfg.resolvePaths(base)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks field ranges and repair stage names.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) && len(ves) > 0 {
			fe := ves[0]
			return &markers.ConfigError{
				Source: c.source,
				Reason: fmt.Sprintf("%s fails %s", strings.TrimPrefix(fe.Namespace(), "Config."), describe(fe)),
				Err:    err,
			}
		}
		return &markers.ConfigError{Source: c.source, Reason: "invalid configuration", Err: err}
	}
	for _, s := range c.Repair.Skip {
		if _, err := repair.ParseStageKind(s); err != nil {
			return &markers.ConfigError{Source: c.source, Reason: "repair.skip", Err: err}
		}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// resolvePaths makes file paths absolute against base.
func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Repository.MarkersDir = abs(c.Repository.MarkersDir)
	c.Repository.GrabberFile = abs(c.Repository.GrabberFile)
	c.Store.BackupDir = abs(c.Store.BackupDir)
	c.Detection.SchemaFile = abs(c.Detection.SchemaFile)
	c.Logging.Dir = abs(c.Logging.Dir)
	c.Telemetry.MetricsFile = abs(c.Telemetry.MetricsFile)
}

// =============================================================================
// Environment overrides
// =============================================================================

type envBinding struct {
	name string
	set  func(c *Config, v string) error
}

var envBindings = []envBinding{
	{"MARKERS_DIR", func(c *Config, v string) error { c.Repository.MarkersDir = v; return nil }},
	{"GRABBER_FILE", func(c *Config, v string) error { c.Repository.GrabberFile = v; return nil }},
	{"AUTO_RELOAD", func(c *Config, v string) error { return parseBool(v, &c.Repository.AutoReload) }},
	{"RELOAD_INTERVAL", func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		c.Repository.ReloadInterval = d
		return err
	}},
	{"BACKUP_DIR", func(c *Config, v string) error { c.Store.BackupDir = v; return nil }},
	{"MAX_BACKUPS", func(c *Config, v string) error { return parseInt(v, &c.Store.MaxBackups) }},
	{"MIN_CONFIDENCE", func(c *Config, v string) error { return parseFloat(v, &c.Detection.MinConfidence) }},
	{"SCHEMA_FILE", func(c *Config, v string) error { c.Detection.SchemaFile = v; return nil }},
	{"WORKERS", func(c *Config, v string) error { return parseInt(v, &c.Detection.Workers) }},
	{"SIMILARITY_THRESHOLD", func(c *Config, v string) error { return parseFloat(v, &c.Grabbers.SimilarityThreshold) }},
	{"MERGE_THRESHOLD", func(c *Config, v string) error { return parseFloat(v, &c.Grabbers.MergeThreshold) }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = strings.ToLower(v); return nil }},
	{"LOG_DIR", func(c *Config, v string) error { c.Logging.Dir = v; return nil }},
	{"TELEMETRY", func(c *Config, v string) error { c.Telemetry.Exporter = strings.ToLower(v); return nil }},
	{"METRICS_FILE", func(c *Config, v string) error { c.Telemetry.MetricsFile = v; return nil }},
}

// EnvNames returns the recognized environment variables.
func EnvNames() []string {
	out := make([]string, len(envBindings))
	for i, b := range envBindings {
		out[i] = EnvPrefix + b.name
	}
	return out
}

func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		name := EnvPrefix + b.name
		v, ok := lookup(name)
		if !ok {
			continue
		}
		if err := b.set(c, strings.TrimSpace(v)); err != nil {
			return &markers.ConfigError{Source: name, Reason: fmt.Sprintf("invalid value %q", v), Err: err}
		}
	}
	return nil
}

func parseBool(v string, out *bool) error {
	b, err := strconv.ParseBool(v)
	*out = b
	return err
}

func parseInt(v string, out *int) error {
	n, err := strconv.Atoi(v)
	*out = n
	return err
}

func parseFloat(v string, out *float64) error {
	f, err := strconv.ParseFloat(v, 64)
	*out = f
	return err
}
