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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/markerengine/internal/markers"
	"github.com/AleutianAI/markerengine/internal/repair"
)

func noEnv(string) (string, bool) { return "", false }

func envOf(kv map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := kv[k]
		return v, ok
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
repository:
  markers_dir: data/markers
  auto_reload: true
store:
  max_backups: 3
detection:
  min_confidence: 0.8
  co_occurrence:
    - id: MM_WISH
      markers: [A_LIE, S_DOUBT]
repair:
  skip: [link]
  deterministic: true
logging:
  level: debug
`)
	cfg, err := load(path, noEnv)
	require.NoError(t, err)
	dir := filepath.Dir(path)

	assert.Equal(t, path, cfg.Source())
	assert.Equal(t, filepath.Join(dir, "data/markers"), cfg.Repository.MarkersDir)
	assert.True(t, cfg.Repository.AutoReload)
	assert.Equal(t, 500*time.Millisecond, cfg.Repository.ReloadInterval, "missing keys keep defaults")
	assert.Equal(t, 3, cfg.Store.MaxBackups)
	assert.Equal(t, 0.8, cfg.Detection.MinConfidence)
	assert.Equal(t, 0.85, cfg.Detection.FuzzyThreshold)
	require.Len(t, cfg.Detection.CoOccurrence, 1)
	assert.Equal(t, "MM_WISH", cfg.Detection.CoOccurrence[0].ID)
	assert.Equal(t, "debug", cfg.Logging.Level)

	ropts, err := cfg.RepairOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, []repair.StageKind{repair.StageLink}, ropts.Skip)
	assert.True(t, ropts.Deterministic)
	assert.NotNil(t, cfg.LinkerOptions(nil).IDSource)
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := load("", noEnv)
	require.NoError(t, err)
	assert.Empty(t, cfg.Source())
	assert.Equal(t, filepath.Join(dir, "markers"), cfg.Repository.MarkersDir)
	assert.Equal(t, 5, cfg.Store.MaxBackups)
	assert.Equal(t, "none", cfg.Telemetry.Exporter)
}

func TestLoad_Env(t *testing.T) {
	path := writeConfig(t, "detection:\n  min_confidence: 0.8\n")
	cfg, err := load(path, envOf(map[string]string{
		"MARKERENGINE_MARKERS_DIR":    "/srv/markers",
		"MARKERENGINE_MIN_CONFIDENCE": "0.9",
		"MARKERENGINE_LOG_LEVEL":      "WARN",
		"MARKERENGINE_AUTO_RELOAD":    "true",
	}))
	require.NoError(t, err)
	assert.Equal(t, "/srv/markers", cfg.Repository.MarkersDir)
	assert.Equal(t, 0.9, cfg.Detection.MinConfidence)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.True(t, cfg.Repository.AutoReload)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
		want string
	}{
		{name: "unknown key", body: "detection:\n  min_confidense: 0.8\n", want: "min_confidense"},
		{name: "bad yaml", body: "detection: [\n", want: "cannot parse"},
		{name: "range", body: "detection:\n  min_confidence: 1.5\n", want: "Detection.MinConfidence"},
		{name: "merge below similarity", body: "grabbers:\n  similarity_threshold: 0.9\n  merge_threshold: 0.8\n", want: "MergeThreshold"},
		{name: "log level", body: "logging:\n  level: loud\n", want: "Logging.Level"},
		{name: "skip stage", body: "repair:\n  skip: [polish]\n", want: "polish"},
		{name: "group", body: "detection:\n  co_occurrence:\n    - id: MM_X\n      markers: [A_ONE]\n", want: "Markers"},
		{name: "env", env: map[string]string{"MARKERENGINE_MAX_BACKUPS": "many"}, want: "MARKERENGINE_MAX_BACKUPS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body)
			_, err := load(path, envOf(tt.env))
			require.Error(t, err)
			assert.ErrorIs(t, err, markers.ErrConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "absent.yaml"), noEnv)
	require.Error(t, err)
	assert.ErrorIs(t, err, markers.ErrConfig)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfig_RepositoryConfigExcludesBackups(t *testing.T) {
	cfg := Default()
	cfg.Store.BackupDir = "/srv/markers/_bak"
	rc := cfg.RepositoryConfig(nil)
	assert.Contains(t, rc.ExcludeDirs, "/srv/markers/_bak")
	assert.Equal(t, cfg.Repository.MarkersDir, cfg.StoreConfig(nil).Root)
}

func TestEnvNames(t *testing.T) {
	names := EnvNames()
	assert.Contains(t, names, "MARKERENGINE_MARKERS_DIR")
	assert.Contains(t, names, "MARKERENGINE_TELEMETRY")
}
