// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/markerengine/internal/repository"
	"github.com/AleutianAI/markerengine/pkg/ux"
)

const hedgeText = "Also ich sag mal so viel dazu. Aber ich bin mir nicht sicher."

var fixture = map[string]string{
	"markers/atomic/a_partial.yaml": `id: A_PARTIAL_DISCLOSURE
level: 1
description: Gibt nur einen Teil preis
category: disclosure
risk_score: 2
examples:
  - ich sag mal so viel
  - mehr verrate ich nicht
  - das bleibt unter uns
  - den Rest erzähle ich später
  - nur so viel vorweg
semantic_grabber_id: AUTO_SEM_20250713_AB12
`,
	"markers/semantic/s_doubt.yaml": `id: S_DOUBT
level: 2
description: Unsicherheit
examples:
  - bin mir nicht sicher
  - keine Ahnung eigentlich
  - schwer zu beurteilen
  - wer weiß das schon
  - kann sein oder auch nicht
semantic_grabber_id: AUTO_SEM_20250713_AB12
`,
	"markers/cluster/c_hedge.yaml": `id: C_HEDGE
level: 3
description: Teilweise Offenheit mit Vorbehalt
risk_score: 3
composed_of: [A_PARTIAL_DISCLOSURE, S_DOUBT]
examples: [eins, zwei, drei, vier, fünf]
semantic_grabber_id: AUTO_SEM_20250713_AB12
`,
	"markers/semantic_grabbers.yaml": `semantic_grabbers:
  AUTO_SEM_20250713_AB12:
    description: Vorbehalt
    patterns: [nicht sicher, so viel]
  AUTO_SEM_20250713_CD34:
    description: Vorbehalt doppelt
    patterns: [nicht sicher, so viel, vielleicht]
`,
	"markerctl.yaml": `repository:
  markers_dir: markers
repair:
  deterministic: true
logging:
  level: error
`,
}

const legacyRecord = `marker_name: OLD_MARKER
description_legacy_field: x
examples_legacy_field: [a, b]
`

// cli runs markerctl against a fixture tree.
type cli struct {
	t       *testing.T
	dir     string
	confirm ux.Confirmer
	stdin   string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	writeFiles(t, dir, fixture)
	return &cli{t: t, dir: dir, confirm: ux.Always(true)}
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

// run executes args with the fixture config and plain output.
func (c *cli) run(args ...string) (code int, stdout, stderr string) {
	c.t.Helper()
	var out, errOut bytes.Buffer
	a := newApp(strings.NewReader(c.stdin), &out, &errOut)
	a.confirm = c.confirm
	full := append([]string{"--config", filepath.Join(c.dir, "markerctl.yaml"), "--output", "plain"}, args...)
	code = run(context.Background(), full, a)
	return code, out.String(), errOut.String()
}

// runJSON executes args with --json and decodes the envelope.
func (c *cli) runJSON(args ...string) (int, CommandResult, map[string]any) {
	c.t.Helper()
	code, stdout, stderr := c.run(append([]string{"--json"}, args...)...)
	var env CommandResult
	require.NoError(c.t, json.Unmarshal([]byte(stdout), &env), "stdout=%s stderr=%s", stdout, stderr)
	var raw map[string]any
	require.NoError(c.t, json.Unmarshal([]byte(stdout), &raw))
	data, _ := raw["data"].(map[string]any)
	return code, env, data
}

func (c *cli) read(name string) string {
	c.t.Helper()
	data, err := os.ReadFile(filepath.Join(c.dir, name))
	require.NoError(c.t, err)
	return string(data)
}

// =============================================================================
// detect
// =============================================================================

func TestDetect_AlertExitsWithFindings(t *testing.T) {
	c := newCLI(t)
	code, env, data := c.runJSON("detect", "--text", hedgeText)

	assert.Equal(t, CLIExitFindings, code)
	assert.True(t, env.Success)
	assert.True(t, env.Findings)
	assert.Equal(t, "detect", env.Command)
	assert.Equal(t, "blinking", data["risk_level"])
	assert.Equal(t, true, data["alert"])
	assert.InDelta(t, 7.5, data["adjusted_score"], 1e-9)
	assert.Equal(t, "text[0]", data["source"])
}

func TestDetect_NeutralPlain(t *testing.T) {
	c := newCLI(t)
	code, stdout, _ := c.run("detect", "--text", "Der Zug fährt um acht.")

	assert.Equal(t, CLIExitSuccess, code)
	assert.Contains(t, stdout, "risk_level\tgreen\n")
	assert.Contains(t, stdout, "matches\t0\n")
}

func TestDetect_StdinLines(t *testing.T) {
	c := newCLI(t)
	c.stdin = hedgeText + "\n\nnichts zu sehen\n"
	code, stdout, _ := c.run("--json", "detect", "--lines")

	assert.Equal(t, CLIExitFindings, code)
	var env struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &env))
	require.Len(t, env.Data, 2)
	assert.Equal(t, "stdin:1", env.Data[0]["source"])
	assert.Equal(t, "stdin:3", env.Data[1]["source"])
	assert.Equal(t, "green", env.Data[1]["risk_level"])
}

func TestDetect_UnknownDetectorInSchema(t *testing.T) {
	c := newCLI(t)
	writeFiles(t, c.dir, map[string]string{"schema.yaml": `
detector_config:
  enabled_detectors: [mood_detector]
scoring_config:
  risk_thresholds:
    green: [0, .inf]
`})
	code, env, _ := c.runJSON("detect", "--schema", filepath.Join(c.dir, "schema.yaml"), "--text", "x")
	assert.Equal(t, CLIExitError, code)
	assert.False(t, env.Success)
	assert.Equal(t, "config", env.ErrorKind)
}

// =============================================================================
// load, validate
// =============================================================================

func TestLoad_Counts(t *testing.T) {
	c := newCLI(t)
	code, _, data := c.runJSON("load")
	assert.Equal(t, CLIExitSuccess, code)
	assert.Equal(t, float64(3), data["markers"])
	assert.Equal(t, float64(2), data["grabbers"])
}

func TestLoad_MissingDir(t *testing.T) {
	c := newCLI(t)
	code, _, stderr := c.run("load", filepath.Join(c.dir, "absent"))
	assert.Equal(t, CLIExitError, code)
	assert.Contains(t, stderr, "load")
}

func TestValidate(t *testing.T) {
	c := newCLI(t)
	code, stdout, _ := c.run("validate")
	assert.Equal(t, CLIExitSuccess, code)
	assert.Contains(t, stdout, "SUMMARY: valid=3 invalid=0 errors=0")

	writeFiles(t, c.dir, map[string]string{"markers/cluster/c_broken.yaml": `id: C_BROKEN
level: 3
description: Verweist auf einen fehlenden Marker
composed_of: [A_MISSING, S_DOUBT]
examples: [eins, zwei, drei, vier, fünf]
`})
	code, _, data := c.runJSON("validate")
	assert.Equal(t, CLIExitFindings, code)
	assert.Equal(t, float64(1), data["invalid_markers"])
}

// =============================================================================
// repair
// =============================================================================

func TestRepair_DryRunWritesNothing(t *testing.T) {
	c := newCLI(t)
	writeFiles(t, c.dir, map[string]string{"markers/semantic/old_marker.yaml": legacyRecord})

	code, stdout, _ := c.run("repair", "--dry-run")
	assert.Equal(t, CLIExitSuccess, code)
	assert.Contains(t, stdout, "SUMMARY: processed=")
	assert.Contains(t, stdout, "repaired=1")
	assert.Equal(t, legacyRecord, c.read("markers/semantic/old_marker.yaml"))
}

func TestRepair_DeclinedConfirmation(t *testing.T) {
	c := newCLI(t)
	c.confirm = ux.Always(false)
	writeFiles(t, c.dir, map[string]string{"markers/semantic/old_marker.yaml": legacyRecord})

	code, env, _ := c.runJSON("repair")
	assert.Equal(t, CLIExitError, code)
	assert.Equal(t, "aborted", env.ErrorKind)
	assert.Equal(t, legacyRecord, c.read("markers/semantic/old_marker.yaml"))
}

func TestRepair_WritesAndBacksUp(t *testing.T) {
	c := newCLI(t)
	c.confirm = func(string, string) (bool, error) {
		t.Fatal("--yes must not prompt")
		return false, nil
	}
	writeFiles(t, c.dir, map[string]string{"markers/semantic/old_marker.yaml": legacyRecord})

	code, _, data := c.runJSON("repair", "--yes")
	assert.Equal(t, CLIExitSuccess, code)
	batch := data["batch"].(map[string]any)
	assert.Equal(t, float64(1), batch["repaired"])
	assert.Equal(t, float64(4), data["validation"].(map[string]any)["markers_checked"])
	assert.Contains(t, c.read("markers/semantic/old_marker.yaml"), "S_OLD")

	code, stdout, _ := c.run("backups", "list")
	assert.Equal(t, CLIExitSuccess, code)
	assert.Contains(t, stdout, "SUMMARY: backups=1")
}

// =============================================================================
// grabbers, schema, errors
// =============================================================================

func TestGrabbers_Orphans(t *testing.T) {
	c := newCLI(t)
	code, stdout, _ := c.run("grabbers", "orphans")
	assert.Equal(t, CLIExitFindings, code)
	assert.Contains(t, stdout, "AUTO_SEM_20250713_CD34")
}

func TestGrabbers_MergeThenNoOrphans(t *testing.T) {
	c := newCLI(t)
	code, _, _ := c.run("grabbers", "merge", "AUTO_SEM_20250713_AB12", "AUTO_SEM_20250713_CD34")
	require.Equal(t, CLIExitSuccess, code)
	library, err := repository.LoadGrabbers(filepath.Join(c.dir, "markers/semantic_grabbers.yaml"))
	require.NoError(t, err)
	assert.NotContains(t, library, "AUTO_SEM_20250713_CD34")
	require.Contains(t, library, "AUTO_SEM_20250713_AB12")
	assert.Equal(t, []string{"AUTO_SEM_20250713_CD34"}, library["AUTO_SEM_20250713_AB12"].MergedFrom)

	code, _, _ = c.run("grabbers", "orphans")
	assert.Equal(t, CLIExitSuccess, code)
}

func TestGrabbers_SimilarBadThreshold(t *testing.T) {
	c := newCLI(t)
	code, _, _ := c.run("grabbers", "similar", "--threshold", "1.5")
	assert.Equal(t, CLIExitError, code)
}

func TestSchemaCheck(t *testing.T) {
	c := newCLI(t)
	writeFiles(t, c.dir, map[string]string{
		"good.yaml": `
schema_info: {name: relationship, version: "1.0"}
detector_config:
  enabled_detectors: [atomic, cluster]
scoring_config:
  risk_thresholds:
    green: [0, 2]
    red: [3, .inf]
`,
		"gap.yaml": `
scoring_config:
  risk_thresholds:
    green: [0, 2]
    red: [5, .inf]
`,
	})

	code, stdout, _ := c.run("schema", "check", filepath.Join(c.dir, "good.yaml"))
	assert.Equal(t, CLIExitSuccess, code)
	assert.Contains(t, stdout, "OK: schema relationship is valid")

	code, _, _ = c.run("schema", "check", filepath.Join(c.dir, "gap.yaml"))
	assert.Equal(t, CLIExitError, code)
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		kind string
	}{
		{"bad log level", []string{"--json", "--log-level", "loud", "validate"}, "config"},
		{"missing backup", []string{"--json", "backups", "restore", "--yes", "20990101T000000"}, "backup_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCLI(t)
			code, stdout, _ := c.run(tt.args...)
			assert.Equal(t, CLIExitError, code)
			var env CommandResult
			require.NoError(t, json.Unmarshal([]byte(stdout), &env), stdout)
			assert.Equal(t, tt.kind, env.ErrorKind)
		})
	}
}

func TestUsageError(t *testing.T) {
	c := newCLI(t)
	code, _, stderr := c.run("polish")
	assert.Equal(t, CLIExitError, code)
	assert.Contains(t, stderr, "unknown command")

	code, _, _ = c.run("grabbers", "merge", "only-one")
	assert.Equal(t, CLIExitError, code)
}
