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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/markerengine/internal/markers"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// =============================================================================
// Decoding
// =============================================================================

func TestDecodeRecords_Shapes(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		want    int
		strings int
	}{
		{"single mapping", "id: A_ONE\ndescription: d\n", 1, 0},
		{"multi document", "id: A_ONE\n---\nid: A_TWO\n---\n", 2, 0},
		{"list", "- id: A_ONE\n- id: A_TWO\n- just text\n", 3, 1},
		{"keyed map", "A_ONE:\n  description: d\nA_TWO:\n  description: e\n", 2, 0},
		{"markers wrapper", "markers:\n  - id: A_ONE\n", 1, 0},
		{"bare string", "Ich sage es dir ehrlich.\n", 1, 1},
		{"grabber library", "semantic_grabbers:\n  G:\n    patterns: [a]\n", 0, 0},
		{"analysis schema", "scoring_config:\n  risk_thresholds: {}\n", 0, 0},
		{"empty", "", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := DecodeRecords("test.yaml", []byte(tt.src))
			require.NoError(t, err)
			assert.Len(t, recs, tt.want)
			n := 0
			for i, r := range recs {
				assert.Equal(t, i, r.Index)
				if r.IsString() {
					n++
				}
			}
			assert.Equal(t, tt.strings, n)
		})
	}
}

func TestDecodeRecords_Malformed(t *testing.T) {
	_, err := DecodeRecords("bad.yaml", []byte("id: [unclosed\n"))
	require.Error(t, err)
	var pe *markers.ParseError
	assert.True(t, errors.As(err, &pe))
	assert.ErrorIs(t, err, markers.ErrParse)
}

func TestDecodeMarker_KeyedMapUsesKey(t *testing.T) {
	recs, err := DecodeRecords("k.yaml", []byte("S_DRIFT:\n  description: drift\n  examples: [a]\n"))
	require.NoError(t, err)
	require.Len(t, recs, 1)

	m, err := DecodeMarker(recs[0])
	require.NoError(t, err)
	assert.Equal(t, "S_DRIFT", m.ID)
	assert.Equal(t, markers.LevelSemantic, m.Level, "level falls back to the ID prefix")
	assert.Equal(t, "k.yaml", m.SourceFile)
}

func TestDecodeMarker_MissingID(t *testing.T) {
	recs, err := DecodeRecords("x.yaml", []byte("description: nameless\n"))
	require.NoError(t, err)
	_, err = DecodeMarker(recs[0])
	assert.ErrorIs(t, err, markers.ErrSchema)
}

func TestEncodeMarkers_RoundTrip(t *testing.T) {
	in := []*markers.Marker{
		{ID: "A_ONE", Level: markers.LevelAtomic, Description: "one", Examples: []string{"x"}},
		{ID: "S_TWO", Level: markers.LevelSemantic, Description: "two", Examples: []string{"y"},
			Extra: map[string]any{"psychologischer_hintergrund": "kept"}},
	}
	data, err := EncodeMarkers(in)
	require.NoError(t, err)

	recs, err := DecodeRecords("rt.yaml", data)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	second, err := DecodeMarker(recs[1])
	require.NoError(t, err)
	assert.Equal(t, "S_TWO", second.ID)
	assert.Equal(t, "kept", second.Extra["psychologischer_hintergrund"])
}

func TestGrabbers_RoundTrip(t *testing.T) {
	in := map[string]*markers.Grabber{
		"AUTO_SEM_20250101_AB12": {ID: "AUTO_SEM_20250101_AB12", Description: "d", Patterns: []string{"a", "b"}, CreatedFrom: "A_ONE"},
		"EMOTION_SEM":            {ID: "EMOTION_SEM", Description: "e", Patterns: []string{"c"}},
	}
	data, err := EncodeGrabbers(in)
	require.NoError(t, err)

	out, err := DecodeGrabbers("g.yaml", data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestLoadGrabbers_MissingFileIsEmpty(t *testing.T) {
	gs, err := LoadGrabbers(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, gs)
}

// =============================================================================
// Repository
// =============================================================================

func newTestRepo(t *testing.T) (*Repository, string) {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "atomic", "a.yaml"), `
id: A_PARTIAL_DISCLOSURE
level: 1
category: disclosure
description: partial self-disclosure
examples: ["Um ehrlich zu sein, es gab …"]
semantic_grabber_id: DISCLOSURE_SEM
`)
	writeFile(t, filepath.Join(dir, "semantic.yaml"), `
id: S_DRIFT
level: 2
category: drift
description: emotional drift
examples: [a, b, c, d, e]
status: inactive
---
description: no id here
`)
	writeFile(t, filepath.Join(dir, ".hidden", "skip.yaml"), "id: A_HIDDEN\n")
	writeFile(t, filepath.Join(dir, "backups", "old.yaml"), "id: A_BACKUP\n")
	writeFile(t, filepath.Join(dir, DefaultGrabberFile), `
semantic_grabbers:
  DISCLOSURE_SEM:
    description: disclosure
    patterns: ["ehrlich gesagt"]
`)

	repo, err := New(Config{MarkersDir: dir, ExcludeDirs: []string{"backups"}})
	require.NoError(t, err)
	return repo, dir
}

func TestRepository_Load(t *testing.T) {
	repo, _ := newTestRepo(t)

	report, err := repo.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Files)
	assert.Equal(t, 2, report.Markers)
	assert.Equal(t, 1, report.Grabbers)
	require.Len(t, report.Issues, 1)
	assert.ErrorIs(t, report.Issues[0].Err, markers.ErrSchema)

	snap := repo.Snapshot()
	_, ok := snap.Marker("A_HIDDEN")
	assert.False(t, ok)
	_, ok = snap.Marker("A_BACKUP")
	assert.False(t, ok)

	active := snap.Active()
	require.Len(t, active, 1, "inactive markers are excluded")
	assert.Equal(t, "A_PARTIAL_DISCLOSURE", active[0].ID)
	assert.Empty(t, snap.Active("drift"))
	assert.Equal(t, []string{"disclosure", "drift"}, snap.Categories())
}

func TestRepository_LoadMissingDir(t *testing.T) {
	repo, err := New(Config{MarkersDir: filepath.Join(t.TempDir(), "nope")})
	require.NoError(t, err)

	before := repo.Snapshot()
	_, err = repo.Load(context.Background())
	assert.ErrorIs(t, err, ErrNoMarkersDir)
	assert.Same(t, before, repo.Snapshot(), "failed load keeps the snapshot")
}

func TestRepository_BrokenGrabberLibraryIsFatal(t *testing.T) {
	repo, dir := newTestRepo(t)
	writeFile(t, filepath.Join(dir, DefaultGrabberFile), "semantic_grabbers: [oops\n")

	_, err := repo.Load(context.Background())
	assert.ErrorIs(t, err, markers.ErrParse)
}

func TestSnapshot_DuplicateIDs(t *testing.T) {
	snap := NewSnapshot([]*markers.Marker{
		{ID: "A_X", SourceFile: "one.yaml"},
		{ID: "A_X", SourceFile: "two.yaml"},
	}, nil, nil)

	assert.Equal(t, 1, snap.MarkerCount())
	m, _ := snap.Marker("A_X")
	assert.Equal(t, "one.yaml", m.SourceFile)
	require.Len(t, snap.Issues(), 1)
	assert.Contains(t, snap.Issues()[0].Reason, "duplicate")
}

// =============================================================================
// Watch
// =============================================================================

func TestRepository_WatchReloads(t *testing.T) {
	leakOpt := goleak.IgnoreCurrent()
	repo, dir := newTestRepo(t)
	_, err := repo.Load(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	reloaded := make(chan *LoadReport, 4)
	done := make(chan error, 1)
	go func() {
		done <- repo.Watch(ctx, func(r *LoadReport, err error) {
			if err == nil {
				reloaded <- r
			}
		})
	}()

	// Give the watcher time to register directories.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Join(dir, "new.yaml"), "id: A_NEW\ndescription: new\nexamples: [x]\n")

	select {
	case r := <-reloaded:
		assert.Equal(t, 3, r.Markers)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}
	_, ok := repo.Snapshot().Marker("A_NEW")
	assert.True(t, ok)

	cancel()
	require.NoError(t, <-done)
	goleak.VerifyNone(t, leakOpt)
}
