// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repair

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/markerengine/internal/grabbers"
	"github.com/AleutianAI/markerengine/internal/repository"
	"github.com/AleutianAI/markerengine/internal/store"
	"github.com/AleutianAI/markerengine/internal/validate"
)

var batchFiles = map[string]string{
	"atomic/a_good.yaml": `id: A_GOOD
level: 1
description: Freude im Gespräch
examples:
  - ich bin so froh heute
  - das freut mich wirklich sehr
  - wie schön das alles ist
  - ich bin richtig glücklich
  - was für ein toller Tag
semantic_grabber_id: EMOTION_SEM
`,
	"atomic/a_ref.yaml": `id: A_REF
level: 1
description: Verweis auf eine alte Gruppe
examples: [eins, zwei, drei, vier, fünf]
semantic_grabber_id: SGR_LEGACY_01
`,
	"semantic/old_marker.yaml": `marker_name: OLD_MARKER
description_legacy_field: x
examples_legacy_field: [a, b]
`,
	"cluster/c_combo.yaml": `id: C_COMBO
level: 3
description: Freude und Altes zusammen
composed_of: [OLD_MARKER, A_GOOD]
examples: [eins, zwei, drei, vier, fünf]
semantic_grabber_id: EMOTION_SEM
activation_logic: ANY 2
`,
	repository.DefaultGrabberFile: `semantic_grabbers:
  EMOTION_SEM:
    description: Emotionen
    patterns: [wütend, traurig]
  SGR_LEGACY_01:
    description: Alte Gruppe
    patterns: [damals]
`,
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

type batchFixture struct {
	dir   string
	repo  *repository.Repository
	store *store.Store
	batch *Batch
}

func newBatchFixture(t *testing.T) *batchFixture {
	t.Helper()
	dir := t.TempDir()
	for name, content := range batchFiles {
		writeFile(t, filepath.Join(dir, name), content)
	}
	opts := testOptions()
	repo, err := repository.New(repository.Config{MarkersDir: dir, Logger: opts.Logger})
	require.NoError(t, err)
	st, err := store.New(store.Config{Root: dir, Logger: opts.Logger, Clock: opts.Clock})
	require.NoError(t, err)
	b := NewBatch(New(opts), repo, st, grabbers.Options{SimilarityThreshold: 0.99})
	return &batchFixture{dir: dir, repo: repo, store: st, batch: b}
}

func (f *batchFixture) contents(t *testing.T) map[string]string {
	out := make(map[string]string, len(batchFiles))
	for name := range batchFiles {
		out[name] = readFile(t, filepath.Join(f.dir, name))
	}
	return out
}

func TestBatch_RepairAll(t *testing.T) {
	f := newBatchFixture(t)
	ctx := context.Background()

	report, err := f.batch.RepairAll(ctx, false)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report.Files)
	assert.Equal(t, 4, report.Processed)
	assert.Equal(t, 3, report.Repaired)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, map[string]string{"OLD_MARKER": "S_OLD"}, report.Renamed)

	require.Len(t, report.MigratedGrabbers, 1)
	mig := report.MigratedGrabbers[0]
	assert.Equal(t, "SGR_LEGACY_01", mig.From)
	assert.Regexp(t, generated, mig.To)
	assert.Equal(t, []string{"A_REF"}, mig.Markers)
	require.Len(t, report.CreatedGrabbers, 1)

	assert.Equal(t, batchFiles["atomic/a_good.yaml"], readFile(t, filepath.Join(f.dir, "atomic/a_good.yaml")))
	require.NotEmpty(t, report.BackupPath)
	assert.DirExists(t, report.BackupPath)
	for _, res := range report.Files {
		want := filepath.Base(res.Path) != "a_good.yaml"
		assert.Equal(t, want, res.Written, res.Path)
	}

	snap := f.repo.Snapshot()
	require.NotNil(t, snap)
	gs := snap.GrabberMap()
	for _, m := range snap.Markers() {
		assert.Contains(t, gs, m.SemanticGrabberID, "grabber of %s", m.ID)
	}
	assert.NotContains(t, gs, "SGR_LEGACY_01")
	assert.Contains(t, gs, report.CreatedGrabbers[0])

	old, ok := snap.Marker("S_OLD")
	require.True(t, ok)
	assert.Len(t, old.Examples, 5)
	combo, ok := snap.Marker("C_COMBO")
	require.True(t, ok)
	assert.Equal(t, []string{"S_OLD", "A_GOOD"}, combo.ComposedOf)
	assert.Equal(t, "ANY 2", combo.Extra["activation_logic"])
	ref, ok := snap.Marker("A_REF")
	require.True(t, ok)
	assert.Equal(t, mig.To, ref.SemanticGrabberID)

	t.Run("second run is a no-op", func(t *testing.T) {
		before := f.contents(t)
		again, err := f.batch.RepairAll(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, 0, again.Repaired)
		assert.Equal(t, 0, again.Failed)
		assert.Equal(t, 4, again.Skipped)
		assert.Empty(t, again.Renamed)
		assert.Empty(t, again.MigratedGrabbers)
		assert.Empty(t, again.CreatedGrabbers)
		assert.Empty(t, again.BackupPath)
		assert.Equal(t, before, f.contents(t))
	})
}

func TestBatch_DryRun(t *testing.T) {
	f := newBatchFixture(t)

	report, err := f.batch.RepairAll(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 3, report.Repaired)
	assert.Empty(t, report.BackupPath)
	assert.Equal(t, batchFiles, f.contents(t))
	assert.NoDirExists(t, filepath.Join(f.dir, store.DefaultBackupDirName))
	for _, res := range report.Files {
		assert.False(t, res.Written, res.Path)
	}
}

func TestBatch_BrokenFileIsReported(t *testing.T) {
	f := newBatchFixture(t)
	broken := "id: [unclosed\n   \"Das ist ein echtes Beispiel!\"\n"
	writeFile(t, filepath.Join(f.dir, "broken_marker.yaml"), broken)

	report, err := f.batch.RepairAll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.YAMLErrors)

	snap := f.repo.Snapshot()
	m, ok := snap.Marker("S_BROKEN")
	require.True(t, ok)
	assert.Contains(t, snap.GrabberMap(), m.SemanticGrabberID)
}

func TestBatch_HeldBackFileKeepsLegacyGrabber(t *testing.T) {
	f := newBatchFixture(t)
	mixed := batchFiles["atomic/a_ref.yaml"] + "---\nid: A_DUP\nid: A_DUP_AGAIN\ndescription: doppelt\n"
	path := filepath.Join(f.dir, "atomic/a_ref.yaml")
	writeFile(t, path, mixed)

	report, err := f.batch.RepairAll(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, mixed, readFile(t, path), "file with an unreadable record is not written")
	assert.Empty(t, report.MigratedGrabbers)

	snap := f.repo.Snapshot()
	ref, ok := snap.Marker("A_REF")
	require.True(t, ok)
	assert.Equal(t, "SGR_LEGACY_01", ref.SemanticGrabberID)
	assert.Contains(t, snap.GrabberMap(), "SGR_LEGACY_01")

	vr := validate.ValidateAll(snap)
	for _, is := range vr.MarkerIssues["A_REF"] {
		assert.NotEqual(t, validate.CodeGrabberDangling, is.Code, is.String())
	}
}

func TestBatch_UnreadableFileKeepsLegacyGrabber(t *testing.T) {
	f := newBatchFixture(t)
	_, err := f.repo.Load(context.Background())
	require.NoError(t, err)
	path := filepath.Join(f.dir, "atomic/a_ref.yaml")
	writeFile(t, path, "id: [unclosed\n")

	// The syntax stage is skipped so the broken file fails outright; the
	// reference comes from the snapshot loaded before.
	opts := testOptions()
	opts.Skip = []StageKind{StageSyntax}
	b := NewBatch(New(opts), f.repo, f.store, grabbers.Options{SimilarityThreshold: 0.99})
	report, err := b.RepairAll(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.YAMLErrors)
	assert.Empty(t, report.MigratedGrabbers)
}

func TestBatch_DerivedIDCollision(t *testing.T) {
	f := newBatchFixture(t)
	twin := "marker_name: old-marker\ndescription_legacy_field: y\nexamples_legacy_field: [c, d]\n"
	path := filepath.Join(f.dir, "semantic/zz_old_marker.yaml")
	writeFile(t, path, twin)

	report, err := f.batch.RepairAll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, twin, readFile(t, path))
	for _, res := range report.Files {
		if res.Path == path {
			assert.False(t, res.Written)
			assert.Contains(t, strings.Join(res.Reasons, "; "), "collides")
		}
	}

	snap := f.repo.Snapshot()
	old, ok := snap.Marker("S_OLD")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(f.dir, "semantic/old_marker.yaml"), old.SourceFile)
	assert.False(t, hasDuplicateIssue(validate.ValidateAll(snap)))
}

func hasDuplicateIssue(r *validate.Report) bool {
	for _, issues := range r.MarkerIssues {
		for _, is := range issues {
			if is.Code == validate.CodeDuplicateID {
				return true
			}
		}
	}
	return false
}

func TestBatch_Cancelled(t *testing.T) {
	f := newBatchFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.batch.RepairAll(ctx, false)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.True(t, report.Cancelled)
	assert.False(t, report.OK())
	assert.Equal(t, 0, report.Processed)
	assert.Equal(t, batchFiles, f.contents(t))
}

func TestBatch_StoreLocked(t *testing.T) {
	f := newBatchFixture(t)
	other, err := store.New(store.Config{Root: f.dir})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var inner error
	err = other.Exclusive(ctx, "held by test", func(*store.Tx) error {
		_, inner = f.batch.RepairAll(ctx, false)
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, inner, store.ErrStoreLocked)
	assert.Equal(t, batchFiles, f.contents(t))
}

func TestBatch_SkipLink(t *testing.T) {
	f := newBatchFixture(t)
	opts := testOptions()
	opts.Skip = []StageKind{StageNaming, StageLink}
	b := NewBatch(New(opts), f.repo, f.store, grabbers.Options{})

	report, err := b.RepairAll(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, report.MigratedGrabbers)
	assert.Empty(t, report.CreatedGrabbers)
	// Only the generated reference of S_OLD dangles; SGR_LEGACY_01 is kept.
	assert.Equal(t, 1, report.Failed)
}
