// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock returns a clock that advances one second per call.
func stepClock() func() time.Time {
	t := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newTestStore(t *testing.T, root string) *Store {
	t.Helper()
	s, err := New(Config{Root: root, MaxBackups: 2, Clock: stepClock()})
	require.NoError(t, err)
	return s
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// =============================================================================
// Locking
// =============================================================================

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Root: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)

	s, err := New(Config{Root: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), DefaultBackupDirName), s.BackupDir())
	assert.NotEmpty(t, s.SessionID())
}

func TestExclusive_SecondWriterFails(t *testing.T) {
	root := t.TempDir()
	a := newTestStore(t, root)
	b := newTestStore(t, root)

	err := a.Exclusive(context.Background(), "repair", func(tx *Tx) error {
		holder, err := a.Holder()
		require.NoError(t, err)
		require.NotNil(t, holder)
		assert.Equal(t, os.Getpid(), holder.PID)
		assert.Equal(t, a.SessionID(), holder.SessionID)
		assert.Equal(t, "repair", holder.Reason)

		inner := b.Exclusive(context.Background(), "merge", func(*Tx) error { return nil })
		require.Error(t, inner)
		assert.ErrorIs(t, inner, ErrStoreLocked)
		var le *LockError
		require.True(t, errors.As(inner, &le))
		require.NotNil(t, le.Holder)
		assert.Equal(t, a.SessionID(), le.Holder.SessionID)
		return nil
	})
	require.NoError(t, err)

	holder, err := a.Holder()
	require.NoError(t, err)
	assert.Nil(t, holder)

	require.NoError(t, b.Exclusive(context.Background(), "merge", func(*Tx) error { return nil }))
}

func TestExclusive_NestedOnSameStoreFails(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	err := s.Exclusive(context.Background(), "outer", func(*Tx) error {
		return s.Exclusive(context.Background(), "inner", func(*Tx) error { return nil })
	})
	assert.ErrorIs(t, err, ErrStoreLocked)
}

func TestExclusive_ReclaimsStaleLock(t *testing.T) {
	root := t.TempDir()
	stale, _ := json.Marshal(LockInfo{PID: 1 << 30, SessionID: "dead", LockedAt: time.Now(), Reason: "crashed"})
	writeFile(t, filepath.Join(root, LockFileName), string(stale))

	s := newTestStore(t, root)
	holder, err := s.Holder()
	require.NoError(t, err)
	assert.Nil(t, holder, "dead PID is not a holder")

	ran := false
	require.NoError(t, s.Exclusive(context.Background(), "repair", func(*Tx) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestExclusive_CancelledContext(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Exclusive(ctx, "repair", func(*Tx) error {
		t.Fatal("must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// Writes, backups and rollback
// =============================================================================

func TestExclusive_WritesWithBackup(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "atomic", "a.yaml")
	writeFile(t, path, "old")
	s := newTestStore(t, root)

	var backup string
	err := s.Exclusive(context.Background(), "repair", func(tx *Tx) error {
		require.NoError(t, tx.WriteFile(path, []byte("new")))
		require.NoError(t, tx.WriteFile(path, []byte("newer")))
		require.NoError(t, tx.WriteFile(filepath.Join(root, "fresh.yaml"), []byte("x")))
		backup = tx.BackupPath()
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "newer", readFile(t, path))
	assert.Equal(t, "old", readFile(t, filepath.Join(backup, filesDirName, "atomic", "a.yaml")))

	sets, err := s.Backups()
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, "repair", sets[0].Reason)
	assert.Equal(t, []string{path}, sets[0].Files)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestExclusive_RollbackOnError(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.yaml")
	created := filepath.Join(root, "b.yaml")
	writeFile(t, path, "original")
	s := newTestStore(t, root)

	boom := errors.New("boom")
	err := s.Exclusive(context.Background(), "repair", func(tx *Tx) error {
		require.NoError(t, tx.WriteFile(path, []byte("half")))
		require.NoError(t, tx.WriteFile(created, []byte("new")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, "original", readFile(t, path))
	assert.NoFileExists(t, created)

	require.NoError(t, s.Exclusive(context.Background(), "again", func(*Tx) error { return nil }),
		"lock released after failure")
}

func TestExclusive_RollbackOnPanic(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.yaml")
	writeFile(t, path, "original")
	s := newTestStore(t, root)

	assert.Panics(t, func() {
		_ = s.Exclusive(context.Background(), "repair", func(tx *Tx) error {
			_ = tx.WriteFile(path, []byte("half"))
			panic("bad record")
		})
	})
	assert.Equal(t, "original", readFile(t, path))
	require.NoError(t, s.Exclusive(context.Background(), "again", func(*Tx) error { return nil }))
}

func TestTx_UnusableAfterScope(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	var leaked *Tx
	require.NoError(t, s.Exclusive(context.Background(), "x", func(tx *Tx) error {
		leaked = tx
		return nil
	}))
	assert.ErrorIs(t, leaked.WriteFile(filepath.Join(s.Root(), "a.yaml"), nil), ErrLockNotHeld)
}

func TestBackups_Rotate(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.yaml")
	writeFile(t, path, "v0")
	s := newTestStore(t, root)

	for _, v := range []string{"v1", "v2", "v3", "v4"} {
		require.NoError(t, s.Exclusive(context.Background(), v, func(tx *Tx) error {
			return tx.WriteFile(path, []byte(v))
		}))
	}

	sets, err := s.Backups()
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.Equal(t, "v4", sets[0].Reason)
	assert.Equal(t, "v3", sets[1].Reason)
	assert.True(t, sets[0].CreatedAt.After(sets[1].CreatedAt))
}

func TestRestore(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.yaml")
	writeFile(t, path, "before")
	s := newTestStore(t, root)

	require.NoError(t, s.Exclusive(context.Background(), "repair", func(tx *Tx) error {
		return tx.WriteFile(path, []byte("after"))
	}))
	sets, err := s.Backups()
	require.NoError(t, err)
	require.Len(t, sets, 1)

	restored, err := s.Restore(context.Background(), sets[0].Name)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, restored)
	assert.Equal(t, "before", readFile(t, path))

	_, err = s.Restore(context.Background(), "19990101_000000.000000")
	assert.ErrorIs(t, err, ErrBackupNotFound)
}

func TestIsProcessAlive(t *testing.T) {
	assert.True(t, IsProcessAlive(os.Getpid()))
	assert.False(t, IsProcessAlive(0))
	assert.False(t, IsProcessAlive(-5))
}
