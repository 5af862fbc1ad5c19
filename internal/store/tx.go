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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Tx is the write handle of one exclusive scope.
type Tx struct {
	store  *Store
	ctx    context.Context
	reason string
	done   bool

	set *backupSet

	// backedUp maps each touched absolute path to its backup copy, or ""
	// when the file did not exist before the scope.
	backedUp map[string]string
	order    []string
}

// Context returns the context the scope was started with.
func (tx *Tx) Context() context.Context { return tx.ctx }

// Root returns the store root.
func (tx *Tx) Root() string { return tx.store.cfg.Root }

// BackupPath returns the backup set directory, or "" if nothing was
// backed up yet.
func (tx *Tx) BackupPath() string {
	if tx.set == nil {
		return ""
	}
	return tx.set.dir
}

// Written returns the touched paths in write order.
func (tx *Tx) Written() []string {
	return append([]string(nil), tx.order...)
}

// WriteFile atomically replaces path with data.
//
// # Description
//
// The first write to a path backs up its current content. The new content
// goes to a temp file in the same directory which is then renamed over
// path, so a crash leaves either the old or the new file.
//
// # Outputs
//
//   - error: ErrLockNotHeld after the scope ended, or an I/O error.
func (tx *Tx) WriteFile(path string, data []byte) error {
	if tx.done {
		return ErrLockNotHeld
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}
	mode := os.FileMode(0644)
	if info, err := os.Stat(abs); err == nil {
		mode = info.Mode().Perm()
	}
	if err := tx.backup(abs); err != nil {
		return err
	}
	return writeAtomic(abs, data, mode)
}

// Remove deletes path after backing it up.
func (tx *Tx) Remove(path string) error {
	if tx.done {
		return ErrLockNotHeld
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}
	if err := tx.backup(abs); err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", abs, err)
	}
	return nil
}

func (tx *Tx) backup(abs string) error {
	if _, seen := tx.backedUp[abs]; seen {
		return nil
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, os.ErrNotExist) {
		tx.backedUp[abs] = ""
		tx.order = append(tx.order, abs)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s for backup: %w", abs, err)
	}
	if tx.set == nil {
		set, err := tx.store.newBackupSet(tx.reason)
		if err != nil {
			return err
		}
		tx.set = set
	}
	copyPath, err := tx.set.add(tx.store.cfg.Root, abs, data)
	if err != nil {
		return err
	}
	tx.backedUp[abs] = copyPath
	tx.order = append(tx.order, abs)
	return nil
}

// rollback restores every touched path in reverse write order.
func (tx *Tx) rollback() {
	tx.done = true
	for i := len(tx.order) - 1; i >= 0; i-- {
		abs := tx.order[i]
		src := tx.backedUp[abs]
		if src == "" {
			if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
				tx.store.logger.Error("rollback: failed to remove new file", "path", abs, "error", err)
			}
			continue
		}
		if err := copyFile(src, abs); err != nil {
			tx.store.logger.Error("rollback: failed to restore file", "path", abs, "backup", src, "error", err)
		}
	}
	if len(tx.order) > 0 {
		tx.store.logger.Warn("rolled back store writes", "files", len(tx.order), "reason", tx.reason)
	}
}

func (tx *Tx) commit() error {
	tx.done = true
	if tx.set == nil {
		return nil
	}
	if err := tx.store.rotate(); err != nil {
		tx.store.logger.Warn("backup rotation failed", "dir", tx.store.cfg.BackupDir, "error", err)
	}
	return nil
}

// writeAtomic writes data to a temp file beside path and renames it over
// path.
func writeAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("syncing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		cleanup()
		return fmt.Errorf("setting mode on %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	mode := os.FileMode(0644)
	if info, err := os.Stat(src); err == nil {
		mode = info.Mode().Perm()
	}
	return writeAtomic(dst, data, mode)
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
