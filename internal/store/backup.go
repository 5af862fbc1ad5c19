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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// BackupTimeFormat names backup set directories. Sets sort by name in
// creation order.
const BackupTimeFormat = "20060102_150405.000000"

const (
	manifestName = "manifest.json"
	filesDirName = "files"
)

// BackupInfo describes one backup set.
type BackupInfo struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	Reason    string    `json:"reason"`
	Files     []string  `json:"files"`
}

// manifest maps each backed-up file, relative to the set's files dir, to
// the absolute path it was copied from.
type manifest struct {
	CreatedAt time.Time         `json:"created_at"`
	Reason    string            `json:"reason"`
	SessionID string            `json:"session_id"`
	Files     map[string]string `json:"files"`
}

// backupSet is the backup directory of one exclusive scope.
type backupSet struct {
	dir string
	man manifest
}

func (s *Store) newBackupSet(reason string) (*backupSet, error) {
	now := s.cfg.Clock()
	name := now.Format(BackupTimeFormat)
	dir := filepath.Join(s.cfg.BackupDir, name)
	for i := 1; ; i++ {
		if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
			break
		}
		dir = filepath.Join(s.cfg.BackupDir, name+"_"+strconv.Itoa(i))
	}
	if err := os.MkdirAll(filepath.Join(dir, filesDirName), 0755); err != nil {
		return nil, fmt.Errorf("creating backup set: %w", err)
	}
	set := &backupSet{
		dir: dir,
		man: manifest{
			CreatedAt: now,
			Reason:    reason,
			SessionID: s.sessionID,
			Files:     make(map[string]string),
		},
	}
	if err := set.writeManifest(); err != nil {
		return nil, err
	}
	s.logger.Info("created backup set", "dir", dir, "reason", reason)
	return set, nil
}

// add copies data into the set and returns the copy's path.
func (b *backupSet) add(root, abs string, data []byte) (string, error) {
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		rel = filepath.Join("_external", strconv.Itoa(len(b.man.Files))+"_"+filepath.Base(abs))
	}
	dst := filepath.Join(b.dir, filesDirName, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("creating backup dir for %s: %w", abs, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return "", fmt.Errorf("backing up %s: %w", abs, err)
	}
	b.man.Files[filepath.ToSlash(rel)] = abs
	if err := b.writeManifest(); err != nil {
		return "", err
	}
	return dst, nil
}

func (b *backupSet) writeManifest() error {
	data, err := json.MarshalIndent(b.man, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding backup manifest: %w", err)
	}
	if err := writeAtomic(filepath.Join(b.dir, manifestName), data, 0644); err != nil {
		return fmt.Errorf("writing backup manifest: %w", err)
	}
	return nil
}

// Backups lists backup sets, newest first.
func (s *Store) Backups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(s.cfg.BackupDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}
	var out []BackupInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.cfg.BackupDir, e.Name())
		man, err := readManifest(dir)
		if err != nil {
			s.logger.Warn("skipping unreadable backup set", "dir", dir, "error", err)
			continue
		}
		out = append(out, BackupInfo{
			Name:      e.Name(),
			Path:      dir,
			CreatedAt: man.CreatedAt,
			Reason:    man.Reason,
			Files:     sortedValues(man.Files),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name > out[j].Name })
	return out, nil
}

// Restore copies every file of the named backup set back to its original
// location under the store lock. The restored-over content is itself
// backed up first.
func (s *Store) Restore(ctx context.Context, name string) ([]string, error) {
	dir := filepath.Join(s.cfg.BackupDir, filepath.Base(name))
	man, err := readManifest(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, name)
	}
	if err != nil {
		return nil, err
	}

	var restored []string
	err = s.Exclusive(ctx, "restore "+filepath.Base(name), func(tx *Tx) error {
		for _, rel := range sortedKeys(man.Files) {
			orig := man.Files[rel]
			data, err := os.ReadFile(filepath.Join(dir, filesDirName, filepath.FromSlash(rel)))
			if err != nil {
				return fmt.Errorf("reading backup of %s: %w", orig, err)
			}
			if err := tx.WriteFile(orig, data); err != nil {
				return err
			}
			restored = append(restored, orig)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("restored backup set", "name", name, "files", len(restored))
	return restored, nil
}

// rotate removes the oldest backup sets beyond MaxBackups.
func (s *Store) rotate() error {
	sets, err := s.Backups()
	if err != nil {
		return err
	}
	var errs []error
	for i := s.cfg.MaxBackups; i < len(sets); i++ {
		if err := os.RemoveAll(sets[i].Path); err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("rotated backup set", "name", sets[i].Name)
	}
	return errors.Join(errs...)
}

func readManifest(dir string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, err
	}
	var man manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return nil, fmt.Errorf("decoding manifest in %s: %w", dir, err)
	}
	return &man, nil
}

func sortedValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
