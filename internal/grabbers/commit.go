// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package grabbers

import (
	"fmt"
	"sort"

	"github.com/AleutianAI/markerengine/internal/repository"
	"github.com/AleutianAI/markerengine/internal/store"
)

// CommitLibrary writes the grabber library to path if it changed.
func (l *Linker) CommitLibrary(tx *store.Tx, path string) error {
	if !l.libraryDirty {
		return nil
	}
	data, err := repository.EncodeGrabbers(l.grabbers)
	if err != nil {
		return err
	}
	if err := tx.WriteFile(path, data); err != nil {
		return fmt.Errorf("writing grabber library: %w", err)
	}
	l.libraryDirty = false
	return nil
}

// CommitReferences rewrites semantic_grabber_id in the marker files that
// hold a rewritten marker. Other records and fields of those files are
// left as they are.
//
// # Outputs
//
//   - []string: The files written, sorted.
//   - error: The first read or write failure. The store scope rolls back
//     every file written so far.
func (l *Linker) CommitReferences(tx *store.Tx) ([]string, error) {
	byFile := make(map[string]map[string]string)
	for markerID, grabberID := range l.rewrites {
		m, ok := l.markers[markerID]
		if !ok || m.SourceFile == "" {
			continue
		}
		if byFile[m.SourceFile] == nil {
			byFile[m.SourceFile] = make(map[string]string)
		}
		byFile[m.SourceFile][markerID] = grabberID
	}

	paths := make([]string, 0, len(byFile))
	for p := range byFile {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var written []string
	for _, path := range paths {
		if err := tx.Context().Err(); err != nil {
			return nil, err
		}
		f, err := repository.ReadFile(path)
		if err != nil {
			return nil, err
		}
		want := byFile[path]
		changed := 0
		for _, rec := range f.Records {
			if gid, ok := want[f.RecordID(rec)]; ok && f.SetScalar(rec, "semantic_grabber_id", gid) {
				changed++
			}
		}
		if changed == 0 {
			continue
		}
		data, err := f.Encode()
		if err != nil {
			return nil, err
		}
		if err := tx.WriteFile(path, data); err != nil {
			return nil, fmt.Errorf("rewriting references in %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}

// Commit persists the library and every reference rewrite in tx.
func (l *Linker) Commit(tx *store.Tx, libraryPath string) ([]string, error) {
	files, err := l.CommitReferences(tx)
	if err != nil {
		return nil, err
	}
	if err := l.CommitLibrary(tx, libraryPath); err != nil {
		return nil, err
	}
	l.rewrites = make(map[string]string)
	return files, nil
}
