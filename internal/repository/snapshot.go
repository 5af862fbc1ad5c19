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
	"sort"
	"time"

	"github.com/AleutianAI/markerengine/internal/markers"
)

// Snapshot is an immutable view of the marker library.
//
// # Thread Safety
//
// A Snapshot is never modified after construction and may be shared by any
// number of goroutines. The records it returns must not be mutated; use
// Clone to obtain an editable copy.
type Snapshot struct {
	markers  map[string]*markers.Marker
	ids      []string
	grabbers map[string]*markers.Grabber
	gids     []string
	issues   []LoadIssue
	loadedAt time.Time
}

// NewSnapshot builds a snapshot from records. Later duplicates of an ID are
// dropped and reported as issues.
func NewSnapshot(ms []*markers.Marker, gs map[string]*markers.Grabber, issues []LoadIssue) *Snapshot {
	s := &Snapshot{
		markers:  make(map[string]*markers.Marker, len(ms)),
		grabbers: make(map[string]*markers.Grabber, len(gs)),
		issues:   append([]LoadIssue(nil), issues...),
		loadedAt: time.Now(),
	}
	for _, m := range ms {
		if prev, dup := s.markers[m.ID]; dup {
			s.issues = append(s.issues, LoadIssue{
				Source:   m.SourceFile,
				MarkerID: m.ID,
				Reason:   "duplicate marker id, first defined in " + prev.SourceFile,
				Err:      ErrDuplicateID,
			})
			continue
		}
		s.markers[m.ID] = m
		s.ids = append(s.ids, m.ID)
	}
	sort.Strings(s.ids)
	for id, g := range gs {
		s.grabbers[id] = g
		s.gids = append(s.gids, id)
	}
	sort.Strings(s.gids)
	return s
}

// Marker returns the marker with the given ID.
func (s *Snapshot) Marker(id string) (*markers.Marker, bool) {
	m, ok := s.markers[id]
	return m, ok
}

// Grabber returns the grabber with the given ID.
func (s *Snapshot) Grabber(id string) (*markers.Grabber, bool) {
	g, ok := s.grabbers[id]
	return g, ok
}

// Markers returns all markers ordered by ID.
func (s *Snapshot) Markers() []*markers.Marker {
	out := make([]*markers.Marker, len(s.ids))
	for i, id := range s.ids {
		out[i] = s.markers[id]
	}
	return out
}

// Grabbers returns all grabbers ordered by ID.
func (s *Snapshot) Grabbers() []*markers.Grabber {
	out := make([]*markers.Grabber, len(s.gids))
	for i, id := range s.gids {
		out[i] = s.grabbers[id]
	}
	return out
}

// GrabberMap returns a shallow copy of the grabber index.
func (s *Snapshot) GrabberMap() map[string]*markers.Grabber {
	out := make(map[string]*markers.Grabber, len(s.grabbers))
	for k, v := range s.grabbers {
		out[k] = v
	}
	return out
}

// Active returns the active markers, optionally restricted to categories.
// Category comparison is exact; an empty list means every category.
func (s *Snapshot) Active(categories ...string) []*markers.Marker {
	var allow map[string]bool
	if len(categories) > 0 {
		allow = make(map[string]bool, len(categories))
		for _, c := range categories {
			allow[c] = true
		}
	}
	out := make([]*markers.Marker, 0, len(s.ids))
	for _, id := range s.ids {
		m := s.markers[id]
		if !m.IsActive() {
			continue
		}
		if allow != nil && !allow[m.Category] {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Categories returns the distinct marker categories, sorted.
func (s *Snapshot) Categories() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range s.markers {
		if m.Category != "" && !seen[m.Category] {
			seen[m.Category] = true
			out = append(out, m.Category)
		}
	}
	sort.Strings(out)
	return out
}

// MarkerCount returns the number of markers.
func (s *Snapshot) MarkerCount() int { return len(s.ids) }

// GrabberCount returns the number of grabbers.
func (s *Snapshot) GrabberCount() int { return len(s.gids) }

// Issues returns records that could not be loaded.
func (s *Snapshot) Issues() []LoadIssue {
	return append([]LoadIssue(nil), s.issues...)
}

// LoadedAt returns the time the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }
