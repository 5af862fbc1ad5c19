// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validate

import (
	"errors"
	"fmt"
	"sort"

	"github.com/AleutianAI/markerengine/internal/markers"
	"github.com/AleutianAI/markerengine/internal/repository"
)

// Report is the result of a compliance sweep over a snapshot.
type Report struct {
	MarkersChecked  int                `json:"markers_checked"`
	GrabbersChecked int                `json:"grabbers_checked"`
	ValidMarkers    int                `json:"valid_markers"`
	InvalidMarkers  int                `json:"invalid_markers"`
	Errors          int                `json:"errors"`
	Warnings        int                `json:"warnings"`
	MarkerIssues    map[string][]Issue `json:"marker_issues,omitempty"`
	GrabberIssues   map[string][]Issue `json:"grabber_issues,omitempty"`
	UnusedGrabbers  []string           `json:"unused_grabbers,omitempty"`
}

// OK reports whether the sweep found no errors.
func (r *Report) OK() bool { return r.Errors == 0 }

// InvalidIDs returns the IDs of markers with error issues, sorted.
func (r *Report) InvalidIDs() []string {
	var out []string
	for id, issues := range r.MarkerIssues {
		if HasErrors(issues) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Report) count(issues []Issue) {
	for _, is := range issues {
		if is.Severity == SeverityError {
			r.Errors++
		} else {
			r.Warnings++
		}
	}
}

// DuplicateIssue is the error reported for a marker ID defined more than
// once.
func DuplicateIssue(id, source string) Issue {
	return Issue{
		Severity: SeverityError,
		Code:     CodeDuplicateID,
		Field:    "id",
		Message:  fmt.Sprintf("marker id %s is defined again in %s", id, source),
		MarkerID: id,
	}
}

// ValidateAll validates every marker and grabber of snap against snap.
//
// Grabbers no marker references are reported as warnings. Marker IDs the
// snapshot dropped as duplicates are errors of the marker that kept the
// ID.
func ValidateAll(snap *repository.Snapshot, opts ...Option) *Report {
	v := New(snap, opts...)
	r := &Report{
		MarkerIssues:  make(map[string][]Issue),
		GrabberIssues: make(map[string][]Issue),
	}

	dups := make(map[string][]Issue)
	for _, li := range snap.Issues() {
		if errors.Is(li.Err, repository.ErrDuplicateID) {
			dups[li.MarkerID] = append(dups[li.MarkerID], DuplicateIssue(li.MarkerID, li.Source))
		}
	}

	used := make(map[string]bool)
	for _, m := range snap.Markers() {
		r.MarkersChecked++
		if m.SemanticGrabberID != "" {
			used[m.SemanticGrabberID] = true
		}
		ok, issues := v.Validate(m)
		if d := dups[m.ID]; len(d) > 0 {
			ok = false
			issues = append(issues, d...)
		}
		if ok {
			r.ValidMarkers++
		} else {
			r.InvalidMarkers++
		}
		if len(issues) > 0 {
			r.MarkerIssues[m.ID] = issues
			r.count(issues)
		}
	}

	for _, g := range snap.Grabbers() {
		r.GrabbersChecked++
		_, issues := v.ValidateGrabber(g)
		if !used[g.ID] {
			r.UnusedGrabbers = append(r.UnusedGrabbers, g.ID)
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Code:     CodeGrabberUnused,
				Message:  fmt.Sprintf("grabber %s is not referenced by any marker", g.ID),
			})
		}
		if len(issues) > 0 {
			r.GrabberIssues[g.ID] = issues
			r.count(issues)
		}
	}
	return r
}

// ValidateRecords validates markers against an explicit marker and grabber
// set, used by repair before anything is published.
func ValidateRecords(ms []*markers.Marker, gs map[string]*markers.Grabber, opts ...Option) *Report {
	return ValidateAll(repository.NewSnapshot(ms, gs, nil), opts...)
}
