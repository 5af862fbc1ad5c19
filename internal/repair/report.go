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
	"fmt"

	"github.com/AleutianAI/markerengine/internal/markers"
	"github.com/AleutianAI/markerengine/internal/validate"
)

// ChangeKind classifies one field change.
type ChangeKind string

const (
	ChangeAdded     ChangeKind = "added"
	ChangeRemoved   ChangeKind = "removed"
	ChangeModified  ChangeKind = "modified"
	ChangePreserved ChangeKind = "preserved"
)

// FieldChange records what a stage did to one field.
type FieldChange struct {
	Field  string     `json:"field"`
	Kind   ChangeKind `json:"kind"`
	Stage  StageKind  `json:"stage"`
	Reason string     `json:"reason"`
	Old    any        `json:"old,omitempty"`
	New    any        `json:"new,omitempty"`
}

func (c FieldChange) String() string {
	return fmt.Sprintf("%s %s [%s]: %s", c.Field, c.Kind, c.Stage, c.Reason)
}

// SyntaxOutcome describes how the text of a record was read.
type SyntaxOutcome string

const (
	// SyntaxClean means the text parsed as written.
	SyntaxClean SyntaxOutcome = "clean"

	// SyntaxFixed means the text parsed after the syntax fixes.
	SyntaxFixed SyntaxOutcome = "fixed"

	// SyntaxMinimal means the text never parsed and the record was
	// synthesized from example-like lines.
	SyntaxMinimal SyntaxOutcome = "minimal"
)

// ChangeReport describes the repair of one record.
type ChangeReport struct {
	Source     string `json:"source,omitempty"`
	Index      int    `json:"index"`
	MarkerID   string `json:"marker_id"`
	OriginalID string `json:"original_id,omitempty"`

	Level          markers.Level `json:"level"`
	LevelReason    string        `json:"level_reason,omitempty"`
	LevelHeuristic bool          `json:"level_heuristic,omitempty"`

	// Syntax is set when the record came from text.
	Syntax SyntaxOutcome `json:"syntax,omitempty"`

	// StringObject is set when the record was a bare string.
	StringObject bool `json:"string_object,omitempty"`

	Changes    []FieldChange    `json:"changes,omitempty"`
	Warnings   []string         `json:"warnings,omitempty"`
	Unresolved []validate.Issue `json:"unresolved,omitempty"`
	Skipped    []StageKind      `json:"skipped_stages,omitempty"`
}

// Empty reports whether repair left the record as it was. Preserved
// passthrough fields and warnings do not count as changes.
func (r *ChangeReport) Empty() bool {
	if r.Syntax == SyntaxFixed || r.Syntax == SyntaxMinimal {
		return false
	}
	for _, c := range r.Changes {
		if c.Kind != ChangePreserved {
			return false
		}
	}
	return true
}

// Modified returns every change except preserved fields.
func (r *ChangeReport) Modified() []FieldChange {
	var out []FieldChange
	for _, c := range r.Changes {
		if c.Kind != ChangePreserved {
			out = append(out, c)
		}
	}
	return out
}

// Renamed reports whether the marker ID changed.
func (r *ChangeReport) Renamed() bool {
	return r.OriginalID != "" && r.OriginalID != r.MarkerID
}

// Resolved reports whether the repaired record validates.
func (r *ChangeReport) Resolved() bool { return len(r.Unresolved) == 0 }

// Changed reports whether field was changed by stage.
func (r *ChangeReport) Changed(field string, stage StageKind) bool {
	for _, c := range r.Changes {
		if c.Field == field && c.Stage == stage && c.Kind != ChangePreserved {
			return true
		}
	}
	return false
}

func (r *ChangeReport) add(c FieldChange) {
	r.Changes = append(r.Changes, c)
}

func (r *ChangeReport) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// finish drops preserved entries from reports with no real change, so a
// compliant record yields an empty report.
func (r *ChangeReport) finish() {
	if r.Empty() {
		r.Changes = nil
	}
}
