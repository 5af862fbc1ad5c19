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
	"strings"

	"github.com/AleutianAI/markerengine/internal/markers"
)

// Evidence is what level inference looks at.
type Evidence struct {
	// Declared is the level written in the record, LevelUnknown if absent.
	Declared markers.Level

	// ID is the marker ID or name as written.
	ID string

	ComposedOf   []string
	Category     string
	SemanticTags []string

	// LegacyFields is set when the record used legacy description or
	// scenario fields.
	LegacyFields bool

	// HasIO is set when the record carried an input/output list.
	HasIO bool
}

// Inference is the outcome of InferLevel.
type Inference struct {
	Level  markers.Level
	Reason string

	// Heuristic is true when the level was guessed from content rather
	// than declared or encoded in a canonical ID prefix.
	Heuristic bool
}

// InferLevel determines a marker level.
//
// # Description
//
// Rules, first match wins:
//
//  1. A valid declared level.
//  2. A canonical ID prefix (A_, S_, C_, MM_).
//  3. composed_of entries: level 3.
//  4. A category or a meta-style name (_META suffix, legacy META_
//     prefix): level 4.
//  5. semantic_tags: level 2.
//  6. Legacy description or scenario fields: level 2.
//  7. An input/output list: level 2.
//  8. Otherwise level 1.
//
// Rules 3 to 8 are heuristic and flagged as such so callers can warn.
func InferLevel(e Evidence) Inference {
	if e.Declared.Valid() {
		return Inference{Level: e.Declared, Reason: "declared"}
	}
	id := strings.ToUpper(strings.TrimSpace(e.ID))
	if l := markers.LevelFromID(id); l != markers.LevelUnknown {
		return Inference{Level: l, Reason: "id prefix " + l.Prefix()}
	}

	heuristic := func(l markers.Level, reason string) Inference {
		return Inference{Level: l, Reason: reason, Heuristic: true}
	}
	switch {
	case len(e.ComposedOf) > 0:
		return heuristic(markers.LevelCluster, "has composed_of")
	case strings.TrimSpace(e.Category) != "" || strings.HasSuffix(id, "_META") || strings.HasPrefix(id, "META_"):
		return heuristic(markers.LevelMeta, "has category or meta name")
	case len(e.SemanticTags) > 0:
		return heuristic(markers.LevelSemantic, "has semantic_tags")
	case e.LegacyFields:
		return heuristic(markers.LevelSemantic, "legacy fields")
	case e.HasIO:
		return heuristic(markers.LevelSemantic, "has input/output list")
	default:
		return heuristic(markers.LevelAtomic, "no structural evidence")
	}
}

// EvidenceFor collects inference evidence from a decoded marker.
func EvidenceFor(m *markers.Marker) Evidence {
	e := Evidence{
		Declared:     m.Level,
		ID:           m.ID,
		ComposedOf:   m.ComposedOf,
		Category:     m.Category,
		SemanticTags: m.SemanticTags,
	}
	for _, k := range []string{"input", "output", "inputs", "outputs"} {
		if _, ok := m.Extra[k]; ok {
			e.HasIO = true
		}
	}
	return e
}
