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
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/markerengine/internal/grabbers"
	"github.com/AleutianAI/markerengine/internal/markers"
	"github.com/AleutianAI/markerengine/internal/validate"
)

// DescriptionPlaceholder prefixes descriptions synthesized for records
// that carry none.
const DescriptionPlaceholder = "Automatically generated description for "

const (
	sentenceDescriptionMin = 50
	sentenceMin            = 20
	maxSentenceExamples    = 3
)

var (
	umlauts = strings.NewReplacer(
		"ä", "AE", "ö", "OE", "ü", "UE",
		"Ä", "AE", "Ö", "OE", "Ü", "UE",
		"ß", "SS", "ẞ", "SS",
	)
	nonIDChars    = regexp.MustCompile(`[^A-Z0-9]+`)
	sentenceBreak = regexp.MustCompile(`[.!?]+`)
)

// descriptionFallbacks are record fields that stand in for a missing
// description, in order.
var descriptionFallbacks = []string{"dynamik_absicht", "psychologischer_hintergrund"}

// DeriveID builds the canonical ID for a marker named name at level.
//
// # Description
//
// The name is uppercased with umlauts transliterated, every run of
// characters outside [A-Z0-9] becomes one underscore, one legacy prefix
// and any _MARKER suffixes are stripped, and the level prefix is added.
// An empty name yields UNNAMED_ plus a suffix derived from seed.
//
// DeriveID is idempotent: DeriveID(DeriveID(n, l), l) == DeriveID(n, l).
func DeriveID(name string, level markers.Level, seed string) string {
	s := strings.ToUpper(umlauts.Replace(name))
	s = strings.Trim(nonIDChars.ReplaceAllString(s, "_"), "_")
	for _, p := range markers.LegacyPrefixes {
		if strings.HasPrefix(s, p) && len(s) > len(p) {
			s = s[len(p):]
			break
		}
	}
	for strings.HasSuffix(s, "_MARKER") {
		s = strings.TrimSuffix(s, "_MARKER")
	}
	s = strings.Trim(s, "_")
	if s == "" {
		s = "UNNAMED_" + grabbers.DeterministicSuffix(seed)
	}
	return level.Prefix() + s
}

// derive fills what the record still lacks.
func (st *state) derive() {
	m := st.marker
	o := st.e.opts

	if m.Level.Valid() && !(validate.IsMarkerID(m.ID) && markers.LevelFromID(m.ID) == m.Level) {
		old := m.ID
		name := m.ID
		if name == "" {
			name = st.fallbackName()
		}
		m.ID = DeriveID(name, m.Level, st.source+"#"+fmt.Sprint(st.index)+"#"+m.Description)
		if m.ID != old {
			st.report.OriginalID = old
			st.change(StageDerive, "id", kindFor(old == "", false), "derived level-prefixed id", old, m.ID)
		}
	}

	if m.SemanticGrabberID == "" && m.ID != "" {
		m.SemanticGrabberID = grabbers.NewID(o.Clock(), o.IDSource(m.ID))
		st.change(StageDerive, "semantic_grabber_id", ChangeAdded, "generated grabber reference", nil, m.SemanticGrabberID)
	}

	if strings.TrimSpace(m.Description) == "" {
		old := m.Description
		for _, k := range descriptionFallbacks {
			if s := asString(st.record[k]); s != "" {
				m.Description = s
				st.change(StageDerive, "description", kindFor(old == "", false), "taken from "+k, old, s)
				break
			}
		}
		if strings.TrimSpace(m.Description) == "" {
			m.Description = DescriptionPlaceholder + m.ID
			st.change(StageDerive, "description", kindFor(old == "", false), "placeholder description", old, m.Description)
			st.report.warn("description is a placeholder")
		}
	}

	if len(m.Examples) == 0 && !strings.HasPrefix(m.Description, DescriptionPlaceholder) {
		if ex := sentences(m.Description); len(ex) > 0 {
			m.Examples = ex
			st.change(StageDerive, "examples", ChangeAdded, "taken from description sentences", nil, ex)
		}
	}

	if n := len(m.Examples); n < o.MinExamples {
		old := append([]string(nil), m.Examples...)
		for len(m.Examples) < o.MinExamples {
			m.Examples = append(m.Examples, fmt.Sprintf("%s%d", markers.PlaceholderExamplePrefix, len(m.Examples)+1))
		}
		st.change(StageDerive, "examples", kindFor(n == 0, false), "padded with placeholders", old, m.Examples)
		st.report.warn("padded examples with %d placeholders, needs review", o.MinExamples-n)
	}
	if len(m.Examples) > o.MaxExamples {
		old := m.Examples
		m.Examples = append([]string(nil), m.Examples[:o.MaxExamples]...)
		st.change(StageDerive, "examples", ChangeModified, fmt.Sprintf("capped at %d", o.MaxExamples), old, m.Examples)
		st.report.warn("dropped %d examples over the cap of %d", len(old)-o.MaxExamples, o.MaxExamples)
	}

	if hasPlaceholder(m.Examples) && !m.HasTag(markers.TagNeedsReview) {
		old := append([]string(nil), m.Tags...)
		m.Tags = append(m.Tags, markers.TagNeedsReview)
		st.change(StageDerive, "tags", kindFor(len(old) == 0, false), "examples need review", old, m.Tags)
	}
}

// fallbackName names a record without an ID after its file.
func (st *state) fallbackName() string {
	stem := sourceStem(st.source)
	if stem == "" || st.count <= 1 {
		return stem
	}
	return fmt.Sprintf("%s_%d", stem, st.index+1)
}

// sentences splits a long description into example sentences.
func sentences(desc string) []string {
	if utf8.RuneCountInString(desc) <= sentenceDescriptionMin {
		return nil
	}
	var out []string
	for _, part := range sentenceBreak.Split(desc, -1) {
		part = strings.TrimSpace(part)
		if utf8.RuneCountInString(part) <= sentenceMin {
			continue
		}
		out = append(out, part)
		if len(out) == maxSentenceExamples {
			break
		}
	}
	return out
}

func hasPlaceholder(examples []string) bool {
	for _, ex := range examples {
		if markers.IsPlaceholderExample(ex) {
			return true
		}
	}
	return false
}
