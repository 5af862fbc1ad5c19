// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package markers defines the marker data model shared by the matching,
// scoring, validation and repair packages.
//
// # Entities
//
//   - Marker: a named, leveled definition of a detectable communication pattern.
//   - Grabber: a shared cluster of exemplar strings referenced by markers.
//   - Match: one confidence-scored occurrence of a marker in a text.
//
// Markers and grabbers held by a repository snapshot are treated as
// immutable. Callers that need to change a record must Clone it first.
package markers

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Levels
// =============================================================================

// Level is the position of a marker in the marker hierarchy.
type Level int

const (
	// LevelUnknown means the level was not declared and not yet inferred.
	LevelUnknown Level = 0

	// LevelAtomic is a single literal or regex cue.
	LevelAtomic Level = 1

	// LevelSemantic is a tagged cluster of cues.
	LevelSemantic Level = 2

	// LevelCluster is composed of lower-level markers.
	LevelCluster Level = 3

	// LevelMeta is a top-level categorical marker.
	LevelMeta Level = 4
)

// levelPrefixes maps each level to its ID prefix.
var levelPrefixes = map[Level]string{
	LevelAtomic:   "A_",
	LevelSemantic: "S_",
	LevelCluster:  "C_",
	LevelMeta:     "MM_",
}

// LegacyPrefixes are ID prefixes written by older tooling. They are
// recognized when deriving IDs and rewritten to the canonical prefix.
// Longer prefixes come first so stripping is unambiguous.
var LegacyPrefixes = []string{"META_", "MM_", "A_", "S_", "C_", "M_"}

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelAtomic:
		return "atomic"
	case LevelSemantic:
		return "semantic"
	case LevelCluster:
		return "cluster"
	case LevelMeta:
		return "meta"
	default:
		return "unknown"
	}
}

// Prefix returns the ID prefix for the level, or "" for LevelUnknown.
func (l Level) Prefix() string {
	return levelPrefixes[l]
}

// Valid reports whether l is one of the four defined levels.
func (l Level) Valid() bool {
	return l >= LevelAtomic && l <= LevelMeta
}

// LevelFromID returns the level encoded in an ID prefix, or LevelUnknown.
func LevelFromID(id string) Level {
	for _, l := range []Level{LevelMeta, LevelAtomic, LevelSemantic, LevelCluster} {
		if strings.HasPrefix(id, l.Prefix()) {
			return l
		}
	}
	return LevelUnknown
}

// ParseLevel converts loosely-typed level values found in marker files.
//
// # Description
//
// Accepts integers (2), numeric strings ("2"), level names ("semantic")
// and "level_2" style strings. Anything else yields (LevelUnknown, false).
func ParseLevel(v any) (Level, bool) {
	switch t := v.(type) {
	case Level:
		return t, t.Valid()
	case int:
		l := Level(t)
		return l, l.Valid()
	case int64:
		l := Level(t)
		return l, l.Valid()
	case float64:
		if t != float64(int(t)) {
			return LevelUnknown, false
		}
		l := Level(int(t))
		return l, l.Valid()
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		s = strings.TrimPrefix(s, "level_")
		s = strings.TrimPrefix(s, "level")
		s = strings.TrimSpace(s)
		switch s {
		case "atomic":
			return LevelAtomic, true
		case "semantic":
			return LevelSemantic, true
		case "cluster":
			return LevelCluster, true
		case "meta", "meta_marker":
			return LevelMeta, true
		}
		if n, err := strconv.Atoi(s); err == nil {
			l := Level(n)
			return l, l.Valid()
		}
	}
	return LevelUnknown, false
}

// UnmarshalYAML accepts every form understood by ParseLevel.
func (l *Level) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, ok := ParseLevel(raw)
	if !ok {
		return fmt.Errorf("invalid marker level %q", value.Value)
	}
	*l = parsed
	return nil
}

// =============================================================================
// Status
// =============================================================================

// Status is the lifecycle state of a marker.
//
// DRAFT -> ACTIVE happens on successful validation. ACTIVE -> INACTIVE only
// happens by explicit deprecation. INVALID marks a record that failed
// validation and could not be repaired.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusInvalid  Status = "invalid"
)

// =============================================================================
// Patterns
// =============================================================================

// PatternType identifies the strategy that produced a match.
type PatternType string

const (
	PatternExact    PatternType = "exact"
	PatternRegex    PatternType = "regex"
	PatternFuzzy    PatternType = "fuzzy"
	PatternSemantic PatternType = "semantic"
)

// Pattern is one declared pattern of a marker.
//
// In marker files a pattern may be written as a plain string, which is
// treated as a case-insensitive keyword.
type Pattern struct {
	Text           string   `yaml:"text" json:"text" validate:"required"`
	IsRegex        bool     `yaml:"is_regex,omitempty" json:"is_regex,omitempty"`
	CaseSensitive  bool     `yaml:"case_sensitive,omitempty" json:"case_sensitive,omitempty"`
	FuzzyThreshold *float64 `yaml:"fuzzy_threshold,omitempty" json:"fuzzy_threshold,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// UnmarshalYAML accepts either a scalar keyword or a full pattern mapping.
func (p *Pattern) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		p.Text = value.Value
		return nil
	}
	type plain Pattern
	var decoded plain
	if err := value.Decode(&decoded); err != nil {
		return err
	}
	*p = Pattern(decoded)
	return nil
}

// =============================================================================
// Marker
// =============================================================================

// PlaceholderExamplePrefix marks examples synthesized to satisfy the minimum
// example count. Placeholders never participate in matching.
const PlaceholderExamplePrefix = "AUTO_GENERATED_EXAMPLE_"

// TagNeedsReview is added to markers whose examples were padded.
const TagNeedsReview = "needs_review"

// Marker is a marker definition.
type Marker struct {
	ID                string         `yaml:"id" json:"id" validate:"required,markerid"`
	Level             Level          `yaml:"level" json:"level" validate:"min=1,max=4"`
	Category          string         `yaml:"category,omitempty" json:"category,omitempty"`
	Description       string         `yaml:"description" json:"description" validate:"required"`
	Weight            float64        `yaml:"risk_score,omitempty" json:"risk_score,omitempty" validate:"gte=0"`
	Examples          []string       `yaml:"examples" json:"examples"`
	Patterns          []Pattern      `yaml:"patterns,omitempty" json:"patterns,omitempty" validate:"dive"`
	SemanticGrabberID string         `yaml:"semantic_grabber_id,omitempty" json:"semantic_grabber_id,omitempty"`
	Tags              []string       `yaml:"tags,omitempty" json:"tags,omitempty"`
	SemanticTags      []string       `yaml:"semantic_tags,omitempty" json:"semantic_tags,omitempty"`
	ComposedOf        []string       `yaml:"composed_of,omitempty" json:"composed_of,omitempty"`
	Status            Status         `yaml:"status,omitempty" json:"status,omitempty" validate:"omitempty,oneof=draft active inactive invalid"`
	Extra             map[string]any `yaml:",inline" json:"extra,omitempty"`

	// SourceFile is the file the marker was loaded from. Not serialized.
	SourceFile string `yaml:"-" json:"-"`
}

// IsActive reports whether the marker participates in detection.
// Only explicitly deprecated markers are excluded.
func (m *Marker) IsActive() bool {
	return m.Status != StatusInactive
}

// EffectiveWeight returns the marker's risk weight, defaulting to 1.
func (m *Marker) EffectiveWeight() float64 {
	if m.Weight <= 0 {
		return 1
	}
	return m.Weight
}

// LiteralExamples returns the examples usable for matching.
func (m *Marker) LiteralExamples() []string {
	out := make([]string, 0, len(m.Examples))
	for _, ex := range m.Examples {
		if IsPlaceholderExample(ex) || strings.TrimSpace(ex) == "" {
			continue
		}
		out = append(out, ex)
	}
	return out
}

// HasTag reports whether tag is in Tags.
func (m *Marker) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the marker.
func (m *Marker) Clone() *Marker {
	if m == nil {
		return nil
	}
	c := *m
	c.Examples = cloneStrings(m.Examples)
	c.Tags = cloneStrings(m.Tags)
	c.SemanticTags = cloneStrings(m.SemanticTags)
	c.ComposedOf = cloneStrings(m.ComposedOf)
	if m.Patterns != nil {
		c.Patterns = make([]Pattern, len(m.Patterns))
		for i, p := range m.Patterns {
			c.Patterns[i] = p
			if p.FuzzyThreshold != nil {
				v := *p.FuzzyThreshold
				c.Patterns[i].FuzzyThreshold = &v
			}
		}
	}
	if m.Extra != nil {
		c.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// IsPlaceholderExample reports whether ex was synthesized by repair.
func IsPlaceholderExample(ex string) bool {
	return strings.HasPrefix(ex, PlaceholderExamplePrefix)
}

// =============================================================================
// Grabber
// =============================================================================

// Grabber is a reusable cluster of example strings shared by markers.
//
// The ID is the key in the grabber library file and is not repeated inside
// the record.
type Grabber struct {
	ID            string   `yaml:"-" json:"id" validate:"required,grabberid"`
	Description   string   `yaml:"description" json:"description" validate:"required"`
	Patterns      []string `yaml:"patterns" json:"patterns" validate:"min=1"`
	CreatedFrom   string   `yaml:"created_from,omitempty" json:"created_from,omitempty"`
	CreatedAt     string   `yaml:"created_at,omitempty" json:"created_at,omitempty"`
	MigratedFrom  string   `yaml:"migrated_from,omitempty" json:"migrated_from,omitempty"`
	MigrationDate string   `yaml:"migration_date,omitempty" json:"migration_date,omitempty"`
	AutoGenerated bool     `yaml:"auto_generated,omitempty" json:"auto_generated,omitempty"`
	MergedFrom    []string `yaml:"merged_from,omitempty" json:"merged_from,omitempty"`
}

// Clone returns a deep copy of the grabber.
func (g *Grabber) Clone() *Grabber {
	if g == nil {
		return nil
	}
	c := *g
	c.Patterns = cloneStrings(g.Patterns)
	c.MergedFrom = cloneStrings(g.MergedFrom)
	return &c
}

// =============================================================================
// Match
// =============================================================================

// Span is a half-open byte range [Start, End) into the analyzed text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Overlaps reports whether two spans share at least one byte.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Len returns the span length in bytes.
func (s Span) Len() int {
	return s.End - s.Start
}

// Match is one occurrence of a marker in a text.
type Match struct {
	MarkerID    string      `json:"marker_id"`
	MatchedText string      `json:"matched_text"`
	Span        Span        `json:"span"`
	Confidence  float64     `json:"confidence"`
	PatternType PatternType `json:"pattern_type"`
	Context     string      `json:"context"`
	Weight      float64     `json:"weight"`
	Category    string      `json:"category,omitempty"`
	Pattern     string      `json:"pattern,omitempty"`
}

// SortMatches orders matches by position, then marker ID.
func SortMatches(ms []Match) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Span.Start != ms[j].Span.Start {
			return ms[i].Span.Start < ms[j].Span.Start
		}
		return ms[i].MarkerID < ms[j].MarkerID
	})
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
