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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/markerengine/internal/markers"
	"github.com/AleutianAI/markerengine/internal/repository"
)

func compliant(id string) *markers.Marker {
	return &markers.Marker{
		ID:          id,
		Level:       markers.LevelFromID(id),
		Description: "description of " + id,
		Examples:    []string{"one", "two", "three", "four", "five"},
		Status:      markers.StatusActive,
	}
}

func codes(issues []Issue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Code
	}
	return out
}

// =============================================================================
// IDs
// =============================================================================

func TestIsMarkerID(t *testing.T) {
	valid := []string{"A_X", "S_EMOTIONAL_DRIFT", "C_LOVE_BOMBING_2", "MM_MANIPULATION"}
	invalid := []string{"", "X_FOO", "M_OLD", "A_", "a_lower", "A_-DASH", "META_X", "A_ä"}
	for _, id := range valid {
		assert.True(t, IsMarkerID(id), id)
	}
	for _, id := range invalid {
		assert.False(t, IsMarkerID(id), id)
	}
}

func TestIsGrabberID(t *testing.T) {
	assert.True(t, IsGrabberID("AUTO_SEM_20250101_AB12"))
	assert.True(t, IsGrabberID("EMOTION_SEM"))
	assert.False(t, IsGrabberID("SGR_EMOTION_01"))
	assert.False(t, IsGrabberID("AUTO_SEM_2025_AB12"))
	assert.False(t, IsGrabberID("auto_sem_20250101_ab12"))
}

// =============================================================================
// Validate
// =============================================================================

func TestValidate_Compliant(t *testing.T) {
	ok, issues := New(nil).Validate(compliant("A_FINE"))
	assert.True(t, ok)
	assert.Empty(t, issues)
}

func TestValidate_Rules(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(m *markers.Marker)
		ok      bool
		code    string
		sev     Severity
		errKind error
	}{
		{"missing description", func(m *markers.Marker) { m.Description = "" }, false, CodeRequired, SeverityError, markers.ErrSchema},
		{"bad id format", func(m *markers.Marker) { m.ID = "M_LEGACY" }, false, CodeIDFormat, SeverityError, markers.ErrSchema},
		{"prefix mismatch", func(m *markers.Marker) { m.Level = markers.LevelSemantic }, false, CodeIDPrefix, SeverityError, markers.ErrSchema},
		{"level out of range", func(m *markers.Marker) { m.Level = 7 }, false, CodeLevel, SeverityError, markers.ErrSchema},
		{"no examples", func(m *markers.Marker) { m.Examples = nil }, false, CodeExamplesMissing, SeverityError, markers.ErrSchema},
		{"few examples", func(m *markers.Marker) { m.Examples = m.Examples[:2] }, true, CodeExamplesFew, SeverityWarning, nil},
		{"placeholders", func(m *markers.Marker) { m.Examples[4] = markers.PlaceholderExamplePrefix + "5" }, true, CodeExamplesGenerated, SeverityWarning, nil},
		{"negative weight", func(m *markers.Marker) { m.Weight = -1 }, false, CodeInvalidValue, SeverityError, markers.ErrSchema},
		{"bad status", func(m *markers.Marker) { m.Status = "retired" }, false, CodeInvalidValue, SeverityError, markers.ErrSchema},
		{"empty pattern", func(m *markers.Marker) { m.Patterns = []markers.Pattern{{Text: ""}} }, false, CodeRequired, SeverityError, markers.ErrSchema},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := compliant("A_RULE")
			tt.mutate(m)
			ok, issues := New(nil).Validate(m)
			assert.Equal(t, tt.ok, ok)
			require.Contains(t, codes(issues), tt.code)
			for _, is := range issues {
				if is.Code != tt.code {
					continue
				}
				assert.Equal(t, tt.sev, is.Severity)
				if tt.errKind != nil {
					assert.ErrorIs(t, is.Err(), tt.errKind)
				} else {
					assert.NoError(t, is.Err())
				}
			}
		})
	}
}

func TestValidate_FieldNamesUseWireNames(t *testing.T) {
	m := compliant("A_X")
	m.Patterns = []markers.Pattern{{Text: "ok"}, {Text: ""}}
	_, issues := New(nil).Validate(m)
	require.Len(t, issues, 1)
	assert.Equal(t, "patterns[1].text", issues[0].Field)
}

func TestValidate_LevelRequirements(t *testing.T) {
	cluster := compliant("C_COMBO")
	ok, issues := New(nil).Validate(cluster)
	assert.False(t, ok)
	assert.Contains(t, codes(issues), CodeComposedMissing)

	meta := compliant("MM_TOP")
	ok, issues = New(nil).Validate(meta)
	assert.False(t, ok)
	assert.Contains(t, codes(issues), CodeCategoryMissing)

	meta.Category = "manipulation"
	ok, _ = New(nil).Validate(meta)
	assert.True(t, ok)
}

func TestValidate_References(t *testing.T) {
	atomic := compliant("A_PART")
	semantic := compliant("S_PART")
	other := compliant("C_OTHER")
	other.ComposedOf = []string{"A_PART"}
	snap := repository.NewSnapshot([]*markers.Marker{atomic, semantic, other}, map[string]*markers.Grabber{
		"EMOTION_SEM": {ID: "EMOTION_SEM", Description: "e", Patterns: []string{"x"}},
	}, nil)
	v := New(snap)

	cluster := compliant("C_COMBO")
	cluster.ComposedOf = []string{"A_PART", "S_PART"}
	cluster.SemanticGrabberID = "EMOTION_SEM"
	ok, issues := v.Validate(cluster)
	assert.True(t, ok, "%v", issues)

	cluster.ComposedOf = []string{"A_PART", "A_GONE", "C_OTHER"}
	cluster.SemanticGrabberID = "MISSING_SEM"
	ok, issues = v.Validate(cluster)
	assert.False(t, ok)
	assert.ElementsMatch(t, []string{CodeComposedDangling, CodeComposedLevel, CodeGrabberDangling}, codes(issues))

	for _, is := range issues {
		if is.Code == CodeGrabberDangling {
			var re *markers.ReferenceError
			require.True(t, errors.As(is.Err(), &re))
			assert.Equal(t, "MISSING_SEM", re.Target)
		}
	}

	ok, _ = New(snap, WithoutReferences()).Validate(cluster)
	assert.True(t, ok)
}

func TestValidateGrabber(t *testing.T) {
	ok, issues := New(nil).ValidateGrabber(&markers.Grabber{ID: "AUTO_SEM_20250101_AB12", Description: "d", Patterns: []string{"p"}})
	assert.True(t, ok)
	assert.Empty(t, issues)

	ok, issues = New(nil).ValidateGrabber(&markers.Grabber{ID: "SGR_X_01"})
	assert.False(t, ok)
	assert.ElementsMatch(t, []string{CodeIDFormat, CodeRequired, CodeInvalidValue}, codes(issues))
}

func TestErrors_Joins(t *testing.T) {
	issues := []Issue{
		{Severity: SeverityError, Code: CodeRequired, Field: "description", MarkerID: "A_X"},
		{Severity: SeverityWarning, Code: CodeExamplesFew},
		{Severity: SeverityError, Code: CodeGrabberDangling, Field: "semantic_grabber_id", MarkerID: "A_X", Target: "G_SEM"},
	}
	err := Errors(issues)
	assert.ErrorIs(t, err, markers.ErrSchema)
	assert.ErrorIs(t, err, markers.ErrReference)
	assert.NoError(t, Errors(issues[1:2]))
}

// =============================================================================
// Level inference
// =============================================================================

func TestInferLevel(t *testing.T) {
	tests := []struct {
		name      string
		ev        Evidence
		want      markers.Level
		heuristic bool
	}{
		{"declared wins", Evidence{Declared: markers.LevelAtomic, ComposedOf: []string{"A_X"}}, markers.LevelAtomic, false},
		{"id prefix", Evidence{ID: "mm_top"}, markers.LevelMeta, false},
		{"composed_of", Evidence{ID: "COMBO", ComposedOf: []string{"A_X"}, Category: "c"}, markers.LevelCluster, true},
		{"category", Evidence{ID: "THING", Category: "manipulation", SemanticTags: []string{"t"}}, markers.LevelMeta, true},
		{"meta suffix", Evidence{ID: "MANIPULATION_META"}, markers.LevelMeta, true},
		{"legacy meta prefix", Evidence{ID: "META_MANIPULATION"}, markers.LevelMeta, true},
		{"semantic tags", Evidence{ID: "THING", SemanticTags: []string{"t"}, LegacyFields: true}, markers.LevelSemantic, true},
		{"legacy fields", Evidence{ID: "OLD_MARKER", LegacyFields: true}, markers.LevelSemantic, true},
		{"io list", Evidence{ID: "THING", HasIO: true}, markers.LevelSemantic, true},
		{"fallback", Evidence{ID: "THING"}, markers.LevelAtomic, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InferLevel(tt.ev)
			assert.Equal(t, tt.want, got.Level)
			assert.Equal(t, tt.heuristic, got.Heuristic)
			assert.NotEmpty(t, got.Reason)
		})
	}
}

func TestEvidenceFor(t *testing.T) {
	m := &markers.Marker{ID: "THING", Extra: map[string]any{"output": []any{"x"}}}
	assert.True(t, EvidenceFor(m).HasIO)
	assert.Equal(t, markers.LevelSemantic, InferLevel(EvidenceFor(m)).Level)
}

// =============================================================================
// ValidateAll
// =============================================================================

func TestValidateAll(t *testing.T) {
	good := compliant("A_GOOD")
	good.SemanticGrabberID = "USED_SEM"
	bad := compliant("A_BAD")
	bad.SemanticGrabberID = "GONE_SEM"
	few := compliant("A_FEW")
	few.Examples = few.Examples[:1]

	snap := repository.NewSnapshot([]*markers.Marker{good, bad, few}, map[string]*markers.Grabber{
		"USED_SEM":   {ID: "USED_SEM", Description: "u", Patterns: []string{"x"}},
		"UNUSED_SEM": {ID: "UNUSED_SEM", Description: "n", Patterns: []string{"y"}},
	}, nil)

	r := ValidateAll(snap)
	assert.Equal(t, 3, r.MarkersChecked)
	assert.Equal(t, 2, r.GrabbersChecked)
	assert.Equal(t, 2, r.ValidMarkers)
	assert.Equal(t, 1, r.InvalidMarkers)
	assert.Equal(t, 1, r.Errors)
	assert.Equal(t, 2, r.Warnings)
	assert.Equal(t, []string{"UNUSED_SEM"}, r.UnusedGrabbers)
	assert.Equal(t, []string{"A_BAD"}, r.InvalidIDs())
	assert.False(t, r.OK())
}

func TestValidateAll_DuplicateIDs(t *testing.T) {
	first := compliant("A_SAME")
	first.SourceFile = "a.yaml"
	second := compliant("A_SAME")
	second.SourceFile = "b.yaml"

	snap := repository.NewSnapshot([]*markers.Marker{first, second}, nil, nil)
	require.Len(t, snap.Issues(), 1)

	r := ValidateAll(snap)
	assert.False(t, r.OK())
	assert.Equal(t, 1, r.MarkersChecked)
	assert.Equal(t, 1, r.InvalidMarkers)
	assert.Contains(t, codes(r.MarkerIssues["A_SAME"]), CodeDuplicateID)
	for _, is := range r.MarkerIssues["A_SAME"] {
		if is.Code == CodeDuplicateID {
			assert.Equal(t, SeverityError, is.Severity)
			assert.Contains(t, is.Message, "b.yaml")
		}
	}
}
