// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scoring

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/markerengine/internal/markers"
)

const standardSchema = `
schema_info:
  name: relationship
  version: "1.0"
marker_config:
  manipulation:
    - id: A_GASLIGHTING
      scoring_weight: 3
    - id: A_GUILT_TRIP
      scoring.weight: 2
  drift:
    - id: S_DRIFT
      scoring:
        weight: 0.5
    - id: A_GASLIGHTING
detector_config:
  enabled_detectors: [atomic, cluster]
scoring_config:
  risk_thresholds:
    red: [11, .inf]
    green: [0, 1]
    blinking: [6, 10]
    yellow: [2, 5]
`

// =============================================================================
// Schema loading
// =============================================================================

func TestParseSchema_Standard(t *testing.T) {
	s, err := ParseSchema("std.yaml", []byte(standardSchema))
	require.NoError(t, err)

	assert.Equal(t, "relationship", s.Name)
	assert.Equal(t, "1.0", s.Version)
	assert.Equal(t, []string{"atomic", "cluster"}, s.EnabledDetectors)
	assert.Equal(t, 3.0, s.Weight("A_GASLIGHTING"))
	assert.Equal(t, 2.0, s.Weight("A_GUILT_TRIP"))
	assert.Equal(t, 0.5, s.Weight("S_DRIFT"))
	assert.Equal(t, 1.0, s.Weight("A_UNLISTED"))
	assert.Equal(t, []string{"S_DRIFT", "A_GASLIGHTING", "A_GUILT_TRIP"}, s.MarkerIDs)

	labels := make([]string, len(s.Buckets))
	for i, b := range s.Buckets {
		labels[i] = b.Label
	}
	assert.Equal(t, []string{"green", "yellow", "blinking", "red"}, labels)
	assert.True(t, math.IsInf(s.Buckets[3].Max, 1))
	assert.Equal(t, "#FFA500", s.Buckets[2].Color)
}

func TestParseSchema_OpenTopBound(t *testing.T) {
	for _, top := range []string{"[11, .inf]", `[11, "inf"]`, "[11, null]", "[11]", "{min: 11}", "{min: 11, max: inf, color: '#123456'}"} {
		t.Run(top, func(t *testing.T) {
			doc := "scoring_config:\n  risk_thresholds:\n    low: [0, 10]\n    high: " + top + "\n"
			s, err := ParseSchema("t.yaml", []byte(doc))
			require.NoError(t, err)
			require.Len(t, s.Buckets, 2)
			assert.True(t, math.IsInf(s.Buckets[1].Max, 1))
		})
	}
}

func TestParseSchema_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"malformed yaml", "scoring_config: [unclosed\n"},
		{"empty", ""},
		{"not a mapping", "just a string\n"},
		{"threshold is a string", "scoring_config:\n  risk_thresholds:\n    green: low\n"},
		{"negative weight", "marker_config:\n  c:\n    - id: A_X\n      scoring_weight: -1\n"},
		{"missing marker id", "marker_config:\n  c:\n    - scoring_weight: 1\n"},
		{"overlap", "scoring_config:\n  risk_thresholds:\n    green: [0, 3]\n    yellow: [2, 5]\n"},
		{"gap", "scoring_config:\n  risk_thresholds:\n    green: [0, 1]\n    yellow: [4, 5]\n"},
		{"does not start at zero", "scoring_config:\n  risk_thresholds:\n    green: [1, 3]\n    yellow: [4, 5]\n"},
		{"unbounded middle", "scoring_config:\n  risk_thresholds:\n    green: [0, .inf]\n    yellow: [4, 5]\n"},
		{"max below min", "scoring_config:\n  risk_thresholds:\n    green: [0, 1]\n    yellow: [2, 1]\n"},
		{"bad max", "scoring_config:\n  risk_thresholds:\n    green: [0, lots]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSchema("bad.yaml", []byte(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, markers.ErrConfig)
			var ce *markers.ConfigError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, "bad.yaml", ce.Source)
		})
	}
}

func TestParseSchema_DefaultsWithoutThresholds(t *testing.T) {
	s, err := ParseSchema("t.yaml", []byte("schema_info:\n  name: bare\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultSchema().Buckets, s.Buckets)
	assert.Equal(t, []string{"atomic", "cluster"}, s.EnabledDetectors)
}

func TestLoadSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(standardSchema), 0644))

	s, err := LoadSchema(path)
	require.NoError(t, err)
	assert.Len(t, s.Buckets, 4)

	_, err = LoadSchema(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, markers.ErrConfig)
}

// =============================================================================
// Buckets
// =============================================================================

func TestBucket_Partition(t *testing.T) {
	schemas := []*Schema{DefaultSchema()}
	s, err := ParseSchema("std.yaml", []byte(standardSchema))
	require.NoError(t, err)
	schemas = append(schemas, s)

	for _, sc := range schemas {
		labels := make(map[string]bool)
		for _, b := range sc.Buckets {
			labels[b.Label] = true
		}
		for score := -2.0; score <= 40; score += 0.25 {
			b := sc.Bucket(score)
			assert.True(t, labels[b.Label], "score %v must land in a bucket", score)
		}
	}
}

func TestBucket_Boundaries(t *testing.T) {
	s := DefaultSchema()
	tests := []struct {
		score float64
		want  string
	}{
		{0, "green"},
		{1, "green"},
		{1.5, "green"},
		{2, "yellow"},
		{5.5, "yellow"},
		{6, "blinking"},
		{10, "blinking"},
		{10.5, "blinking"},
		{11, "red"},
		{1e9, "red"},
		{-1, "green"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Bucket(tt.score).Label, "score %v", tt.score)
	}
}

// =============================================================================
// Score
// =============================================================================

func TestScore_AdjustedScoreSelectsBucket(t *testing.T) {
	ms := []markers.Match{
		{MarkerID: "A_ONE", Weight: 4, Category: "manipulation"},
		{MarkerID: "A_TWO", Weight: 3},
	}
	r := Score(ms, DefaultSchema())

	assert.Equal(t, 7.0, r.TotalRiskScore)
	assert.Equal(t, 8.0, r.AdjustedScore)
	assert.Equal(t, "blinking", r.RiskLevel)
	assert.Equal(t, "#FFA500", r.RiskColor)
	assert.True(t, r.Alert)
	assert.Equal(t, map[string]int{"manipulation": 1, Uncategorized: 1}, r.CategoryBreakdown)
	assert.Contains(t, r.Summary, "2 markers detected, risk level BLINKING.")
	assert.Contains(t, r.Summary, "WARNING")
}

func TestScore_WeightOverrides(t *testing.T) {
	s, err := ParseSchema("std.yaml", []byte(standardSchema))
	require.NoError(t, err)

	r := Score([]markers.Match{{MarkerID: "A_GASLIGHTING", Weight: 1}}, s)
	assert.Equal(t, 3.0, r.TotalRiskScore)
	assert.Equal(t, 3.5, r.AdjustedScore)
	assert.Equal(t, "yellow", r.RiskLevel)
	assert.False(t, r.Alert)
}

func TestScore_NoMatches(t *testing.T) {
	r := Score(nil, nil)
	assert.Equal(t, "green", r.RiskLevel)
	assert.NotNil(t, r.Matches)
	assert.Empty(t, r.TopMarkers)
	assert.True(t, strings.HasPrefix(r.Summary, "No markers detected"))
}

func TestScore_TopMarkers(t *testing.T) {
	ms := []markers.Match{
		{MarkerID: "A_C", Weight: 1}, {MarkerID: "A_B", Weight: 1}, {MarkerID: "A_B", Weight: 1},
		{MarkerID: "A_A", Weight: 1}, {MarkerID: "A_D", Weight: 1}, {MarkerID: "A_D", Weight: 1},
	}
	r := Score(ms, nil)
	assert.Equal(t, []MarkerFrequency{{"A_B", 2}, {"A_D", 2}, {"A_A", 1}}, r.TopMarkers)
	assert.Contains(t, r.Summary, "A_B (2x), A_D (2x), A_A (1x)")
}

func TestScore_Deterministic(t *testing.T) {
	ms := []markers.Match{{MarkerID: "A_X", Weight: 2.5, Category: "x"}, {MarkerID: "A_Y", Weight: 1}}
	assert.Equal(t, Score(ms, nil), Score(ms, nil))
}

func TestSchema_Restrict(t *testing.T) {
	s, err := ParseSchema("std.yaml", []byte(standardSchema))
	require.NoError(t, err)
	in := []*markers.Marker{{ID: "A_GASLIGHTING"}, {ID: "A_OTHER"}, {ID: "S_DRIFT"}}
	out := s.Restrict(in)
	require.Len(t, out, 2)
	assert.Equal(t, "A_GASLIGHTING", out[0].ID)
	assert.Len(t, DefaultSchema().Restrict(in), 3)
}
