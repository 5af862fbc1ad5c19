// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scoring aggregates marker matches into a weighted risk score and
// maps it onto the threshold buckets of an analysis schema.
package scoring

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/markerengine/internal/markers"
)

// CountWeight is added to the total score per match before bucketing.
const CountWeight = 0.5

// topLimit bounds Result.TopMarkers.
const topLimit = 3

// Uncategorized is the breakdown key for markers without a category.
const Uncategorized = "UNCATEGORIZED"

// MarkerFrequency is one entry of Result.TopMarkers.
type MarkerFrequency struct {
	MarkerID string `json:"marker_id"`
	Count    int    `json:"count"`
}

// Result is the outcome of scoring one text.
type Result struct {
	Matches           []markers.Match   `json:"matches"`
	TotalRiskScore    float64           `json:"total_risk_score"`
	AdjustedScore     float64           `json:"adjusted_score"`
	MatchCount        int               `json:"match_count"`
	RiskLevel         string            `json:"risk_level"`
	RiskColor         string            `json:"risk_color"`
	Alert             bool              `json:"alert"`
	CategoryBreakdown map[string]int    `json:"category_breakdown"`
	TopMarkers        []MarkerFrequency `json:"top_markers"`
	Summary           string            `json:"summary"`
}

// Score aggregates matches under schema. A nil schema uses DefaultSchema.
//
// # Description
//
// The total is the sum of match weights, each multiplied by the schema's
// weight override for its marker. The bucket is chosen for the adjusted
// score total + 0.5 × match count. Score is deterministic and never fails;
// schemas are validated when they are loaded.
func Score(matches []markers.Match, schema *Schema) *Result {
	if schema == nil {
		schema = DefaultSchema()
	}

	r := &Result{
		Matches:           matches,
		MatchCount:        len(matches),
		CategoryBreakdown: make(map[string]int),
	}
	if r.Matches == nil {
		r.Matches = []markers.Match{}
	}

	freq := make(map[string]int)
	for _, m := range matches {
		r.TotalRiskScore += m.Weight * schema.Weight(m.MarkerID)
		cat := m.Category
		if cat == "" {
			cat = Uncategorized
		}
		r.CategoryBreakdown[cat]++
		freq[m.MarkerID]++
	}
	r.AdjustedScore = r.TotalRiskScore + CountWeight*float64(len(matches))

	b := schema.Bucket(r.AdjustedScore)
	r.RiskLevel = b.Label
	r.RiskColor = b.Color
	r.Alert = schema.IsAlert(b.Label)

	r.TopMarkers = topMarkers(freq, topLimit)
	r.Summary = summarize(r)
	return r
}

func topMarkers(freq map[string]int, n int) []MarkerFrequency {
	out := make([]MarkerFrequency, 0, len(freq))
	for id, c := range freq {
		out = append(out, MarkerFrequency{MarkerID: id, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].MarkerID < out[j].MarkerID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func summarize(r *Result) string {
	if r.MatchCount == 0 {
		return "No markers detected. The communication appears neutral."
	}
	var b strings.Builder
	noun := "markers"
	if r.MatchCount == 1 {
		noun = "marker"
	}
	fmt.Fprintf(&b, "%d %s detected, risk level %s.", r.MatchCount, noun, strings.ToUpper(r.RiskLevel))

	parts := make([]string, len(r.TopMarkers))
	for i, t := range r.TopMarkers {
		parts[i] = fmt.Sprintf("%s (%dx)", t.MarkerID, t.Count)
	}
	fmt.Fprintf(&b, "\nMost frequent: %s", strings.Join(parts, ", "))

	if r.Alert {
		b.WriteString("\nWARNING: clear signs of manipulative communication detected.")
	}
	return b.String()
}
