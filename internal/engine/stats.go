// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"sort"

	"github.com/AleutianAI/markerengine/internal/markers"
)

// topMarkerLimit bounds Stats.TopMarkers.
const topMarkerLimit = 10

// MarkerCount is a marker ID with its match frequency.
type MarkerCount struct {
	MarkerID string `json:"marker_id"`
	Count    int    `json:"count"`
}

// Stats summarizes a set of matches.
type Stats struct {
	TotalMatches      int                         `json:"total_matches"`
	UniqueMarkers     int                         `json:"unique_markers"`
	TopMarkers        []MarkerCount               `json:"top_markers"`
	ByPatternType     map[markers.PatternType]int `json:"by_pattern_type"`
	AverageConfidence float64                     `json:"average_confidence"`
}

// ComputeStats returns frequency statistics for matches. The ten most
// frequent markers are listed, ties broken by ID.
func ComputeStats(matches []markers.Match) Stats {
	s := Stats{
		TotalMatches:  len(matches),
		ByPatternType: make(map[markers.PatternType]int),
	}
	if len(matches) == 0 {
		return s
	}

	freq := make(map[string]int)
	var sum float64
	for _, m := range matches {
		freq[m.MarkerID]++
		s.ByPatternType[m.PatternType]++
		sum += m.Confidence
	}
	s.UniqueMarkers = len(freq)
	s.AverageConfidence = sum / float64(len(matches))

	for id, n := range freq {
		s.TopMarkers = append(s.TopMarkers, MarkerCount{MarkerID: id, Count: n})
	}
	sort.Slice(s.TopMarkers, func(i, j int) bool {
		a, b := s.TopMarkers[i], s.TopMarkers[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.MarkerID < b.MarkerID
	})
	if len(s.TopMarkers) > topMarkerLimit {
		s.TopMarkers = s.TopMarkers[:topMarkerLimit]
	}
	return s
}
