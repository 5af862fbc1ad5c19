// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package matchers

import (
	"sort"
	"strings"
)

// DefaultSemanticGroups are the curated keyword clusters used for grabber
// similarity. The marker library is German, so are the keywords.
var DefaultSemanticGroups = map[string][]string{
	"negative_emotion": {"traurig", "schlecht", "deprimiert", "niedergeschlagen", "unglücklich"},
	"positive_emotion": {"glücklich", "fröhlich", "freude", "zufrieden", "gut"},
	"anger":            {"wütend", "sauer", "verärgert", "zornig", "aufgebracht"},
	"uncertainty":      {"unsicher", "zweifel", "verwirrt", "unklar", "fragwürdig"},
	"affirmation":      {"ja", "richtig", "korrekt", "stimmt", "genau"},
	"negation":         {"nein", "falsch", "nicht", "kein", "niemals"},
}

// SemanticGroupMatcher maps texts to the keyword clusters they activate.
//
// It is only used to compare grabbers and is never part of live detection.
type SemanticGroupMatcher struct {
	groups map[string]map[string]bool
}

// NewSemanticGroupMatcher builds a matcher from keyword clusters. A nil map
// uses DefaultSemanticGroups.
func NewSemanticGroupMatcher(groups map[string][]string) *SemanticGroupMatcher {
	if groups == nil {
		groups = DefaultSemanticGroups
	}
	m := &SemanticGroupMatcher{groups: make(map[string]map[string]bool, len(groups))}
	for name, words := range groups {
		set := make(map[string]bool, len(words))
		for _, w := range words {
			set[strings.ToLower(w)] = true
		}
		m.groups[name] = set
	}
	return m
}

// Activated returns the set of groups with at least one keyword among the
// words of text.
func (m *SemanticGroupMatcher) Activated(text string) map[string]bool {
	words := WordSet(text)
	active := make(map[string]bool)
	for name, keywords := range m.groups {
		for w := range words {
			if keywords[w] {
				active[name] = true
				break
			}
		}
	}
	return active
}

// ActivatedNames returns Activated(text) as a sorted slice.
func (m *SemanticGroupMatcher) ActivatedNames(text string) []string {
	set := m.Activated(text)
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Overlap is the Jaccard similarity of the groups activated by a and b.
// It is 0 when either text activates no group.
func (m *SemanticGroupMatcher) Overlap(a, b string) float64 {
	return Jaccard(m.Activated(a), m.Activated(b))
}
