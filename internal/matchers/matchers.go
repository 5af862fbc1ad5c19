// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package matchers implements the pattern strategies used by marker
// detection: exact substring, regular expression, fuzzy word-window and
// semantic keyword groups.
//
// Matchers operate on a single text and a single pattern and return Hits.
// They hold no marker state; the engine package combines their hits into
// marker matches.
//
// # Thread Safety
//
// ExactMatcher and FuzzyMatcher are stateless. RegexMatcher caches compiled
// patterns in a sync.Map and is safe for concurrent use.
package matchers

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/markerengine/internal/markers"
)

// Confidence levels for the deterministic strategies.
const (
	ExactConfidence = 1.0
	RegexConfidence = 0.9
)

// Hit is one raw occurrence found by a matcher.
type Hit struct {
	Span       markers.Span
	Text       string
	Confidence float64
	Type       markers.PatternType
	Pattern    string
}

// =============================================================================
// Exact
// =============================================================================

// ExactMatcher finds case-insensitive literal occurrences.
type ExactMatcher struct{}

// Find returns every non-overlapping occurrence of literal in text.
//
// Matching is done on a lowercased copy. Lowercasing can change byte
// lengths for a few scripts; when it does the text is scanned rune-wise so
// spans always point into the original text.
func (ExactMatcher) Find(text, literal string) []Hit {
	needle := strings.TrimSpace(literal)
	if needle == "" {
		return nil
	}
	lowText := strings.ToLower(text)
	lowNeedle := strings.ToLower(needle)

	if len(lowText) != len(text) {
		return findFold(text, needle)
	}

	var hits []Hit
	offset := 0
	for {
		idx := strings.Index(lowText[offset:], lowNeedle)
		if idx < 0 {
			break
		}
		start := offset + idx
		end := start + len(lowNeedle)
		hits = append(hits, Hit{
			Span:       markers.Span{Start: start, End: end},
			Text:       text[start:end],
			Confidence: ExactConfidence,
			Type:       markers.PatternExact,
			Pattern:    needle,
		})
		offset = end
	}
	return hits
}

// findFold is the slow path of Find using strings.EqualFold per position.
func findFold(text, needle string) []Hit {
	var hits []Hit
	n := len([]rune(needle))
	runes := []rune(text)
	offsets := make([]int, 0, len(runes)+1)
	for i := range text {
		offsets = append(offsets, i)
	}
	offsets = append(offsets, len(text))

	for i := 0; i+n <= len(runes); {
		if strings.EqualFold(string(runes[i:i+n]), needle) {
			start, end := offsets[i], offsets[i+n]
			hits = append(hits, Hit{
				Span:       markers.Span{Start: start, End: end},
				Text:       text[start:end],
				Confidence: ExactConfidence,
				Type:       markers.PatternExact,
				Pattern:    needle,
			})
			i += n
			continue
		}
		i++
	}
	return hits
}

// =============================================================================
// Regex
// =============================================================================

type regexKey struct {
	pattern       string
	caseSensitive bool
}

type regexEntry struct {
	re  *regexp.Regexp
	err error
}

// RegexMatcher compiles and caches regex patterns.
//
// Invalid patterns fail soft: Find returns the compile error and no hits.
// The failure is cached so each bad pattern is logged once.
type RegexMatcher struct {
	cache  sync.Map // regexKey -> regexEntry
	logger *slog.Logger
}

// NewRegexMatcher creates a RegexMatcher. A nil logger uses slog.Default().
func NewRegexMatcher(logger *slog.Logger) *RegexMatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegexMatcher{logger: logger}
}

// Compile returns the compiled form of p. Case-insensitive patterns get a
// (?i) flag.
func (r *RegexMatcher) Compile(p markers.Pattern) (*regexp.Regexp, error) {
	key := regexKey{pattern: p.Text, caseSensitive: p.CaseSensitive}
	if v, ok := r.cache.Load(key); ok {
		e := v.(regexEntry)
		return e.re, e.err
	}
	src := p.Text
	if !p.CaseSensitive {
		src = "(?i)" + src
	}
	re, err := regexp.Compile(src)
	actual, loaded := r.cache.LoadOrStore(key, regexEntry{re: re, err: err})
	e := actual.(regexEntry)
	if !loaded && e.err != nil {
		r.logger.Warn("skipping invalid regex pattern",
			"pattern", p.Text,
			"error", e.err)
	}
	return e.re, e.err
}

// Find returns all non-overlapping matches of p in text.
func (r *RegexMatcher) Find(text string, p markers.Pattern) ([]Hit, error) {
	re, err := r.Compile(p)
	if err != nil {
		return nil, err
	}
	var hits []Hit
	for _, loc := range re.FindAllStringIndex(text, -1) {
		if loc[1] <= loc[0] {
			continue // empty matches carry no evidence
		}
		hits = append(hits, Hit{
			Span:       markers.Span{Start: loc[0], End: loc[1]},
			Text:       text[loc[0]:loc[1]],
			Confidence: RegexConfidence,
			Type:       markers.PatternRegex,
			Pattern:    p.Text,
		})
	}
	return hits, nil
}

// =============================================================================
// Fuzzy
// =============================================================================

// FuzzyMatcher scores word windows of a text against a pattern.
type FuzzyMatcher struct{}

// Find slides a window of the pattern's word count over words and reports
// windows whose confidence reaches threshold.
//
// # Description
//
// Confidence is max(word Jaccard, character ratio) between the pattern and
// the window, always within [0, 1]. Overlapping windows are returned as-is;
// use Resolve to keep the best non-overlapping ones.
//
// # Inputs
//
//   - text: The analyzed text (words must come from Words(text)).
//   - words: Tokenized text, passed in so callers tokenize once per text.
//   - pattern: Keyword or example phrase.
//   - threshold: Minimum confidence in [0, 1].
func (FuzzyMatcher) Find(text string, words []Word, pattern string, threshold float64) []Hit {
	pw := Words(pattern)
	n := len(pw)
	if n == 0 || n > len(words) {
		return nil
	}
	patternSet := make(map[string]bool, n)
	for _, w := range pw {
		patternSet[w.Text] = true
	}

	var hits []Hit
	for i := 0; i+n <= len(words); i++ {
		window := words[i : i+n]
		start, end := window[0].Start, window[n-1].End
		candidate := text[start:end]

		windowSet := make(map[string]bool, n)
		for _, w := range window {
			windowSet[w.Text] = true
		}
		conf := max(Jaccard(patternSet, windowSet), CharRatio(pattern, candidate))
		conf = clamp01(conf)
		if conf < threshold {
			continue
		}
		hits = append(hits, Hit{
			Span:       markers.Span{Start: start, End: end},
			Text:       candidate,
			Confidence: conf,
			Type:       markers.PatternFuzzy,
			Pattern:    pattern,
		})
	}
	return hits
}

// =============================================================================
// Overlap resolution
// =============================================================================

// Resolve keeps the highest-confidence hits that do not overlap.
//
// Ties on confidence prefer the longer span, then the earlier one, so a
// hit subsumed by a stronger or equal hit is always dropped. The result is
// ordered by position.
func Resolve(hits []Hit) []Hit {
	if len(hits) <= 1 {
		return hits
	}
	sorted := make([]Hit, len(hits))
	copy(sorted, hits)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Span.Len() != b.Span.Len() {
			return a.Span.Len() > b.Span.Len()
		}
		return a.Span.Start < b.Span.Start
	})

	kept := make([]Hit, 0, len(sorted))
	for _, h := range sorted {
		overlaps := false
		for _, k := range kept {
			if h.Span.Overlaps(k.Span) {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, h)
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		return kept[i].Span.Start < kept[j].Span.Start
	})
	return kept
}
