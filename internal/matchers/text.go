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
	"strings"
	"unicode"
	"unicode/utf8"
)

// Word is one token of a text with its byte offsets.
type Word struct {
	Text  string // lowercase token
	Start int    // byte offset of the first rune
	End   int    // byte offset after the last rune
}

// Words splits text into lowercase word tokens.
//
// # Description
//
// A word is a maximal run of letters, digits, apostrophes or hyphens that
// contains at least one letter or digit. Offsets refer to the original text
// so callers can slice it for context windows.
func Words(text string) []Word {
	var words []Word
	start := -1
	hasAlnum := false

	flush := func(end int) {
		if start >= 0 && hasAlnum {
			tok := strings.Trim(text[start:end], "'-")
			lead := strings.Index(text[start:end], tok)
			words = append(words, Word{
				Text:  strings.ToLower(tok),
				Start: start + lead,
				End:   start + lead + len(tok),
			})
		}
		start = -1
		hasAlnum = false
	}

	for i, r := range text {
		inWord := unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '-'
		if !inWord {
			flush(i)
			continue
		}
		if start < 0 {
			start = i
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			hasAlnum = true
		}
	}
	flush(len(text))
	return words
}

// Normalize lowercases text, strips quote and sentence punctuation and
// collapses runs of whitespace.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range strings.ToLower(text) {
		if strings.ContainsRune("\"'-.,!?:;", r) {
			continue
		}
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

// WordSet returns the set of normalized words in text.
func WordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(Normalize(text)) {
		set[w] = true
	}
	return set
}

// Jaccard returns |a ∩ b| / |a ∪ b| for two sets. Empty input yields 0.
func Jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	intersection := 0
	for k := range a {
		if b[k] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

// WordJaccard is the Jaccard similarity of the word sets of a and b.
func WordJaccard(a, b string) float64 {
	return Jaccard(WordSet(a), WordSet(b))
}

// Levenshtein returns the edit distance between a and b in runes.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	if len(ra) > len(rb) {
		ra, rb = rb, ra
	}

	// Two rows instead of the full matrix.
	prev := make([]int, len(ra)+1)
	curr := make([]int, len(ra)+1)
	for i := range prev {
		prev[i] = i
	}
	for j := 1; j <= len(rb); j++ {
		curr[0] = j
		for i := 1; i <= len(ra); i++ {
			if ra[i-1] == rb[j-1] {
				curr[i] = prev[i-1]
			} else {
				curr[i] = 1 + min(prev[i-1], prev[i], curr[i-1])
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(ra)]
}

// CharRatio returns 1 - distance/maxlen over the normalized strings,
// a value in [0, 1]. Two empty strings are identical.
func CharRatio(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	maxLen := max(utf8.RuneCountInString(na), utf8.RuneCountInString(nb))
	if maxLen == 0 {
		return 1.0
	}
	return clamp01(1.0 - float64(Levenshtein(na, nb))/float64(maxLen))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
