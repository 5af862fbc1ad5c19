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
	"github.com/AleutianAI/markerengine/internal/markers"
	"github.com/AleutianAI/markerengine/internal/matchers"
)

const ellipsis = "..."

// contextWindow returns the text of n words before and after span. Cut
// edges are marked with "...".
func contextWindow(text string, words []matchers.Word, span markers.Span, n int) string {
	if len(words) == 0 {
		return text[span.Start:span.End]
	}

	first, last := -1, -1
	for i, w := range words {
		if w.End > span.Start && first < 0 {
			first = i
		}
		if w.Start < span.End {
			last = i
		}
	}
	if first < 0 || last < first {
		// Span sits in whitespace or punctuation between words.
		return text[span.Start:span.End]
	}

	lo := max(first-n, 0)
	hi := min(last+n, len(words)-1)
	start := min(words[lo].Start, span.Start)
	end := max(words[hi].End, span.End)

	out := text[start:end]
	if lo > 0 {
		out = ellipsis + out
	}
	if hi < len(words)-1 {
		out += ellipsis
	}
	return out
}
