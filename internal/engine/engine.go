// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine runs the pattern matchers of every active marker against a
// text and produces confidence-scored marker matches.
//
// # Description
//
// Detection is a pure function of the text and a repository snapshot. The
// engine never mutates markers, so a single Engine may serve any number of
// concurrent Detect calls and DetectBatch fans chunks out over a worker
// pool.
//
// Per marker the strategies run in a fixed order:
//
//  1. Exact: literal examples and keyword patterns (confidence 1.0).
//  2. Regex: declared regex patterns (confidence 0.9).
//  3. Fuzzy: literals that produced no exact hit.
//
// Overlapping hits of one marker are resolved to the best non-subsumed one.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/markerengine/internal/markers"
	"github.com/AleutianAI/markerengine/internal/matchers"
	"github.com/AleutianAI/markerengine/internal/repository"
)

// Defaults for Options.
const (
	DefaultMinConfidence  = 0.7
	DefaultFuzzyThreshold = 0.85
	DefaultContextWords   = 10
)

// Options configures an Engine.
type Options struct {
	// MinConfidence drops matches below this confidence. Default: 0.7.
	MinConfidence float64

	// FuzzyThreshold applies to patterns without their own
	// fuzzy_threshold. The effective threshold is never below
	// MinConfidence. Default: 0.85.
	FuzzyThreshold float64

	// ContextWords is the number of words kept on each side of a match.
	// Default: 10.
	ContextWords int

	// DisableFuzzy turns off the fuzzy strategy.
	DisableFuzzy bool

	// Categories restricts DetectSnapshot to these marker categories.
	Categories []string

	// Workers bounds DetectBatch parallelism. Default: GOMAXPROCS.
	Workers int

	// Logger receives pattern diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// Engine detects markers in text.
//
// # Thread Safety
//
// Safe for concurrent use. The only shared state is the regex cache,
// which is internally synchronized.
type Engine struct {
	opts   Options
	exact  matchers.ExactMatcher
	regex  *matchers.RegexMatcher
	fuzzy  matchers.FuzzyMatcher
	logger *slog.Logger
}

// New creates an Engine with defaults applied to zero-valued options.
func New(opts Options) *Engine {
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = DefaultMinConfidence
	}
	if opts.FuzzyThreshold <= 0 {
		opts.FuzzyThreshold = DefaultFuzzyThreshold
	}
	if opts.ContextWords < 0 {
		opts.ContextWords = 0
	} else if opts.ContextWords == 0 {
		opts.ContextWords = DefaultContextWords
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		opts:   opts,
		regex:  matchers.NewRegexMatcher(opts.Logger),
		logger: opts.Logger,
	}
}

// Options returns the engine options with defaults applied.
func (e *Engine) Options() Options { return e.opts }

// DetectSnapshot runs Detect over the active markers of snap, honoring the
// configured category filter and minimum confidence.
func (e *Engine) DetectSnapshot(ctx context.Context, text string, snap *repository.Snapshot) []markers.Match {
	return e.Detect(ctx, text, snap.Active(e.opts.Categories...), e.opts.MinConfidence)
}

// Detect matches text against the given markers.
//
// # Description
//
// Inactive markers in active are skipped. A marker whose regex does not
// compile loses only that pattern; the failure is logged and every other
// marker is still evaluated. Detection never returns an error: a
// cancelled context ends the pass early and returns what was found so far.
//
// # Inputs
//
//   - ctx: Checked between markers. Also carries the trace span.
//   - text: The text chunk to analyze.
//   - active: Markers to evaluate.
//   - minConfidence: Matches below this value are discarded. Values <= 0
//     use the engine default.
//
// # Outputs
//
//   - []markers.Match: Matches ordered by position, each with a context
//     window of ContextWords words on either side.
func (e *Engine) Detect(ctx context.Context, text string, active []*markers.Marker, minConfidence float64) []markers.Match {
	if minConfidence <= 0 {
		minConfidence = e.opts.MinConfidence
	}

	ctx, span := startDetectSpan(ctx, len(active))
	defer span.End()
	start := time.Now()

	words := matchers.Words(text)
	var out []markers.Match
	for _, m := range active {
		if ctx.Err() != nil {
			break
		}
		if !m.IsActive() {
			continue
		}
		for _, h := range e.detectMarker(text, words, m, minConfidence) {
			out = append(out, markers.Match{
				MarkerID:    m.ID,
				MatchedText: h.Text,
				Span:        h.Span,
				Confidence:  h.Confidence,
				PatternType: h.Type,
				Context:     contextWindow(text, words, h.Span, e.opts.ContextWords),
				Weight:      m.EffectiveWeight(),
				Category:    m.Category,
				Pattern:     h.Pattern,
			})
		}
	}
	markers.SortMatches(out)

	setDetectSpanResult(span, len(out))
	recordDetectMetrics(ctx, time.Since(start), out)
	return out
}

// detectMarker returns the resolved hits of one marker. A panic inside a
// matcher is contained to the marker.
func (e *Engine) detectMarker(text string, words []matchers.Word, m *markers.Marker, minConfidence float64) (hits []matchers.Hit) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("marker evaluation failed",
				"marker_id", m.ID,
				"panic", fmt.Sprint(r))
			hits = nil
		}
	}()

	type literal struct {
		text      string
		threshold float64
	}
	literals := make([]literal, 0, len(m.Examples)+len(m.Patterns))
	for _, ex := range m.LiteralExamples() {
		literals = append(literals, literal{text: ex, threshold: e.opts.FuzzyThreshold})
	}

	var regexPatterns []markers.Pattern
	for _, p := range m.Patterns {
		if p.IsRegex {
			regexPatterns = append(regexPatterns, p)
			continue
		}
		th := e.opts.FuzzyThreshold
		if p.FuzzyThreshold != nil {
			th = *p.FuzzyThreshold
		}
		literals = append(literals, literal{text: p.Text, threshold: th})
	}

	var raw []matchers.Hit
	var fuzzyCandidates []literal
	for _, lit := range literals {
		found := e.exact.Find(text, lit.text)
		if len(found) == 0 {
			fuzzyCandidates = append(fuzzyCandidates, lit)
		}
		raw = append(raw, found...)
	}

	for _, p := range regexPatterns {
		found, err := e.regex.Find(text, p)
		if err != nil {
			perr := &markers.PatternError{MarkerID: m.ID, Pattern: p.Text, Err: err}
			e.logger.Debug("pattern skipped", "marker_id", m.ID, "error", perr)
			continue
		}
		raw = append(raw, found...)
	}

	if !e.opts.DisableFuzzy {
		for _, lit := range fuzzyCandidates {
			threshold := max(lit.threshold, minConfidence)
			raw = append(raw, e.fuzzy.Find(text, words, lit.text, threshold)...)
		}
	}

	kept := raw[:0]
	for _, h := range raw {
		if h.Confidence >= minConfidence {
			kept = append(kept, h)
		}
	}
	return matchers.Resolve(kept)
}

// ErrNoSnapshot is returned by DetectBatch when called without a snapshot.
var ErrNoSnapshot = errors.New("engine: nil repository snapshot")
