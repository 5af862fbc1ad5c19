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
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"github.com/AleutianAI/markerengine/internal/markers"
	"github.com/AleutianAI/markerengine/internal/repository"
)

func marker(id string, examples ...string) *markers.Marker {
	return &markers.Marker{
		ID:          id,
		Level:       markers.LevelFromID(id),
		Description: id,
		Examples:    examples,
		Status:      markers.StatusActive,
	}
}

// =============================================================================
// Detect
// =============================================================================

func TestDetect_ExactExample(t *testing.T) {
	e := New(Options{})
	m := marker("A_PARTIAL_DISCLOSURE", "um ehrlich zu sein")
	m.Category = "disclosure"
	m.Weight = 2

	got := e.Detect(context.Background(), "Also, um ehrlich zu sein, ich war nicht da.", []*markers.Marker{m}, 0.7)

	require.Len(t, got, 1)
	assert.Equal(t, "A_PARTIAL_DISCLOSURE", got[0].MarkerID)
	assert.Equal(t, markers.PatternExact, got[0].PatternType)
	assert.Equal(t, 1.0, got[0].Confidence)
	assert.Equal(t, "um ehrlich zu sein", got[0].MatchedText)
	assert.Equal(t, 2.0, got[0].Weight)
	assert.Equal(t, "disclosure", got[0].Category)
}

func TestDetect_RegexPattern(t *testing.T) {
	e := New(Options{})
	m := marker("A_PRESSURE")
	m.Patterns = []markers.Pattern{{Text: `\bdu\s+musst\b`, IsRegex: true}}

	got := e.Detect(context.Background(), "Du musst das sofort tun.", []*markers.Marker{m}, 0)

	require.Len(t, got, 1)
	assert.Equal(t, markers.PatternRegex, got[0].PatternType)
	assert.Equal(t, 0.9, got[0].Confidence)
	assert.Equal(t, "Du musst", got[0].MatchedText)
}

func TestDetect_InvalidRegexIsIsolated(t *testing.T) {
	e := New(Options{})
	bad := marker("A_BAD")
	bad.Patterns = []markers.Pattern{{Text: "([", IsRegex: true}}
	good := marker("A_GOOD", "hallo")

	var got []markers.Match
	require.NotPanics(t, func() {
		got = e.Detect(context.Background(), "hallo welt", []*markers.Marker{bad, good}, 0)
	})
	require.Len(t, got, 1)
	assert.Equal(t, "A_GOOD", got[0].MarkerID)
}

func TestDetect_FuzzyTypo(t *testing.T) {
	e := New(Options{})
	m := marker("S_SADNESS", "ich bin traurig")

	got := e.Detect(context.Background(), "ich bin trauig heute", []*markers.Marker{m}, 0.7)

	require.Len(t, got, 1)
	assert.Equal(t, markers.PatternFuzzy, got[0].PatternType)
	assert.Equal(t, "ich bin trauig", got[0].MatchedText)
	assert.GreaterOrEqual(t, got[0].Confidence, DefaultFuzzyThreshold)
	assert.Less(t, got[0].Confidence, 1.0)
}

func TestDetect_MinConfidenceFiltersFuzzy(t *testing.T) {
	e := New(Options{})
	m := marker("S_SADNESS", "ich bin traurig")

	got := e.Detect(context.Background(), "ich bin trauig heute", []*markers.Marker{m}, 0.95)
	assert.Empty(t, got)
}

func TestDetect_PatternFuzzyThreshold(t *testing.T) {
	e := New(Options{})
	strict := 0.99
	m := marker("A_KEYWORD")
	m.Patterns = []markers.Pattern{{Text: "ich bin traurig", FuzzyThreshold: &strict}}

	got := e.Detect(context.Background(), "ich bin trauig heute", []*markers.Marker{m}, 0.7)
	assert.Empty(t, got, "pattern threshold above the window score")
}

func TestDetect_NoMatchBelowMinConfidence(t *testing.T) {
	e := New(Options{})
	ms := []*markers.Marker{
		marker("A_ONE", "ich bin traurig"),
		marker("A_TWO", "das ist falsch"),
		marker("A_THREE", "immer du"),
	}
	text := "ich bin trauig und das ist flasch, immer du."
	for _, minConf := range []float64{0.5, 0.7, 0.9, 1.0} {
		for _, m := range e.Detect(context.Background(), text, ms, minConf) {
			assert.GreaterOrEqual(t, m.Confidence, minConf)
			assert.LessOrEqual(t, m.Confidence, 1.0)
		}
	}
}

func TestDetect_OverlappingPatternsResolve(t *testing.T) {
	e := New(Options{})
	m := marker("A_DISCLOSURE", "ehrlich", "um ehrlich zu sein")

	got := e.Detect(context.Background(), "um ehrlich zu sein, nein", []*markers.Marker{m}, 0)

	require.Len(t, got, 1)
	assert.Equal(t, "um ehrlich zu sein", got[0].MatchedText)
}

func TestDetect_SkipsPlaceholdersAndInactive(t *testing.T) {
	e := New(Options{})
	placeholder := marker("A_PADDED", markers.PlaceholderExamplePrefix+"1")
	inactive := marker("A_OLD", "hallo")
	inactive.Status = markers.StatusInactive

	text := "hallo " + markers.PlaceholderExamplePrefix + "1"
	got := e.Detect(context.Background(), text, []*markers.Marker{placeholder, inactive}, 0)
	assert.Empty(t, got)
}

func TestDetect_ContextWindow(t *testing.T) {
	words := make([]string, 30)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i+1)
	}
	text := strings.Join(words, " ")

	e := New(Options{ContextWords: 2})
	got := e.Detect(context.Background(), text, []*markers.Marker{marker("A_MID", "w15")}, 0)
	require.Len(t, got, 1)
	assert.Equal(t, "...w13 w14 w15 w16 w17...", got[0].Context)

	got = e.Detect(context.Background(), text, []*markers.Marker{marker("A_MID", "w1")}, 0)
	require.NotEmpty(t, got)
	assert.Equal(t, "w1 w2 w3...", got[0].Context)
}

func TestDetect_OrderedByPosition(t *testing.T) {
	e := New(Options{})
	ms := []*markers.Marker{marker("A_Z", "zwei"), marker("A_A", "eins")}

	got := e.Detect(context.Background(), "eins zwei eins", ms, 0)

	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].Span.Start, got[i].Span.Start)
	}
}

func TestDetect_CancelledContext(t *testing.T) {
	e := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got := e.Detect(ctx, "hallo", []*markers.Marker{marker("A_X", "hallo")}, 0)
	assert.Empty(t, got)
}

func TestDetectSnapshot_CategoryFilter(t *testing.T) {
	a := marker("A_ONE", "hallo")
	a.Category = "greeting"
	b := marker("A_TWO", "welt")
	b.Category = "world"
	snap := repository.NewSnapshot([]*markers.Marker{a, b}, nil, nil)

	e := New(Options{Categories: []string{"world"}})
	got := e.DetectSnapshot(context.Background(), "hallo welt", snap)
	require.Len(t, got, 1)
	assert.Equal(t, "A_TWO", got[0].MarkerID)
}

func TestDetect_RecordsSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	e := New(Options{})
	e.Detect(context.Background(), "hallo", []*markers.Marker{marker("A_X", "hallo")}, 0)

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "MatchEngine.Detect")
}

func TestDetect_RecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	e := New(Options{})
	e.Detect(context.Background(), "hallo", []*markers.Marker{marker("A_X", "hallo")}, 0)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.True(t, names["markerengine_detect_total"])
	assert.True(t, names["markerengine_matches_by_type_total"])
}

// =============================================================================
// Batch
// =============================================================================

func TestDetectBatch_IndexAligned(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	snap := repository.NewSnapshot([]*markers.Marker{
		marker("A_HELLO", "hallo"),
		marker("A_WORLD", "welt"),
	}, nil, nil)
	e := New(Options{Workers: 2})

	chunks := []string{"hallo", "nichts", "welt und hallo", "welt"}
	got, err := e.DetectBatch(context.Background(), chunks, snap)
	require.NoError(t, err)
	require.Len(t, got, len(chunks))

	assert.Len(t, got[0], 1)
	assert.Empty(t, got[1])
	assert.Len(t, got[2], 2)
	require.Len(t, got[3], 1)
	assert.Equal(t, "A_WORLD", got[3][0].MarkerID)
}

func TestDetectBatch_Cancelled(t *testing.T) {
	snap := repository.NewSnapshot([]*markers.Marker{marker("A_HELLO", "hallo")}, nil, nil)
	e := New(Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := e.DetectBatch(ctx, []string{"hallo", "hallo"}, snap)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, got, 2)
}

func TestDetectBatch_NilSnapshot(t *testing.T) {
	_, err := New(Options{}).DetectBatch(context.Background(), []string{"x"}, nil)
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

// =============================================================================
// Stats
// =============================================================================

func TestComputeStats(t *testing.T) {
	ms := []markers.Match{
		{MarkerID: "A_X", Confidence: 1.0, PatternType: markers.PatternExact},
		{MarkerID: "A_X", Confidence: 0.9, PatternType: markers.PatternRegex},
		{MarkerID: "A_Y", Confidence: 0.8, PatternType: markers.PatternFuzzy},
	}
	s := ComputeStats(ms)

	assert.Equal(t, 3, s.TotalMatches)
	assert.Equal(t, 2, s.UniqueMarkers)
	assert.InDelta(t, 0.9, s.AverageConfidence, 1e-9)
	assert.Equal(t, []MarkerCount{{"A_X", 2}, {"A_Y", 1}}, s.TopMarkers)
	assert.Equal(t, 1, s.ByPatternType[markers.PatternFuzzy])
}

func TestComputeStats_Empty(t *testing.T) {
	s := ComputeStats(nil)
	assert.Zero(t, s.TotalMatches)
	assert.Empty(t, s.TopMarkers)
}
