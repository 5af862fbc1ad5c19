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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/markerengine/internal/markers"
)

// Package-level tracer and meter for detection.
var (
	tracer = otel.Tracer("markerengine.engine")
	meter  = otel.Meter("markerengine.engine")
)

var (
	detectLatency metric.Float64Histogram
	detectTotal   metric.Int64Counter
	matchesByType metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		detectLatency, err = meter.Float64Histogram(
			"markerengine_detect_duration_seconds",
			metric.WithDescription("Duration of marker detection over one text"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		detectTotal, err = meter.Int64Counter(
			"markerengine_detect_total",
			metric.WithDescription("Total number of detection passes"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		matchesByType, err = meter.Int64Counter(
			"markerengine_matches_by_type_total",
			metric.WithDescription("Matches produced, by pattern type"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startDetectSpan(ctx context.Context, markerCount int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "MatchEngine.Detect",
		trace.WithAttributes(
			attribute.Int("engine.markers", markerCount),
		),
	)
}

func setDetectSpanResult(span trace.Span, matchCount int) {
	span.SetAttributes(attribute.Int("engine.matches", matchCount))
}

func recordDetectMetrics(ctx context.Context, duration time.Duration, matches []markers.Match) {
	if err := initMetrics(); err != nil {
		return
	}
	detectLatency.Record(ctx, duration.Seconds())
	detectTotal.Add(ctx, 1)

	counts := make(map[markers.PatternType]int64, 4)
	for _, m := range matches {
		counts[m.PatternType]++
	}
	for pt, n := range counts {
		matchesByType.Add(ctx, n, metric.WithAttributes(
			attribute.String("pattern_type", string(pt)),
		))
	}
}
