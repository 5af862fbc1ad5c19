// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repair

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("markerengine.repair")

var (
	// repairRecords counts repaired records by outcome.
	repairRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "markerengine_repair_records_total",
		Help: "Marker records processed by repair, by outcome",
	}, []string{"outcome"})

	// repairFiles counts marker files visited by batch repair.
	repairFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "markerengine_repair_files_total",
		Help: "Marker files visited by batch repair, by outcome",
	}, []string{"outcome"})
)

const (
	outcomeRepaired  = "repaired"
	outcomeUnchanged = "unchanged"
	outcomeFailed    = "failed"
	outcomeWritten   = "written"
	outcomeDryRun    = "dry_run"
)

func observeRecord(r *ChangeReport, err error) {
	switch {
	case err != nil || r == nil || !r.Resolved():
		repairRecords.WithLabelValues(outcomeFailed).Inc()
	case r.Empty():
		repairRecords.WithLabelValues(outcomeUnchanged).Inc()
	default:
		repairRecords.WithLabelValues(outcomeRepaired).Inc()
	}
}

func startBatchSpan(ctx context.Context, dryRun bool) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Batch.RepairAll",
		trace.WithAttributes(attribute.Bool("repair.dry_run", dryRun)),
	)
}

func endBatchSpan(span trace.Span, r *BatchReport, err error) {
	span.SetAttributes(
		attribute.Int("repair.files", len(r.Files)),
		attribute.Int("repair.processed", r.Processed),
		attribute.Int("repair.repaired", r.Repaired),
		attribute.Int("repair.failed", r.Failed),
		attribute.Bool("repair.cancelled", r.Cancelled),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
