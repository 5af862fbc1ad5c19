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
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/markerengine/internal/markers"
	"github.com/AleutianAI/markerengine/internal/repository"
)

// DetectBatch runs detection on independent text chunks in parallel.
//
// # Description
//
// All chunks are evaluated against the same snapshot. Results are
// index-aligned with chunks. When ctx is cancelled no further chunks are
// scheduled; chunks that were never evaluated have nil results and the
// context error is returned.
//
// # Inputs
//
//   - ctx: Cancellation stops scheduling.
//   - chunks: Independent texts.
//   - snap: Repository snapshot. Required.
//
// # Outputs
//
//   - [][]markers.Match: One result slice per chunk.
//   - error: ErrNoSnapshot or the context error.
//
// # Thread Safety
//
// Safe to call concurrently. The snapshot is only read.
func (e *Engine) DetectBatch(ctx context.Context, chunks []string, snap *repository.Snapshot) ([][]markers.Match, error) {
	if snap == nil {
		return nil, ErrNoSnapshot
	}
	results := make([][]markers.Match, len(chunks))
	if len(chunks) == 0 {
		return results, nil
	}

	active := snap.Active(e.opts.Categories...)
	workers := e.opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, chunk := range chunks {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			results[i] = e.Detect(gCtx, chunk, active, e.opts.MinConfidence)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	// The loop can stop early without any worker observing cancellation.
	return results, ctx.Err()
}
