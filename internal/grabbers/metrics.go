// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package grabbers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// grabberOps counts linker mutations by operation.
	grabberOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "markerengine_grabber_operations_total",
		Help: "Grabber library mutations by operation",
	}, []string{"operation"})

	// referenceRewrites counts marker references moved to another grabber.
	referenceRewrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "markerengine_grabber_reference_rewrites_total",
		Help: "Marker grabber references rewritten by the linker",
	})
)

const (
	opCreate  = "create"
	opReuse   = "reuse"
	opMerge   = "merge"
	opMigrate = "migrate"
	opFix     = "fix"
)
