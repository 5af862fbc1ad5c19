// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package detectors layers marker detection.
//
// # Description
//
// A Detector turns a text plus the layers produced before it into one new
// Layer of matches. Detectors are registered under a name in a Registry at
// compile time and selected by the enabled_detectors list of an analysis
// schema. Three are built in:
//
//   - atomic: pattern matching of level 1 and 2 markers through the engine.
//   - cluster: level 3 and 4 markers whose composed_of members fired.
//   - co_occurrence: configured marker groups firing together.
//
// # Thread Safety
//
// A Registry is safe for concurrent use once built. Detectors returned by
// Resolve are bound to one snapshot and safe for concurrent Detect calls.
package detectors

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/markerengine/internal/engine"
	"github.com/AleutianAI/markerengine/internal/markers"
	"github.com/AleutianAI/markerengine/internal/repository"
)

// Names of the built-in detectors.
const (
	Atomic       = "atomic"
	Cluster      = "cluster"
	CoOccurrence = "co_occurrence"
)

// DefaultEnabled is used when a schema enables no detector.
var DefaultEnabled = []string{Atomic, Cluster}

var tracer = otel.Tracer("markerengine.detectors")

// Layer is the output of one detector.
type Layer struct {
	Detector string          `json:"detector"`
	Matches  []markers.Match `json:"matches"`
	Duration time.Duration   `json:"duration_ns"`
}

// Detector produces one layer of matches.
type Detector interface {
	Name() string

	// Detect analyzes text. prior holds the layers of the detectors that
	// ran before this one, in order.
	Detect(ctx context.Context, text string, prior []Layer) (Layer, error)
}

// Env is what a detector is built from.
type Env struct {
	Snapshot *repository.Snapshot
	Engine   *engine.Engine
	Groups   []Group
	Logger   *slog.Logger
}

// Factory builds a detector for env.
type Factory func(env Env) (Detector, error)

// Registry maps detector names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in detectors.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.factories[Atomic] = newAtomic
	r.factories[Cluster] = newCluster
	r.factories[CoOccurrence] = newCoOccurrence
	return r
}

// Register adds a detector. Names are unique.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		return fmt.Errorf("detector %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Check reports the first name that is not registered as a
// *markers.ConfigError.
func (r *Registry) Check(names []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range names {
		if _, ok := r.factories[n]; !ok {
			return &markers.ConfigError{
				Source: "enabled_detectors",
				Reason: fmt.Sprintf("unknown detector %q", n),
			}
		}
	}
	return nil
}

// Resolve builds the named detectors, in order. No names means
// DefaultEnabled. Duplicates are built once.
//
// # Outputs
//
//   - []Detector: The detectors in the order to run them.
//   - error: A *markers.ConfigError for an unknown name, or the error of
//     a failing factory.
func (r *Registry) Resolve(names []string, env Env) ([]Detector, error) {
	if len(names) == 0 {
		names = DefaultEnabled
	}
	if err := r.Check(names); err != nil {
		return nil, err
	}
	if env.Snapshot == nil {
		return nil, engine.ErrNoSnapshot
	}
	if env.Engine == nil {
		env.Engine = engine.New(engine.Options{Logger: env.Logger})
	}
	if env.Logger == nil {
		env.Logger = slog.Default()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(names))
	out := make([]Detector, 0, len(names))
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		d, err := r.factories[n](env)
		if err != nil {
			return nil, &markers.ConfigError{Source: "detector " + n, Reason: "cannot build detector", Err: err}
		}
		out = append(out, d)
	}
	return out, nil
}

// Run executes detectors in order, each seeing the layers before it.
//
// # Outputs
//
//   - []Layer: One layer per detector that completed.
//   - error: The first detector error, wrapped with its name, or the
//     context error. Layers completed so far are returned with it.
func Run(ctx context.Context, ds []Detector, text string) ([]Layer, error) {
	ctx, span := tracer.Start(ctx, "Detectors.Run")
	defer span.End()

	layers := make([]Layer, 0, len(ds))
	for _, d := range ds {
		if err := ctx.Err(); err != nil {
			return layers, err
		}
		start := time.Now()
		layer, err := d.Detect(ctx, text, layers)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return layers, fmt.Errorf("detector %s: %w", d.Name(), err)
		}
		layer.Detector = d.Name()
		layer.Duration = time.Since(start)
		layers = append(layers, layer)
		span.AddEvent("layer", trace.WithAttributes(
			attribute.String("detector", layer.Detector),
			attribute.Int("matches", len(layer.Matches)),
		))
	}
	return layers, nil
}

// Matches flattens layers into one position-ordered match list.
func Matches(layers []Layer) []markers.Match {
	var out []markers.Match
	for _, l := range layers {
		out = append(out, l.Matches...)
	}
	markers.SortMatches(out)
	return out
}

// fired collects the marker IDs matched in layers with their matches.
func fired(layers []Layer) map[string][]markers.Match {
	out := make(map[string][]markers.Match)
	for _, l := range layers {
		for _, m := range l.Matches {
			out[m.MarkerID] = append(out[m.MarkerID], m)
		}
	}
	return out
}
