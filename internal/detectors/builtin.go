// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package detectors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/markerengine/internal/engine"
	"github.com/AleutianAI/markerengine/internal/markers"
	"github.com/AleutianAI/markerengine/internal/repository"
)

// =============================================================================
// atomic
// =============================================================================

type atomicDetector struct {
	engine *engine.Engine
	active []*markers.Marker
}

func newAtomic(env Env) (Detector, error) {
	var active []*markers.Marker
	for _, m := range env.Snapshot.Active(env.Engine.Options().Categories...) {
		if m.Level <= markers.LevelSemantic {
			active = append(active, m)
		}
	}
	return &atomicDetector{engine: env.Engine, active: active}, nil
}

func (d *atomicDetector) Name() string { return Atomic }

func (d *atomicDetector) Detect(ctx context.Context, text string, _ []Layer) (Layer, error) {
	ms := d.engine.Detect(ctx, text, d.active, 0)
	return Layer{Matches: ms}, ctx.Err()
}

// =============================================================================
// cluster
// =============================================================================

// clusterDetector fires composite markers. Markers are visited by level,
// so a meta marker sees the clusters that fired in the same layer.
type clusterDetector struct {
	composites []*markers.Marker
	logger     *slog.Logger
}

func newCluster(env Env) (Detector, error) {
	var cs []*markers.Marker
	for _, m := range env.Snapshot.Active(env.Engine.Options().Categories...) {
		if m.Level >= markers.LevelCluster && len(m.ComposedOf) > 0 {
			cs = append(cs, m)
		}
	}
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].Level < cs[j].Level })
	return &clusterDetector{composites: cs, logger: env.Logger}, nil
}

func (d *clusterDetector) Name() string { return Cluster }

func (d *clusterDetector) Detect(ctx context.Context, text string, prior []Layer) (Layer, error) {
	hits := fired(prior)
	var out []markers.Match
	for _, m := range d.composites {
		if err := ctx.Err(); err != nil {
			return Layer{Matches: out}, err
		}
		need, err := ActivationThreshold(m)
		if err != nil {
			d.logger.Warn("unreadable activation logic, using default",
				"marker_id", m.ID,
				"error", err)
		}
		var members []markers.Match
		distinct := 0
		for _, id := range m.ComposedOf {
			if ms := hits[id]; len(ms) > 0 {
				distinct++
				members = append(members, ms...)
			}
		}
		if distinct < need {
			continue
		}
		match := composite(text, m.ID, members, "composed_of: "+strings.Join(m.ComposedOf, ", "))
		match.Weight = m.EffectiveWeight()
		match.Category = m.Category
		out = append(out, match)
		hits[m.ID] = append(hits[m.ID], match)
	}
	markers.SortMatches(out)
	return Layer{Matches: out}, nil
}

// ActivationThreshold returns how many distinct composed_of members must
// fire for a composite marker to fire.
//
// # Description
//
// The activation_logic field accepts "ALL", "ANY" (one member) and
// "ANY n" or a bare number. Without it two members are needed, or every
// member of a marker composed of fewer. An unreadable value yields the
// default together with an error.
func ActivationThreshold(m *markers.Marker) (int, error) {
	n := len(m.ComposedOf)
	def := min(2, n)
	raw, ok := m.Extra["activation_logic"]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case int:
		return clamp(v, n), nil
	case float64:
		return clamp(int(v), n), nil
	case string:
		fields := strings.Fields(strings.ToUpper(v))
		switch {
		case len(fields) == 1 && fields[0] == "ALL":
			return n, nil
		case len(fields) == 1 && fields[0] == "ANY":
			return clamp(1, n), nil
		case len(fields) == 2 && fields[0] == "ANY":
			if k, err := strconv.Atoi(fields[1]); err == nil {
				return clamp(k, n), nil
			}
		case len(fields) == 1:
			if k, err := strconv.Atoi(fields[0]); err == nil {
				return clamp(k, n), nil
			}
		}
	}
	return def, fmt.Errorf("activation_logic %v of %s", raw, m.ID)
}

func clamp(k, n int) int {
	return max(1, min(k, n))
}

// composite builds the match of a composite marker spanning its members.
func composite(text, id string, members []markers.Match, pattern string) markers.Match {
	span := members[0].Span
	conf := 0.0
	for _, mm := range members {
		span.Start = min(span.Start, mm.Span.Start)
		span.End = max(span.End, mm.Span.End)
		conf += mm.Confidence
	}
	span.End = min(span.End, len(text))
	return markers.Match{
		MarkerID:    id,
		MatchedText: text[span.Start:span.End],
		Span:        span,
		Confidence:  conf / float64(len(members)),
		PatternType: markers.PatternSemantic,
		Context:     text[span.Start:span.End],
		Pattern:     pattern,
	}
}

// =============================================================================
// co_occurrence
// =============================================================================

// Group is a set of markers that mean more when they fire together.
type Group struct {
	// ID names the match emitted for the group. A marker with this ID, if
	// any, supplies weight and category.
	ID string `yaml:"id" json:"id" validate:"required"`

	// Markers are the member marker IDs.
	Markers []string `yaml:"markers" json:"markers" validate:"min=2,dive,required"`

	// MinCount is the number of distinct members that must fire.
	// Default: 2.
	MinCount int `yaml:"min_count,omitempty" json:"min_count,omitempty" validate:"gte=0"`

	// Weight of the group match. Default: the marker's weight, or 1.
	Weight float64 `yaml:"weight,omitempty" json:"weight,omitempty" validate:"gte=0"`

	Category string `yaml:"category,omitempty" json:"category,omitempty"`
}

// ErrNoGroups indicates the co_occurrence detector enabled without groups.
var ErrNoGroups = errors.New("co_occurrence detector needs at least one group")

type coOccurrenceDetector struct {
	groups []Group
}

func newCoOccurrence(env Env) (Detector, error) {
	if len(env.Groups) == 0 {
		return nil, ErrNoGroups
	}
	groups := make([]Group, len(env.Groups))
	for i, g := range env.Groups {
		if g.MinCount <= 0 {
			g.MinCount = 2
		}
		g.MinCount = clamp(g.MinCount, len(g.Markers))
		if g.Weight <= 0 {
			g.Weight = markerWeight(env.Snapshot, g.ID)
		}
		if g.Category == "" {
			if m, ok := env.Snapshot.Marker(g.ID); ok {
				g.Category = m.Category
			}
		}
		groups[i] = g
	}
	return &coOccurrenceDetector{groups: groups}, nil
}

func markerWeight(snap *repository.Snapshot, id string) float64 {
	if m, ok := snap.Marker(id); ok {
		return m.EffectiveWeight()
	}
	return 1
}

func (d *coOccurrenceDetector) Name() string { return CoOccurrence }

func (d *coOccurrenceDetector) Detect(_ context.Context, text string, prior []Layer) (Layer, error) {
	hits := fired(prior)
	var out []markers.Match
	for _, g := range d.groups {
		var members []markers.Match
		distinct := 0
		for _, id := range g.Markers {
			if ms := hits[id]; len(ms) > 0 {
				distinct++
				members = append(members, ms...)
			}
		}
		if distinct < g.MinCount {
			continue
		}
		match := composite(text, g.ID, members, "co_occurrence: "+strings.Join(g.Markers, ", "))
		match.Weight = g.Weight
		match.Category = g.Category
		out = append(out, match)
	}
	markers.SortMatches(out)
	return Layer{Matches: out}, nil
}
