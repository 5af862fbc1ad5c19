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
	"fmt"
	"strings"

	"github.com/AleutianAI/markerengine/internal/markers"
	"github.com/AleutianAI/markerengine/internal/validate"
)

// StageKind names a repair stage.
type StageKind string

const (
	StageSyntax     StageKind = "syntax"
	StageNormalize  StageKind = "normalize"
	StageInfer      StageKind = "infer"
	StageTemplate   StageKind = "template"
	StageDerive     StageKind = "derive"
	StageRevalidate StageKind = "revalidate"

	// StageNaming migrates legacy grabber IDs. Batch only.
	StageNaming StageKind = "naming"

	// StageLink makes every grabber reference resolve. Batch only.
	StageLink StageKind = "link"
)

// ParseStageKind resolves a stage name.
func ParseStageKind(s string) (StageKind, error) {
	k := StageKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case StageSyntax, StageNormalize, StageInfer, StageTemplate,
		StageDerive, StageRevalidate, StageNaming, StageLink:
		return k, nil
	}
	return "", fmt.Errorf("unknown repair stage %q", s)
}

// Stage is one step of the record pipeline.
//
// Stages operate on unexported pipeline state, so the set of stages is
// closed to this package.
type Stage interface {
	Kind() StageKind
	Apply(st *state) error
}

// Pipeline returns the record stages in execution order.
func Pipeline() []Stage {
	return []Stage{
		syntaxStage{},
		normalizeStage{},
		inferStage{},
		templateStage{},
		deriveStage{},
		revalidateStage{},
	}
}

// state is the working set of one record moving through the pipeline.
type state struct {
	e      *Engine
	source string
	index  int
	count  int

	// text is set for structured-text input until the syntax stage reads it.
	text []byte

	// value is the decoded record, a map or a bare string.
	value any

	record map[string]any
	marker *markers.Marker

	inference validate.Inference
	inferred  bool

	// legacy is set when legacy fields, a bare string or a synthesized
	// record were seen. It counts as level evidence.
	legacy  bool
	minimal bool
	hasIO   bool

	report *ChangeReport
}

func (st *state) change(stage StageKind, field string, kind ChangeKind, reason string, old, new any) {
	st.report.add(FieldChange{Field: field, Kind: kind, Stage: stage, Reason: reason, Old: old, New: new})
}

// ensureRecord turns the decoded value into a record map.
func (st *state) ensureRecord() error {
	if st.record != nil {
		return nil
	}
	switch v := st.value.(type) {
	case nil:
		st.record = map[string]any{}
	case map[string]any:
		st.record = v
	case string:
		st.record = st.stringRecord(v)
	case int, int64, float64, bool:
		st.record = st.stringRecord(fmt.Sprint(v))
	default:
		return fmt.Errorf("%w: record of type %T", ErrUnsupportedInput, st.value)
	}
	if st.minimal {
		st.legacy = true
	}
	return nil
}

// ensureMarker builds the marker without dropping anything when the
// template stage did not run.
func (st *state) ensureMarker() error {
	if st.marker != nil {
		return nil
	}
	if err := st.ensureRecord(); err != nil {
		return err
	}
	st.marker = st.buildMarker(false)
	return nil
}

// level returns the level the record ends up with.
func (st *state) level() markers.Level {
	if st.inferred {
		return st.inference.Level
	}
	l, _ := markers.ParseLevel(st.record["level"])
	return l
}

// =============================================================================
// Stages
// =============================================================================

type syntaxStage struct{}

func (syntaxStage) Kind() StageKind { return StageSyntax }

// Apply reads structured-text input. Other inputs pass through.
func (syntaxStage) Apply(st *state) error {
	if st.text == nil {
		return nil
	}
	return st.readInput()
}

// readInput decodes the first record of structured-text input. The syntax
// fixes apply unless the syntax stage is skipped.
func (st *state) readInput() error {
	f, outcome, warnings, err := st.e.readText(st.source, st.text)
	if err != nil {
		return err
	}
	st.text = nil
	st.report.Syntax = outcome
	st.report.Warnings = append(st.report.Warnings, warnings...)
	st.minimal = outcome == SyntaxMinimal
	if len(f.Records) == 0 {
		return ErrEmptyInput
	}
	if len(f.Records) > 1 {
		st.report.warn("text holds %d records, repairing the first", len(f.Records))
	}
	rec := f.Records[0]
	v, err := rec.Value()
	if err != nil {
		return err
	}
	if m, ok := v.(map[string]any); ok && rec.Key != "" && isEmpty(m["id"]) {
		m["id"] = rec.Key
	}
	st.value = v
	return nil
}

type normalizeStage struct{}

func (normalizeStage) Kind() StageKind { return StageNormalize }

func (normalizeStage) Apply(st *state) error {
	if err := st.ensureRecord(); err != nil {
		return err
	}
	st.normalize()
	return nil
}

type inferStage struct{}

func (inferStage) Kind() StageKind { return StageInfer }

func (inferStage) Apply(st *state) error {
	if err := st.ensureRecord(); err != nil {
		return err
	}
	ev := validate.Evidence{
		ID:           asString(st.record["id"]),
		ComposedOf:   asStrings(st.record["composed_of"]),
		Category:     asString(st.record["category"]),
		SemanticTags: asStrings(st.record["semantic_tags"]),
		LegacyFields: st.legacy,
		HasIO:        st.hasIO,
	}
	if l, ok := markers.ParseLevel(st.record["level"]); ok {
		ev.Declared = l
	}
	st.inference = validate.InferLevel(ev)
	st.inferred = true
	st.report.Level = st.inference.Level
	st.report.LevelReason = st.inference.Reason
	st.report.LevelHeuristic = st.inference.Heuristic
	if st.inference.Heuristic {
		st.report.warn("level %d inferred heuristically: %s", st.inference.Level, st.inference.Reason)
	}
	return nil
}

type templateStage struct{}

func (templateStage) Kind() StageKind { return StageTemplate }

func (templateStage) Apply(st *state) error {
	if err := st.ensureRecord(); err != nil {
		return err
	}
	st.marker = st.buildMarker(true)
	return nil
}

type deriveStage struct{}

func (deriveStage) Kind() StageKind { return StageDerive }

func (deriveStage) Apply(st *state) error {
	if err := st.ensureMarker(); err != nil {
		return err
	}
	st.derive()
	return nil
}

type revalidateStage struct{}

func (revalidateStage) Kind() StageKind { return StageRevalidate }

// Apply validates the record without references and settles its status.
// Batch repair checks references afterwards.
func (revalidateStage) Apply(st *state) error {
	if err := st.ensureMarker(); err != nil {
		return err
	}
	m := st.marker
	v := validate.New(nil, validate.WithMinExamples(st.e.opts.MinExamples))
	ok, issues := v.Validate(m)

	st.report.Unresolved = nil
	for _, is := range issues {
		if is.Severity == validate.SeverityError {
			st.report.Unresolved = append(st.report.Unresolved, is)
		}
	}

	old := m.Status
	switch {
	case m.Status == markers.StatusInactive:
		// Deprecation is only ever undone by hand.
	case !ok:
		m.Status = markers.StatusInvalid
	case m.Status == markers.StatusDraft || m.Status == markers.StatusInvalid:
		m.Status = markers.StatusActive
	case m.Status == "" && !st.report.Empty():
		m.Status = markers.StatusActive
	}
	if m.Status != old {
		st.change(StageRevalidate, "status", kindFor(old == "", false), "validation outcome", string(old), string(m.Status))
	}
	if !ok {
		st.e.logger.Warn("record still invalid after repair",
			"marker_id", m.ID,
			"source", st.source,
			"error", validate.Errors(issues))
	}
	return nil
}

func kindFor(wasEmpty, isEmpty bool) ChangeKind {
	switch {
	case wasEmpty && !isEmpty:
		return ChangeAdded
	case !wasEmpty && isEmpty:
		return ChangeRemoved
	default:
		return ChangeModified
	}
}
