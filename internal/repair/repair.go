// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package repair brings marker records into the canonical schema.
//
// A record passes through a fixed sequence of stages (syntax, normalize,
// infer, template, derive, revalidate). Each stage is individually
// skippable and reports what it changed in a ChangeReport. Batch repair
// over a repository adds grabber naming and linking and writes results
// through the store's exclusive scope.
package repair

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/markerengine/internal/grabbers"
	"github.com/AleutianAI/markerengine/internal/markers"
	"github.com/AleutianAI/markerengine/internal/repository"
	"github.com/AleutianAI/markerengine/internal/validate"
)

const (
	// DefaultMaxExamples caps the examples kept on a repaired record.
	DefaultMaxExamples = 20
)

var (
	// ErrUnsupportedInput indicates a Repair argument of an unknown type.
	ErrUnsupportedInput = errors.New("unsupported repair input")

	// ErrEmptyInput indicates nothing to repair.
	ErrEmptyInput = errors.New("empty repair input")
)

// Options configures an Engine.
type Options struct {
	// Skip disables stages. Batch naming and linking are skipped with
	// StageNaming and StageLink.
	Skip []StageKind

	// MinExamples is the example count records are padded to.
	// Default: validate.MinExamples.
	MinExamples int

	// MaxExamples caps examples. Default: 20.
	MaxExamples int

	// Clock dates generated grabber IDs. Default: time.Now.
	Clock func() time.Time

	// IDSource generates grabber ID suffixes. Default: grabbers.RandomSuffix,
	// or grabbers.DeterministicSuffix when Deterministic is set.
	IDSource grabbers.IDSource

	// Deterministic makes generated IDs a function of the marker ID.
	Deterministic bool

	// Logger receives stage diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MinExamples <= 0 {
		o.MinExamples = validate.MinExamples
	}
	if o.MaxExamples <= 0 {
		o.MaxExamples = DefaultMaxExamples
	}
	if o.MaxExamples < o.MinExamples {
		o.MaxExamples = o.MinExamples
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.IDSource == nil {
		o.IDSource = grabbers.RandomSuffix
		if o.Deterministic {
			o.IDSource = grabbers.DeterministicSuffix
		}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Engine repairs marker records.
//
// # Thread Safety
//
// An Engine holds no mutable state and may be shared between goroutines.
type Engine struct {
	opts   Options
	skip   map[StageKind]bool
	stages []Stage
	logger *slog.Logger
}

// New creates an Engine.
func New(opts Options) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		opts:   opts,
		skip:   make(map[StageKind]bool, len(opts.Skip)),
		stages: Pipeline(),
		logger: opts.Logger,
	}
	for _, k := range opts.Skip {
		e.skip[k] = true
	}
	return e
}

// Options returns the engine options with defaults applied.
func (e *Engine) Options() Options { return e.opts }

// Skips reports whether stage k is disabled.
func (e *Engine) Skips(k StageKind) bool { return e.skip[k] }

// Repair repairs one record.
//
// # Description
//
// raw may be a map[string]any, a bare string, a *markers.Marker, or
// structured text ([]byte). Text that holds several records yields the
// first one with a warning; use RepairFile for whole files.
//
// # Outputs
//
//   - *markers.Marker: The repaired record. Its Status is invalid when
//     errors remain, listed in ChangeReport.Unresolved.
//   - *ChangeReport: What changed. Empty for a compliant record.
//   - error: ErrUnsupportedInput, ErrEmptyInput, or a *markers.ParseError
//     when text cannot be read and the syntax stage is skipped.
func (e *Engine) Repair(raw any) (*markers.Marker, *ChangeReport, error) {
	return e.RepairSource("", raw)
}

// RepairSource is Repair for a record read from source. The source file
// name seeds the ID of records that carry none.
func (e *Engine) RepairSource(source string, raw any) (*markers.Marker, *ChangeReport, error) {
	st := e.newState(source, 0, 1)
	switch v := raw.(type) {
	case nil:
		return nil, nil, ErrEmptyInput
	case []byte:
		if len(v) == 0 {
			return nil, nil, ErrEmptyInput
		}
		st.text = v
	case string:
		st.value = v
	case map[string]any:
		st.value = deepCopy(v)
	case *markers.Marker:
		if v == nil {
			return nil, nil, ErrEmptyInput
		}
		rec, err := markerRecord(v)
		if err != nil {
			return nil, nil, err
		}
		st.value = rec
		if st.source == "" {
			st.source = v.SourceFile
			st.report.Source = v.SourceFile
		}
	default:
		return nil, nil, fmt.Errorf("%w: %T", ErrUnsupportedInput, raw)
	}

	m, report, err := e.run(st)
	observeRecord(report, err)
	return m, report, err
}

// run executes the pipeline over st.
func (e *Engine) run(st *state) (*markers.Marker, *ChangeReport, error) {
	for _, s := range e.stages {
		if e.skip[s.Kind()] {
			st.report.Skipped = append(st.report.Skipped, s.Kind())
			// Text is still read, unfixed.
			if s.Kind() == StageSyntax && st.text != nil {
				if err := st.readInput(); err != nil {
					return nil, st.report, fmt.Errorf("repair: %w", err)
				}
			}
			continue
		}
		if err := s.Apply(st); err != nil {
			e.logger.Warn("repair stage failed",
				"stage", s.Kind(),
				"source", st.source,
				"index", st.index,
				"error", err)
			return nil, st.report, fmt.Errorf("repair %s stage: %w", s.Kind(), err)
		}
	}
	if err := st.ensureMarker(); err != nil {
		return nil, st.report, err
	}
	st.report.MarkerID = st.marker.ID
	st.report.finish()
	if !st.report.Empty() {
		e.logger.Debug("repaired record",
			"marker_id", st.marker.ID,
			"source", st.source,
			"changes", len(st.report.Changes),
			"warnings", len(st.report.Warnings),
			"unresolved", len(st.report.Unresolved))
	}
	return st.marker, st.report, nil
}

func (e *Engine) newState(source string, index, count int) *state {
	return &state{
		e:      e,
		source: source,
		index:  index,
		count:  count,
		report: &ChangeReport{Source: source, Index: index},
	}
}

// =============================================================================
// Files
// =============================================================================

// RecordRepair is the repair outcome of one record of a file.
type RecordRepair struct {
	Record repository.RawRecord
	Marker *markers.Marker
	Report *ChangeReport
	Err    error
}

// FileRepair is the repair outcome of one marker file.
type FileRepair struct {
	Source  string
	Data    []byte // the text as read
	Syntax  SyntaxOutcome
	File    *repository.File
	Records []*RecordRepair
}

// Changed reports whether the file needs rewriting.
func (fr *FileRepair) Changed() bool {
	if fr.Syntax != SyntaxClean {
		return true
	}
	for _, r := range fr.Records {
		if r.Err == nil && !r.Report.Empty() {
			return true
		}
	}
	return false
}

// Failed returns the records that could not be repaired at all.
func (fr *FileRepair) Failed() []*RecordRepair {
	var out []*RecordRepair
	for _, r := range fr.Records {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// Encode renders the file with every changed record replaced by its
// repaired form. Unchanged records keep their original layout.
func (fr *FileRepair) Encode() ([]byte, error) {
	for _, r := range fr.Records {
		if r.Err != nil || (r.Report.Empty() && fr.Syntax != SyntaxMinimal) {
			continue
		}
		if err := fr.File.Replace(r.Record.Index, r.Marker); err != nil {
			return nil, err
		}
		if r.Report.Renamed() {
			fr.File.SetKey(r.Record, r.Marker.ID)
		}
	}
	return fr.File.Encode()
}

// RepairFile repairs every record of a marker file.
//
// # Description
//
// The syntax stage runs over the whole text. Each record then runs
// through the remaining stages. A record that fails is reported in its
// RecordRepair and does not stop the others.
//
// # Outputs
//
//   - *FileRepair: Per-record outcomes and the edited file.
//   - error: A *markers.ParseError when the text cannot be read and the
//     syntax stage is skipped.
func (e *Engine) RepairFile(source string, data []byte) (*FileRepair, error) {
	f, outcome, warnings, err := e.readText(source, data)
	if err != nil {
		return nil, err
	}
	fr := &FileRepair{Source: source, Data: data, Syntax: outcome, File: f}
	for _, w := range warnings {
		e.logger.Warn(w, "source", source)
	}

	for i, rec := range f.Records {
		st := e.newState(source, i, len(f.Records))
		st.minimal = outcome == SyntaxMinimal
		if outcome != SyntaxClean {
			st.report.Syntax = outcome
			st.report.Warnings = append(st.report.Warnings, warnings...)
		}
		rr := &RecordRepair{Record: rec}
		v, err := rec.Value()
		if err != nil {
			rr.Err = err
			rr.Report = st.report
			fr.Records = append(fr.Records, rr)
			continue
		}
		if m, ok := v.(map[string]any); ok && rec.Key != "" && isEmpty(m["id"]) && isEmpty(m["marker_name"]) && isEmpty(m["name"]) {
			m["id"] = rec.Key
		}
		st.value = v
		rr.Marker, rr.Report, rr.Err = e.run(st)
		if rr.Report == nil {
			rr.Report = st.report
		}
		if rr.Marker != nil {
			rr.Marker.SourceFile = source
		}
		fr.Records = append(fr.Records, rr)
	}
	return fr, nil
}

// readText parses data, applying the syntax fixes and finally the
// minimal-record fallback unless the syntax stage is skipped.
func (e *Engine) readText(source string, data []byte) (*repository.File, SyntaxOutcome, []string, error) {
	f, perr := repository.ParseFile(source, data)
	if perr == nil {
		return f, SyntaxClean, nil, nil
	}
	if e.skip[StageSyntax] {
		return nil, "", nil, perr
	}

	if f, err := repository.ParseFile(source, FixSyntax(data)); err == nil {
		return f, SyntaxFixed, []string{"repaired YAML syntax"}, nil
	}

	rec := MinimalRecord(source, data)
	out, err := yaml.Marshal(rec)
	if err != nil {
		return nil, "", nil, fmt.Errorf("encoding minimal record for %s: %w", source, err)
	}
	f, err = repository.ParseFile(source, out)
	if err != nil {
		return nil, "", nil, err
	}
	return f, SyntaxMinimal, []string{fmt.Sprintf("unreadable YAML (%v), synthesized a minimal record", perr)}, nil
}

// markerRecord turns a decoded marker back into its generic record form.
func markerRecord(m *markers.Marker) (map[string]any, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding marker %s: %w", m.ID, err)
	}
	var rec map[string]any
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding marker %s: %w", m.ID, err)
	}
	return rec, nil
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = deepCopy(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = deepCopy(x)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
