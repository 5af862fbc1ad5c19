// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/markerengine/internal/scoring"
	"github.com/AleutianAI/markerengine/internal/service"
	"github.com/AleutianAI/markerengine/pkg/ux"
)

type detectFlags struct {
	texts  []string
	schema string
	lines  bool
}

// detectInput is one text with a label for output.
type detectInput struct {
	Source string `json:"source"`
	Text   string `json:"-"`
}

// DetectResult is the JSON payload of markerctl detect.
type DetectResult struct {
	Source   string `json:"source"`
	*service.Analysis
}

func newDetectCmd(a *app) *cobra.Command {
	var f detectFlags
	cmd := &cobra.Command{
		Use:   "detect [FILE...|-]",
		Short: "Detect markers in text and score the result",
		Long: `Detect runs every enabled detector over the input and scores the
matches against the analysis schema.

Input is taken from --text, from the named files, or from stdin when
neither is given ("-" also reads stdin). With --lines every non-empty
line is analyzed on its own.

Exits 1 when a result reaches an alert level.`,
		Example: `  markerctl detect --text "Ich sag mal so viel dazu."
  markerctl detect --schema schemas/relationship.yaml chat.txt
  cat chat.txt | markerctl detect --lines --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.code = a.runDetect(cmd, args, f)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&f.texts, "text", "t", nil, "Text to analyze (repeatable)")
	cmd.Flags().StringVarP(&f.schema, "schema", "s", "", "Analysis schema file (default: configured or built-in)")
	cmd.Flags().BoolVar(&f.lines, "lines", false, "Analyze every line separately")
	return cmd
}

func (a *app) runDetect(cmd *cobra.Command, args []string, f detectFlags) int {
	ctx := cmd.Context()
	if err := a.load(ctx); err != nil {
		return a.finish(nil, false, err)
	}

	schema := a.svc.Schema()
	if f.schema != "" {
		var err error
		if schema, err = a.svc.CheckSchema(f.schema); err != nil {
			return a.finish(nil, false, err)
		}
	}

	inputs, err := a.readInputs(args, f)
	if err != nil {
		return a.finish(nil, false, err)
	}
	texts := make([]string, len(inputs))
	for i, in := range inputs {
		texts[i] = in.Text
	}

	analyses, err := a.svc.DetectAll(ctx, texts, schema)
	if err != nil {
		return a.finish(nil, false, err)
	}

	results := make([]DetectResult, len(analyses))
	alert := false
	for i, an := range analyses {
		results[i] = DetectResult{Source: inputs[i].Source, Analysis: an}
		alert = alert || an.Alert
	}

	if a.text() {
		for _, r := range results {
			a.printAnalysis(r, schema, len(results) > 1)
		}
	}
	var data any = results
	if len(results) == 1 {
		data = results[0]
	}
	return a.finish(data, alert, nil)
}

// readInputs collects the texts to analyze.
func (a *app) readInputs(args []string, f detectFlags) ([]detectInput, error) {
	var inputs []detectInput
	for i, t := range f.texts {
		inputs = append(inputs, detectInput{Source: fmt.Sprintf("text[%d]", i), Text: t})
	}
	if len(args) == 0 && len(f.texts) == 0 {
		args = []string{"-"}
	}
	for _, name := range args {
		var data []byte
		var err error
		if name == "-" {
			data, err = io.ReadAll(a.stdin)
			name = "stdin"
		} else {
			data, err = os.ReadFile(name)
		}
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
		inputs = append(inputs, detectInput{Source: name, Text: string(data)})
	}
	if !f.lines {
		return inputs, nil
	}

	var split []detectInput
	for _, in := range inputs {
		sc := bufio.NewScanner(strings.NewReader(in.Text))
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for n := 1; sc.Scan(); n++ {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			split = append(split, detectInput{Source: fmt.Sprintf("%s:%d", in.Source, n), Text: line})
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", in.Source, err)
		}
	}
	return split, nil
}

func (a *app) printAnalysis(r DetectResult, schema *scoring.Schema, labelled bool) {
	p := a.printer
	if labelled {
		p.Title(r.Source)
	} else {
		p.Title("Marker analysis")
	}
	p.Field("source", r.Source)
	p.Field("risk_level", p.RiskBadge(r.RiskLevel, r.RiskColor))
	p.Field("risk_score", p.ScoreBar(r.AdjustedScore, scoreLimit(schema), 24, r.RiskColor))
	p.Field("total_risk_score", fmt.Sprintf("%.2f", r.TotalRiskScore))
	p.Field("matches", r.MatchCount)

	for _, m := range r.Matches {
		line := fmt.Sprintf("%s %q (%s %.2f)", m.MarkerID, m.MatchedText, m.PatternType, m.Confidence)
		if p.Plain() {
			p.Info("match\t" + line)
		} else {
			p.Info(string(ux.IconBullet) + " " + line)
		}
	}
	for _, cat := range slices.Sorted(maps.Keys(r.CategoryBreakdown)) {
		p.Field("category."+cat, r.CategoryBreakdown[cat])
	}
	if !p.Plain() {
		p.Box("Summary", r.Summary, r.Alert)
	}
}

// scoreLimit is the largest finite bucket bound, the scale of the score
// bar.
func scoreLimit(schema *scoring.Schema) float64 {
	limit := 0.0
	for _, b := range schema.Buckets {
		if !math.IsInf(b.Max, 1) {
			limit = math.Max(limit, b.Max)
		}
		limit = math.Max(limit, b.Min)
	}
	return limit
}
