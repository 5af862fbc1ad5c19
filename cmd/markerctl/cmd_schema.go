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
	"fmt"
	"math"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/markerengine/internal/detectors"
	"github.com/AleutianAI/markerengine/internal/scoring"
)

func newSchemaCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Work with analysis schemas",
	}
	cmd.AddCommand(&cobra.Command{
		Use:         "check FILE",
		Short:       "Check an analysis schema: structure, thresholds, detectors",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{annotStandalone: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := scoring.LoadSchema(args[0])
			if err == nil {
				err = detectors.NewRegistry().Check(schema.EnabledDetectors)
			}
			if err != nil {
				a.code = a.finish(nil, false, err)
				return nil
			}
			if a.text() {
				a.printSchema(schema)
			}
			a.code = a.finish(schema, false, nil)
			return nil
		},
	})
	return cmd
}

func (a *app) printSchema(s *scoring.Schema) {
	p := a.printer
	p.Success(fmt.Sprintf("schema %s is valid", s.Name))
	if s.Version != "" {
		p.Field("version", s.Version)
	}
	p.Field("detectors", strings.Join(s.EnabledDetectors, ", "))
	p.Field("weighted_markers", len(s.Weights))
	for _, b := range s.Buckets {
		upper := fmt.Sprintf("%g", b.Max)
		if math.IsInf(b.Max, 1) {
			upper = "∞"
		}
		p.Field("bucket", fmt.Sprintf("%s [%g, %s)", p.RiskBadge(b.Label, b.Color), b.Min, upper))
	}
	p.Field("alert_levels", strings.Join(s.AlertLevels, ", "))
}
