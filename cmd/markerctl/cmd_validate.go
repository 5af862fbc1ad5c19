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
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/markerengine/internal/validate"
	"github.com/AleutianAI/markerengine/pkg/ux"
)

func newValidateCmd(a *app) *cobra.Command {
	var warnings bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate every marker and grabber",
		Long: `Validate checks every marker against the structural rules (ID prefix,
level fields, example count, references) and every grabber of the
library, and lists grabbers no marker uses.

Exits 1 when errors remain. Warnings alone exit 0.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(cmd.Context()); err != nil {
				a.code = a.finish(nil, false, err)
				return nil
			}
			report := a.svc.ValidateAll()
			if a.text() {
				a.printValidation(report, warnings)
			}
			a.code = a.finish(report, !report.OK(), nil)
			return nil
		},
	}
	cmd.Flags().BoolVar(&warnings, "warnings", false, "List warnings as well as errors")
	return cmd
}

func (a *app) printValidation(r *validate.Report, warnings bool) {
	p := a.printer
	p.Title("Validation")
	for _, id := range slices.Sorted(maps.Keys(r.MarkerIssues)) {
		printIssues(p, id, r.MarkerIssues[id], warnings)
	}
	for _, id := range slices.Sorted(maps.Keys(r.GrabberIssues)) {
		printIssues(p, id, r.GrabberIssues[id], warnings)
	}
	for _, id := range r.UnusedGrabbers {
		if warnings {
			p.FileStatus(id, ux.IconPending, "unused grabber")
		}
	}
	p.Summary(
		ux.Stat{Label: "valid", Value: r.ValidMarkers, Icon: ux.IconSuccess},
		ux.Stat{Label: "invalid", Value: r.InvalidMarkers, Icon: ux.IconError},
		ux.Stat{Label: "errors", Value: r.Errors, Icon: ux.IconError},
		ux.Stat{Label: "warnings", Value: r.Warnings, Icon: ux.IconWarning},
		ux.Stat{Label: "unused_grabbers", Value: len(r.UnusedGrabbers)},
	)
}

func printIssues(p *ux.Printer, id string, issues []validate.Issue, warnings bool) {
	for _, is := range issues {
		icon := ux.IconError
		if is.Severity != validate.SeverityError {
			if !warnings {
				continue
			}
			icon = ux.IconWarning
		}
		reason := is.Message
		if is.Field != "" {
			reason = fmt.Sprintf("%s: %s", is.Field, is.Message)
		}
		p.FileStatus(id, icon, fmt.Sprintf("[%s] %s", is.Code, reason))
	}
}
