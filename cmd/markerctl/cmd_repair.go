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
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/markerengine/internal/repair"
	"github.com/AleutianAI/markerengine/internal/validate"
	"github.com/AleutianAI/markerengine/pkg/ux"
)

type repairFlags struct {
	dryRun  bool
	yes     bool
	details bool
}

// RepairResult is the JSON payload of markerctl repair.
type RepairResult struct {
	Batch *repair.BatchReport `json:"batch"`

	// Validation is the state after the repair. Dry runs leave it empty.
	Validation *validate.Report `json:"validation,omitempty"`
}

func newRepairCmd(a *app) *cobra.Command {
	var f repairFlags
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Repair every marker file and link grabber references",
		Long: `Repair runs the repair pipeline over every marker file: YAML syntax,
normalization, level inference, ID prefixes, required fields, examples
and grabber linking. Changed files and the grabber library are written
after a backup, under the store lock.

Without --yes an interactive terminal asks for confirmation; elsewhere
--yes or --dry-run is required.

Exits 1 when records could not be repaired or validation errors remain.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.code = a.runRepair(cmd, f)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&f.dryRun, "dry-run", "n", false, "Report changes without writing")
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "Do not ask for confirmation")
	cmd.Flags().BoolVar(&f.details, "details", false, "List every field change")
	return cmd
}

func (a *app) runRepair(cmd *cobra.Command, f repairFlags) int {
	ctx := cmd.Context()
	if err := a.load(ctx); err != nil {
		return a.finish(nil, false, err)
	}

	if !f.dryRun && !f.yes {
		files, err := a.svc.Repository().MarkerFiles()
		if err != nil {
			return a.finish(nil, false, err)
		}
		ok, err := a.confirm(
			fmt.Sprintf("Repair %d marker files?", len(files)),
			"Changed files are backed up to "+a.svc.Store().BackupDir()+" before they are replaced.")
		if err != nil {
			return a.finish(nil, false, err)
		}
		if !ok {
			return a.finish(nil, false, errAborted)
		}
	}

	report, err := a.svc.RepairAll(ctx, f.dryRun)
	if err != nil {
		return a.finish(RepairResult{Batch: report}, false, err)
	}
	result := RepairResult{Batch: report}
	findings := !report.OK() || unresolved(report)
	if !f.dryRun {
		result.Validation = a.svc.ValidateAll()
		findings = !report.OK() || !result.Validation.OK()
	}

	if a.text() {
		a.printRepair(result, f.details)
	}
	return a.finish(result, findings, nil)
}

// unresolved reports whether a repaired record still has errors.
func unresolved(r *repair.BatchReport) bool {
	for _, cr := range r.Reports {
		if validate.HasErrors(cr.Unresolved) {
			return true
		}
	}
	return false
}

func (a *app) printRepair(r RepairResult, details bool) {
	p := a.printer
	b := r.Batch
	if b.DryRun {
		p.Title("Repair (dry run)")
	} else {
		p.Title("Repair")
	}

	byFile := map[string][]*repair.ChangeReport{}
	for _, cr := range b.Reports {
		byFile[cr.Source] = append(byFile[cr.Source], cr)
	}
	for _, fr := range b.Files {
		icon, reason := ux.IconPending, "unchanged"
		switch {
		case fr.Failed > 0:
			icon, reason = ux.IconError, strings.Join(fr.Reasons, "; ")
		case fr.Repaired > 0:
			icon, reason = ux.IconSuccess, fmt.Sprintf("%d of %d records repaired", fr.Repaired, fr.Records)
			if fr.Syntax != "" {
				reason += ", yaml " + string(fr.Syntax)
			}
		}
		p.FileStatus(a.relative(fr.Path), icon, reason)
		if details {
			for _, cr := range byFile[fr.Path] {
				for _, c := range cr.Modified() {
					p.Info(fmt.Sprintf("  %s %s %s", cr.MarkerID, ux.IconArrow, c))
				}
			}
		}
	}

	for _, old := range slices.Sorted(maps.Keys(b.Renamed)) {
		p.Info(fmt.Sprintf("renamed %s %s %s", old, ux.IconArrow, b.Renamed[old]))
	}
	for _, m := range b.MigratedGrabbers {
		p.Info(fmt.Sprintf("migrated grabber %s %s %s", m.From, ux.IconArrow, m.To))
	}
	for _, id := range b.CreatedGrabbers {
		p.Info("created grabber " + id)
	}
	if b.BackupPath != "" {
		p.Muted("backup: " + b.BackupPath)
	}

	p.Summary(
		ux.Stat{Label: "processed", Value: b.Processed},
		ux.Stat{Label: "repaired", Value: b.Repaired, Icon: ux.IconSuccess},
		ux.Stat{Label: "failed", Value: b.Failed, Icon: ux.IconError},
		ux.Stat{Label: "skipped", Value: b.Skipped, Icon: ux.IconPending},
		ux.Stat{Label: "yaml_errors", Value: b.YAMLErrors, Icon: ux.IconWarning},
		ux.Stat{Label: "string_objects", Value: b.StringObjects, Icon: ux.IconWarning},
	)
	if r.Validation != nil && !r.Validation.OK() {
		p.Warning(fmt.Sprintf("%d validation errors remain in %d markers", r.Validation.Errors, r.Validation.InvalidMarkers))
	}
}

// relative shortens path to the marker tree when possible.
func (a *app) relative(path string) string {
	if rel, err := filepath.Rel(a.svc.Repository().Config().MarkersDir, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}
