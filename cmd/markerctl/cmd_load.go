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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/markerengine/internal/repository"
	"github.com/AleutianAI/markerengine/pkg/ux"
)

func newLoadCmd(a *app) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "load [DIR]",
		Short: "Load a marker tree and report what was read",
		Long: `Load reads every marker file and the grabber library and reports the
counts and the records that were skipped. DIR defaults to the configured
markers directory.

With --watch the tree is reloaded on every change until interrupted.

Exits 1 when records were skipped.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			a.code = a.runLoad(cmd, dir, watch)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Reload on file changes until interrupted")
	return cmd
}

func (a *app) runLoad(cmd *cobra.Command, dir string, watch bool) int {
	ctx := cmd.Context()
	report, err := a.svc.LoadMarkers(ctx, dir)
	if err != nil {
		return a.finish(nil, false, err)
	}
	if a.text() {
		a.printLoad(report)
	}

	if watch {
		a.cfg.Repository.AutoReload = true
		if a.text() {
			a.printer.Muted("watching " + a.svc.Repository().Config().MarkersDir + " (ctrl+c to stop)")
		}
		err := a.svc.Watch(ctx, func(r *repository.LoadReport, err error) {
			if err == nil && a.text() {
				a.printLoad(r)
			}
			if err == nil {
				report = r
			}
		})
		if err != nil {
			return a.finish(nil, false, err)
		}
	}
	return a.finish(report, len(report.Issues) > 0, nil)
}

func (a *app) printLoad(r *repository.LoadReport) {
	p := a.printer
	p.Success(fmt.Sprintf("loaded %d markers and %d grabbers from %d files", r.Markers, r.Grabbers, r.Files))
	for _, is := range r.Issues {
		reason := is.Reason
		if is.MarkerID != "" {
			reason = is.MarkerID + ": " + reason
		}
		p.FileStatus(is.Source, ux.IconWarning, reason)
	}
}
