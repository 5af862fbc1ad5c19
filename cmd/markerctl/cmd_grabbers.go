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

	"github.com/AleutianAI/markerengine/pkg/ux"
)

func newGrabbersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grabbers",
		Short: "Inspect and maintain the semantic grabber library",
	}
	cmd.AddCommand(
		newGrabbersOrphansCmd(a),
		newGrabbersBrokenCmd(a),
		newGrabbersSimilarCmd(a),
		newGrabbersMergeCmd(a),
		newGrabbersFixCmd(a),
	)
	return cmd
}

// withLoaded runs fn after loading the marker tree and stores its exit
// code.
func (a *app) withLoaded(fn func(cmd *cobra.Command, args []string) int) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := a.load(cmd.Context()); err != nil {
			a.code = a.finish(nil, false, err)
			return nil
		}
		a.code = fn(cmd, args)
		return nil
	}
}

func newGrabbersOrphansCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "orphans",
		Short: "List grabbers no marker references (exits 1 if any)",
		Args:  cobra.NoArgs,
		RunE: a.withLoaded(func(cmd *cobra.Command, args []string) int {
			ids := a.svc.Orphans()
			if a.text() {
				for _, id := range ids {
					a.printer.FileStatus(id, ux.IconWarning, "no marker references it")
				}
				a.printer.Summary(ux.Stat{Label: "orphans", Value: len(ids), Icon: ux.IconWarning})
			}
			return a.finish(ids, len(ids) > 0, nil)
		}),
	}
}

func newGrabbersBrokenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "broken",
		Short: "List marker references to missing grabbers (exits 1 if any)",
		Args:  cobra.NoArgs,
		RunE: a.withLoaded(func(cmd *cobra.Command, args []string) int {
			refs := a.svc.BrokenRefs()
			if a.text() {
				for _, r := range refs {
					a.printer.FileStatus(r.MarkerID, ux.IconError, "missing grabber "+r.GrabberID)
				}
				a.printer.Summary(ux.Stat{Label: "broken", Value: len(refs), Icon: ux.IconError})
			}
			return a.finish(refs, len(refs) > 0, nil)
		}),
	}
}

func newGrabbersSimilarCmd(a *app) *cobra.Command {
	var threshold float64
	cmd := &cobra.Command{
		Use:   "similar",
		Short: "List pairs of grabbers with overlapping patterns",
		Args:  cobra.NoArgs,
		RunE: a.withLoaded(func(cmd *cobra.Command, args []string) int {
			if threshold < 0 || threshold > 1 {
				return a.finish(nil, false, fmt.Errorf("--threshold must be within [0, 1], got %v", threshold))
			}
			pairs := a.svc.Similar(threshold)
			if a.text() {
				for _, sp := range pairs {
					a.printer.FileStatus(fmt.Sprintf("%s ~ %s", sp.A, sp.B), ux.IconBullet,
						fmt.Sprintf("%.2f, %s", sp.Similarity, sp.Recommendation))
				}
				a.printer.Summary(ux.Stat{Label: "pairs", Value: len(pairs)})
			}
			return a.finish(pairs, false, nil)
		}),
	}
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Minimum similarity (default: grabbers.similarity_threshold)")
	return cmd
}

func newGrabbersMergeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "merge KEEP DROP",
		Short: "Merge grabber DROP into KEEP and repoint its markers",
		Args:  cobra.ExactArgs(2),
		RunE: a.withLoaded(func(cmd *cobra.Command, args []string) int {
			res, err := a.svc.Merge(cmd.Context(), args[0], args[1])
			if err != nil {
				return a.finish(nil, false, err)
			}
			if a.text() {
				a.printer.Success(fmt.Sprintf("merged %s into %s: %d patterns added, %d markers repointed",
					res.Dropped, res.Kept, res.Added, len(res.Rewritten)))
			}
			return a.finish(res, false, nil)
		}),
	}
}

func newGrabbersFixCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "fix",
		Short: "Link every broken reference to an existing or new grabber",
		Args:  cobra.NoArgs,
		RunE: a.withLoaded(func(cmd *cobra.Command, args []string) int {
			results, err := a.svc.FixBrokenRefs(cmd.Context(), dryRun)
			if a.text() {
				for _, r := range results {
					how := "reused"
					if r.Created {
						how = "created"
					}
					a.printer.FileStatus(r.MarkerID, ux.IconSuccess, fmt.Sprintf("%s %s %s", ux.IconArrow, r.GrabberID, how))
				}
				a.printer.Summary(ux.Stat{Label: "linked", Value: len(results), Icon: ux.IconSuccess})
			}
			return a.finish(results, false, err)
		}),
	}
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "Report links without writing")
	return cmd
}
