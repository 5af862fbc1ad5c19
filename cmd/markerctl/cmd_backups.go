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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/markerengine/pkg/ux"
)

func newBackupsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List and restore backups of the marker tree",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List backup sets, newest first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				sets, err := a.svc.Backups()
				if err != nil {
					a.code = a.finish(nil, false, err)
					return nil
				}
				if a.text() {
					for _, b := range sets {
						a.printer.FileStatus(b.Name, ux.IconBullet,
							fmt.Sprintf("%s, %d files, %s", b.CreatedAt.Local().Format(time.DateTime), len(b.Files), b.Reason))
					}
					a.printer.Summary(ux.Stat{Label: "backups", Value: len(sets)})
				}
				a.code = a.finish(sets, false, nil)
				return nil
			},
		},
		newBackupsRestoreCmd(a),
	)
	return cmd
}

func newBackupsRestoreCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "restore NAME",
		Short: "Restore a backup set into the marker tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				ok, err := a.confirm("Restore backup "+args[0]+"?",
					"Files in the marker tree are overwritten with the backed up versions.")
				if err != nil {
					a.code = a.finish(nil, false, err)
					return nil
				}
				if !ok {
					a.code = a.finish(nil, false, errAborted)
					return nil
				}
			}
			files, err := a.svc.Restore(cmd.Context(), args[0])
			if err != nil {
				a.code = a.finish(nil, false, err)
				return nil
			}
			if a.text() {
				for _, f := range files {
					a.printer.FileStatus(f, ux.IconSuccess, "restored")
				}
				a.printer.Summary(ux.Stat{Label: "restored", Value: len(files), Icon: ux.IconSuccess})
			}
			a.code = a.finish(files, false, nil)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}
