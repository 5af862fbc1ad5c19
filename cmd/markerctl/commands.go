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
	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree bound to a.
func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "markerctl",
		Short: "Detect, validate and repair conversation markers",
		Long: `markerctl runs the marker engine over a marker tree: it detects
markers in text, validates marker and grabber files, repairs legacy or
broken records and maintains the semantic grabber library.

Exit codes: 0 ok, 1 findings remain, 2 the command failed.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "Configuration file (default ./markerctl.yaml)")
	pf.StringVarP(&a.markersDir, "markers", "m", "", "Marker directory, overrides repository.markers_dir")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&a.outputMode, "output", "auto", "Text output: auto, styled, plain")
	pf.BoolVar(&a.out.JSON, "json", false, "Write the result as JSON")
	pf.BoolVar(&a.out.Compact, "compact", false, "Compact JSON without indentation")
	pf.BoolVarP(&a.out.Quiet, "quiet", "q", false, "No output, exit code only")

	root.AddCommand(
		newDetectCmd(a),
		newLoadCmd(a),
		newValidateCmd(a),
		newRepairCmd(a),
		newGrabbersCmd(a),
		newSchemaCmd(a),
		newBackupsCmd(a),
	)
	return root
}
