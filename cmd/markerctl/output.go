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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/AleutianAI/markerengine/internal/markers"
	"github.com/AleutianAI/markerengine/internal/store"
)

// Exit codes for CLI commands.
const (
	CLIExitSuccess  = 0 // Operation completed successfully
	CLIExitFindings = 1 // Validation errors or alerts remain
	CLIExitError    = 2 // Operation failed
)

// OutputConfig controls output behavior.
type OutputConfig struct {
	JSON    bool // Output as JSON
	Compact bool // No indentation
	Quiet   bool // No output, exit code only
}

// CommandResult wraps command output with metadata.
type CommandResult struct {
	APIVersion string    `json:"api_version"`
	Command    string    `json:"command"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Findings   bool      `json:"findings"`
	Data       any       `json:"data,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
}

// OutputJSON writes data as JSON.
func OutputJSON(w io.Writer, data any, compact bool) error {
	enc := json.NewEncoder(w)
	if !compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(data)
}

// errorKind names the error class for JSON consumers.
func errorKind(err error) string {
	switch {
	case errors.Is(err, store.ErrStoreLocked):
		return "locked"
	case errors.Is(err, store.ErrBackupNotFound):
		return "backup_not_found"
	case errors.Is(err, markers.ErrConfig):
		return "config"
	case errors.Is(err, markers.ErrParse):
		return "parse"
	case errors.Is(err, markers.ErrSchema):
		return "schema"
	case errors.Is(err, markers.ErrReference):
		return "reference"
	case errors.Is(err, errAborted):
		return "aborted"
	default:
		return "internal"
	}
}

// OutputResult writes the outcome of a command and returns its exit code.
//
// # Inputs
//
//   - cfg: Output configuration.
//   - w: Destination of JSON output.
//   - cmd: Command name for metadata.
//   - start: Start time for duration calculation.
//   - data: The data to output in JSON mode. Text output is written by
//     the command itself.
//   - hasFindings: Whether unresolved problems remain.
//   - err: Any error that occurred.
//
// # Outputs
//
//   - int: The exit code to use.
func OutputResult(cfg OutputConfig, w, errW io.Writer, cmd string, start time.Time, data any, hasFindings bool, err error) int {
	code := CLIExitSuccess
	switch {
	case err != nil:
		code = CLIExitError
	case hasFindings:
		code = CLIExitFindings
	}
	if cfg.Quiet {
		return code
	}

	if cfg.JSON {
		result := CommandResult{
			APIVersion: "1.0",
			Command:    cmd,
			Timestamp:  time.Now(),
			DurationMs: time.Since(start).Milliseconds(),
			Success:    err == nil,
			Findings:   hasFindings,
			Data:       data,
		}
		if err != nil {
			result.Error = err.Error()
			result.ErrorKind = errorKind(err)
		}
		if encErr := OutputJSON(w, result, cfg.Compact); encErr != nil {
			fmt.Fprintf(errW, "Failed to encode JSON: %v\n", encErr)
			return CLIExitError
		}
		return code
	}

	if err != nil {
		fmt.Fprintf(errW, "Error: %s: %v\n", cmd, err)
	}
	return code
}
