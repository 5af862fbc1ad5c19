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
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/markerengine/internal/config"
	"github.com/AleutianAI/markerengine/internal/service"
	"github.com/AleutianAI/markerengine/internal/telemetry"
	"github.com/AleutianAI/markerengine/pkg/logging"
	"github.com/AleutianAI/markerengine/pkg/ux"
)

// annotStandalone marks commands that run without a marker tree.
const annotStandalone = "markerctl/standalone"

// errAborted is returned when the user declines a confirmation.
var errAborted = errors.New("aborted by user")

// app holds the flags and the per-run state of one markerctl invocation.
type app struct {
	// Global flags.
	configPath string
	markersDir string
	logLevel   string
	outputMode string
	out        OutputConfig

	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
	confirm ux.Confirmer

	// Set by setup.
	command  string
	start    time.Time
	cfg      *config.Config
	logger   *logging.Logger
	svc      *service.Service
	printer  *ux.Printer
	shutdown telemetry.Shutdown
	span     trace.Span

	code int
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{stdin: stdin, stdout: stdout, stderr: stderr, confirm: ux.Confirm}
}

// run executes one command line and returns the exit code.
func run(ctx context.Context, args []string, a *app) int {
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.ExecuteContext(ctx)
	if err != nil {
		if a.command == "" {
			// Usage error: cobra never reached a command.
			fmt.Fprintf(a.stderr, "Error: %v\n", err)
			a.code = CLIExitError
		} else {
			a.code = a.finish(nil, false, err)
		}
	}
	a.close(ctx)
	return a.code
}

// setup loads the configuration and builds the logger, telemetry and
// service. It runs before every command.
func (a *app) setup(cmd *cobra.Command) error {
	if cmd.Name() == "help" {
		return nil
	}
	a.command = strings.TrimPrefix(cmd.CommandPath(), cmd.Root().Name()+" ")
	a.start = time.Now()
	a.printer = ux.NewPrinter(a.stdout, a.stderr, ux.ParseMode(a.outputMode))

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.markersDir != "" {
		abs, err := filepath.Abs(a.markersDir)
		if err != nil {
			return err
		}
		cfg.Repository.MarkersDir = abs
	}
	if a.logLevel != "" {
		cfg.Logging.Level = strings.ToLower(a.logLevel)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	a.logger, err = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "markerctl",
		JSON:    cfg.Logging.JSON,
		Output:  a.stderr,
	})
	if err != nil {
		return err
	}

	a.shutdown, err = telemetry.Init(cmd.Context(), telemetry.Config{
		ServiceName:    "markerctl",
		ServiceVersion: version,
		Exporter:       cfg.Telemetry.Exporter,
		Writer:         a.stderr,
	})
	if err != nil {
		return err
	}
	ctx, span := telemetry.StartCommand(cmd.Context(), cmd.Name())
	a.span = span
	cmd.SetContext(ctx)

	if cmd.Annotations[annotStandalone] == "true" {
		return nil
	}
	a.svc, err = service.New(cfg, telemetry.LoggerWithTrace(ctx, a.logger.Slog()))
	return err
}

// load reads the configured marker tree. Load issues are logged, not
// fatal.
func (a *app) load(ctx context.Context) error {
	report, err := a.svc.LoadMarkers(ctx, "")
	if err != nil {
		return err
	}
	for _, is := range report.Issues {
		a.logger.Warn("skipped record", "source", is.Source, "marker_id", is.MarkerID, "reason", is.Reason)
	}
	return nil
}

// finish writes the result of the command and returns the exit code.
func (a *app) finish(data any, hasFindings bool, err error) int {
	if a.span != nil && err != nil {
		a.span.RecordError(err)
		a.span.SetStatus(codes.Error, err.Error())
	}
	if err != nil && a.text() && a.printer != nil && !a.printer.Plain() {
		a.printer.Error(fmt.Sprintf("%s: %v", a.command, err))
		quiet := a.out
		quiet.Quiet = true
		return OutputResult(quiet, a.stdout, a.stderr, a.command, a.start, data, hasFindings, err)
	}
	return OutputResult(a.out, a.stdout, a.stderr, a.command, a.start, data, hasFindings, err)
}

// close ends the command span, flushes telemetry, writes the metrics
// file and closes the log file.
func (a *app) close(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if a.span != nil {
		a.span.End()
	}
	if a.shutdown != nil {
		if err := a.shutdown(ctx); err != nil && a.logger != nil {
			a.logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
	if a.cfg != nil && a.cfg.Telemetry.MetricsFile != "" {
		if err := telemetry.WriteMetricsFile(a.cfg.Telemetry.MetricsFile, nil); err != nil && a.logger != nil {
			a.logger.Warn("writing metrics file failed", "path", a.cfg.Telemetry.MetricsFile, "error", err)
		}
	}
	if a.logger != nil {
		a.logger.Close()
	}
}

// text reports whether the command writes human output.
func (a *app) text() bool { return !a.out.JSON && !a.out.Quiet }
