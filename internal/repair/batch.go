// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"time"

	"github.com/AleutianAI/markerengine/internal/grabbers"
	"github.com/AleutianAI/markerengine/internal/markers"
	"github.com/AleutianAI/markerengine/internal/repository"
	"github.com/AleutianAI/markerengine/internal/store"
	"github.com/AleutianAI/markerengine/internal/validate"
)

// FileResult summarizes the repair of one file.
type FileResult struct {
	Path     string        `json:"path"`
	Syntax   SyntaxOutcome `json:"syntax,omitempty"`
	Records  int           `json:"records"`
	Repaired int           `json:"repaired"`
	Failed   int           `json:"failed"`
	Reasons  []string      `json:"reasons,omitempty"`
	Written  bool          `json:"written"`
}

// BatchReport summarizes a RepairAll run.
type BatchReport struct {
	DryRun bool `json:"dry_run"`

	Processed     int `json:"processed"`
	Repaired      int `json:"repaired"`
	Failed        int `json:"failed"`
	Skipped       int `json:"skipped"`
	YAMLErrors    int `json:"yaml_errors"`
	StringObjects int `json:"string_objects"`

	Files   []FileResult    `json:"files"`
	Reports []*ChangeReport `json:"reports,omitempty"`

	// Renamed maps old marker IDs to their derived IDs.
	Renamed map[string]string `json:"renamed,omitempty"`

	MigratedGrabbers []grabbers.Migration `json:"migrated_grabbers,omitempty"`
	CreatedGrabbers  []string             `json:"created_grabbers,omitempty"`

	// BackupPath is the backup set written before any file changed.
	BackupPath string `json:"backup_path,omitempty"`

	Cancelled bool          `json:"cancelled,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// OK reports whether every record is valid after the run.
func (r *BatchReport) OK() bool { return r.Failed == 0 && !r.Cancelled }

// Batch repairs every marker file of a repository.
type Batch struct {
	engine   *Engine
	repo     *repository.Repository
	store    *store.Store
	linkOpts grabbers.Options
	logger   *slog.Logger
}

// NewBatch creates a Batch. Writes go through st; linkOpts configures the
// grabber linker used by the naming and link steps.
func NewBatch(engine *Engine, repo *repository.Repository, st *store.Store, linkOpts grabbers.Options) *Batch {
	if linkOpts.Clock == nil {
		linkOpts.Clock = engine.opts.Clock
	}
	if linkOpts.IDSource == nil {
		linkOpts.IDSource = engine.opts.IDSource
	}
	if linkOpts.Logger == nil {
		linkOpts.Logger = engine.logger
	}
	return &Batch{
		engine:   engine,
		repo:     repo,
		store:    st,
		linkOpts: linkOpts,
		logger:   engine.logger,
	}
}

// RepairAll repairs every marker file under the repository.
//
// # Description
//
// Files are repaired one at a time. Marker renames are then followed in
// composed_of lists, legacy grabber IDs are migrated, and every grabber
// reference is linked to an existing or new grabber. Unless dryRun, the
// changed files and the grabber library are written inside one exclusive
// store scope, after a backup, and the repository is reloaded.
//
// A file with a record that could not be read is never written.
//
// # Inputs
//
//   - ctx: Cancellation stops before the next file. Files already
//     repaired are still written; grabber naming and linking are left
//     for the next run.
//   - dryRun: Report without writing.
//
// # Outputs
//
//   - *BatchReport: Always non-nil.
//   - error: ctx.Err() on cancellation, or a listing, library or store
//     failure. A store failure leaves every file as it was.
func (b *Batch) RepairAll(ctx context.Context, dryRun bool) (report *BatchReport, err error) {
	ctx, span := startBatchSpan(ctx, dryRun)
	start := time.Now()
	report = &BatchReport{DryRun: dryRun, Renamed: map[string]string{}}
	defer func() {
		report.Duration = time.Since(start)
		endBatchSpan(span, report, err)
	}()

	cfg := b.repo.Config()
	paths, err := b.repo.MarkerFiles()
	if err != nil {
		return report, err
	}
	library, err := repository.LoadGrabbers(cfg.GrabberFile)
	if err != nil {
		return report, fmt.Errorf("repair: %w", err)
	}

	var files []*FileRepair
	// held collects files this run will not rewrite, with their text when
	// it could be read.
	held := map[string][]byte{}
	for _, path := range paths {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		res := FileResult{Path: path}
		data, err := os.ReadFile(path)
		if err != nil {
			held[path] = nil
			res.Reasons = append(res.Reasons, err.Error())
			res.Failed++
			report.Failed++
			report.Files = append(report.Files, res)
			repairFiles.WithLabelValues(outcomeFailed).Inc()
			continue
		}
		fr, err := b.engine.RepairFile(path, data)
		if err != nil {
			held[path] = data
			res.Reasons = append(res.Reasons, err.Error())
			res.Failed++
			report.Failed++
			report.YAMLErrors++
			report.Files = append(report.Files, res)
			repairFiles.WithLabelValues(outcomeFailed).Inc()
			continue
		}
		files = append(files, fr)
		report.Files = append(report.Files, FileResult{Path: path, Syntax: fr.Syntax})
	}

	b.rejectDuplicates(files)
	for _, fr := range files {
		if len(fr.Failed()) > 0 {
			held[fr.Source] = fr.Data
		}
	}
	b.followRenames(files, report)

	// A cancelled run never migrates or links: unvisited files would keep
	// references to the old grabber IDs.
	var linker *grabbers.Linker
	if !report.Cancelled && (!b.engine.Skips(StageNaming) || !b.engine.Skips(StageLink)) {
		linker = grabbers.NewLinker(library, repairedMarkers(files), b.linkOpts)
		b.link(linker, files, b.pinnedGrabbers(held), report)
		library = linker.Grabbers()
	}

	b.checkReferences(files, library)
	b.tally(files, report)

	if dryRun {
		for _, fr := range files {
			if fr.Changed() {
				repairFiles.WithLabelValues(outcomeDryRun).Inc()
			}
		}
	} else if anyChanged(files) || (linker != nil && linker.LibraryDirty()) {
		if err := b.write(ctx, files, linker, cfg.GrabberFile, report); err != nil {
			return report, err
		}
		if _, err := b.repo.Load(context.WithoutCancel(ctx)); err != nil {
			b.logger.Warn("reload after repair failed", "error", err)
		}
	}

	b.logger.Info("repair finished",
		"dry_run", dryRun,
		"processed", report.Processed,
		"repaired", report.Repaired,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"cancelled", report.Cancelled)

	if report.Cancelled {
		return report, ctx.Err()
	}
	return report, nil
}

// rejectDuplicates fails every record whose repaired ID an earlier record
// already holds, so two records never end up sharing an ID on disk. The
// file of a rejected record is held back like any file with a failed
// record.
func (b *Batch) rejectDuplicates(files []*FileRepair) {
	owner := map[string]string{}
	for _, fr := range files {
		for _, r := range fr.Records {
			if r.Err != nil || r.Marker == nil {
				continue
			}
			id := r.Marker.ID
			first, dup := owner[id]
			if !dup {
				owner[id] = fr.Source
				continue
			}
			reason := "id already defined in " + first
			if r.Report.Renamed() {
				reason = fmt.Sprintf("derived id from %s collides with the record in %s", r.Report.OriginalID, first)
			}
			r.Err = &markers.SchemaError{MarkerID: id, Field: "id", Reason: reason}
			b.logger.Warn("duplicate marker id", "marker_id", id, "source", fr.Source, "first", first)
		}
	}
}

// followRenames rewrites composed_of entries naming a renamed marker.
func (b *Batch) followRenames(files []*FileRepair, report *BatchReport) {
	for _, fr := range files {
		for _, r := range fr.Records {
			if r.Err != nil || !r.Report.Renamed() {
				continue
			}
			old := r.Report.OriginalID
			if prev, dup := report.Renamed[old]; dup && prev != r.Marker.ID {
				b.logger.Warn("marker id renamed two ways", "old", old, "first", prev, "second", r.Marker.ID)
				continue
			}
			report.Renamed[old] = r.Marker.ID
		}
	}
	if len(report.Renamed) == 0 {
		return
	}
	for _, fr := range files {
		for _, r := range fr.Records {
			if r.Err != nil {
				continue
			}
			m := r.Marker
			var old []string
			for i, id := range m.ComposedOf {
				if to, ok := report.Renamed[id]; ok {
					if old == nil {
						old = append([]string(nil), m.ComposedOf...)
					}
					m.ComposedOf[i] = to
				}
			}
			if old != nil {
				r.Report.add(FieldChange{
					Field: "composed_of", Kind: ChangeModified, Stage: StageNaming,
					Reason: "followed marker renames", Old: old, New: m.ComposedOf,
				})
			}
		}
	}
}

// grabberRef finds grabber references in raw marker text, under the
// canonical key or one of its legacy synonyms.
var grabberRef = regexp.MustCompile(`(?m)^[\s-]*(?:semantic_grabber_id|semantische_grabber_id|grabber_id|semantic_grab_id)\s*:\s*["']?([A-Za-z0-9_]+)`)

// pinnedGrabbers returns the grabber IDs referenced from files that are
// not rewritten. Their references stay on disk as they are, so those IDs
// must survive the run. References are read from the raw text and from
// the last loaded snapshot, which still knows files that no longer parse.
func (b *Batch) pinnedGrabbers(held map[string][]byte) map[string]bool {
	if len(held) == 0 {
		return nil
	}
	pinned := map[string]bool{}
	for _, data := range held {
		for _, m := range grabberRef.FindAllSubmatch(data, -1) {
			pinned[string(m[1])] = true
		}
	}
	if snap := b.repo.Snapshot(); snap != nil {
		for _, m := range snap.Markers() {
			if _, ok := held[m.SourceFile]; ok && m.SemanticGrabberID != "" {
				pinned[m.SemanticGrabberID] = true
			}
		}
	}
	return pinned
}

// link migrates legacy grabber IDs and resolves every reference.
func (b *Batch) link(l *grabbers.Linker, files []*FileRepair, pinned map[string]bool, report *BatchReport) {
	if !b.engine.Skips(StageNaming) {
		report.MigratedGrabbers = l.MigrateLegacyIDs(pinned)
		applyRewrites(files, l.Rewrites(), StageNaming, "legacy grabber id migrated")
	}
	if b.engine.Skips(StageLink) {
		return
	}
	for _, fr := range files {
		for _, r := range fr.Records {
			if r.Err != nil || !r.Report.Changed("semantic_grabber_id", StageDerive) {
				continue
			}
			res, err := l.Link(r.Marker.ID)
			if err != nil {
				r.Report.warn("grabber link failed: %v", err)
				continue
			}
			if res.Created {
				report.CreatedGrabbers = append(report.CreatedGrabbers, res.GrabberID)
			}
		}
	}
	fixed, err := l.FixBrokenRefs()
	if err != nil {
		b.logger.Warn("some grabber references stay broken", "error", err)
	}
	for _, res := range fixed {
		if res.Created {
			report.CreatedGrabbers = append(report.CreatedGrabbers, res.GrabberID)
		}
	}
	sort.Strings(report.CreatedGrabbers)
	applyRewrites(files, l.Rewrites(), StageLink, "reused a similar grabber")
}

// applyRewrites copies linker reference rewrites onto the repaired records.
func applyRewrites(files []*FileRepair, rewrites map[string]string, stage StageKind, reason string) {
	if len(rewrites) == 0 {
		return
	}
	for _, fr := range files {
		for _, r := range fr.Records {
			if r.Err != nil {
				continue
			}
			gid, ok := rewrites[r.Marker.ID]
			if !ok || r.Marker.SemanticGrabberID == gid {
				continue
			}
			old := r.Marker.SemanticGrabberID
			r.Marker.SemanticGrabberID = gid
			r.Report.add(FieldChange{
				Field: "semantic_grabber_id", Kind: ChangeModified, Stage: stage,
				Reason: reason, Old: old, New: gid,
			})
		}
	}
}

// checkReferences adds dangling composed_of and grabber references to the
// reports. Statuses are left alone: they reflect the record itself.
func (b *Batch) checkReferences(files []*FileRepair, library map[string]*markers.Grabber) {
	vr := validate.ValidateRecords(repairedMarkers(files), library)
	for _, fr := range files {
		for _, r := range fr.Records {
			if r.Err != nil {
				continue
			}
			for _, is := range vr.MarkerIssues[r.Marker.ID] {
				if is.Severity != validate.SeverityError || !isReferenceIssue(is) {
					continue
				}
				r.Report.Unresolved = append(r.Report.Unresolved, is)
			}
		}
	}
}

func isReferenceIssue(is validate.Issue) bool {
	switch is.Code {
	case validate.CodeComposedDangling, validate.CodeComposedLevel, validate.CodeGrabberDangling:
		return true
	}
	return false
}

// tally fills the report counts from the record outcomes.
func (b *Batch) tally(files []*FileRepair, report *BatchReport) {
	index := make(map[string]int, len(report.Files))
	for i, f := range report.Files {
		index[f.Path] = i
	}
	for _, fr := range files {
		res := &report.Files[index[fr.Source]]
		if fr.Syntax != SyntaxClean {
			report.YAMLErrors++
		}
		for _, r := range fr.Records {
			res.Records++
			report.Processed++
			if r.Report != nil && r.Report.StringObject {
				report.StringObjects++
			}
			observeRecord(r.Report, r.Err)
			switch {
			case r.Err != nil:
				res.Failed++
				report.Failed++
				res.Reasons = append(res.Reasons, fmt.Sprintf("record %d: %v", r.Record.Index, r.Err))
			case !r.Report.Resolved():
				res.Failed++
				report.Failed++
				for _, is := range r.Report.Unresolved {
					res.Reasons = append(res.Reasons, is.String())
				}
				report.Reports = append(report.Reports, r.Report)
			case !r.Report.Empty():
				res.Repaired++
				report.Repaired++
				report.Reports = append(report.Reports, r.Report)
			default:
				report.Skipped++
			}
		}
		if len(fr.Failed()) > 0 && fr.Changed() {
			res.Reasons = append(res.Reasons, "not written: some records could not be read")
		}
	}
}

// write persists changed files and the grabber library in one store
// scope. The scope ignores cancellation so a started commit completes.
func (b *Batch) write(ctx context.Context, files []*FileRepair, l *grabbers.Linker, libraryPath string, report *BatchReport) error {
	index := make(map[string]int, len(report.Files))
	for i, f := range report.Files {
		index[f.Path] = i
	}
	var written []int
	err := b.store.Exclusive(context.WithoutCancel(ctx), "repair", func(tx *store.Tx) error {
		for _, fr := range files {
			i := index[fr.Source]
			if !fr.Changed() || len(fr.Failed()) > 0 {
				repairFiles.WithLabelValues(outcomeUnchanged).Inc()
				continue
			}
			data, err := fr.Encode()
			if err != nil {
				return err
			}
			if err := tx.WriteFile(fr.Source, data); err != nil {
				return err
			}
			written = append(written, i)
		}
		if l != nil {
			if err := l.CommitLibrary(tx, libraryPath); err != nil {
				return err
			}
		}
		report.BackupPath = tx.BackupPath()
		return nil
	})
	if err != nil {
		report.BackupPath = ""
		var le *store.LockError
		if errors.As(err, &le) {
			return err
		}
		return fmt.Errorf("repair: writing results: %w", err)
	}
	for _, i := range written {
		report.Files[i].Written = true
		repairFiles.WithLabelValues(outcomeWritten).Inc()
	}
	return nil
}

func repairedMarkers(files []*FileRepair) []*markers.Marker {
	var out []*markers.Marker
	for _, fr := range files {
		for _, r := range fr.Records {
			if r.Err == nil && r.Marker != nil {
				out = append(out, r.Marker)
			}
		}
	}
	return out
}

func anyChanged(files []*FileRepair) bool {
	for _, fr := range files {
		if fr.Changed() && len(fr.Failed()) == 0 {
			return true
		}
	}
	return false
}
