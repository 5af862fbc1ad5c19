// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package service

import (
	"context"
	"errors"

	"github.com/AleutianAI/markerengine/internal/grabbers"
	"github.com/AleutianAI/markerengine/internal/store"
)

func (s *Service) linker() *grabbers.Linker {
	return grabbers.FromSnapshot(s.Repository().Snapshot(), s.cfg.LinkerOptions(s.logger))
}

// Orphans lists the grabbers no marker references.
func (s *Service) Orphans() []string {
	return s.linker().DetectOrphans()
}

// BrokenRefs lists the markers referencing a missing grabber.
func (s *Service) BrokenRefs() []grabbers.BrokenRef {
	return s.linker().DetectBrokenRefs()
}

// Similar lists grabber pairs at or above threshold. A threshold of zero
// uses the configured similarity threshold.
func (s *Service) Similar(threshold float64) []grabbers.SimilarPair {
	l := s.linker()
	if threshold <= 0 {
		threshold = l.Options().SimilarityThreshold
	}
	return l.FindSimilar(threshold)
}

// Merge folds grabber drop into keep and rewrites every reference to drop
// on disk.
func (s *Service) Merge(ctx context.Context, keep, drop string) (*grabbers.MergeResult, error) {
	l := s.linker()
	res, err := l.Merge(keep, drop)
	if err != nil {
		return nil, err
	}
	if err := s.commit(ctx, l, "merge "+drop+" into "+keep); err != nil {
		return nil, err
	}
	return res, nil
}

// FixBrokenRefs creates the grabbers missing for existing references.
// References that could not be fixed are reported in the joined error;
// the others are still committed unless dryRun.
func (s *Service) FixBrokenRefs(ctx context.Context, dryRun bool) ([]grabbers.LinkResult, error) {
	l := s.linker()
	results, fixErr := l.FixBrokenRefs()
	if dryRun || len(results) == 0 {
		return results, fixErr
	}
	if err := s.commit(ctx, l, "fix broken grabber references"); err != nil {
		return nil, errors.Join(err, fixErr)
	}
	return results, fixErr
}

func (s *Service) commit(ctx context.Context, l *grabbers.Linker, reason string) error {
	if !l.Dirty() {
		return nil
	}
	repo, st := s.current()
	err := st.Exclusive(ctx, reason, func(tx *store.Tx) error {
		_, err := l.Commit(tx, repo.Config().GrabberFile)
		return err
	})
	if err != nil {
		return err
	}
	if _, err := repo.Load(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("reload after grabber commit failed", "error", err)
	}
	return nil
}
