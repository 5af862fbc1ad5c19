// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package grabbers maintains the graph between markers and the semantic
// grabbers they reference.
//
// # Description
//
// A Linker works on a private copy of the grabber library and the marker
// set. Every operation (create, merge, migrate, fix) is applied to that
// copy in full before anything is written, and Commit persists the result
// inside one store scope, so a reference rewrite either lands for every
// marker or for none.
//
// # Thread Safety
//
// Linker is not safe for concurrent use. It belongs to the single writer
// holding the store lock.
package grabbers

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/markerengine/internal/markers"
	"github.com/AleutianAI/markerengine/internal/matchers"
	"github.com/AleutianAI/markerengine/internal/repository"
	"github.com/AleutianAI/markerengine/internal/validate"
)

// Defaults for Options.
const (
	DefaultSimilarityThreshold = 0.75
	DefaultMergeThreshold      = 0.85
	DefaultMaxPatterns         = 10
)

// Recommendations returned by FindSimilar.
const (
	RecommendMerge  = "merge"
	RecommendReview = "review"
)

var (
	// ErrUnknownGrabber indicates an operation on a grabber not in the library.
	ErrUnknownGrabber = errors.New("unknown grabber")

	// ErrSameGrabber indicates a merge of a grabber into itself.
	ErrSameGrabber = errors.New("cannot merge a grabber into itself")

	// ErrNoExamples indicates a grabber creation without any text to seed it.
	ErrNoExamples = errors.New("no examples to build a grabber from")
)

// Options configures a Linker.
type Options struct {
	// SimilarityThreshold is the minimum score for FindOrCreate to reuse an
	// existing grabber. Default: 0.75.
	SimilarityThreshold float64

	// MergeThreshold is the score at which FindSimilar recommends a merge
	// rather than a review. Default: 0.85.
	MergeThreshold float64

	// MaxPatterns caps the patterns of a grabber created from a marker.
	// Default: 10.
	MaxPatterns int

	// Groups are the keyword clusters for the semantic part of the score.
	// Default: matchers.DefaultSemanticGroups.
	Groups map[string][]string

	// Clock stamps IDs and provenance. Default: time.Now.
	Clock func() time.Time

	// IDSource generates ID suffixes. Default: RandomSuffix.
	IDSource IDSource

	// Logger receives linker diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.SimilarityThreshold <= 0 {
		o.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if o.MergeThreshold <= 0 {
		o.MergeThreshold = DefaultMergeThreshold
	}
	if o.MaxPatterns <= 0 {
		o.MaxPatterns = DefaultMaxPatterns
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.IDSource == nil {
		o.IDSource = RandomSuffix
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// BrokenRef is a marker referencing a grabber that does not exist.
type BrokenRef struct {
	MarkerID  string `json:"marker_id"`
	GrabberID string `json:"grabber_id"`
	Source    string `json:"source,omitempty"`
}

// SimilarPair is a pair of grabbers whose patterns overlap.
type SimilarPair struct {
	A              string  `json:"grabber_a"`
	B              string  `json:"grabber_b"`
	Similarity     float64 `json:"similarity"`
	Recommendation string  `json:"recommendation"`
}

// Migration records one legacy grabber ID rewritten to a generated ID.
type Migration struct {
	From    string   `json:"from"`
	To      string   `json:"to"`
	Markers []string `json:"markers,omitempty"`
}

// MergeResult describes a completed merge.
type MergeResult struct {
	Kept       string   `json:"kept"`
	Dropped    string   `json:"dropped"`
	Added      int      `json:"patterns_added"`
	Rewritten  []string `json:"rewritten_markers"`
	Patterns   int      `json:"patterns"`
	Similarity float64  `json:"similarity"`
}

// LinkResult describes how one marker got a resolvable grabber reference.
type LinkResult struct {
	MarkerID  string  `json:"marker_id"`
	GrabberID string  `json:"grabber_id"`
	Created   bool    `json:"created"`
	Reused    bool    `json:"reused"`
	Score     float64 `json:"score,omitempty"`
}

// Linker edits a working copy of the marker/grabber graph.
type Linker struct {
	opts Options
	sem  *matchers.SemanticGroupMatcher

	grabbers map[string]*markers.Grabber
	markers  map[string]*markers.Marker
	ids      []string

	rewrites     map[string]string
	libraryDirty bool
}

// NewLinker copies gs and ms into a new Linker.
func NewLinker(gs map[string]*markers.Grabber, ms []*markers.Marker, opts Options) *Linker {
	opts = opts.withDefaults()
	l := &Linker{
		opts:     opts,
		sem:      matchers.NewSemanticGroupMatcher(opts.Groups),
		grabbers: make(map[string]*markers.Grabber, len(gs)),
		markers:  make(map[string]*markers.Marker, len(ms)),
		rewrites: make(map[string]string),
	}
	for id, g := range gs {
		c := g.Clone()
		c.ID = id
		l.grabbers[id] = c
	}
	for _, m := range ms {
		if _, dup := l.markers[m.ID]; dup {
			continue
		}
		l.markers[m.ID] = m.Clone()
		l.ids = append(l.ids, m.ID)
	}
	sort.Strings(l.ids)
	return l
}

// FromSnapshot builds a Linker over a repository snapshot.
func FromSnapshot(snap *repository.Snapshot, opts Options) *Linker {
	return NewLinker(snap.GrabberMap(), snap.Markers(), opts)
}

// Options returns the effective options.
func (l *Linker) Options() Options { return l.opts }

// Grabber returns the working copy of a grabber.
func (l *Linker) Grabber(id string) (*markers.Grabber, bool) {
	g, ok := l.grabbers[id]
	return g, ok
}

// Grabbers returns the working library. The map is a copy; the values are
// the linker's own records and must not be modified.
func (l *Linker) Grabbers() map[string]*markers.Grabber {
	out := make(map[string]*markers.Grabber, len(l.grabbers))
	for k, v := range l.grabbers {
		out[k] = v
	}
	return out
}

// Marker returns the working copy of a marker.
func (l *Linker) Marker(id string) (*markers.Marker, bool) {
	m, ok := l.markers[id]
	return m, ok
}

// Markers returns the working markers sorted by ID.
func (l *Linker) Markers() []*markers.Marker {
	out := make([]*markers.Marker, len(l.ids))
	for i, id := range l.ids {
		out[i] = l.markers[id]
	}
	return out
}

// Rewrites returns marker ID -> new grabber ID for every reference changed
// since the Linker was built.
func (l *Linker) Rewrites() map[string]string {
	out := make(map[string]string, len(l.rewrites))
	for k, v := range l.rewrites {
		out[k] = v
	}
	return out
}

// LibraryDirty reports whether the grabber library changed.
func (l *Linker) LibraryDirty() bool { return l.libraryDirty }

// Dirty reports whether anything needs committing.
func (l *Linker) Dirty() bool { return l.libraryDirty || len(l.rewrites) > 0 }

// =============================================================================
// Similarity
// =============================================================================

// pairSimilarity = 0.3 x char ratio + 0.4 x word Jaccard + 0.3 x semantic
// group overlap.
func (l *Linker) pairSimilarity(a, b string) float64 {
	return 0.3*matchers.CharRatio(a, b) +
		0.4*matchers.WordJaccard(a, b) +
		0.3*l.sem.Overlap(a, b)
}

// Similarity compares two example lists.
//
// # Description
//
// Scores every pair of the first five entries of each list and combines
// them as 0.7 x average + 0.3 x maximum. Either list empty yields 0.
func (l *Linker) Similarity(examples, patterns []string) float64 {
	a, b := head(examples, 5), head(patterns, 5)
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var sum, best float64
	for _, x := range a {
		for _, y := range b {
			s := l.pairSimilarity(x, y)
			sum += s
			best = max(best, s)
		}
	}
	avg := sum / float64(len(a)*len(b))
	return 0.7*avg + 0.3*best
}

// best returns the most similar grabber to examples. Ties go to the
// lexically smaller ID.
func (l *Linker) best(examples []string, exclude string) (string, float64) {
	var bestID string
	var bestScore float64
	for _, id := range l.sortedGrabberIDs() {
		if id == exclude {
			continue
		}
		s := l.Similarity(examples, l.grabbers[id].Patterns)
		if s > bestScore {
			bestID, bestScore = id, s
		}
	}
	return bestID, bestScore
}

// FindSimilar lists grabber pairs scoring at least threshold, most similar
// first. threshold <= 0 uses SimilarityThreshold.
func (l *Linker) FindSimilar(threshold float64) []SimilarPair {
	if threshold <= 0 {
		threshold = l.opts.SimilarityThreshold
	}
	ids := l.sortedGrabberIDs()
	var out []SimilarPair
	for i, a := range ids {
		for _, b := range ids[i+1:] {
			s := l.Similarity(l.grabbers[a].Patterns, l.grabbers[b].Patterns)
			if s < threshold {
				continue
			}
			rec := RecommendReview
			if s >= l.opts.MergeThreshold {
				rec = RecommendMerge
			}
			out = append(out, SimilarPair{A: a, B: b, Similarity: s, Recommendation: rec})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out
}

// =============================================================================
// Create and link
// =============================================================================

// FindOrCreate returns the grabber best matching examples, creating one if
// none scores at least threshold.
//
// # Inputs
//
//   - examples: Example texts. Placeholder examples are ignored.
//   - description: Description of a created grabber.
//   - createdFrom: Provenance of a created grabber, usually a marker ID.
//   - threshold: Minimum reuse score. <= 0 uses SimilarityThreshold.
//
// # Outputs
//
//   - string: The grabber ID.
//   - bool: True if the grabber was created.
//   - error: ErrNoExamples when neither examples nor description has text.
func (l *Linker) FindOrCreate(examples []string, description, createdFrom string, threshold float64) (string, bool, error) {
	if threshold <= 0 {
		threshold = l.opts.SimilarityThreshold
	}
	lits := literal(examples)
	if id, score := l.best(lits, ""); id != "" && score >= threshold {
		grabberOps.WithLabelValues(opReuse).Inc()
		l.opts.Logger.Debug("reusing similar grabber", "grabber_id", id, "score", score, "created_from", createdFrom)
		return id, false, nil
	}
	g, err := l.create("", lits, description, createdFrom)
	if err != nil {
		return "", false, err
	}
	return g.ID, true, nil
}

// Link makes markerID's grabber reference resolve.
//
// # Description
//
// A resolving reference is left alone. Otherwise the most similar
// existing grabber is reused if it scores at least SimilarityThreshold.
// Failing that a grabber is created from the marker's examples, under the
// marker's referenced ID when that ID is well-formed and free.
func (l *Linker) Link(markerID string) (LinkResult, error) {
	m, ok := l.markers[markerID]
	if !ok {
		return LinkResult{}, fmt.Errorf("link: unknown marker %s", markerID)
	}
	res := LinkResult{MarkerID: markerID, GrabberID: m.SemanticGrabberID}
	if _, ok := l.grabbers[m.SemanticGrabberID]; ok {
		return res, nil
	}

	lits := m.LiteralExamples()
	if id, score := l.best(lits, ""); id != "" && score >= l.opts.SimilarityThreshold {
		l.setRef(m, id)
		grabberOps.WithLabelValues(opReuse).Inc()
		res.GrabberID, res.Reused, res.Score = id, true, score
		return res, nil
	}

	want := ""
	if validate.IsGrabberID(m.SemanticGrabberID) {
		want = m.SemanticGrabberID
	}
	g, err := l.create(want, lits, m.Description, markerID)
	if err != nil {
		return res, fmt.Errorf("link %s: %w", markerID, err)
	}
	l.setRef(m, g.ID)
	res.GrabberID, res.Created = g.ID, true
	return res, nil
}

// create adds a grabber. An empty id generates one.
func (l *Linker) create(id string, examples []string, description, createdFrom string) (*markers.Grabber, error) {
	patterns := head(dedupe(examples), l.opts.MaxPatterns)
	if len(patterns) == 0 && strings.TrimSpace(description) != "" {
		patterns = []string{description}
	}
	if len(patterns) == 0 {
		return nil, ErrNoExamples
	}
	if id == "" {
		id = l.newID(createdFrom)
	}
	if description == "" {
		description = "Semantic grabber for " + createdFrom
	}
	g := &markers.Grabber{
		ID:            id,
		Description:   description,
		Patterns:      patterns,
		CreatedFrom:   createdFrom,
		CreatedAt:     l.opts.Clock().Format(time.RFC3339),
		AutoGenerated: true,
	}
	l.grabbers[id] = g
	l.libraryDirty = true
	grabberOps.WithLabelValues(opCreate).Inc()
	l.opts.Logger.Info("created grabber", "grabber_id", id, "created_from", createdFrom, "patterns", len(patterns))
	return g, nil
}

// newID generates an unused AUTO_SEM_ ID. Collisions re-seed with a
// counter so deterministic sources still terminate.
func (l *Linker) newID(seed string) string {
	now := l.opts.Clock()
	for i := 0; ; i++ {
		s := seed
		if i > 0 {
			s = fmt.Sprintf("%s#%d", seed, i)
		}
		id := NewID(now, l.opts.IDSource(s))
		if _, taken := l.grabbers[id]; !taken {
			return id
		}
	}
}

// NewID generates an unused grabber ID for seed.
func (l *Linker) NewID(seed string) string { return l.newID(seed) }

func (l *Linker) setRef(m *markers.Marker, grabberID string) {
	if m.SemanticGrabberID == grabberID {
		return
	}
	m.SemanticGrabberID = grabberID
	l.rewrites[m.ID] = grabberID
	referenceRewrites.Inc()
}

// SetReference points markerID at grabberID without checking it exists.
func (l *Linker) SetReference(markerID, grabberID string) error {
	m, ok := l.markers[markerID]
	if !ok {
		return fmt.Errorf("set reference: unknown marker %s", markerID)
	}
	l.setRef(m, grabberID)
	return nil
}

// =============================================================================
// Sweeps
// =============================================================================

// DetectOrphans returns grabbers no marker references, sorted.
func (l *Linker) DetectOrphans() []string {
	used := make(map[string]bool)
	for _, m := range l.markers {
		if m.SemanticGrabberID != "" {
			used[m.SemanticGrabberID] = true
		}
	}
	var out []string
	for _, id := range l.sortedGrabberIDs() {
		if !used[id] {
			out = append(out, id)
		}
	}
	return out
}

// DetectBrokenRefs returns markers whose grabber reference does not
// resolve, sorted by marker ID.
func (l *Linker) DetectBrokenRefs() []BrokenRef {
	var out []BrokenRef
	for _, id := range l.ids {
		m := l.markers[id]
		if m.SemanticGrabberID == "" {
			continue
		}
		if _, ok := l.grabbers[m.SemanticGrabberID]; !ok {
			out = append(out, BrokenRef{MarkerID: id, GrabberID: m.SemanticGrabberID, Source: m.SourceFile})
		}
	}
	return out
}

// FixBrokenRefs creates every missing referenced grabber.
//
// # Description
//
// Each missing grabber is built under the referenced ID from the examples
// of the markers referencing it, in marker ID order, up to MaxPatterns.
// Markers with no usable text are reported unresolved.
//
// # Outputs
//
//   - []LinkResult: One entry per repaired reference.
//   - error: Joined errors for references that could not be fixed.
func (l *Linker) FixBrokenRefs() ([]LinkResult, error) {
	var results []LinkResult
	var errs []error
	for _, br := range l.DetectBrokenRefs() {
		m := l.markers[br.MarkerID]
		lits := m.LiteralExamples()
		if g, ok := l.grabbers[br.GrabberID]; ok {
			g.Patterns = head(dedupe(append(g.Patterns, lits...)), l.opts.MaxPatterns)
			results = append(results, LinkResult{MarkerID: br.MarkerID, GrabberID: br.GrabberID})
			continue
		}
		if _, err := l.create(br.GrabberID, lits, m.Description, br.MarkerID); err != nil {
			errs = append(errs, fmt.Errorf("fix %s -> %s: %w", br.MarkerID, br.GrabberID, err))
			continue
		}
		grabberOps.WithLabelValues(opFix).Inc()
		results = append(results, LinkResult{MarkerID: br.MarkerID, GrabberID: br.GrabberID, Created: true})
	}
	return results, errors.Join(errs...)
}

// =============================================================================
// Merge and migrate
// =============================================================================

// Merge folds grabber drop into keep.
//
// # Description
//
// Patterns of drop not already in keep (compared normalized) are appended
// to keep, drop is recorded in keep's merged_from, every marker
// referencing drop is moved to keep, and drop is removed. Validation
// happens before any change, so a failed merge leaves the Linker as it was.
func (l *Linker) Merge(keep, drop string) (*MergeResult, error) {
	if keep == drop {
		return nil, fmt.Errorf("%w: %s", ErrSameGrabber, keep)
	}
	kg, ok := l.grabbers[keep]
	if !ok {
		return nil, fmt.Errorf("merge: %w: %s", ErrUnknownGrabber, keep)
	}
	dg, ok := l.grabbers[drop]
	if !ok {
		return nil, fmt.Errorf("merge: %w: %s", ErrUnknownGrabber, drop)
	}

	res := &MergeResult{
		Kept:       keep,
		Dropped:    drop,
		Similarity: l.Similarity(kg.Patterns, dg.Patterns),
	}
	before := len(kg.Patterns)
	kg.Patterns = dedupe(append(kg.Patterns, dg.Patterns...))
	res.Added = len(kg.Patterns) - before
	res.Patterns = len(kg.Patterns)
	kg.MergedFrom = appendUnique(kg.MergedFrom, append(dg.MergedFrom, drop)...)

	for _, id := range l.ids {
		m := l.markers[id]
		if m.SemanticGrabberID == drop {
			l.setRef(m, keep)
			res.Rewritten = append(res.Rewritten, id)
		}
	}
	delete(l.grabbers, drop)
	l.libraryDirty = true
	grabberOps.WithLabelValues(opMerge).Inc()
	l.opts.Logger.Info("merged grabbers",
		"kept", keep,
		"dropped", drop,
		"patterns_added", res.Added,
		"markers_rewritten", len(res.Rewritten))
	return res, nil
}

// MigrateLegacyIDs moves every grabber with a malformed ID (such as the
// SGR_*_01 IDs of older tooling) to a generated ID.
//
// IDs in pinned are still referenced from files that will not be
// rewritten. They keep their legacy ID so those references resolve; a
// later run migrates them once the files can be repaired.
func (l *Linker) MigrateLegacyIDs(pinned map[string]bool) []Migration {
	var out []Migration
	for _, old := range l.sortedGrabberIDs() {
		if validate.IsGrabberID(old) {
			continue
		}
		if pinned[old] {
			l.opts.Logger.Warn("legacy grabber id kept: referenced from a file that is not rewritten", "grabber_id", old)
			continue
		}
		g := l.grabbers[old]
		newID := l.newID(old)
		g.ID = newID
		if g.MigratedFrom == "" {
			g.MigratedFrom = old
		}
		g.MigrationDate = l.opts.Clock().Format(time.RFC3339)
		delete(l.grabbers, old)
		l.grabbers[newID] = g

		mig := Migration{From: old, To: newID}
		for _, id := range l.ids {
			m := l.markers[id]
			if m.SemanticGrabberID == old {
				l.setRef(m, newID)
				mig.Markers = append(mig.Markers, id)
			}
		}
		l.libraryDirty = true
		grabberOps.WithLabelValues(opMigrate).Inc()
		l.opts.Logger.Info("migrated legacy grabber id", "from", old, "to", newID, "markers", len(mig.Markers))
		out = append(out, mig)
	}
	return out
}

// =============================================================================
// Helpers
// =============================================================================

func (l *Linker) sortedGrabberIDs() []string {
	ids := make([]string, 0, len(l.grabbers))
	for id := range l.grabbers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func head(in []string, n int) []string {
	if len(in) > n {
		return in[:n]
	}
	return in
}

func literal(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) == "" || markers.IsPlaceholderExample(s) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// dedupe drops entries equal to an earlier one after normalization.
func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		k := matchers.Normalize(s)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}

func appendUnique(list []string, items ...string) []string {
	for _, it := range items {
		found := false
		for _, have := range list {
			if have == it {
				found = true
				break
			}
		}
		if !found {
			list = append(list, it)
		}
	}
	return list
}
