// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scoring

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/markerengine/internal/markers"
)

//go:embed schema.json
var schemaDocument []byte

var compiledSchema *gojsonschema.Schema

func init() {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaDocument))
	if err != nil {
		panic(fmt.Sprintf("scoring: embedded analysis schema is invalid: %v", err))
	}
	compiledSchema = s
}

// Fallback color for labels without a configured color.
const DefaultColor = "#808080"

// defaultColors are the colors of the standard bucket labels.
var defaultColors = map[string]string{
	"green":    "#00FF00",
	"yellow":   "#FFFF00",
	"blinking": "#FFA500",
	"red":      "#FF0000",
}

// defaultAlertLevels are labels that add a warning to the summary.
var defaultAlertLevels = []string{"blinking", "red"}

// Bucket is one risk threshold bucket. Max is +Inf for the open top bucket.
type Bucket struct {
	Label string  `json:"label"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Color string  `json:"color"`
}

// Schema is a validated analysis schema.
//
// Construct it with ParseSchema, LoadSchema or DefaultSchema. The zero
// value is not usable.
type Schema struct {
	Name             string             `json:"name,omitempty"`
	Version          string             `json:"version,omitempty"`
	Weights          map[string]float64 `json:"weights,omitempty"`
	MarkerIDs        []string           `json:"marker_ids,omitempty"`
	EnabledDetectors []string           `json:"enabled_detectors"`
	Buckets          []Bucket           `json:"buckets"`
	AlertLevels      []string           `json:"alert_levels"`
}

// DefaultSchema returns the schema used when none is configured.
func DefaultSchema() *Schema {
	return &Schema{
		Name:             "default",
		Weights:          map[string]float64{},
		EnabledDetectors: []string{"atomic", "cluster"},
		Buckets: []Bucket{
			{Label: "green", Min: 0, Max: 1, Color: defaultColors["green"]},
			{Label: "yellow", Min: 2, Max: 5, Color: defaultColors["yellow"]},
			{Label: "blinking", Min: 6, Max: 10, Color: defaultColors["blinking"]},
			{Label: "red", Min: 11, Max: math.Inf(1), Color: defaultColors["red"]},
		},
		AlertLevels: append([]string(nil), defaultAlertLevels...),
	}
}

// Weight returns the weight override for a marker, 1.0 if none is set.
func (s *Schema) Weight(markerID string) float64 {
	if w, ok := s.Weights[markerID]; ok {
		return w
	}
	return 1.0
}

// Restrict returns the markers listed in marker_config. A schema that lists
// no markers keeps all of them.
func (s *Schema) Restrict(ms []*markers.Marker) []*markers.Marker {
	if len(s.MarkerIDs) == 0 {
		return ms
	}
	allow := make(map[string]bool, len(s.MarkerIDs))
	for _, id := range s.MarkerIDs {
		allow[id] = true
	}
	out := make([]*markers.Marker, 0, len(s.MarkerIDs))
	for _, m := range ms {
		if allow[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

// Bucket returns the bucket holding score.
//
// The bucket is the last one whose Min is <= score, so every score maps
// to exactly one bucket: fractional scores between two integer-authored
// buckets fall into the lower one, scores above the top bucket fall into
// the top bucket, and scores below zero fall into the first bucket.
func (s *Schema) Bucket(score float64) Bucket {
	idx := sort.Search(len(s.Buckets), func(i int) bool {
		return s.Buckets[i].Min > score
	})
	if idx == 0 {
		return s.Buckets[0]
	}
	return s.Buckets[idx-1]
}

// IsAlert reports whether label is an alert level.
func (s *Schema) IsAlert(label string) bool {
	for _, l := range s.AlertLevels {
		if l == label {
			return true
		}
	}
	return false
}

// =============================================================================
// Loading
// =============================================================================

// LoadSchema reads and validates an analysis schema file.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &markers.ConfigError{Source: path, Reason: "cannot read analysis schema", Err: err}
	}
	return ParseSchema(path, data)
}

// ParseSchema validates and decodes an analysis schema document.
//
// # Description
//
// The document is first checked structurally against the embedded JSON
// Schema, then decoded and its thresholds validated. All failures are
// *markers.ConfigError.
//
// # Inputs
//
//   - source: Name used in error messages.
//   - data: YAML (or JSON) document.
//
// # Outputs
//
//   - *Schema: The validated schema with buckets sorted by Min.
//   - error: *markers.ConfigError describing the first problem found.
func ParseSchema(source string, data []byte) (*Schema, error) {
	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, &markers.ConfigError{Source: source, Reason: "malformed analysis schema", Err: err}
	}
	if tree == nil {
		return nil, &markers.ConfigError{Source: source, Reason: "analysis schema is empty"}
	}
	if err := checkStructure(sanitize(tree)); err != nil {
		return nil, &markers.ConfigError{Source: source, Reason: "analysis schema does not match the expected structure", Err: err}
	}

	var doc schemaDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &markers.ConfigError{Source: source, Reason: "cannot decode analysis schema", Err: err}
	}
	s, err := doc.build()
	if err != nil {
		return nil, &markers.ConfigError{Source: source, Reason: err.Error()}
	}
	return s, nil
}

func checkStructure(tree any) error {
	res, err := compiledSchema.Validate(gojsonschema.NewGoLoader(tree))
	if err != nil {
		return err
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.New(strings.Join(msgs, "; "))
}

// sanitize replaces values JSON cannot carry so the tree can be handed to
// the JSON Schema validator.
func sanitize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = sanitize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = sanitize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = sanitize(val)
		}
		return out
	case float64:
		if math.IsInf(t, 0) {
			return "inf"
		}
		if math.IsNaN(t) {
			return "nan"
		}
	}
	return v
}

// =============================================================================
// Document shape
// =============================================================================

type schemaDoc struct {
	SchemaInfo struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"schema_info"`
	MarkerConfig   map[string][]weightSpec `yaml:"marker_config"`
	DetectorConfig struct {
		EnabledDetectors []string `yaml:"enabled_detectors"`
	} `yaml:"detector_config"`
	ScoringConfig struct {
		RiskThresholds map[string]boundSpec `yaml:"risk_thresholds"`
		Colors         map[string]string    `yaml:"colors"`
		AlertLevels    []string             `yaml:"alert_levels"`
	} `yaml:"scoring_config"`
}

// weightSpec is one marker_config entry. The weight may be written as
// scoring_weight, as a literal "scoring.weight" key or nested under
// scoring.
type weightSpec struct {
	ID     string
	Weight *float64
}

func (w *weightSpec) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ID            string   `yaml:"id"`
		ScoringWeight *float64 `yaml:"scoring_weight"`
		DottedWeight  *float64 `yaml:"scoring.weight"`
		Scoring       struct {
			Weight *float64 `yaml:"weight"`
		} `yaml:"scoring"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	w.ID = raw.ID
	switch {
	case raw.ScoringWeight != nil:
		w.Weight = raw.ScoringWeight
	case raw.DottedWeight != nil:
		w.Weight = raw.DottedWeight
	default:
		w.Weight = raw.Scoring.Weight
	}
	return nil
}

// boundSpec is a threshold written as [min, max] or {min, max, color}.
type boundSpec struct {
	Min   float64
	Max   float64
	Color string
}

func (b *boundSpec) UnmarshalYAML(value *yaml.Node) error {
	var minNode, maxNode *yaml.Node
	switch value.Kind {
	case yaml.SequenceNode:
		if len(value.Content) == 0 || len(value.Content) > 2 {
			return fmt.Errorf("line %d: threshold needs [min, max]", value.Line)
		}
		minNode = value.Content[0]
		if len(value.Content) == 2 {
			maxNode = value.Content[1]
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(value.Content); i += 2 {
			switch value.Content[i].Value {
			case "min":
				minNode = value.Content[i+1]
			case "max":
				maxNode = value.Content[i+1]
			case "color":
				b.Color = value.Content[i+1].Value
			}
		}
		if minNode == nil {
			return fmt.Errorf("line %d: threshold without min", value.Line)
		}
	default:
		return fmt.Errorf("line %d: threshold must be a list or mapping", value.Line)
	}

	if err := minNode.Decode(&b.Min); err != nil {
		return fmt.Errorf("line %d: threshold min: %w", minNode.Line, err)
	}
	b.Max = math.Inf(1)
	if maxNode != nil && !isOpenBound(maxNode) {
		if err := maxNode.Decode(&b.Max); err != nil {
			return fmt.Errorf("line %d: threshold max: %w", maxNode.Line, err)
		}
	}
	return nil
}

func isOpenBound(n *yaml.Node) bool {
	if n.Tag == "!!null" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(n.Value)) {
	case "", "~", "null", "inf", "+inf", ".inf", "+.inf", "infinity":
		return true
	}
	return false
}

func (d *schemaDoc) build() (*Schema, error) {
	s := &Schema{
		Name:             d.SchemaInfo.Name,
		Version:          d.SchemaInfo.Version,
		Weights:          make(map[string]float64),
		EnabledDetectors: d.DetectorConfig.EnabledDetectors,
		AlertLevels:      d.ScoringConfig.AlertLevels,
	}
	if len(s.EnabledDetectors) == 0 {
		s.EnabledDetectors = []string{"atomic", "cluster"}
	}
	if len(s.AlertLevels) == 0 {
		s.AlertLevels = append([]string(nil), defaultAlertLevels...)
	}

	seen := make(map[string]bool)
	categories := make([]string, 0, len(d.MarkerConfig))
	for c := range d.MarkerConfig {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, c := range categories {
		for _, w := range d.MarkerConfig[c] {
			if !seen[w.ID] {
				seen[w.ID] = true
				s.MarkerIDs = append(s.MarkerIDs, w.ID)
			}
			if w.Weight != nil {
				s.Weights[w.ID] = *w.Weight
			}
		}
	}

	if len(d.ScoringConfig.RiskThresholds) == 0 {
		s.Buckets = DefaultSchema().Buckets
		return s, nil
	}
	for label, b := range d.ScoringConfig.RiskThresholds {
		color := b.Color
		if color == "" {
			color = d.ScoringConfig.Colors[label]
		}
		if color == "" {
			color = defaultColors[label]
		}
		if color == "" {
			color = DefaultColor
		}
		s.Buckets = append(s.Buckets, Bucket{Label: label, Min: b.Min, Max: b.Max, Color: color})
	}
	if err := ValidateBuckets(s.Buckets); err != nil {
		return nil, err
	}
	return s, nil
}

// ValidateBuckets sorts buckets by Min and checks that they partition
// [0, ∞).
//
// # Description
//
// Bounds are authored as integers, so [0,1] followed by [2,5] is
// contiguous. The first bucket must start at 0, every next Min must be
// above the previous Max and at most one unit past it, and only the last
// bucket may be unbounded.
func ValidateBuckets(buckets []Bucket) error {
	if len(buckets) == 0 {
		return errors.New("no risk thresholds defined")
	}
	sort.SliceStable(buckets, func(i, j int) bool {
		if buckets[i].Min != buckets[j].Min {
			return buckets[i].Min < buckets[j].Min
		}
		return buckets[i].Label < buckets[j].Label
	})

	if buckets[0].Min != 0 {
		return fmt.Errorf("risk threshold %q must start at 0, starts at %g", buckets[0].Label, buckets[0].Min)
	}
	for i, b := range buckets {
		if b.Max < b.Min {
			return fmt.Errorf("risk threshold %q has max %g below min %g", b.Label, b.Max, b.Min)
		}
		if i == 0 {
			continue
		}
		prev := buckets[i-1]
		if math.IsInf(prev.Max, 1) || b.Min <= prev.Max {
			return fmt.Errorf("risk thresholds %q and %q overlap", prev.Label, b.Label)
		}
		if b.Min > prev.Max+1 {
			return fmt.Errorf("gap between risk thresholds %q (max %g) and %q (min %g)", prev.Label, prev.Max, b.Label, b.Min)
		}
	}
	return nil
}
