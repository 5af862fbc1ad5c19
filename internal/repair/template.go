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
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/markerengine/internal/markers"
)

// passthrough fields survive the template unchanged.
var passthrough = map[string]bool{
	"psychologischer_hintergrund": true,
	"semantic_grab":               true,
	"created_from":                true,
}

// compositeFields survive on cluster and meta markers only.
var compositeFields = map[string]bool{
	"activation_logic":  true,
	"trigger_threshold": true,
	"rules":             true,
	"window":            true,
}

// buildMarker fills the canonical record from st.record.
//
// When strict, fields outside the template are dropped and reported;
// otherwise they are kept in Extra.
func (st *state) buildMarker(strict bool) *markers.Marker {
	rec := st.record
	lvl := st.level()
	m := &markers.Marker{Level: lvl, SourceFile: st.source}

	for _, k := range sortedKeys(rec) {
		v := rec[k]
		switch k {
		case "id":
			m.ID = st.identifier(k, v)
		case "semantic_grabber_id":
			m.SemanticGrabberID = st.identifier(k, v)
		case "category":
			m.Category = st.identifier(k, v)
		case "description":
			m.Description = st.freeText(k, v)
		case "level":
			st.levelField(v, lvl)
		case "risk_score":
			m.Weight = st.number(k, v)
		case "status":
			m.Status = st.status(v)
		case "examples":
			m.Examples = st.stringList(k, v)
		case "tags":
			m.Tags = st.stringList(k, v)
		case "semantic_tags":
			m.SemanticTags = st.stringList(k, v)
		case "composed_of":
			m.ComposedOf = st.stringList(k, v)
		case "patterns":
			m.Patterns = st.patterns(v)
		default:
			keep := !strict || passthrough[k] || (compositeFields[k] && lvl >= markers.LevelCluster)
			if !keep {
				st.change(StageTemplate, k, ChangeRemoved, "not part of the marker template", v, nil)
				st.e.logger.Info("dropped field outside marker template",
					"field", k,
					"source", st.source,
					"index", st.index)
				continue
			}
			if m.Extra == nil {
				m.Extra = make(map[string]any)
			}
			m.Extra[k] = v
			if strict {
				st.change(StageTemplate, k, ChangePreserved, "passthrough field", v, v)
			}
		}
	}
	if _, ok := rec["level"]; !ok && lvl.Valid() {
		st.change(StageTemplate, "level", ChangeAdded, "inferred: "+st.inference.Reason, nil, int(lvl))
	}

	if strict && len(m.ComposedOf) > 0 && lvl.Valid() && lvl < markers.LevelCluster {
		st.change(StageTemplate, "composed_of", ChangeRemoved, "only cluster and meta markers compose others", m.ComposedOf, nil)
		m.ComposedOf = nil
	}
	return m
}

// levelField reports how the written level relates to the final one.
func (st *state) levelField(v any, final markers.Level) {
	written, ok := markers.ParseLevel(v)
	switch {
	case !ok:
		st.change(StageTemplate, "level", kindFor(false, !final.Valid()), "unreadable level replaced", v, levelValue(final))
	case written != final:
		st.change(StageTemplate, "level", ChangeModified, "level inferred from record content", int(written), levelValue(final))
	case !isCanonicalInt(v, int(written)):
		st.change(StageTemplate, "level", ChangeModified, "level written as a number", v, int(written))
	}
}

func levelValue(l markers.Level) any {
	if !l.Valid() {
		return nil
	}
	return int(l)
}

func isCanonicalInt(v any, want int) bool {
	switch t := v.(type) {
	case int:
		return t == want
	case int64:
		return t == int64(want)
	case float64:
		return t == float64(want)
	case markers.Level:
		return int(t) == want
	}
	return false
}

// identifier reads an ID-like scalar, trimmed.
func (st *state) identifier(field string, v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		s := strings.TrimSpace(t)
		if s != t {
			st.change(StageTemplate, field, ChangeModified, "trimmed whitespace", t, s)
		}
		return s
	case int, int64, float64, bool:
		s := fmt.Sprint(t)
		st.change(StageTemplate, field, ChangeModified, "converted to string", t, s)
		return s
	}
	st.change(StageTemplate, field, ChangeRemoved, "not a scalar", v, nil)
	st.report.warn("dropped non-scalar %s", field)
	return ""
}

// freeText reads a free-text scalar as written.
func (st *state) freeText(field string, v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int, int64, float64, bool:
		s := fmt.Sprint(t)
		st.change(StageTemplate, field, ChangeModified, "converted to string", t, s)
		return s
	}
	st.change(StageTemplate, field, ChangeRemoved, "not a scalar", v, nil)
	st.report.warn("dropped non-scalar %s", field)
	return ""
}

func (st *state) number(field string, v any) float64 {
	switch t := v.(type) {
	case nil:
		return 0
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float64:
		return t
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			st.change(StageTemplate, field, ChangeModified, "parsed number", t, f)
			return f
		}
	}
	st.change(StageTemplate, field, ChangeRemoved, "not a number", v, nil)
	st.report.warn("dropped unreadable %s %v", field, v)
	return 0
}

func (st *state) status(v any) markers.Status {
	raw, ok := v.(string)
	if !ok {
		if v != nil {
			st.change(StageTemplate, "status", ChangeRemoved, "not a string", v, nil)
		}
		return ""
	}
	s := markers.Status(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case "", markers.StatusDraft, markers.StatusActive, markers.StatusInactive, markers.StatusInvalid:
	default:
		st.change(StageTemplate, "status", ChangeRemoved, "unknown status", raw, nil)
		st.report.warn("dropped unknown status %q", raw)
		return ""
	}
	if string(s) != raw {
		st.change(StageTemplate, "status", ChangeModified, "normalized status", raw, string(s))
	}
	return s
}

// stringList reads a list of strings, accepting a single string and
// list items written as {text: ...} mappings.
func (st *state) stringList(field string, v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if strings.TrimSpace(t) == "" {
			st.change(StageTemplate, field, ChangeRemoved, "empty value", t, nil)
			return nil
		}
		st.change(StageTemplate, field, ChangeModified, "wrapped single value in a list", t, []string{t})
		return []string{t}
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		changed := false
		for _, item := range t {
			switch it := item.(type) {
			case string:
				if strings.TrimSpace(it) == "" {
					changed = true
					continue
				}
				out = append(out, it)
			case map[string]any:
				changed = true
				for _, k := range []string{"text", "example", "beispiel", "input"} {
					if s := asString(it[k]); s != "" {
						out = append(out, s)
						break
					}
				}
			case nil:
				changed = true
			default:
				changed = true
				out = append(out, fmt.Sprint(it))
			}
		}
		if changed {
			st.change(StageTemplate, field, ChangeModified, "normalized list entries", t, out)
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	st.change(StageTemplate, field, ChangeRemoved, "not a list", v, nil)
	st.report.warn("dropped unreadable %s", field)
	return nil
}

func (st *state) patterns(v any) []markers.Pattern {
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		if strings.TrimSpace(s) == "" {
			st.change(StageTemplate, "patterns", ChangeRemoved, "empty value", s, nil)
			return nil
		}
		st.change(StageTemplate, "patterns", ChangeModified, "wrapped single value in a list", s, []string{s})
		return []markers.Pattern{{Text: s}}
	}
	var out []markers.Pattern
	if err := recode(v, &out); err != nil {
		st.change(StageTemplate, "patterns", ChangeRemoved, "unreadable patterns", v, nil)
		st.report.warn("dropped unreadable patterns: %v", err)
		return nil
	}
	return out
}

// recode converts a generic value into out through its YAML form.
func recode(v any, out any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}
