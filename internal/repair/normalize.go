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
	"sort"
	"strings"

	"github.com/AleutianAI/markerengine/internal/markers"
)

// synonym maps a legacy or localized field to its canonical name.
type synonym struct {
	from, to string

	// legacy fields count as level evidence.
	legacy bool
}

// synonyms in precedence order. The first non-empty source for a
// canonical field wins; the canonical field itself beats all of them.
var synonyms = []synonym{
	{from: "marker_name", to: "id"},
	{from: "name", to: "id"},
	{from: "beschreibung", to: "description", legacy: true},
	{from: "description_legacy_field", to: "description", legacy: true},
	{from: "beispiele", to: "examples", legacy: true},
	{from: "examples_legacy_field", to: "examples", legacy: true},
	{from: "semantische_grabber_id", to: "semantic_grabber_id"},
	{from: "grabber_id", to: "semantic_grabber_id"},
	{from: "semantic_grab_id", to: "semantic_grabber_id"},
	{from: "semantic_grab.id", to: "semantic_grabber_id"},
	{from: "kategorie", to: "category"},
	{from: "categories", to: "category"},
	{from: "ebene", to: "level"},
	{from: "weight", to: "risk_score"},
	{from: "pattern", to: "patterns"},
}

// normalize maps the record onto canonical field names.
func (st *state) normalize() {
	rec := st.record
	st.flattenNested()

	for _, syn := range synonyms {
		v, ok := rec[syn.from]
		if !ok {
			continue
		}
		delete(rec, syn.from)
		if syn.legacy {
			st.legacy = true
		}
		if syn.to == "category" {
			v = firstOf(v)
		}
		switch {
		case isEmpty(v):
			st.change(StageNormalize, syn.from, ChangeRemoved, "empty legacy field", v, nil)
		case !isEmpty(rec[syn.to]):
			st.change(StageNormalize, syn.from, ChangeRemoved, "superseded by "+syn.to, v, nil)
		default:
			rec[syn.to] = v
			st.change(StageNormalize, syn.to, ChangeAdded, "mapped from "+syn.from, nil, v)
		}
	}

	// semantic_grab is kept as written; its id feeds the reference.
	if sg, ok := rec["semantic_grab"].(map[string]any); ok && isEmpty(rec["semantic_grabber_id"]) {
		if id := asString(sg["id"]); id != "" {
			rec["semantic_grabber_id"] = id
			st.change(StageNormalize, "semantic_grabber_id", ChangeAdded, "mapped from semantic_grab.id", nil, id)
		}
	}

	if v, ok := rec["active"]; ok {
		delete(rec, "active")
		if b, isBool := v.(bool); isBool && !b && isEmpty(rec["status"]) {
			rec["status"] = string(markers.StatusInactive)
			st.change(StageNormalize, "status", ChangeAdded, "mapped from active: false", nil, rec["status"])
		} else {
			st.change(StageNormalize, "active", ChangeRemoved, "superseded by status", v, nil)
		}
	}

	if v, ok := rec["szenarien"]; ok {
		delete(rec, "szenarien")
		st.legacy = true
		if isEmpty(rec["examples"]) && !isEmpty(v) {
			rec["examples"] = v
			st.change(StageNormalize, "examples", ChangeAdded, "mapped from szenarien", nil, v)
		} else {
			st.change(StageNormalize, "szenarien", ChangeRemoved, "superseded by examples", v, nil)
		}
	}

	st.scanIO()
}

// flattenNested lifts the fields of a nested marker block to the top
// level. Non-empty nested values win over top-level duplicates.
func (st *state) flattenNested() {
	rec := st.record
	switch inner := rec["marker"].(type) {
	case map[string]any:
		delete(rec, "marker")
		for _, k := range sortedKeys(inner) {
			if v := inner[k]; !isEmpty(v) || isEmpty(rec[k]) {
				rec[k] = v
			}
		}
		st.change(StageNormalize, "marker", ChangeRemoved, "flattened nested marker block", nil, nil)
	case string:
		delete(rec, "marker")
		if isEmpty(rec["id"]) && isEmpty(rec["marker_name"]) && isEmpty(rec["name"]) {
			rec["marker_name"] = inner
		}
		st.change(StageNormalize, "marker", ChangeRemoved, "marker name moved to id", inner, nil)
	}
}

// scanIO detects input/output example lists. Their inputs fill empty
// examples.
func (st *state) scanIO() {
	rec := st.record
	if _, ok := rec["input"]; ok {
		st.hasIO = true
	}
	if _, ok := rec["output"]; ok {
		st.hasIO = true
	}
	var inputs []any
	for _, k := range sortedKeys(rec) {
		list, ok := rec[k].([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if _, in := m["input"]; !in {
				continue
			}
			st.hasIO = true
			if s := asString(m["input"]); s != "" {
				inputs = append(inputs, s)
			}
		}
	}
	if len(inputs) > 0 && isEmpty(rec["examples"]) {
		rec["examples"] = inputs
		st.change(StageNormalize, "examples", ChangeAdded, "taken from input/output list", nil, inputs)
	}
}

// =============================================================================
// Generic value helpers
// =============================================================================

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// firstOf returns the first element of a list, or v itself.
func firstOf(v any) any {
	switch t := v.(type) {
	case []any:
		if len(t) > 0 {
			return t[0]
		}
		return nil
	case []string:
		if len(t) > 0 {
			return t[0]
		}
		return nil
	}
	return v
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case int, int64, float64, bool:
		return fmt.Sprint(t)
	}
	return ""
}

func asStrings(v any) []string {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		var out []string
		for _, x := range t {
			if s := asString(x); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
