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
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

const (
	// maxMinimalExamples caps the lines kept by MinimalRecord.
	maxMinimalExamples = 5

	minimalLineMin       = 10
	minimalLineMax       = 200
	stringDescriptionMax = 500
	stringExampleMax     = 200
	stringExampleMin     = 20
)

var (
	dupSeparator = regexp.MustCompile(`(?m)^---\s*---`)
	keyValueLine = regexp.MustCompile(`^(\s*(?:-\s+)?[A-Za-z_][\w.\-]*:[ \t]+)(.*\S)\s*$`)
)

// FixSyntax applies the textual fixes that make common hand-edited marker
// files parse.
//
// # Description
//
// Tabs become two spaces, runs of document separators collapse to one,
// and plain values containing ':' or '?' or starting with '@' or '`' are
// double-quoted. Text that already parses should not be passed through
// FixSyntax, since quoting changes nothing but layout there.
func FixSyntax(data []byte) []byte {
	text := strings.ReplaceAll(string(data), "\t", "  ")
	for dupSeparator.MatchString(text) {
		text = dupSeparator.ReplaceAllString(text, "---")
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		m := keyValueLine.FindStringSubmatch(line)
		if m == nil || !needsQuoting(m[2]) {
			continue
		}
		lines[i] = m[1] + quote(m[2])
	}
	return []byte(strings.Join(lines, "\n"))
}

func needsQuoting(v string) bool {
	switch v[0] {
	case '"', '\'', '|', '>', '[', '{', '&', '*', '!', '#':
		return false
	case '@', '`':
		return true
	}
	return strings.ContainsAny(v, ":?")
}

func quote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return `"` + v + `"`
}

// MinimalRecord synthesizes a record from text that does not parse.
//
// # Description
//
// The ID is the source file name. Examples are up to five lines that look
// like sentences: longer than ten characters, containing a quote or
// sentence punctuation, not comments or list items. Lines are cut to 200
// characters.
func MinimalRecord(source string, data []byte) map[string]any {
	rec := map[string]any{}
	if name := sourceStem(source); name != "" {
		rec["id"] = name
	}
	var examples []any
	for _, line := range strings.Split(string(data), "\n") {
		s := strings.TrimSpace(line)
		if s == "" || strings.HasPrefix(s, "#") || strings.HasPrefix(s, "-") {
			continue
		}
		if utf8.RuneCountInString(s) <= minimalLineMin || !strings.ContainsAny(s, `"'?!.`) {
			continue
		}
		examples = append(examples, truncate(s, minimalLineMax))
		if len(examples) == maxMinimalExamples {
			break
		}
	}
	if len(examples) > 0 {
		rec["examples"] = examples
	}
	return rec
}

// stringRecord expands a bare string record. A string holding a JSON
// object is decoded; any other string becomes the description and, when
// long enough, the first example.
func (st *state) stringRecord(s string) map[string]any {
	st.report.StringObject = true
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") {
		var rec map[string]any
		if err := yaml.Unmarshal([]byte(trimmed), &rec); err == nil && rec != nil {
			st.change(StageNormalize, "record", ChangeModified, "decoded embedded object", nil, nil)
			return rec
		}
	}

	st.legacy = true
	rec := map[string]any{"description": truncate(trimmed, stringDescriptionMax)}
	if utf8.RuneCountInString(trimmed) > stringExampleMin {
		rec["examples"] = []any{truncate(trimmed, stringExampleMax)}
	}
	st.change(StageNormalize, "description", ChangeAdded, "expanded bare string record", nil, rec["description"])
	return rec
}

func sourceStem(source string) string {
	if source == "" {
		return ""
	}
	base := filepath.Base(source)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
