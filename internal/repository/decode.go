// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repository

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/markerengine/internal/markers"
)

// RawRecord is one undecoded marker record found in a marker file.
//
// A file may hold one record per YAML document, a list of records, a map
// keyed by marker ID, or a bare string. RawRecord hides that shape from
// callers.
type RawRecord struct {
	Source string     // file path
	Index  int        // position of the record in the file
	Line   int        // line of the record's node
	Key    string     // map key when the file is keyed by marker ID
	Node   *yaml.Node // the record itself

	keyNode *yaml.Node
}

// Value decodes the record into plain Go values (map[string]any for
// mappings, string for bare strings).
func (r RawRecord) Value() (any, error) {
	var v any
	if err := r.Node.Decode(&v); err != nil {
		return nil, &markers.ParseError{Source: r.Source, Line: r.Line, Err: err}
	}
	return v, nil
}

// IsString reports whether the record is a bare string.
func (r RawRecord) IsString() bool {
	return r.Node.Kind == yaml.ScalarNode
}

// reservedKeys mark documents that are not marker records: the grabber
// library, analysis schemas and detector pipelines.
var reservedKeys = map[string]bool{
	"semantic_grabbers":  true,
	"scoring_config":     true,
	"marker_config":      true,
	"detector_config":    true,
	"schema_info":        true,
	"application_schema": true,
}

// recordKeys identify a mapping as a single record rather than a keyed map.
var recordKeys = map[string]bool{
	"id": true, "marker_name": true, "name": true, "marker": true,
	"description": true, "beschreibung": true, "description_legacy_field": true,
	"examples": true, "beispiele": true, "examples_legacy_field": true,
	"level": true, "ebene": true, "patterns": true, "pattern": true,
	"category": true, "kategorie": true, "composed_of": true, "semantic_tags": true,
	"semantic_grabber_id": true, "risk_score": true, "tags": true,
}

// ReadRecords reads and splits a marker file.
func ReadRecords(path string) ([]RawRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading marker file %s: %w", path, err)
	}
	return DecodeRecords(path, data)
}

// DecodeRecords splits data into marker records.
//
// # Outputs
//
//   - []RawRecord: Records in file order. Empty when the file holds no
//     marker records (for example a grabber library).
//   - error: A *markers.ParseError when the YAML itself is malformed.
func DecodeRecords(source string, data []byte) ([]RawRecord, error) {
	f, err := ParseFile(source, data)
	if err != nil {
		return nil, err
	}
	return f.Records, nil
}

func appendRecords(out []RawRecord, source, key string, n *yaml.Node) []RawRecord {
	switch n.Kind {
	case yaml.AliasNode:
		return appendRecords(out, source, key, n.Alias)
	case yaml.ScalarNode:
		if n.Tag == "!!null" || n.Value == "" {
			return out
		}
		return append(out, RawRecord{Source: source, Line: n.Line, Key: key, Node: n})
	case yaml.SequenceNode:
		for _, item := range n.Content {
			out = appendRecords(out, source, "", item)
		}
		return out
	case yaml.MappingNode:
		keys := mappingKeys(n)
		for _, k := range keys {
			if reservedKeys[k] {
				return out
			}
		}
		if len(keys) == 1 && keys[0] == "markers" {
			return appendRecords(out, source, "", n.Content[1])
		}
		if isKeyedMap(n, keys) {
			for i := 0; i+1 < len(n.Content); i += 2 {
				out = append(out, RawRecord{
					Source:  source,
					Line:    n.Content[i+1].Line,
					Key:     n.Content[i].Value,
					Node:    n.Content[i+1],
					keyNode: n.Content[i],
				})
			}
			return out
		}
		return append(out, RawRecord{Source: source, Line: n.Line, Key: key, Node: n})
	}
	return out
}

func mappingKeys(n *yaml.Node) []string {
	keys := make([]string, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		keys = append(keys, n.Content[i].Value)
	}
	return keys
}

// isKeyedMap reports whether n maps marker IDs to record mappings.
func isKeyedMap(n *yaml.Node, keys []string) bool {
	if len(keys) == 0 {
		return false
	}
	for _, k := range keys {
		if recordKeys[k] {
			return false
		}
	}
	for i := 1; i < len(n.Content); i += 2 {
		if n.Content[i].Kind != yaml.MappingNode {
			return false
		}
	}
	return true
}

// DecodeMarker decodes a canonical record into a Marker.
//
// A keyed-map record without an id field takes its key as the ID. Records
// without any ID are a SchemaError; they need repair before they can load.
func DecodeMarker(rec RawRecord) (*markers.Marker, error) {
	if rec.Node.Kind != yaml.MappingNode {
		return nil, &markers.SchemaError{
			MarkerID: rec.Key,
			Reason:   fmt.Sprintf("%s record %d is not a mapping", rec.Source, rec.Index),
		}
	}
	var m markers.Marker
	if err := rec.Node.Decode(&m); err != nil {
		return nil, &markers.ParseError{Source: rec.Source, Line: rec.Line, Err: err}
	}
	if m.ID == "" {
		m.ID = rec.Key
	}
	if m.ID == "" {
		return nil, &markers.SchemaError{
			Field:  "id",
			Reason: fmt.Sprintf("%s record %d has no id", rec.Source, rec.Index),
		}
	}
	if !m.Level.Valid() {
		m.Level = markers.LevelFromID(m.ID)
	}
	m.SourceFile = rec.Source
	return &m, nil
}

// EncodeMarkers writes markers as a multi-document YAML stream, one
// document per marker, in the given order.
func EncodeMarkers(ms []*markers.Marker) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for _, m := range ms {
		if err := enc.Encode(m); err != nil {
			return nil, fmt.Errorf("encoding marker %s: %w", m.ID, err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("closing marker encoder: %w", err)
	}
	return buf.Bytes(), nil
}
