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
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/markerengine/internal/markers"
)

// File is a parsed marker file that can be edited and written back.
//
// # Description
//
// Records point into the file's YAML document trees, so editing a record
// node edits the file. Records that do not decode as markers survive an
// edit-and-encode cycle untouched.
type File struct {
	Source  string
	Records []RawRecord

	docs []*yaml.Node
}

// ReadFile reads and parses the marker file at path.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading marker file %s: %w", path, err)
	}
	return ParseFile(path, data)
}

// ParseFile parses data as a marker file.
//
// # Outputs
//
//   - *File: The parsed file. Records is empty for files that hold no
//     marker records.
//   - error: A *markers.ParseError if the YAML is malformed.
func ParseFile(source string, data []byte) (*File, error) {
	f := &File{Source: source}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		doc := new(yaml.Node)
		err := dec.Decode(doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &markers.ParseError{Source: source, Line: yamlErrorLine(err), Err: err}
		}
		f.docs = append(f.docs, doc)
		if len(doc.Content) == 0 {
			continue
		}
		f.Records = appendRecords(f.Records, source, "", doc.Content[0])
	}
	for i := range f.Records {
		f.Records[i].Index = i
	}
	return f, nil
}

// Encode renders the file, including every edit made through it.
func (f *File) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for _, doc := range f.docs {
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("encoding %s: %w", f.Source, err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("closing encoder for %s: %w", f.Source, err)
	}
	return buf.Bytes(), nil
}

// Replace overwrites record i with the YAML encoding of v.
func (f *File) Replace(i int, v any) error {
	if i < 0 || i >= len(f.Records) {
		return fmt.Errorf("%s: record %d out of range", f.Source, i)
	}
	var n yaml.Node
	if err := n.Encode(v); err != nil {
		return fmt.Errorf("encoding record %d of %s: %w", i, f.Source, err)
	}
	*f.Records[i].Node = n
	return nil
}

// SetKey renames the map key of a record in a file keyed by marker ID.
// It reports false for records that are not keyed.
func (f *File) SetKey(rec RawRecord, key string) bool {
	if rec.keyNode == nil {
		return false
	}
	rec.keyNode.Value = key
	return true
}

// RecordID returns the record's id field, falling back to its map key.
func (f *File) RecordID(rec RawRecord) string {
	if v, ok := scalarField(rec.Node, "id"); ok && v != "" {
		return v
	}
	return rec.Key
}

// Scalar returns the string value of a top-level scalar field.
func (f *File) Scalar(rec RawRecord, key string) (string, bool) {
	return scalarField(rec.Node, key)
}

// SetScalar sets a top-level scalar field, appending it if missing.
// It reports false when the record is not a mapping.
func (f *File) SetScalar(rec RawRecord, key, value string) bool {
	n := rec.Node
	if n.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			n.Content[i+1] = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
			return true
		}
	}
	n.Content = append(n.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
	)
	return true
}

// StringList returns a top-level sequence field of scalars.
func (f *File) StringList(rec RawRecord, key string) []string {
	v := fieldNode(rec.Node, key)
	if v == nil || v.Kind != yaml.SequenceNode {
		return nil
	}
	out := make([]string, 0, len(v.Content))
	for _, item := range v.Content {
		if item.Kind == yaml.ScalarNode {
			out = append(out, item.Value)
		}
	}
	return out
}

// SetStringList replaces a top-level sequence field. It reports false
// when the record is not a mapping or has no such field.
func (f *File) SetStringList(rec RawRecord, key string, values []string) bool {
	n := rec.Node
	if n.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value != key {
			continue
		}
		seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, v := range values {
			seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v})
		}
		n.Content[i+1] = seq
		return true
	}
	return false
}

func fieldNode(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

func scalarField(n *yaml.Node, key string) (string, bool) {
	v := fieldNode(n, key)
	if v == nil || v.Kind != yaml.ScalarNode {
		return "", false
	}
	return v.Value, true
}

// yamlErrorLine extracts the line number yaml.v3 embeds in its messages.
func yamlErrorLine(err error) int {
	var line int
	if _, scanErr := fmt.Sscanf(err.Error(), "yaml: line %d:", &line); scanErr == nil {
		return line
	}
	return 0
}
