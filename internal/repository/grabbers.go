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
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/markerengine/internal/markers"
)

// grabberLibrary is the on-disk shape of the semantic grabber file.
type grabberLibrary struct {
	SemanticGrabbers map[string]*markers.Grabber `yaml:"semantic_grabbers"`
}

// LoadGrabbers reads the grabber library at path.
//
// A missing file is an empty library, not an error.
func LoadGrabbers(path string) (map[string]*markers.Grabber, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]*markers.Grabber{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading grabber library %s: %w", path, err)
	}
	return DecodeGrabbers(path, data)
}

// DecodeGrabbers parses a grabber library document.
func DecodeGrabbers(source string, data []byte) (map[string]*markers.Grabber, error) {
	var lib grabberLibrary
	if err := yaml.Unmarshal(data, &lib); err != nil {
		return nil, &markers.ParseError{Source: source, Err: err}
	}
	out := make(map[string]*markers.Grabber, len(lib.SemanticGrabbers))
	for id, g := range lib.SemanticGrabbers {
		if g == nil {
			g = &markers.Grabber{}
		}
		g.ID = id
		out[id] = g
	}
	return out, nil
}

// EncodeGrabbers renders grabbers in the library file format. Keys are
// written in sorted order so output is stable across runs.
func EncodeGrabbers(grabbers map[string]*markers.Grabber) ([]byte, error) {
	ids := make([]string, 0, len(grabbers))
	for id := range grabbers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	inner := &yaml.Node{Kind: yaml.MappingNode}
	for _, id := range ids {
		var val yaml.Node
		if err := val.Encode(grabbers[id]); err != nil {
			return nil, fmt.Errorf("encoding grabber %s: %w", id, err)
		}
		inner.Content = append(inner.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: id},
			&val,
		)
	}
	root := &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{
		{Kind: yaml.ScalarNode, Value: "semantic_grabbers"},
		inner,
	}}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return nil, fmt.Errorf("encoding grabber library: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("closing grabber encoder: %w", err)
	}
	return buf.Bytes(), nil
}
