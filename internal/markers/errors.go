// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package markers

import (
	"errors"
	"fmt"
)

// Sentinel errors for the marker error taxonomy.
//
// Every typed error below unwraps to one of these, so callers can branch
// with errors.Is without knowing the concrete type.
var (
	// ErrParse indicates malformed input text. Recoverable via repair.
	ErrParse = errors.New("parse error")

	// ErrSchema indicates a structurally invalid record.
	ErrSchema = errors.New("schema error")

	// ErrReference indicates a dangling grabber or composed_of reference.
	ErrReference = errors.New("reference error")

	// ErrConfig indicates a malformed analysis schema or configuration.
	// Fatal at load time.
	ErrConfig = errors.New("configuration error")

	// ErrPattern indicates one invalid regex. Isolated to its marker.
	ErrPattern = errors.New("pattern error")
)

// ParseError reports input that could not be parsed.
type ParseError struct {
	Source string
	Line   int
	Err    error
}

// Error returns a human-readable error message.
func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s line %d: %v", e.Source, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Source, e.Err)
}

// Unwrap returns ErrParse and the underlying cause.
func (e *ParseError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrParse}
	}
	return []error{ErrParse, e.Err}
}

// SchemaError reports a structural violation in one record.
type SchemaError struct {
	MarkerID string
	Field    string
	Reason   string
}

// Error returns a human-readable error message.
func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("marker %s: field %s: %s", e.MarkerID, e.Field, e.Reason)
	}
	return fmt.Sprintf("marker %s: %s", e.MarkerID, e.Reason)
}

// Unwrap returns the sentinel for errors.Is support.
func (e *SchemaError) Unwrap() error {
	return ErrSchema
}

// ReferenceError reports a reference to a record that does not exist.
type ReferenceError struct {
	MarkerID string
	Field    string
	Target   string
}

// Error returns a human-readable error message.
func (e *ReferenceError) Error() string {
	return fmt.Sprintf("marker %s: %s references unknown %q", e.MarkerID, e.Field, e.Target)
}

// Unwrap returns the sentinel for errors.Is support.
func (e *ReferenceError) Unwrap() error {
	return ErrReference
}

// ConfigError reports an invalid analysis schema or engine configuration.
type ConfigError struct {
	Source string
	Reason string
	Err    error
}

// Error returns a human-readable error message.
func (e *ConfigError) Error() string {
	msg := e.Reason
	if e.Source != "" {
		msg = e.Source + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns ErrConfig and the underlying cause.
func (e *ConfigError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfig}
	}
	return []error{ErrConfig, e.Err}
}

// PatternError reports a pattern that failed to compile.
type PatternError struct {
	MarkerID string
	Pattern  string
	Err      error
}

// Error returns a human-readable error message.
func (e *PatternError) Error() string {
	return fmt.Sprintf("marker %s: invalid pattern %q: %v", e.MarkerID, e.Pattern, e.Err)
}

// Unwrap returns ErrPattern and the compile error.
func (e *PatternError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPattern}
	}
	return []error{ErrPattern, e.Err}
}
