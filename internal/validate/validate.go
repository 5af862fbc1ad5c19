// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validate checks marker and grabber records against the structural
// rules of the marker library and infers missing levels.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/markerengine/internal/markers"
)

// MinExamples is the number of examples a compliant marker carries.
const MinExamples = 5

var (
	markerIDPattern   = regexp.MustCompile(`^(A|S|C|MM)_[A-Z0-9][A-Z0-9_]*$`)
	autoGrabberID     = regexp.MustCompile(`^AUTO_SEM_\d{8}_[A-Z0-9]{4}$`)
	namedGrabberID    = regexp.MustCompile(`^[A-Z][A-Z_]+_SEM$`)
	errNotValidatable = errors.New("record is nil")
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// recordValidate is the struct-tag validator for marker records.
// Initialized in init() with custom validators.
var recordValidate *validator.Validate

func init() {
	recordValidate = validator.New()
	recordValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	for tag, fn := range map[string]validator.Func{
		"markerid":  validateMarkerID,
		"grabberid": validateGrabberID,
	} {
		if err := recordValidate.RegisterValidation(tag, fn); err != nil {
			panic(fmt.Sprintf("validate: registering %s: %v", tag, err))
		}
	}
}

func validateMarkerID(fl validator.FieldLevel) bool {
	return IsMarkerID(fl.Field().String())
}

func validateGrabberID(fl validator.FieldLevel) bool {
	return IsGrabberID(fl.Field().String())
}

// IsMarkerID reports whether id uses a canonical level prefix and only
// uppercase letters, digits and underscores.
func IsMarkerID(id string) bool {
	return markerIDPattern.MatchString(id)
}

// IsGrabberID reports whether id is an AUTO_SEM_<date>_<4> id or a named
// *_SEM id.
func IsGrabberID(id string) bool {
	return autoGrabberID.MatchString(id) || namedGrabberID.MatchString(id)
}

// =============================================================================
// Issues
// =============================================================================

// Severity of an issue. Only errors make a record invalid.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue codes.
const (
	CodeRequired          = "required"
	CodeIDFormat          = "id_format"
	CodeIDPrefix          = "id_prefix"
	CodeLevel             = "level"
	CodeInvalidValue      = "invalid_value"
	CodeExamplesMissing   = "examples_missing"
	CodeExamplesFew       = "examples_few"
	CodeExamplesGenerated = "examples_generated"
	CodeComposedMissing   = "composed_of_missing"
	CodeComposedDangling  = "composed_of_unresolved"
	CodeComposedLevel     = "composed_of_level"
	CodeCategoryMissing   = "category_missing"
	CodeGrabberDangling   = "grabber_unresolved"
	CodeGrabberUnused     = "grabber_unused"
	CodeDuplicateID       = "duplicate_id"
)

// Issue is one finding of the validator.
type Issue struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Field    string   `json:"field,omitempty"`
	Message  string   `json:"message"`
	MarkerID string   `json:"marker_id,omitempty"`
	Target   string   `json:"target,omitempty"`
}

// Err converts an error issue into the error taxonomy. Dangling references
// become *markers.ReferenceError, everything else *markers.SchemaError.
// Warnings return nil.
func (i Issue) Err() error {
	if i.Severity != SeverityError {
		return nil
	}
	if i.Target != "" {
		return &markers.ReferenceError{MarkerID: i.MarkerID, Field: i.Field, Target: i.Target}
	}
	return &markers.SchemaError{MarkerID: i.MarkerID, Field: i.Field, Reason: i.Message}
}

func (i Issue) String() string {
	if i.Field == "" {
		return fmt.Sprintf("%s: %s", i.Severity, i.Message)
	}
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Field, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, is := range issues {
		if is.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors joins the error issues into one error, or nil.
func Errors(issues []Issue) error {
	var errs []error
	for _, is := range issues {
		if err := is.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// Validator
// =============================================================================

// Resolver looks up referenced records. *repository.Snapshot satisfies it.
type Resolver interface {
	Marker(id string) (*markers.Marker, bool)
	Grabber(id string) (*markers.Grabber, bool)
}

// Validator checks records.
//
// # Thread Safety
//
// Safe for concurrent use when the Resolver is.
type Validator struct {
	resolver   Resolver
	checkRefs  bool
	minExample int
}

// Option configures a Validator.
type Option func(*Validator)

// WithoutReferences disables resolution of grabber and composed_of
// references.
func WithoutReferences() Option {
	return func(v *Validator) { v.checkRefs = false }
}

// WithMinExamples overrides MinExamples.
func WithMinExamples(n int) Option {
	return func(v *Validator) {
		if n > 0 {
			v.minExample = n
		}
	}
}

// New creates a Validator. A nil resolver disables reference checks.
func New(resolver Resolver, opts ...Option) *Validator {
	v := &Validator{resolver: resolver, checkRefs: resolver != nil, minExample: MinExamples}
	for _, opt := range opts {
		opt(v)
	}
	if v.resolver == nil {
		v.checkRefs = false
	}
	return v
}

// Validate checks one marker.
//
// # Description
//
// Field rules come from the struct tags of markers.Marker. On top of those
// the ID must carry the prefix of the declared level, the marker needs at
// least MinExamples examples (an error when there are none, a warning
// otherwise), level 3 needs composed_of entries naming existing
// lower-level markers, level 4 needs a category and a semantic_grabber_id
// must name an existing grabber.
//
// # Outputs
//
//   - bool: True if no error issue was found.
//   - []Issue: Every finding, errors and warnings.
func (v *Validator) Validate(m *markers.Marker) (bool, []Issue) {
	if m == nil {
		return false, []Issue{{Severity: SeverityError, Code: CodeRequired, Message: errNotValidatable.Error()}}
	}
	var issues []Issue
	add := func(sev Severity, code, field, msg string) {
		issues = append(issues, Issue{Severity: sev, Code: code, Field: field, Message: msg, MarkerID: m.ID})
	}

	issues = append(issues, fieldIssues(m.ID, recordValidate.Struct(m))...)

	if m.Level.Valid() && m.ID != "" && !strings.HasPrefix(m.ID, m.Level.Prefix()) {
		add(SeverityError, CodeIDPrefix, "id",
			fmt.Sprintf("level %d markers must use the %s prefix", m.Level, m.Level.Prefix()))
	}

	total, placeholders := 0, 0
	for _, ex := range m.Examples {
		if strings.TrimSpace(ex) == "" {
			continue
		}
		total++
		if markers.IsPlaceholderExample(ex) {
			placeholders++
		}
	}
	switch {
	case total == 0:
		add(SeverityError, CodeExamplesMissing, "examples", "at least one example is required")
	case total < v.minExample:
		add(SeverityWarning, CodeExamplesFew, "examples",
			fmt.Sprintf("%d examples, %d recommended", total, v.minExample))
	}
	if placeholders > 0 {
		add(SeverityWarning, CodeExamplesGenerated, "examples",
			fmt.Sprintf("%d generated placeholder examples need review", placeholders))
	}

	switch m.Level {
	case markers.LevelCluster:
		issues = append(issues, v.composedIssues(m)...)
	case markers.LevelMeta:
		if strings.TrimSpace(m.Category) == "" {
			add(SeverityError, CodeCategoryMissing, "category", "meta markers require a category")
		}
	}

	if v.checkRefs && m.SemanticGrabberID != "" {
		if _, ok := v.resolver.Grabber(m.SemanticGrabberID); !ok {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Code:     CodeGrabberDangling,
				Field:    "semantic_grabber_id",
				Message:  fmt.Sprintf("grabber %s does not exist", m.SemanticGrabberID),
				MarkerID: m.ID,
				Target:   m.SemanticGrabberID,
			})
		}
	}

	return !HasErrors(issues), issues
}

func (v *Validator) composedIssues(m *markers.Marker) []Issue {
	if len(m.ComposedOf) == 0 {
		return []Issue{{
			Severity: SeverityError, Code: CodeComposedMissing, Field: "composed_of",
			Message: "cluster markers require composed_of", MarkerID: m.ID,
		}}
	}
	if !v.checkRefs {
		return nil
	}
	var issues []Issue
	for _, ref := range m.ComposedOf {
		target, ok := v.resolver.Marker(ref)
		if !ok {
			issues = append(issues, Issue{
				Severity: SeverityError, Code: CodeComposedDangling, Field: "composed_of",
				Message: fmt.Sprintf("referenced marker %s does not exist", ref), MarkerID: m.ID, Target: ref,
			})
			continue
		}
		if target.Level >= m.Level {
			issues = append(issues, Issue{
				Severity: SeverityError, Code: CodeComposedLevel, Field: "composed_of",
				Message:  fmt.Sprintf("referenced marker %s has level %d, must be below %d", ref, target.Level, m.Level),
				MarkerID: m.ID,
			})
		}
	}
	return issues
}

// ValidateGrabber checks one grabber.
func (v *Validator) ValidateGrabber(g *markers.Grabber) (bool, []Issue) {
	if g == nil {
		return false, []Issue{{Severity: SeverityError, Code: CodeRequired, Message: errNotValidatable.Error()}}
	}
	issues := fieldIssues("", recordValidate.Struct(g))
	for i := range issues {
		issues[i].Message = "grabber " + g.ID + ": " + issues[i].Message
	}
	return !HasErrors(issues), issues
}

// fieldIssues translates struct-tag failures into issues.
func fieldIssues(markerID string, err error) []Issue {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []Issue{{Severity: SeverityError, Code: CodeInvalidValue, Message: err.Error(), MarkerID: markerID}}
	}
	issues := make([]Issue, 0, len(verrs))
	for _, fe := range verrs {
		field := fieldPath(fe.Namespace())
		issues = append(issues, Issue{
			Severity: SeverityError,
			Code:     codeFor(fe.Tag(), field),
			Field:    field,
			Message:  messageFor(fe, field),
			MarkerID: markerID,
		})
	}
	return issues
}

// fieldPath drops the struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func codeFor(tag, field string) string {
	switch {
	case tag == "required":
		return CodeRequired
	case tag == "markerid" || tag == "grabberid":
		return CodeIDFormat
	case field == "level":
		return CodeLevel
	default:
		return CodeInvalidValue
	}
}

func messageFor(fe validator.FieldError, field string) string {
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "markerid":
		return fmt.Sprintf("%q is not a valid marker id (A_, S_, C_ or MM_ followed by A-Z, 0-9, _)", fe.Value())
	case "grabberid":
		return fmt.Sprintf("%q is not a valid grabber id (AUTO_SEM_<yyyymmdd>_<XXXX> or NAME_SEM)", fe.Value())
	case "min", "max":
		if field == "level" {
			return fmt.Sprintf("level %v is outside 1..4", fe.Value())
		}
		return fmt.Sprintf("%s needs at least %s entries", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
