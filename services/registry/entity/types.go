// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package entity provides the template, placeholder, profile, and rule
// registry for a single database scope.
//
// # Description
//
// The Registry owns CRUD for the four entity kinds stored in a scope's
// entities table. Writes take the scope's exclusive lock for the duration
// of the call; reads are lock-free and work on whatever snapshot the
// store returns. Uniqueness (template key triples, placeholder names,
// active profile tiers) is enforced here, not in storage.
//
// # Thread Safety
//
// Registry is safe for concurrent use. Cross-process writers are
// serialized by the scope lock.
package entity

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/AleutianAI/TemplateMesh/pkg/secret"
)

// TemplateStatus is the lifecycle state of a template.
type TemplateStatus string

const (
	// StatusActive marks a template available for use and adaptation.
	StatusActive TemplateStatus = "active"

	// StatusInactive marks a retired template. Rows are never deleted.
	StatusInactive TemplateStatus = "inactive"
)

// Outcome is the result of one template use.
type Outcome string

const (
	// OutcomeSuccess records a successful use.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailure records a failed use.
	OutcomeFailure Outcome = "failure"
)

// Valid reports whether the outcome is one of the defined values.
func (o Outcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}

// SecurityLevel is the classification tier of a placeholder value.
//
// Tiers are strictly ordered: PUBLIC < INTERNAL < CONFIDENTIAL < SECRET.
// Promotions are free; demotions require an audit entry in the same call.
type SecurityLevel string

const (
	// SecurityPublic is freely shareable configuration.
	SecurityPublic SecurityLevel = "PUBLIC"

	// SecurityInternal is internal-only configuration.
	SecurityInternal SecurityLevel = "INTERNAL"

	// SecurityConfidential is restricted configuration.
	SecurityConfidential SecurityLevel = "CONFIDENTIAL"

	// SecuritySecret is credential material. Raw SECRET values never
	// appear in logs, error strings, or reporting JSON.
	SecuritySecret SecurityLevel = "SECRET"
)

var securityRank = map[SecurityLevel]int{
	SecurityPublic:       0,
	SecurityInternal:     1,
	SecurityConfidential: 2,
	SecuritySecret:       3,
}

// Valid reports whether the level is one of the four defined tiers.
func (l SecurityLevel) Valid() bool {
	_, ok := securityRank[l]
	return ok
}

// Rank returns the level's position in the tier order, or -1 for
// unknown levels.
func (l SecurityLevel) Rank() int {
	r, ok := securityRank[l]
	if !ok {
		return -1
	}
	return r
}

// Below reports whether l is a strictly lower tier than other.
func (l SecurityLevel) Below(other SecurityLevel) bool {
	return l.Rank() < other.Rank()
}

// ParseSecurityLevel converts a string into a SecurityLevel,
// accepting any casing.
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	l := SecurityLevel(strings.ToUpper(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("security level %q: %w", s, ErrInvalidSecurityLevel)
	}
	return l, nil
}

// PlaceholderType categorizes what a placeholder configures.
type PlaceholderType string

const (
	// TypeDatabase is connection and schema configuration.
	TypeDatabase PlaceholderType = "database"

	// TypeAPI is endpoint and client configuration.
	TypeAPI PlaceholderType = "api"

	// TypeEnvironment is deployment environment configuration.
	TypeEnvironment PlaceholderType = "environment"

	// TypeSecret is credential material.
	TypeSecret PlaceholderType = "secret"

	// TypeInfrastructure is compute and network configuration.
	TypeInfrastructure PlaceholderType = "infrastructure"

	// TypeMonitoring is observability configuration.
	TypeMonitoring PlaceholderType = "monitoring"

	// TypeCompliance is audit and retention configuration.
	TypeCompliance PlaceholderType = "compliance"
)

// Valid reports whether the type is one of the defined categories.
func (t PlaceholderType) Valid() bool {
	switch t {
	case TypeDatabase, TypeAPI, TypeEnvironment, TypeSecret,
		TypeInfrastructure, TypeMonitoring, TypeCompliance:
		return true
	}
	return false
}

// RuleCategory groups adaptation rules by the concern they adjust.
type RuleCategory string

const (
	// CategoryLogging adapts log levels and destinations.
	CategoryLogging RuleCategory = "logging_adaptation"

	// CategoryDatabase adapts connection and pooling settings.
	CategoryDatabase RuleCategory = "database_adaptation"

	// CategoryErrorHandling adapts retry and failure behavior.
	CategoryErrorHandling RuleCategory = "error_handling_adaptation"

	// CategoryPerformance adapts throughput and caching settings.
	CategoryPerformance RuleCategory = "performance_adaptation"

	// CategorySecurity adapts hardening and exposure settings.
	CategorySecurity RuleCategory = "security_adaptation"

	// CategoryResource adapts memory and CPU settings.
	CategoryResource RuleCategory = "resource_adaptation"
)

// Valid reports whether the category is one of the defined values.
func (c RuleCategory) Valid() bool {
	switch c {
	case CategoryLogging, CategoryDatabase, CategoryErrorHandling,
		CategoryPerformance, CategorySecurity, CategoryResource:
		return true
	}
	return false
}

// ActionField names the template field an adaptation action mutates.
type ActionField string

const (
	// FieldContent targets the template body.
	FieldContent ActionField = "content"

	// FieldCategory targets the template category.
	FieldCategory ActionField = "category"

	// FieldTags targets the template tag set.
	FieldTags ActionField = "tags"
)

// Valid reports whether the field is one of the mutable template fields.
func (f ActionField) Valid() bool {
	return f == FieldContent || f == FieldCategory || f == FieldTags
}

// ActionOp is how an adaptation action mutates its field.
type ActionOp string

const (
	// OpSet overwrites the field with Value.
	OpSet ActionOp = "set"

	// OpReplace substitutes Pattern matches in the field with Value.
	OpReplace ActionOp = "replace"

	// OpAppend adds Value to the field (text suffix for content, new
	// entry for tags).
	OpAppend ActionOp = "append"
)

// Valid reports whether the op is one of the defined mutations.
func (o ActionOp) Valid() bool {
	return o == OpSet || o == OpReplace || o == OpAppend
}

// Action is the structured mutation an adaptation rule applies.
type Action struct {
	// Field is the template field the action mutates.
	Field ActionField `json:"field"`

	// Op is the mutation kind.
	Op ActionOp `json:"op"`

	// Pattern is the regex to substitute for OpReplace. Unused otherwise.
	Pattern string `json:"pattern,omitempty"`

	// Value is the replacement or appended text.
	Value string `json:"value"`
}

func (a Action) validate() error {
	if !a.Field.Valid() {
		return fmt.Errorf("action field %q: %w", a.Field, ErrInvalidSpec)
	}
	if !a.Op.Valid() {
		return fmt.Errorf("action op %q: %w", a.Op, ErrInvalidSpec)
	}
	if a.Op == OpReplace {
		if a.Pattern == "" {
			return fmt.Errorf("replace action without pattern: %w", ErrInvalidSpec)
		}
		if _, err := CompilePattern(a.Pattern); err != nil {
			return fmt.Errorf("action pattern %q: %w: %v", a.Pattern, ErrInvalidSpec, err)
		}
	}
	return nil
}

// =============================================================================
// Template
// =============================================================================

// Template is a versioned, environment-scoped text payload.
type Template struct {
	// ID is the immutable identifier assigned at registration.
	ID string `json:"id"`

	// Name is the template's logical name. Unique together with
	// Version and Environment.
	Name string `json:"name"`

	// Version is the normalized semver (v-prefixed).
	Version string `json:"version"`

	// Environment is the deployment environment the template targets.
	Environment string `json:"environment"`

	// Content is the opaque text payload.
	Content string `json:"content"`

	// Tags classify the template. Set semantics: sorted, deduplicated.
	Tags []string `json:"tags,omitempty"`

	// Category is a free-form grouping label.
	Category string `json:"category,omitempty"`

	// UsageCount counts uses. Monotonic.
	UsageCount int64 `json:"usage_count"`

	// SuccessRate is the exponentially weighted success average in [0,1].
	SuccessRate float64 `json:"success_rate"`

	// ParentID references the template this one was cloned or adapted
	// from, when any.
	ParentID string `json:"parent_id,omitempty"`

	// Status is active or inactive. Templates are never deleted.
	Status TemplateStatus `json:"status"`

	// CreatedAt is when the template was registered.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the template last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the unique (name, version, environment) triple in its
// storage encoding.
func (t Template) Key() string {
	return TemplateKey(t.Name, t.Version, t.Environment)
}

// Active reports whether the template is usable.
func (t Template) Active() bool {
	return t.Status == StatusActive
}

// HasTag reports whether tag is in the template's tag set.
func (t Template) HasTag(tag string) bool {
	for _, have := range t.Tags {
		if have == tag {
			return true
		}
	}
	return false
}

// TemplateKey encodes a (name, version, environment) triple into the
// unique index key.
func TemplateKey(name, version, environment string) string {
	return name + "@" + version + "@" + environment
}

// TemplateSpec is the caller-supplied input to RegisterTemplate.
type TemplateSpec struct {
	// Name is the logical name. Must be non-empty and must not
	// contain "@".
	Name string

	// Version must parse as semver. A missing "v" prefix is added.
	Version string

	// Environment is the target environment, a lowercase identifier.
	Environment string

	// Content is the payload.
	Content string

	// Tags are optional classification labels.
	Tags []string

	// Category is an optional grouping label.
	Category string

	// ParentID optionally references the source template.
	ParentID string
}

// environmentRE also covers database scope names; both are lowercase
// identifiers.
var environmentRE = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidEnvironment reports whether the name is a usable environment or
// database scope identifier.
func ValidEnvironment(name string) bool {
	return environmentRE.MatchString(name)
}

func (s TemplateSpec) validate() (TemplateSpec, error) {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return s, fmt.Errorf("template name is required: %w", ErrInvalidSpec)
	}
	if strings.Contains(s.Name, "@") {
		return s, fmt.Errorf("template name %q must not contain %q: %w", s.Name, "@", ErrInvalidSpec)
	}

	version, err := NormalizeVersion(s.Version)
	if err != nil {
		return s, err
	}
	s.Version = version

	if !environmentRE.MatchString(s.Environment) {
		return s, fmt.Errorf("environment %q: %w", s.Environment, ErrInvalidSpec)
	}

	s.Tags = NormalizeTags(s.Tags)
	return s, nil
}

// NormalizeVersion trims a version string, adds the "v" prefix when
// missing, and validates the result as semver.
func NormalizeVersion(version string) (string, error) {
	v := strings.TrimSpace(version)
	if v == "" {
		return "", fmt.Errorf("template version is required: %w", ErrInvalidSpec)
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", fmt.Errorf("template version %q is not semver: %w", version, ErrInvalidSpec)
	}
	return v, nil
}

// NormalizeTags deduplicates and sorts tags, dropping empties.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// Placeholder
// =============================================================================

// placeholderNameRE enforces the UPPER_SNAKE token convention.
var placeholderNameRE = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// MarkerPattern matches {{NAME}} placeholder markers in template
// content. Submatch 1 is the bare UPPER_SNAKE name. Spaces inside the
// braces are tolerated, matching what RegisterPlaceholder accepts.
var MarkerPattern = regexp.MustCompile(`\{\{\s*([A-Z][A-Z0-9_]*)\s*\}\}`)

// Placeholder is a named configuration token with a classified default
// value.
type Placeholder struct {
	// Name is the unique UPPER_SNAKE identifier, stored without braces.
	Name string `json:"name"`

	// Type categorizes what the placeholder configures.
	Type PlaceholderType `json:"type"`

	// Category is the taxonomy group the placeholder belongs to.
	Category string `json:"category,omitempty"`

	// SecurityLevel is the classification tier.
	SecurityLevel SecurityLevel `json:"security_level"`

	// DefaultValue is the substitution default. SECRET values render
	// as the redaction marker everywhere except Reveal.
	DefaultValue secret.Value `json:"default_value"`

	// ValidationPattern optionally constrains substituted values.
	// Compiled on first use.
	ValidationPattern string `json:"validation_pattern,omitempty"`

	// UsageCount counts substitutions. Monotonic.
	UsageCount int64 `json:"usage_count"`

	// CreatedAt is when the placeholder was registered.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the placeholder last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Token returns the braced form used inside template content.
func (p Placeholder) Token() string {
	return "{{" + p.Name + "}}"
}

// Validate reports whether value satisfies the placeholder's validation
// pattern. Placeholders without a pattern accept everything.
func (p Placeholder) Validate(value string) (bool, error) {
	if p.ValidationPattern == "" {
		return true, nil
	}
	re, err := CompilePattern(p.ValidationPattern)
	if err != nil {
		return false, fmt.Errorf("placeholder %s validation pattern: %w", p.Name, err)
	}
	return re.MatchString(value), nil
}

// PlaceholderSpec is the caller-supplied input to RegisterPlaceholder.
type PlaceholderSpec struct {
	// Name is the UPPER_SNAKE identifier. A surrounding {{...}} is
	// stripped.
	Name string

	// Type categorizes the placeholder.
	Type PlaceholderType

	// Category is the taxonomy group.
	Category string

	// SecurityLevel is the classification tier.
	SecurityLevel SecurityLevel

	// DefaultValue is the raw default. Stored guarded when the level
	// is SECRET.
	DefaultValue string

	// ValidationPattern optionally constrains values. Must compile.
	ValidationPattern string
}

func (s PlaceholderSpec) validate() (PlaceholderSpec, error) {
	name, err := normalizePlaceholderName(s.Name)
	if err != nil {
		return s, err
	}
	s.Name = name

	if !s.Type.Valid() {
		return s, fmt.Errorf("placeholder type %q: %w", s.Type, ErrInvalidSpec)
	}
	if !s.SecurityLevel.Valid() {
		return s, &InvalidSecurityLevelError{Name: s.Name, Level: s.SecurityLevel}
	}
	if s.ValidationPattern != "" {
		if _, err := CompilePattern(s.ValidationPattern); err != nil {
			return s, fmt.Errorf("placeholder %s validation pattern %q: %w: %v",
				s.Name, s.ValidationPattern, ErrInvalidSpec, err)
		}
	}
	return s, nil
}

// =============================================================================
// Environment profile
// =============================================================================

// profileIDRE enforces the PROFILE_<NAME> identifier convention.
var profileIDRE = regexp.MustCompile(`^PROFILE_[A-Z0-9_]+$`)

// Profile selects the adaptation rules for one environment type.
type Profile struct {
	// ProfileID is the unique PROFILE_<NAME> identifier.
	ProfileID string `json:"profile_id"`

	// EnvironmentType is the environment the profile configures.
	EnvironmentType string `json:"environment_type"`

	// Priority orders profiles within an environment type. Lower wins.
	Priority int `json:"priority"`

	// RuleIDs reference the adaptation rules the profile selects.
	RuleIDs []string `json:"rule_ids,omitempty"`

	// Active marks the profile eligible for GetActiveProfile. At most
	// one active profile per (environment_type, priority) tier.
	Active bool `json:"active"`

	// Description is operator documentation.
	Description string `json:"description,omitempty"`

	// CreatedAt is when the profile was registered.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the profile last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// ProfileSpec is the caller-supplied input to RegisterProfile.
type ProfileSpec struct {
	// ProfileID is the PROFILE_<NAME> identifier.
	ProfileID string

	// EnvironmentType is the environment the profile configures.
	EnvironmentType string

	// Priority orders profiles. Lower wins. Must be >= 0.
	Priority int

	// RuleIDs reference adaptation rules by id.
	RuleIDs []string

	// Active marks the profile eligible for selection.
	Active bool

	// Description is operator documentation.
	Description string
}

func (s ProfileSpec) validate() (ProfileSpec, error) {
	s.ProfileID = strings.TrimSpace(s.ProfileID)
	if !profileIDRE.MatchString(s.ProfileID) {
		return s, fmt.Errorf("profile id %q is not PROFILE_<NAME>: %w", s.ProfileID, ErrInvalidSpec)
	}
	if !environmentRE.MatchString(s.EnvironmentType) {
		return s, fmt.Errorf("environment type %q: %w", s.EnvironmentType, ErrInvalidSpec)
	}
	if s.Priority < 0 {
		return s, fmt.Errorf("profile priority %d must be >= 0: %w", s.Priority, ErrInvalidSpec)
	}
	return s, nil
}

// =============================================================================
// Adaptation rule
// =============================================================================

// Rule describes one conditional template mutation.
type Rule struct {
	// RuleID is the unique identifier.
	RuleID string `json:"rule_id"`

	// EnvironmentContext is the environment the rule applies in.
	EnvironmentContext string `json:"environment_context"`

	// ConditionPattern is matched against template metadata to compute
	// confidence. Compiled on first use.
	ConditionPattern string `json:"condition_pattern"`

	// Action is the mutation applied when confidence clears the
	// threshold.
	Action Action `json:"action"`

	// ConfidenceThreshold is the minimum match confidence in [0,1].
	ConfidenceThreshold float64 `json:"confidence_threshold"`

	// ExecutionPriority orders rule application, ascending. Later rules
	// may depend on earlier mutations.
	ExecutionPriority int `json:"execution_priority"`

	// Category groups the rule by the concern it adjusts.
	Category RuleCategory `json:"category"`

	// Active marks the rule eligible for adaptation runs.
	Active bool `json:"active"`

	// CreatedAt is when the rule was registered.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the rule last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// RuleSpec is the caller-supplied input to RegisterRule.
type RuleSpec struct {
	// RuleID is the identifier. Generated when empty.
	RuleID string

	// EnvironmentContext is the environment the rule applies in.
	EnvironmentContext string

	// ConditionPattern is the metadata match regex. Must compile.
	ConditionPattern string

	// Action is the mutation to apply.
	Action Action

	// ConfidenceThreshold is the minimum confidence in [0,1].
	ConfidenceThreshold float64

	// ExecutionPriority orders application, ascending.
	ExecutionPriority int

	// Category groups the rule.
	Category RuleCategory

	// Active marks the rule eligible for adaptation runs.
	Active bool
}

func (s RuleSpec) validate() (RuleSpec, error) {
	s.RuleID = strings.TrimSpace(s.RuleID)
	if !environmentRE.MatchString(s.EnvironmentContext) {
		return s, fmt.Errorf("environment context %q: %w", s.EnvironmentContext, ErrInvalidSpec)
	}
	if s.ConditionPattern == "" {
		return s, fmt.Errorf("rule condition pattern is required: %w", ErrInvalidSpec)
	}
	if _, err := CompilePattern(s.ConditionPattern); err != nil {
		return s, fmt.Errorf("rule condition pattern %q: %w: %v", s.ConditionPattern, ErrInvalidSpec, err)
	}
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 {
		return s, fmt.Errorf("confidence threshold %v outside [0,1]: %w", s.ConfidenceThreshold, ErrInvalidSpec)
	}
	if !s.Category.Valid() {
		return s, fmt.Errorf("rule category %q: %w", s.Category, ErrInvalidSpec)
	}
	if err := s.Action.validate(); err != nil {
		return s, err
	}
	return s, nil
}

// =============================================================================
// Pattern cache
// =============================================================================

var (
	patternMu    sync.RWMutex
	patternCache = make(map[string]*regexp.Regexp)
)

// CompilePattern compiles a regex through a process-wide cache.
//
// Validation patterns and rule conditions are compiled on first use and
// shared across all registries in the process.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	patternMu.RLock()
	re, ok := patternCache[pattern]
	patternMu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	patternMu.Lock()
	patternCache[pattern] = re
	patternMu.Unlock()
	return re, nil
}
