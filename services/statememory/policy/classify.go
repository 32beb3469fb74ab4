// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"fmt"
	"regexp"
	"slices"
	"sort"

	"github.com/AleutianAI/statememory/services/statememory/document"
	"github.com/AleutianAI/statememory/services/statememory/policy/enforcement"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Classification Patterns
// =============================================================================

// Confidence is how likely a pattern match is a true positive.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// UnmarshalYAML rejects unknown confidence levels.
func (c *Confidence) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch level := Confidence(s); level {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		*c = level
		return nil
	default:
		return fmt.Errorf("invalid confidence %q", s)
	}
}

// ClassificationFile is the YAML document of classification patterns.
type ClassificationFile struct {
	Classifications []Classification `yaml:"classifications"`
}

// Classification groups patterns under one name such as "secret" or "pii".
// Higher Priority is checked first.
type Classification struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Priority    int              `yaml:"priority"`
	Patterns    []DetectPattern  `yaml:"patterns"`
	compiled    []*regexp.Regexp `yaml:"-"`
}

// DetectPattern is one regular expression within a classification.
type DetectPattern struct {
	ID          string     `yaml:"id"`
	Description string     `yaml:"description"`
	Regex       string     `yaml:"regex"`
	Confidence  Confidence `yaml:"confidence"`
}

// Finding is a classified match inside one string value.
type Finding struct {
	Path           string     `json:"path"`
	Classification string     `json:"classification"`
	PatternID      string     `json:"pattern_id"`
	Description    string     `json:"description"`
	Confidence     Confidence `json:"confidence"`
}

// Classifier matches strings against compiled classification patterns.
//
// # Thread Safety
//
// Classifier is immutable after construction and safe for concurrent use.
type Classifier struct {
	classes []Classification
}

// NewClassifier parses YAML patterns, compiles every regex and orders the
// classifications by priority, highest first.
func NewClassifier(data []byte) (*Classifier, error) {
	var f ClassificationFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: classification patterns: %v", ErrInvalidPolicy, err)
	}
	for i := range f.Classifications {
		c := &f.Classifications[i]
		if c.Name == "" {
			return nil, fmt.Errorf("%w: classification without a name", ErrInvalidPolicy)
		}
		for _, p := range c.Patterns {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("%w: pattern %s: %v", ErrInvalidPolicy, p.ID, err)
			}
			c.compiled = append(c.compiled, re)
		}
	}
	sort.SliceStable(f.Classifications, func(i, j int) bool {
		return f.Classifications[i].Priority > f.Classifications[j].Priority
	})
	return &Classifier{classes: f.Classifications}, nil
}

// NewDefaultClassifier uses the patterns compiled into the binary.
func NewDefaultClassifier() (*Classifier, error) {
	return NewClassifier(enforcement.DataClassificationPatterns)
}

// Names returns the classification names in priority order.
func (c *Classifier) Names() []string {
	names := make([]string, len(c.classes))
	for i, cl := range c.classes {
		names[i] = cl.Name
	}
	return names
}

// Classify returns the first matching pattern for text, checking
// classifications by priority. ok is false when text matches nothing.
func (c *Classifier) Classify(text string) (Finding, bool) {
	for _, cl := range c.classes {
		for i, re := range cl.compiled {
			if re.MatchString(text) {
				p := cl.Patterns[i]
				return Finding{
					Classification: cl.Name,
					PatternID:      p.ID,
					Description:    p.Description,
					Confidence:     p.Confidence,
				}, true
			}
		}
	}
	return Finding{}, false
}

// Scan classifies every string leaf beneath root, in document order.
// Paths are reported relative to prefix.
func (c *Classifier) Scan(root *document.Node, prefix string) []Finding {
	var findings []Finding
	root.WalkLeaves(prefix, func(path string, leaf *document.Node) {
		s, ok := leaf.AsString()
		if !ok {
			return
		}
		if f, ok := c.Classify(s); ok {
			f.Path = path
			findings = append(findings, f)
		}
	})
	return findings
}

// =============================================================================
// Sensitive Data Rule
// =============================================================================

// SensitiveDataSpec configures the sensitive_data rule. Block lists the
// classifications that deny a write; Allow lists dotted globs whose values
// are never scanned.
type SensitiveDataSpec struct {
	Enabled bool     `yaml:"enabled"`
	Block   []string `yaml:"block"`
	Allow   []string `yaml:"allow"`
}

// SensitiveDataRule rejects writes that put blocked classifications, such
// as credentials, into shared FSA state. For deltas only the written paths
// are scanned; full documents are scanned entirely.
type SensitiveDataRule struct {
	classifier *Classifier
	spec       SensitiveDataSpec
}

// NewSensitiveDataRule builds the rule over classifier.
func NewSensitiveDataRule(classifier *Classifier, spec SensitiveDataSpec) *SensitiveDataRule {
	return &SensitiveDataRule{classifier: classifier, spec: spec}
}

func (r *SensitiveDataRule) Name() string { return "sensitive_data" }

// Check implements Rule.
func (r *SensitiveDataRule) Check(ev Evaluation) []string {
	var findings []Finding
	if ev.Delta.Len() == 0 {
		findings = r.classifier.Scan(ev.After, "")
	} else {
		for _, e := range ev.Delta.Entries() {
			written, ok := ev.After.Lookup(e.Path)
			if !ok {
				continue
			}
			findings = append(findings, r.classifier.Scan(written, e.Path)...)
		}
	}

	var msgs []string
	for _, f := range findings {
		if !slices.Contains(r.spec.Block, f.Classification) || r.allowed(f.Path) {
			continue
		}
		msgs = append(msgs, fmt.Sprintf("Field %s matches %s pattern %s (%s) and cannot be stored in shared state",
			f.Path, f.Classification, f.PatternID, f.Description))
	}
	return msgs
}

func (r *SensitiveDataRule) allowed(path string) bool {
	for _, pattern := range r.spec.Allow {
		if document.MatchGlob(pattern, path) {
			return true
		}
	}
	return false
}
