// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package slicequery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/statememory/services/statememory/document"
)

// ErrInvalidPattern is wrapped by every pattern parse error.
var ErrInvalidPattern = errors.New("invalid slice pattern")

// PatternKind enumerates the supported slice forms.
type PatternKind int

const (
	// PatternAll is "*".
	PatternAll PatternKind = iota
	// PatternSection is "<name>:*".
	PatternSection
	// PatternEntry is "<name>:<id>".
	PatternEntry
	// PatternPrefix is "<name>:<prefix>*", e.g. "metric:cpu*".
	PatternPrefix
	// PatternSubtree is "<path>.*", e.g. "resources.*".
	PatternSubtree
	// PatternPath is an exact dotted path, e.g. "tasks.T1.status".
	PatternPath
	// PatternGlob is "path:<glob>" over dotted leaf paths.
	PatternGlob
)

// Pattern is a parsed slice pattern.
type Pattern struct {
	Kind PatternKind
	Raw  string
	// Name is the section name for the name-based forms ("task").
	Name string
	// Arg is the entry id, key prefix, dotted path or glob.
	Arg string
}

// globPrefix introduces a doublestar glob pattern.
const globPrefix = "path:"

// ParsePattern parses raw. Glob patterns are rejected unless allowGlob.
func ParsePattern(raw string, allowGlob bool) (Pattern, error) {
	p := Pattern{Raw: raw}
	s := strings.TrimSpace(raw)
	if s == "" {
		return p, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	if s == "*" {
		p.Kind = PatternAll
		return p, nil
	}

	if strings.HasPrefix(s, globPrefix) {
		if !allowGlob {
			return p, fmt.Errorf("%w: glob patterns are disabled", ErrInvalidPattern)
		}
		glob := strings.TrimPrefix(s, globPrefix)
		if glob == "" || !document.ValidGlob(glob) {
			return p, fmt.Errorf("%w: bad glob %q", ErrInvalidPattern, glob)
		}
		p.Kind, p.Arg = PatternGlob, glob
		return p, nil
	}

	if name, rest, ok := strings.Cut(s, ":"); ok {
		if name == "" || strings.ContainsAny(name, ".*") {
			return p, fmt.Errorf("%w: bad section name %q", ErrInvalidPattern, name)
		}
		p.Name = name
		switch {
		case rest == "*":
			p.Kind = PatternSection
		case rest == "":
			return p, fmt.Errorf("%w: missing id after %q", ErrInvalidPattern, name+":")
		case strings.HasSuffix(rest, "*"):
			prefix := strings.TrimSuffix(rest, "*")
			if strings.Contains(prefix, "*") {
				return p, fmt.Errorf("%w: only a trailing * is supported", ErrInvalidPattern)
			}
			p.Kind, p.Arg = PatternPrefix, prefix
		case strings.Contains(rest, "*"):
			return p, fmt.Errorf("%w: only a trailing * is supported", ErrInvalidPattern)
		default:
			p.Kind, p.Arg = PatternEntry, rest
		}
		return p, nil
	}

	if path, ok := strings.CutSuffix(s, ".*"); ok {
		if _, err := document.SplitPath(path); err != nil || strings.Contains(path, "*") {
			return p, fmt.Errorf("%w: bad path %q", ErrInvalidPattern, path)
		}
		p.Kind, p.Arg = PatternSubtree, path
		return p, nil
	}

	if strings.Contains(s, "*") {
		return p, fmt.Errorf("%w: wildcards are only allowed as name:*, name:prefix* or path.*", ErrInvalidPattern)
	}
	if _, err := document.SplitPath(s); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	p.Kind, p.Arg = PatternPath, s
	return p, nil
}

// sectionCandidates lists the top-level keys a section name may refer to,
// in lookup order: "task" tries "tasks", "taskes" and then "task"; a name
// ending in "y" also tries the "ies" plural.
func sectionCandidates(name string) []string {
	out := []string{name + "s", name + "es"}
	if base, ok := strings.CutSuffix(name, "y"); ok && base != "" {
		out = append(out, base+"ies")
	}
	return append(out, name)
}
