// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package document

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Dotted globs reuse doublestar's path matching by mapping path segments
// onto slash-separated components. Keys containing "/" therefore split
// into two components when matched.

// ValidGlob reports whether pattern is a well-formed dotted glob.
func ValidGlob(pattern string) bool {
	return pattern != "" && doublestar.ValidatePattern(toSlash(pattern))
}

// MatchGlob reports whether a dotted path matches a dotted glob, where "*"
// matches exactly one segment and "**" matches any number of segments.
// Malformed patterns never match.
func MatchGlob(pattern, path string) bool {
	ok, err := doublestar.Match(toSlash(pattern), toSlash(path))
	return err == nil && ok
}

func toSlash(p string) string {
	return strings.ReplaceAll(p, ".", "/")
}
