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
	"fmt"
	"strings"

	"github.com/AleutianAI/statememory/services/statememory/document"
)

// TruncationMarker ends every summary that was cut to fit its budget.
const TruncationMarker = " …[truncated]"

// render lists every leaf of the slice as "- path: value", one per line,
// after a header naming the pattern and version.
func render(slice *document.Node, pattern string, version int64, total, k int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Slice %q at version %d", pattern, version)
	if k > 0 && total > k {
		fmt.Fprintf(&b, " (first %d of %d entries)", k, total)
	}
	b.WriteString(":")
	slice.WalkLeaves("", func(path string, leaf *document.Node) {
		b.WriteString("\n- ")
		b.WriteString(path)
		b.WriteString(": ")
		b.WriteString(renderValue(leaf))
	})
	return b.String()
}

func renderValue(n *document.Node) string {
	if v, ok := n.AsNumber(); ok {
		return document.FormatNumber(v)
	}
	out, err := n.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("%v", n.Interface())
	}
	return string(out)
}

// bound applies the character budget and then the token budget.
func (e *Engine) bound(text string) string {
	text = truncateRunes(text, e.cfg.MaxSummaryChars)
	if e.cfg.Tokens == nil || e.cfg.MaxSummaryTokens <= 0 {
		return text
	}
	if e.cfg.Tokens.CountTokens(text) <= e.cfg.MaxSummaryTokens {
		return text
	}
	body := strings.TrimSuffix(text, TruncationMarker)
	room := e.cfg.MaxSummaryTokens - e.cfg.Tokens.CountTokens(TruncationMarker)
	if room <= 0 {
		return e.cfg.Tokens.TruncateTokens(body, e.cfg.MaxSummaryTokens)
	}
	return e.cfg.Tokens.TruncateTokens(body, room) + TruncationMarker
}

// truncateRunes cuts text to at most limit runes including the marker.
func truncateRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	marker := []rune(TruncationMarker)
	if limit <= len(marker) {
		return string(runes[:limit])
	}
	return string(runes[:limit-len(marker)]) + TruncationMarker
}
