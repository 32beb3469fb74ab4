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
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is used when no encoding or model is configured.
const DefaultEncoding = "cl100k_base"

// TiktokenCounter implements TokenCounter with a BPE encoding.
//
// # Description
//
// The encoding name may also be a model name ("gpt-4"). The BPE ranks are
// fetched and cached by tiktoken-go on first use, so construction can fail
// on hosts without network access or a populated TIKTOKEN_CACHE_DIR.
//
// # Thread Safety
//
// Safe for concurrent use. The underlying encoder is read-only.
type TiktokenCounter struct {
	encoding string
	tke      *tiktoken.Tiktoken
}

// NewTiktokenCounter loads an encoding by name, then by model name.
func NewTiktokenCounter(encodingOrModel string) (*TiktokenCounter, error) {
	if encodingOrModel == "" {
		encodingOrModel = DefaultEncoding
	}
	tke, err := tiktoken.GetEncoding(encodingOrModel)
	if err != nil {
		var modelErr error
		tke, modelErr = tiktoken.EncodingForModel(encodingOrModel)
		if modelErr != nil {
			return nil, fmt.Errorf("load tiktoken encoding %q: %w", encodingOrModel, err)
		}
	}
	return &TiktokenCounter{encoding: encodingOrModel, tke: tke}, nil
}

// Encoding returns the configured encoding or model name.
func (c *TiktokenCounter) Encoding() string { return c.encoding }

// CountTokens implements TokenCounter.
func (c *TiktokenCounter) CountTokens(text string) int {
	return len(c.tke.Encode(text, nil, nil))
}

// TruncateTokens implements TokenCounter.
func (c *TiktokenCounter) TruncateTokens(text string, max int) string {
	if max <= 0 {
		return ""
	}
	toks := c.tke.Encode(text, nil, nil)
	if len(toks) <= max {
		return text
	}
	return trimPartialRune(c.tke.Decode(toks[:max]))
}

// trimPartialRune drops a rune cut in half by a token boundary. BPE tokens
// can split multi-byte characters, and a dangling prefix would be encoded as
// U+FFFD.
func trimPartialRune(s string) string {
	for i := 0; i < utf8.UTFMax-1 && len(s) > 0; i++ {
		if r, size := utf8.DecodeLastRuneInString(s); r != utf8.RuneError || size != 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return strings.ToValidUTF8(s, "")
}
