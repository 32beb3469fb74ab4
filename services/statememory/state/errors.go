// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/statememory/services/statememory/delta"
	"github.com/AleutianAI/statememory/services/statememory/storage"
)

var (
	// ErrNotFound means no state exists for the key. Reads only; writes
	// create the key on first use.
	ErrNotFound = storage.ErrNotFound

	// ErrPolicyViolation is wrapped by PolicyViolationError.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrTypeMismatch is wrapped by delta.TypeMismatchError.
	ErrTypeMismatch = delta.ErrTypeMismatch

	// ErrNumericOverflow is wrapped by delta.NumericOverflowError.
	ErrNumericOverflow = delta.ErrNumericOverflow

	// ErrInvalidRequest covers missing actor or lineage id, empty keys and
	// malformed deltas or documents.
	ErrInvalidRequest = errors.New("invalid request")
)

// PolicyViolationError is returned when the validator denies a write. Reason
// is surfaced to the caller verbatim.
type PolicyViolationError struct {
	Rule   string
	Reason string
}

func (e *PolicyViolationError) Error() string {
	return e.Reason
}

// Unwrap lets errors.Is match ErrPolicyViolation.
func (e *PolicyViolationError) Unwrap() error { return ErrPolicyViolation }

// invalid wraps ErrInvalidRequest with a description.
func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// IsRejection reports whether err is a validator or delta-engine rejection.
// Rejections are reported as an unsuccessful CommitResult rather than as a
// transport failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrPolicyViolation) || errors.Is(err, ErrTypeMismatch) ||
		errors.Is(err, ErrNumericOverflow)
}

// Retryable reports whether resubmitting the same write could succeed.
// Policy violations, type mismatches and invalid requests are final.
// Version conflicts between replicas and storage failures may be retried.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case IsRejection(err), errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrNotFound):
		return false
	case errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}
