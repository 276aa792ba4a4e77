// Package errors provides error handling for herald.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - User-facing hints and details
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint        = crdb.WithHint
	WithHintf       = crdb.WithHintf
	WithDetail      = crdb.WithDetail
	WithDetailf     = crdb.WithDetailf
	WithSafeDetails = crdb.WithSafeDetails
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapOnce     = crdb.UnwrapOnce
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Assertions and panics
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Sentinel errors for the announcement lifecycle.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = New("not found")

	// ErrStoreUnavailable indicates the durable store could not complete an
	// operation. The triggering event is not considered processed; callers
	// must be safe to retry and must re-read before acting on prior writes.
	ErrStoreUnavailable = New("store unavailable")

	// ErrInvalidSchedule indicates a schedule request with a due time in the past
	ErrInvalidSchedule = New("invalid schedule")

	// ErrExtractionFailed indicates the AI extraction service could not turn
	// free text into structured announcement fields. Recoverable: the request
	// stays pending and the approver may retry.
	ErrExtractionFailed = New("extraction failed")

	// ErrPostFailed indicates the group announcement could not be posted
	ErrPostFailed = New("post failed")

	// ErrCalendarFailed indicates a calendar entry could not be created or removed
	ErrCalendarFailed = New("calendar operation failed")

	// ErrUnauthorized indicates the acting user lacks the required role
	ErrUnauthorized = New("unauthorized")
)

// IsNotFound checks if an error is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsStoreUnavailable checks if an error is or wraps ErrStoreUnavailable.
func IsStoreUnavailable(err error) bool {
	return err != nil && Is(err, ErrStoreUnavailable)
}

// IsRecoverable reports whether the lifecycle may retry the failed operation
// without losing the request. Store failures are fatal for the triggering
// event; everything in the recoverable set leaves state unchanged.
func IsRecoverable(err error) bool {
	return err != nil && IsAny(err, ErrExtractionFailed, ErrPostFailed, ErrCalendarFailed)
}
