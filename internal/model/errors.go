package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed provider attempt. The kind decides retry
// policy: validation errors fail the item immediately, upstream and scrape
// errors are retried up to the item's attempt ceiling.
type ErrorKind string

const (
	ErrKindValidation ErrorKind = "validation_error"
	ErrKindUpstream   ErrorKind = "upstream_error"
	ErrKindScrape     ErrorKind = "scrape_error"
)

// Retryable reports whether an attempt failing with this kind should be
// re-enqueued.
func (k ErrorKind) Retryable() bool {
	return k != ErrKindValidation
}

// ItemError is a classified provider failure.
type ItemError struct {
	Kind    ErrorKind
	Message string
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ValidationErrorf builds a non-retryable bad-input error.
func ValidationErrorf(format string, args ...any) *ItemError {
	return &ItemError{Kind: ErrKindValidation, Message: fmt.Sprintf(format, args...)}
}

// UpstreamErrorf builds a retryable network/provider error.
func UpstreamErrorf(format string, args ...any) *ItemError {
	return &ItemError{Kind: ErrKindUpstream, Message: fmt.Sprintf(format, args...)}
}

// ScrapeErrorf builds a retryable adapter-internal error.
func ScrapeErrorf(format string, args ...any) *ItemError {
	return &ItemError{Kind: ErrKindScrape, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the classification from an error chain. Anything not
// carrying an explicit kind counts as upstream: unexpected failures burn a
// retry rather than failing the item outright.
func KindOf(err error) ErrorKind {
	var ie *ItemError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return ErrKindUpstream
}
