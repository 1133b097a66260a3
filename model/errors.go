package model

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable is returned when the primary store cannot be reached.
var ErrStoreUnavailable = errors.New("primary store unavailable")

// ErrLastSource is returned when removing the only configured source.
var ErrLastSource = &ValidationError{Reason: "at least one feed source must remain configured"}

// FetchError reports a network or HTTP failure while retrieving a document.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports a feed document that could not be parsed even after repair.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError reports a rejected user-supplied value.
type ValidationError struct {
	Value  string
	Reason string
}

// NewValidationError creates a ValidationError for value.
func NewValidationError(value, reason string) *ValidationError {
	return &ValidationError{Value: value, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Value)
}

// Is matches ErrLastSource by reason so wrapped copies still compare equal.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	if !ok {
		return false
	}
	return t == e || (t == ErrLastSource && e.Reason == ErrLastSource.Reason)
}

// ImageFetchError reports a thumbnail that could not be downloaded or was rejected.
type ImageFetchError struct {
	ArticleID string
	URL       string
	Err       error
}

func (e *ImageFetchError) Error() string {
	return fmt.Sprintf("image %s for %s: %v", e.URL, e.ArticleID, e.Err)
}

func (e *ImageFetchError) Unwrap() error { return e.Err }
