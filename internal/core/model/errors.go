package model

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyOrInvalidArea rejects an area of interest before any network call.
	ErrEmptyOrInvalidArea = errors.New("empty or invalid area of interest")
	ErrCancelled          = errors.New("fetch cancelled")
	ErrUnknownProvider    = errors.New("unknown provider")
)

// GeometryDecodeError is local to one record; the fetcher skips the record.
type GeometryDecodeError struct {
	Format string
	Err    error
}

func (e *GeometryDecodeError) Error() string {
	if e.Format == "" {
		return fmt.Sprintf("decode geometry: %v", e.Err)
	}
	return fmt.Sprintf("decode %s geometry: %v", e.Format, e.Err)
}

func (e *GeometryDecodeError) Unwrap() error { return e.Err }

// ConnectionError is fatal for the whole fetch.
type ConnectionError struct {
	Provider string
	Stage    string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Stage, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError marks an upstream credential rejection. Sessions are reset once
// when they see it.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "upstream auth: " + e.Err.Error() }

func (e *AuthError) Unwrap() error { return e.Err }

func InvalidArea(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrEmptyOrInvalidArea, fmt.Sprintf(format, args...))
}
