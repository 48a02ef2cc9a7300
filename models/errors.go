package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrConflict        = errors.New("conflict")
	ErrVersionConflict = errors.New("version conflict")
	ErrInvalidInput    = errors.New("invalid input")
	ErrReadOnly        = errors.New("read-only")
	ErrIO              = errors.New("io failure")
)

// ItemError ties one failed item of a batch operation to its cause.
type ItemError struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

func (e ItemError) String() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Err)
}

// PartialError is returned by batch operations (import, recursive delete,
// non-atomic flush) where some items succeeded and some failed.
type PartialError struct {
	Succeeded int
	Items     []ItemError
}

func (e *PartialError) Error() string {
	parts := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		parts = append(parts, it.String())
	}
	return fmt.Sprintf("partial failure: %d succeeded, %d failed: %s",
		e.Succeeded, len(e.Items), strings.Join(parts, "; "))
}

// VersionMismatchError carries the versions that lost an optimistic write.
type VersionMismatchError struct {
	Path     string
	Expected uint64
	Actual   uint64
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version conflict on '%s': expected %d, found %d",
		e.Path, e.Expected, e.Actual)
}

func (e *VersionMismatchError) Unwrap() error {
	return ErrVersionConflict
}
