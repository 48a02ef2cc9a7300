package tkv

import (
	"fmt"

	"github.com/StrataLabs/strata/models"
)

// ErrKeyNotFound is returned when a key is not found in the store.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return fmt.Sprintf("key not found: %s", e.Key)
}

func (e *ErrKeyNotFound) Unwrap() error {
	return models.ErrNotFound
}

// ErrKeyExists is returned by SetNX when the key is already present.
type ErrKeyExists struct {
	Key string
}

func (e *ErrKeyExists) Error() string {
	return fmt.Sprintf("key already exists: %s", e.Key)
}

func (e *ErrKeyExists) Unwrap() error {
	return models.ErrAlreadyExists
}

// ErrInternal is returned when the underlying store fails.
type ErrInternal struct {
	Err error
}

func (e *ErrInternal) Error() string {
	return fmt.Sprintf("internal error: %v", e.Err)
}

func (e *ErrInternal) Unwrap() error {
	return e.Err
}

func (e *ErrInternal) Is(target error) bool {
	return target == models.ErrIO
}
