// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")
var ErrInsufficientCredits = errors.New("insufficient credits")
var ErrKeyInactive = errors.New("api key is inactive")
var ErrNegativeAmount = errors.New("amount must not be negative")
var ErrEmptyPatch = errors.New("patch contains no changes")
var ErrInvalidOwner = errors.New("invalid owner id")
var ErrInvalidProduct = errors.New("invalid product id")
var ErrInvalidExpiry = errors.New("expiry must be in the future")

// PersistenceError marks a durable-store I/O failure. Business outcomes
// (insufficient credits, not found) are never wrapped in it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistenceError wraps a store failure with the failing operation name.
func NewPersistenceError(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistence reports whether err is (or wraps) a store I/O failure.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
