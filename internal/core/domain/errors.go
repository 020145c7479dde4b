package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrNotFound            = errors.New("not found")
	ErrDuplicateConstraint = errors.New("duplicate constraint")
	ErrDuplicateRequest    = errors.New("duplicate request")
)

type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type ConstraintViolationError struct {
	Violations []string
}

func (e *ConstraintViolationError) Error() string {
	return "constraint violation: " + strings.Join(e.Violations, "; ")
}

func (e *ConstraintViolationError) Is(target error) bool { return target == ErrConstraintViolation }

type Shortage struct {
	ItemID    string   `json:"item_id"`
	ItemType  ItemType `json:"item_type"`
	Available int      `json:"available"`
	Required  int      `json:"required"`
}

type InsufficientStockError struct {
	Shortages []Shortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("%s: available %d, required %d", s.ItemID, s.Available, s.Required))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// StoreUnavailableError wraps a transient I/O failure of the persistent store.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func NewStoreUnavailable(op string, err error) *StoreUnavailableError {
	return &StoreUnavailableError{Op: op, Err: err}
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

func (e *StoreUnavailableError) Unwrap() error { return e.Err }
