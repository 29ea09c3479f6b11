package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// error kinds. Use errors.Is to test for them, the concrete errors are
// wrapped with context.
var (
	// ErrValidation is malformed input, e.g. an empty index field list or a
	// record value of the wrong type
	ErrValidation = errors.New("validation error")
	// ErrNotFound is returned when a requested record does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an operation is blocked by other state
	ErrConflict = errors.New("conflict")
	// ErrForbidden is returned when a collection rule denies an operation
	ErrForbidden = errors.New("forbidden")
	// ErrConfiguration is returned when operating on an unset rule
	ErrConfiguration = errors.New("configuration error")
	// ErrEvaluation is returned when a rule expression cannot be evaluated
	ErrEvaluation = errors.New("evaluation error")
	// ErrUnsupportedDriver is returned when no index strategy exists for a driver
	ErrUnsupportedDriver = &kindError{kind: ErrConflict, msg: "unsupported database driver"}
)

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Is(target error) bool { return target == e.kind }

// ConflictError reports that a delete is blocked by records referencing the
// deleted record through a relation field without cascade delete.
type ConflictError struct {
	Collection string
	Field      string
	Count      int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("record is referenced by %d record(s) of collection %s via field %s",
		e.Count, e.Collection, e.Field)
}

// Is makes ConflictError match ErrConflict
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Validationf returns a new ErrValidation with a message
func Validationf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrValidation, format, args...)
}

// Forbiddenf returns a new ErrForbidden with a message
func Forbiddenf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrForbidden, format, args...)
}

// NotFoundf returns a new ErrNotFound with a message
func NotFoundf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrNotFound, format, args...)
}
