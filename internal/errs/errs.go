// Package errs defines the error taxonomy shared by all pipeline stages.
package errs

import (
	"errors"
	"fmt"
)

// ConfigError indicates an invalid or contradictory configuration.
// It is fatal and aborts the run before any stage executes.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "configuration error: " + e.Msg
}

// Configf builds a ConfigError from a format string.
func Configf(format string, a ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, a...)}
}

// TransientError indicates a failure worth retrying: connection errors,
// server 5xx, rate limiting, timeouts.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transientf wraps err as a TransientError.
func Transientf(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ValidationError indicates a downloaded or converted artifact failed its
// structural check.
type ValidationError struct {
	Path string
	Msg  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Path, e.Msg)
}

// Validationf builds a ValidationError for path.
func Validationf(path, format string, a ...any) error {
	return &ValidationError{Path: path, Msg: fmt.Sprintf(format, a...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ItemError records a per-item failure. It is absorbed at the stage boundary:
// the item is marked failed in the manifest and excluded from the stage
// output, but the stage keeps going.
type ItemError struct {
	Stage string
	ID    string
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s: item %s: %v", e.Stage, e.ID, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// StageAbortError indicates the stage's failure budget was exceeded. It is
// fatal for the run; manifests written by earlier stages remain valid.
type StageAbortError struct {
	Stage  string
	Failed int
	Total  int
}

func (e *StageAbortError) Error() string {
	return fmt.Sprintf("stage %s aborted: %d/%d items failed", e.Stage, e.Failed, e.Total)
}
