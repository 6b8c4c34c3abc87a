// Package apperr defines the sentinel error kinds used across metasave.
//
// Error taxonomy
//
//	UserError  – caused by missing or invalid user input (wrong flag, bad value, …).
//	             The CLI prints only the message; usage help is NOT repeated.
//	             Exit code: 1.
//
//	ErrCancelled – the user deliberately aborted an interactive flow
//	               (confirmation prompt, …). Exit code: 0 (not a failure).
//
// The pipeline sentinels below classify capture failures. They are caught at
// component boundaries and converted to logged field omissions; a save never
// fails because of one of them.
package apperr

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned when the user explicitly aborts an interactive
// operation. The CLI should exit 0 rather than 1 when it sees this error.
var ErrCancelled = errors.New("operation cancelled")

// Pipeline sentinels. Wrap with fmt.Errorf("context: %w", sentinel) so
// callers can classify with errors.Is.
var (
	// ErrGraphShape marks malformed graph references (dangling source id,
	// wrong arity).
	ErrGraphShape = errors.New("graph shape")

	// ErrRuleShape marks a rule-document entry that fails schema validation.
	ErrRuleShape = errors.New("rule shape")

	// ErrArtifactIO marks a failed artifact read during hashing.
	ErrArtifactIO = errors.New("artifact io")

	// ErrArtifactResolution marks a reference no candidate matched.
	ErrArtifactResolution = errors.New("artifact resolution")

	// ErrExtraction marks an internal selector failure.
	ErrExtraction = errors.New("extraction")

	// ErrEncoderRejected marks a container library refusing assembled
	// metadata; the fallback controller escalates to the next stage.
	ErrEncoderRejected = errors.New("encoder rejected")

	// ErrPersistence marks a failed rule-document write. Previous documents
	// remain intact on disk.
	ErrPersistence = errors.New("persistence")
)

// UserError represents an error caused by invalid or missing user input.
// Cobra command handlers return this instead of a bare fmt.Errorf so that
// the root command can suppress repeated usage output and format the message
// in a user-friendly way.
type UserError struct {
	Message string
}

func (e *UserError) Error() string { return e.Message }

// User creates a UserError with the given message.
func User(msg string) error { return &UserError{Message: msg} }

// Userf creates a formatted UserError.
func Userf(format string, args ...any) error {
	return &UserError{Message: fmt.Sprintf(format, args...)}
}

// IsUser reports whether err is (or wraps) a *UserError.
func IsUser(err error) bool {
	var u *UserError
	return errors.As(err, &u)
}
