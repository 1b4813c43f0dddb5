// Package errdefs defines the error kinds shared by the engine packages.
// Callers classify errors with errors.As or the Is* helpers below.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by stores when a record does not exist
var ErrNotFound = errors.New("not found")

// Issue is one structural problem found while validating a definition
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// DefinitionError reports parse or validation problems. It is fatal
// before any job is created.
type DefinitionError struct {
	Issues []Issue
}

func (e *DefinitionError) Error() string {
	if len(e.Issues) == 1 {
		return "invalid definition: " + e.Issues[0].String()
	}
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.String())
	}
	return fmt.Sprintf("invalid definition (%d issues): %s", len(e.Issues), strings.Join(parts, "; "))
}

// NewDefinitionError builds a DefinitionError with a single issue
func NewDefinitionError(path, format string, args ...interface{}) *DefinitionError {
	return &DefinitionError{Issues: []Issue{{Path: path, Message: fmt.Sprintf(format, args...)}}}
}

// DependencyError reports a cycle or a reference to an unknown step
type DependencyError struct {
	Step  string
	Cycle []string
	Msg   string
}

func (e *DependencyError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Cycle, " -> "))
	}
	return fmt.Sprintf("dependency error in step %q: %s", e.Step, e.Msg)
}

// UnresolvedReferenceError reports a template token with no value. It
// fails only the instance being resolved.
type UnresolvedReferenceError struct {
	Token  string
	Reason string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference %s: %s", e.Token, e.Reason)
}

// MapExpansionError reports a listing or pattern failure on a map source
type MapExpansionError struct {
	Step   string
	Source string
	Err    error
}

func (e *MapExpansionError) Error() string {
	return fmt.Sprintf("map expansion failed for step %q on %s: %v", e.Step, e.Source, e.Err)
}

func (e *MapExpansionError) Unwrap() error { return e.Err }

// TransientBackendError is retried according to the backend retry policy
type TransientBackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *TransientBackendError) Error() string {
	return fmt.Sprintf("%s %s: transient: %v", e.Backend, e.Op, e.Err)
}

func (e *TransientBackendError) Unwrap() error { return e.Err }

// FatalBackendError is never retried and fails the instance
type FatalBackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *FatalBackendError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *FatalBackendError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientBackendError
func Transient(backend, op string, err error) error {
	return &TransientBackendError{Backend: backend, Op: op, Err: err}
}

// Fatal wraps err as a FatalBackendError
func Fatal(backend, op string, err error) error {
	return &FatalBackendError{Backend: backend, Op: op, Err: err}
}

func IsDefinition(err error) bool {
	var target *DefinitionError
	return errors.As(err, &target)
}

func IsDependency(err error) bool {
	var target *DependencyError
	return errors.As(err, &target)
}

func IsUnresolvedReference(err error) bool {
	var target *UnresolvedReferenceError
	return errors.As(err, &target)
}

func IsMapExpansion(err error) bool {
	var target *MapExpansionError
	return errors.As(err, &target)
}

func IsTransient(err error) bool {
	var target *TransientBackendError
	return errors.As(err, &target)
}

func IsFatal(err error) bool {
	var target *FatalBackendError
	return errors.As(err, &target)
}
