package models

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy. NotFound/Inactive/Configuration errors are caller
// mistakes and are surfaced immediately; BackendUnavailable is retried with
// bounded backoff before it reaches a caller; Migration errors carry the
// last good checkpoint so a re-run can resume.

// NotFoundError reports an unknown account, instance, template, or
// conversation.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.Key)
}

// InactiveError reports a deactivated account.
type InactiveError struct {
	Slug string
}

func (e *InactiveError) Error() string {
	return fmt.Sprintf("account inactive: %s", e.Slug)
}

// ConfigurationError reports an invalid template+override merge. Issues
// holds the individual schema violations.
type ConfigurationError struct {
	TemplateRef string
	Issues      []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration for template %s: %s", e.TemplateRef, strings.Join(e.Issues, "; "))
}

// CapacityError reports that the instance cache is full and every entry is
// pinned by an in-flight request.
type CapacityError struct {
	Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("instance cache full: all %d entries pinned", e.Capacity)
}

// BackendUnavailableError reports an unreachable vector store backend after
// retries exhausted.
type BackendUnavailableError struct {
	Kind BackendKind
	Err  error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("vector backend %s unavailable: %v", e.Kind, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// MigrationError is resumable: Cursor is the last committed checkpoint.
type MigrationError struct {
	MigrationID string
	Cursor      string
	Err         error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s failed at cursor %q: %v", e.MigrationID, e.Cursor, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsInactive reports whether err is an InactiveError.
func IsInactive(err error) bool {
	var ia *InactiveError
	return errors.As(err, &ia)
}

// IsBackendUnavailable reports whether err is a BackendUnavailableError.
func IsBackendUnavailable(err error) bool {
	var bu *BackendUnavailableError
	return errors.As(err, &bu)
}
