package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNoExecutor is a configuration error: no executor could be resolved
	// for a command.
	ErrNoExecutor = errors.New("no executor resolved for command")
	// ErrEmptyIdentity is a configuration error: an entity entering staging
	// has no identity value.
	ErrEmptyIdentity = errors.New("entity identity value is empty")
	// ErrCommitBroken is returned when a starting-event handler breaks a commit.
	ErrCommitBroken = errors.New("commit broken by starting event")
	// ErrNoAffectedData is returned when a MustAffectedData command changes no rows.
	ErrNoAffectedData = errors.New("command affected no data")
	// ErrUnknownField is returned for a field name the entity does not declare.
	ErrUnknownField = errors.New("unknown field")
	// ErrInvalidModification is returned for a malformed modify expression.
	ErrInvalidModification = errors.New("invalid modification")
	// ErrUnsupported is returned by executors for operations they cannot run.
	ErrUnsupported = errors.New("unsupported operation")
	// ErrDuplicateKey is returned by executors when an insert collides.
	ErrDuplicateKey = errors.New("duplicate key")
)

// BreakError reports the starting-event handler that aborted a commit.
type BreakError struct {
	CommandID int64
	Handler   string
	Message   string
}

func (e *BreakError) Error() string {
	msg := fmt.Sprintf("command %d: commit broken", e.CommandID)
	if e.Handler != "" {
		msg += " by " + e.Handler
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Unwrap returns ErrCommitBroken.
func (e *BreakError) Unwrap() error { return ErrCommitBroken }

// AffectedDataError lists the MustAffectedData commands that changed no rows.
type AffectedDataError struct {
	CommandIDs []int64
}

func (e *AffectedDataError) Error() string {
	return fmt.Sprintf("commands %v affected no data", e.CommandIDs)
}

// Unwrap returns ErrNoAffectedData.
func (e *AffectedDataError) Unwrap() error { return ErrNoAffectedData }
