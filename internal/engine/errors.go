package engine

import (
	"errors"

	"aggregator/internal/domain"
)

var (
	// ErrReadOnly is returned by every mutation on a historical revision.
	ErrReadOnly = errors.New("work item is read-only")
	// ErrAlreadyTracked is returned when an identity is registered twice.
	ErrAlreadyTracked = errors.New("work item already tracked")
	ErrNotFound       = domain.ErrNotFound
	// ErrTransition reports an unmet state transition precondition.
	ErrTransition       = errors.New("state transition rejected")
	ErrInvalidState     = errors.New("invalid state")
	ErrUnreachableState = errors.New("target state cannot be reached")
)
