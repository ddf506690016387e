package storage

import (
	"errors"

	"atomic-pek/internal/domain"
)

// Storage errors shared by every backend.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateID is returned when creating a swap whose id already exists.
	ErrDuplicateID = errors.New("duplicate swap id")

	// ErrDuplicateRef is returned when an external reference is already owned by another swap.
	ErrDuplicateRef = errors.New("external reference already recorded for another swap")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrLeaseHeld is returned when a live lease belongs to another owner.
	ErrLeaseHeld = errors.New("lease held by another owner")

	// ErrLeaseLost is returned when renewing or releasing a lease the caller no longer owns.
	ErrLeaseLost = errors.New("lease lost")

	// ErrTerminalState is returned for any mutation of a swap in a terminal stage.
	ErrTerminalState = domain.ErrTerminalStage

	// ErrInvalidTransition is returned for an edge outside the stage graph.
	ErrInvalidTransition = domain.ErrIllegalTransition
)
