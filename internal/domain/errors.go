package domain

import "errors"

// Stage machine errors.
var (
	// ErrTerminalStage is returned when a transition leaves a terminal stage.
	ErrTerminalStage = errors.New("swap is in a terminal stage")

	// ErrIllegalTransition is returned for an edge outside the stage graph.
	ErrIllegalTransition = errors.New("illegal stage transition")

	// ErrMissingFailureKind is returned when failed/expired carries no error detail.
	ErrMissingFailureKind = errors.New("failure transition requires an error detail")
)
