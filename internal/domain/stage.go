package domain

// Stage is a named step of the swap state machine.
type Stage string

const (
	StageInitiated        Stage = "initiated"
	StageAwaitingDeposit  Stage = "awaiting_deposit"
	StageConvertingSource Stage = "converting_source"
	StageAcquiringTarget  Stage = "acquiring_target"
	StageDeliveringTarget Stage = "delivering_target"
	StageCompleted        Stage = "completed"
	StageFailed           Stage = "failed"
	StageExpired          Stage = "expired"
)

// pipeline lists the non-failure stages in execution order.
var pipeline = []Stage{
	StageInitiated,
	StageAwaitingDeposit,
	StageConvertingSource,
	StageAcquiringTarget,
	StageDeliveringTarget,
	StageCompleted,
}

// String returns the string representation of Stage.
func (s Stage) String() string {
	return string(s)
}

// IsValid checks if the stage is a known value.
func (s Stage) IsValid() bool {
	switch s {
	case StageFailed, StageExpired:
		return true
	}
	return s.Rank() >= 0
}

// IsTerminal reports whether no transition may leave the stage.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageExpired
}

// IsFailure reports whether the stage is one of the two failure terminals.
func (s Stage) IsFailure() bool {
	return s == StageFailed || s == StageExpired
}

// Rank returns the position of the stage along the success path.
// Failure terminals rank after every other stage; unknown stages return -1.
func (s Stage) Rank() int {
	for i, p := range pipeline {
		if p == s {
			return i
		}
	}
	if s.IsFailure() {
		return len(pipeline)
	}
	return -1
}

// Next returns the success successor of a non-terminal stage.
func (s Stage) Next() (Stage, bool) {
	r := s.Rank()
	if r < 0 || s.IsTerminal() {
		return "", false
	}
	return pipeline[r+1], true
}

// CanTransition reports whether from -> to is an edge of the stage graph.
func CanTransition(from, to Stage) bool {
	if from.IsTerminal() || !from.IsValid() {
		return false
	}
	if to.IsFailure() {
		return true
	}
	next, ok := from.Next()
	return ok && next == to
}

// FailureKind is the value recorded in SwapRecord.ErrorDetail.
type FailureKind string

const (
	FailureDepositTimeout    FailureKind = "DepositTimeout"
	FailureDepositFailed     FailureKind = "DepositFailed"
	FailureConversionFailed  FailureKind = "ConversionFailed"
	FailureConversionTimeout FailureKind = "ConversionTimeout"
	FailureDeliveryFailed    FailureKind = "DeliveryFailed"
	FailureAborted           FailureKind = "Aborted"
)

// String returns the string representation of FailureKind.
func (k FailureKind) String() string {
	return string(k)
}
