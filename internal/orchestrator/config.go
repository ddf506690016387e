package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// DepositMatch selects which incoming transfers satisfy a deposit.
type DepositMatch string

const (
	// DepositMatchMinimum accepts any amount at or above the requested one.
	DepositMatchMinimum DepositMatch = "minimum"
	// DepositMatchExact accepts only the requested amount.
	DepositMatchExact DepositMatch = "exact"
)

// StagePolicy bounds how long a stage may wait and how often it polls.
type StagePolicy struct {
	Deadline time.Duration
	Poll     time.Duration
}

// Config holds the orchestrator's retry and timeout policy.
type Config struct {
	DepositMatch     DepositMatch
	MinConfirmations int
	// RequireMemo makes deposits match only transfers whose memo is the swap id.
	RequireMemo bool

	// AttemptCap is the number of attempts per external call, first one included.
	AttemptCap     uint64
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// MaxOrders caps orders per market stage, the first one included.
	MaxOrders int
	// MaxTransfers caps delivery transfers, the first one included.
	MaxTransfers int

	RecoveryPeriod time.Duration

	Deposit StagePolicy
	Convert StagePolicy
	Acquire StagePolicy
	Deliver StagePolicy
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DepositMatch:     DepositMatchMinimum,
		MinConfirmations: 1,
		RequireMemo:      true,
		AttemptCap:       5,
		BackoffInitial:   500 * time.Millisecond,
		BackoffMax:       10 * time.Second,
		MaxOrders:        3,
		MaxTransfers:     3,
		RecoveryPeriod:   15 * time.Second,
		Deposit:          StagePolicy{Deadline: 30 * time.Minute, Poll: 10 * time.Second},
		Convert:          StagePolicy{Deadline: 5 * time.Minute, Poll: 3 * time.Second},
		Acquire:          StagePolicy{Deadline: 5 * time.Minute, Poll: 3 * time.Second},
		Deliver:          StagePolicy{Deadline: 10 * time.Minute, Poll: 3 * time.Second},
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.DepositMatch {
	case DepositMatchMinimum, DepositMatchExact:
	default:
		return fmt.Errorf("unknown deposit match policy %q", c.DepositMatch)
	}
	if c.MinConfirmations < 0 {
		return errors.New("min confirmations must not be negative")
	}
	if c.AttemptCap == 0 {
		return errors.New("attempt cap must be at least 1")
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return errors.New("backoff must satisfy 0 < initial <= max")
	}
	if c.MaxOrders < 1 || c.MaxTransfers < 1 {
		return errors.New("max orders and max transfers must be at least 1")
	}
	if c.RecoveryPeriod <= 0 {
		return errors.New("recovery period must be positive")
	}
	for name, p := range map[string]StagePolicy{
		"deposit": c.Deposit,
		"convert": c.Convert,
		"acquire": c.Acquire,
		"deliver": c.Deliver,
	} {
		if p.Deadline <= 0 || p.Poll <= 0 {
			return fmt.Errorf("%s stage needs a positive deadline and poll interval", name)
		}
	}
	return nil
}
