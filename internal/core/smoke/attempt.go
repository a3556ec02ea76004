// Package smoke contains pure types and functions for the smoke-test
// deployment attempt. This is part of the Functional Core - no I/O.
package smoke

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Attempt Errors
// =============================================================================

var (
	ErrInvalidTransition = errors.New("invalid attempt state transition")
	ErrInvalidRunNumber  = errors.New("run number must be positive")
)

// =============================================================================
// Attempt State Machine
// =============================================================================

// State represents the lifecycle of a deployment attempt.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateProbed  State = "probed"
	StateStopped State = "stopped" // Terminal, success path
	StateFailed  State = "failed"  // Terminal, failure path
)

// validTransitions defines the allowed attempt state transitions.
// Failure is reachable from any non-terminal state: the container may never
// start, may start but never turn ready, or may fail the probe itself.
var validTransitions = map[State][]State{
	StateCreated: {StateRunning, StateFailed},
	StateRunning: {StateProbed, StateFailed},
	StateProbed:  {StateStopped, StateFailed},
	StateStopped: {}, // Terminal state
	StateFailed:  {}, // Terminal state
}

// ValidateTransition checks if an attempt state transition is valid.
func ValidateTransition(from, to State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// =============================================================================
// Outcome
// =============================================================================

// Outcome is the pass/fail signal the orchestrator consumes.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// =============================================================================
// Attempt
// =============================================================================

// Attempt is one transient smoke-test deployment: a uniquely named container
// on a uniquely allocated host port, created, probed, and discarded within a
// single pipeline run.
type Attempt struct {
	ID            string
	RunNumber     int64
	Image         string
	ContainerName string
	HostPort      int // 0 until allocated
	InternalPort  int
	State         State
	Outcome       Outcome
	Error         string
	// Logs holds the tail of the container's output, captured on failure
	// before teardown removes the container.
	Logs       string
	CreatedAt  time.Time
	FinishedAt *time.Time
}

// NewAttempt creates an attempt for the given run number and artifact.
func NewAttempt(runNumber int64, image string, internalPort int, namePrefix string) (*Attempt, error) {
	if runNumber <= 0 {
		return nil, ErrInvalidRunNumber
	}
	return &Attempt{
		ID:            uuid.New().String(),
		RunNumber:     runNumber,
		Image:         image,
		ContainerName: DeriveContainerName(namePrefix, runNumber),
		InternalPort:  internalPort,
		State:         StateCreated,
		Outcome:       OutcomePending,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Transition attempts to move the attempt to a new state.
func (a *Attempt) Transition(to State) error {
	if err := ValidateTransition(a.State, to); err != nil {
		return err
	}
	a.State = to

	switch to {
	case StateStopped:
		a.Outcome = OutcomeSuccess
		now := time.Now().UTC()
		a.FinishedAt = &now
	case StateFailed:
		a.Outcome = OutcomeFailure
		now := time.Now().UTC()
		a.FinishedAt = &now
	}
	return nil
}

// Fail moves the attempt to the failed state recording the cause.
func (a *Attempt) Fail(cause error) {
	if cause != nil {
		a.Error = cause.Error()
	}
	// Failed is reachable from every non-terminal state, so this cannot
	// produce an invalid transition unless the attempt already finished.
	_ = a.Transition(StateFailed)
}

// Terminal reports whether the attempt has reached a terminal state.
func (a *Attempt) Terminal() bool {
	return a.State == StateStopped || a.State == StateFailed
}

// =============================================================================
// Name and Port Derivation
// =============================================================================

// DeriveContainerName derives a container name unique per run number.
// Pattern: {prefix}-{runNumber}
func DeriveContainerName(prefix string, runNumber int64) string {
	if prefix == "" {
		prefix = "slipway-smoke"
	}
	return fmt.Sprintf("%s-%d", prefix, runNumber)
}

// DerivePort derives the preferred host port for a run number. Two runs whose
// numbers differ modulo 100 never map to the same port; numbers that wrap
// past the modulus can collide, which is why the allocator treats this value
// as a preference only (see internal/shell/smoke).
func DerivePort(base int, runNumber int64) int {
	return base + int(runNumber%100)
}
