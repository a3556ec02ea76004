package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Run
// =============================================================================

// Run is one execution of a pipeline, triggered by a push event or a manual
// invocation. Number is the monotonically increasing run identifier assigned
// by the store; names and ports for the smoke deployment derive from it.
type Run struct {
	ID         string     `json:"id"`
	Number     int64      `json:"number"`
	Pipeline   string     `json:"pipeline"`
	CommitSHA  string     `json:"commit_sha,omitempty"`
	Branch     string     `json:"branch,omitempty"`
	Status     RunStatus  `json:"status"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewRun creates a pending run for a pipeline. The run number is zero until
// the store assigns it.
func NewRun(pipelineName, commitSHA, branch string) *Run {
	return &Run{
		ID:        uuid.New().String(),
		Pipeline:  pipelineName,
		CommitSHA: commitSHA,
		Branch:    branch,
		Status:    RunPending,
		CreatedAt: time.Now().UTC(),
	}
}

// Transition attempts to transition the run to a new status.
func (r *Run) Transition(to RunStatus) error {
	if err := ValidateRunTransition(r.Status, to); err != nil {
		return err
	}
	r.Status = to

	now := time.Now().UTC()
	switch to {
	case RunRunning:
		r.StartedAt = &now
	case RunSucceeded, RunFailed:
		r.FinishedAt = &now
	}
	return nil
}

// TransitionToFailed marks the run failed with an error message.
func (r *Run) TransitionToFailed(errorMessage string) error {
	if err := r.Transition(RunFailed); err != nil {
		return err
	}
	r.Error = errorMessage
	return nil
}

// =============================================================================
// Stage Result
// =============================================================================

// StageResult records the outcome of one stage within a run, including the
// captured command output the orchestrator surfaces on failure.
type StageResult struct {
	ID         string      `json:"id"`
	RunID      string      `json:"run_id"`
	Name       string      `json:"name"`
	Ordinal    int         `json:"ordinal"`
	Status     StageStatus `json:"status"`
	ExitCode   int         `json:"exit_code"`
	Output     string      `json:"output,omitempty"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// NewStageResult creates a pending stage result for a run.
func NewStageResult(runID, name string, ordinal int) *StageResult {
	return &StageResult{
		ID:      uuid.New().String(),
		RunID:   runID,
		Name:    name,
		Ordinal: ordinal,
		Status:  StagePending,
	}
}
