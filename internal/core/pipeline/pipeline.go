package pipeline

import "fmt"

// =============================================================================
// Stage Kinds
// =============================================================================

// StageKind identifies how a stage is executed.
type StageKind string

const (
	// StageKindRun executes a shell command (dependency install, tests).
	StageKindRun StageKind = "run"
	// StageKindBuild builds a container image from the working tree.
	StageKindBuild StageKind = "build"
	// StageKindPush logs in to the registry and pushes the built image.
	StageKindPush StageKind = "push"
	// StageKindSmoke deploys the built image and probes it once healthy.
	StageKindSmoke StageKind = "smoke"
	// StageKindLogout removes registry credentials from the engine.
	StageKindLogout StageKind = "logout"
)

// knownKinds is the set of stage kinds the runner can execute.
var knownKinds = map[StageKind]bool{
	StageKindRun:    true,
	StageKindBuild:  true,
	StageKindPush:   true,
	StageKindSmoke:  true,
	StageKindLogout: true,
}

// =============================================================================
// Pipeline Definition
// =============================================================================

// Stage is one named, sequential unit of work. Failure in a stage aborts the
// run; stages with Always set still execute after a failure.
type Stage struct {
	Name    string    `yaml:"name"`
	Kind    StageKind `yaml:"kind"`
	Command string    `yaml:"command,omitempty"` // run stages
	Image   string    `yaml:"image,omitempty"`   // build/push/smoke stages
	Context string    `yaml:"context,omitempty"` // build context dir, "." if empty
	Always  bool      `yaml:"always,omitempty"`  // execute even after a prior failure
}

// Pipeline is an ordered list of stages.
type Pipeline struct {
	Name   string  `yaml:"name"`
	Stages []Stage `yaml:"stages"`
}

// Validate checks the pipeline for structural errors.
func (p *Pipeline) Validate() error {
	if len(p.Stages) == 0 {
		return ErrNoStages
	}

	seen := make(map[string]bool, len(p.Stages))
	for i, s := range p.Stages {
		field := fmt.Sprintf("stages[%d]", i)

		if s.Name == "" {
			return NewParseError(field+".name", "stage must have a name", ErrStageNoName)
		}
		if seen[s.Name] {
			return NewParseError(field+".name", fmt.Sprintf("duplicate stage name %q", s.Name), ErrDuplicateStage)
		}
		seen[s.Name] = true

		if !knownKinds[s.Kind] {
			return NewParseError(field+".kind", fmt.Sprintf("unknown stage kind %q", s.Kind), ErrUnknownStageKind)
		}

		switch s.Kind {
		case StageKindRun:
			if s.Command == "" {
				return NewParseError(field+".command", "run stage must have a command", ErrStageMissingCommand)
			}
		case StageKindBuild, StageKindPush, StageKindSmoke:
			if s.Image == "" {
				return NewParseError(field+".image", string(s.Kind)+" stage must reference an image", ErrStageMissingImage)
			}
		}
	}

	return nil
}

// Stage returns the stage with the given name, or false if not defined.
func (p *Pipeline) Stage(name string) (Stage, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// AlwaysStages returns the stages that run regardless of prior outcome,
// in definition order.
func (p *Pipeline) AlwaysStages() []Stage {
	var result []Stage
	for _, s := range p.Stages {
		if s.Always {
			result = append(result, s)
		}
	}
	return result
}

// =============================================================================
// Run Status State Machine
// =============================================================================

// RunStatus represents the lifecycle of a pipeline run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// validRunTransitions defines the allowed run status transitions.
var validRunTransitions = map[RunStatus][]RunStatus{
	RunPending:   {RunRunning, RunFailed},
	RunRunning:   {RunSucceeded, RunFailed},
	RunSucceeded: {}, // Terminal state
	RunFailed:    {}, // Terminal state
}

// ValidateRunTransition checks if a run status transition is valid.
func ValidateRunTransition(from, to RunStatus) error {
	allowed, exists := validRunTransitions[from]
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
// Stage Status
// =============================================================================

// StageStatus represents the outcome of a single stage within a run.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// ShouldExecute reports whether a stage should execute given whether an
// earlier non-always stage has already failed. Always-stages execute on both
// the success and failure paths; everything after the first failure is
// skipped.
func ShouldExecute(s Stage, priorFailure bool) bool {
	if !priorFailure {
		return true
	}
	return s.Always
}
