// Package runner executes pipeline runs: stages run sequentially, the first
// failure aborts the rest, and stages marked always still execute so cleanup
// happens on both paths.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slipway-ci/slipway/internal/core/pipeline"
	coresmoke "github.com/slipway-ci/slipway/internal/core/smoke"
	"github.com/slipway-ci/slipway/internal/shell/docker"
	"github.com/slipway-ci/slipway/internal/shell/store"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrQueueFull is returned when the run queue cannot accept more work.
	ErrQueueFull = errors.New("run queue is full")

	// ErrRunnerStopped is returned when enqueueing after Stop.
	ErrRunnerStopped = errors.New("runner is stopped")

	// ErrNoRegistryCredentials is returned when a push stage executes
	// without registry credentials configured.
	ErrNoRegistryCredentials = errors.New("no registry credentials configured")
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures the pipeline runner.
type Config struct {
	// WorkDir is the working directory for run stages and the default
	// build context. Default: ".".
	WorkDir string

	// Registry holds the credentials used by push stages. Values come
	// from the environment and are never logged.
	Registry docker.RegistryAuth

	// QueueSize is the capacity of the pending run queue.
	// Default: 16.
	QueueSize int

	// RunTimeout bounds a single run end to end.
	// Default: 30 minutes.
	RunTimeout time.Duration
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		WorkDir:    ".",
		QueueSize:  16,
		RunTimeout: 30 * time.Minute,
	}
}

// =============================================================================
// Runner
// =============================================================================

// SmokeDeployer deploys a built artifact and probes it until ready.
type SmokeDeployer interface {
	Execute(ctx context.Context, runNumber int64, image string) (*coresmoke.Attempt, error)
}

type queuedRun struct {
	run      *pipeline.Run
	pipeline *pipeline.Pipeline
}

// Runner picks up queued runs and executes their stages one at a time.
// Runs execute sequentially so the monotonic run number keeps smoke
// deployments from colliding.
type Runner struct {
	store  store.Store
	docker docker.Client
	smoke  SmokeDeployer
	config Config
	logger *slog.Logger

	queue chan queuedRun

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewRunner creates a pipeline runner.
func NewRunner(s store.Store, d docker.Client, smoke SmokeDeployer, config Config, logger *slog.Logger) *Runner {
	def := DefaultConfig()
	if config.WorkDir == "" {
		config.WorkDir = def.WorkDir
	}
	if config.QueueSize == 0 {
		config.QueueSize = def.QueueSize
	}
	if config.RunTimeout == 0 {
		config.RunTimeout = def.RunTimeout
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		store:  s,
		docker: d,
		smoke:  smoke,
		config: config,
		logger: logger.With("component", "runner"),
		queue:  make(chan queuedRun, config.QueueSize),
	}
}

// Start begins the runner background goroutine.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.started = true

	r.wg.Add(1)
	go r.loop()

	r.logger.Info("runner started", "queue_size", r.config.QueueSize)
}

// Stop gracefully stops the runner. It waits for the in-progress run to
// finish; queued runs that never started stay pending in the store.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("runner stopped")
}

// Enqueue schedules a run for execution.
func (r *Runner) Enqueue(run *pipeline.Run, pl *pipeline.Pipeline) error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return ErrRunnerStopped
	}

	select {
	case r.queue <- queuedRun{run: run, pipeline: pl}:
		r.logger.Info("run enqueued", "run", run.Number, "pipeline", run.Pipeline)
		return nil
	default:
		return ErrQueueFull
	}
}

// loop is the main worker loop.
func (r *Runner) loop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case q := <-r.queue:
			ctx, cancel := context.WithTimeout(r.ctx, r.config.RunTimeout)
			if err := r.Execute(ctx, q.run, q.pipeline); err != nil {
				r.logger.Error("run failed", "run", q.run.Number, "error", err)
			}
			cancel()
		}
	}
}

// =============================================================================
// Run Execution
// =============================================================================

// Execute runs every stage of a pipeline for the given run and persists the
// outcome. The first non-always stage failure skips the remaining stages;
// always-stages execute regardless so teardown work still happens. The
// returned error is the first stage failure, if any.
func (r *Runner) Execute(ctx context.Context, run *pipeline.Run, pl *pipeline.Pipeline) error {
	logger := r.logger.With("run", run.Number, "pipeline", run.Pipeline)

	if err := run.Transition(pipeline.RunRunning); err != nil {
		return err
	}
	if err := r.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	logger.Info("run started", "stages", len(pl.Stages))

	results := make([]*pipeline.StageResult, len(pl.Stages))
	for i, stage := range pl.Stages {
		results[i] = pipeline.NewStageResult(run.ID, stage.Name, i)
		if err := r.store.CreateStageResult(ctx, results[i]); err != nil {
			// The run is already persisted as running; leave it failed,
			// not stuck.
			r.failRun(ctx, run, err, logger)
			return err
		}
	}

	var firstErr error
	for i, stage := range pl.Stages {
		result := results[i]

		if !pipeline.ShouldExecute(stage, firstErr != nil) {
			result.Status = pipeline.StageSkipped
			if err := r.store.UpdateStageResult(ctx, result); err != nil {
				logger.Error("failed to persist skipped stage", "stage", stage.Name, "error", err)
			}
			logger.Info("stage skipped", "stage", stage.Name)
			continue
		}

		now := time.Now().UTC()
		result.Status = pipeline.StageRunning
		result.StartedAt = &now
		if err := r.store.UpdateStageResult(ctx, result); err != nil {
			logger.Error("failed to persist stage start", "stage", stage.Name, "error", err)
		}
		logger.Info("stage started", "stage", stage.Name, "kind", stage.Kind)

		output, exitCode, err := r.executeStage(ctx, run, stage)

		finished := time.Now().UTC()
		result.FinishedAt = &finished
		result.Output = output
		result.ExitCode = exitCode
		if err != nil {
			result.Status = pipeline.StageFailed
			if firstErr == nil {
				firstErr = fmt.Errorf("stage %q: %w", stage.Name, err)
			}
			logger.Error("stage failed", "stage", stage.Name, "exit_code", exitCode, "error", err)
		} else {
			result.Status = pipeline.StageSucceeded
			logger.Info("stage succeeded", "stage", stage.Name, "duration", finished.Sub(now))
		}

		if err := r.store.UpdateStageResult(ctx, result); err != nil {
			logger.Error("failed to persist stage result", "stage", stage.Name, "error", err)
		}
	}

	if firstErr != nil {
		if err := run.TransitionToFailed(firstErr.Error()); err != nil {
			return err
		}
	} else {
		if err := run.Transition(pipeline.RunSucceeded); err != nil {
			return err
		}
	}
	if err := r.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	logger.Info("run finished", "status", run.Status)
	return firstErr
}

// failRun marks the run failed and persists it, logging rather than
// returning persistence errors: the caller already has the causal error.
func (r *Runner) failRun(ctx context.Context, run *pipeline.Run, cause error, logger *slog.Logger) {
	if err := run.TransitionToFailed(cause.Error()); err != nil {
		logger.Error("failed to transition run to failed", "error", err)
		return
	}
	if err := r.store.UpdateRun(ctx, run); err != nil {
		logger.Error("failed to persist failed run", "error", err)
	}
}

// executeStage dispatches a single stage by kind.
func (r *Runner) executeStage(ctx context.Context, run *pipeline.Run, stage pipeline.Stage) (string, int, error) {
	switch stage.Kind {
	case pipeline.StageKindRun:
		return runShell(ctx, stage.Command, r.config.WorkDir)

	case pipeline.StageKindBuild:
		return r.buildStage(ctx, run, stage)

	case pipeline.StageKindPush:
		return r.pushStage(ctx, stage)

	case pipeline.StageKindSmoke:
		return r.smokeStage(ctx, run, stage)

	case pipeline.StageKindLogout:
		r.docker.Logout()
		return "registry credentials removed\n", 0, nil

	default:
		return "", -1, fmt.Errorf("unknown stage kind %q", stage.Kind)
	}
}

// buildStage builds the artifact image from the stage's build context.
func (r *Runner) buildStage(ctx context.Context, run *pipeline.Run, stage pipeline.Stage) (string, int, error) {
	contextDir := stage.Context
	if contextDir == "" {
		contextDir = r.config.WorkDir
	}

	var out strings.Builder
	err := r.docker.BuildImage(ctx, docker.BuildSpec{
		ContextDir: contextDir,
		Tag:        stage.Image,
		Labels: map[string]string{
			docker.LabelManaged: "true",
			docker.LabelRun:     strconv.FormatInt(run.Number, 10),
		},
	}, func(line string) {
		out.WriteString(line)
		out.WriteByte('\n')
	})
	if err != nil {
		return truncateOutput(out.String()), 1, err
	}

	// Tag the image with an immutable per-run reference so earlier builds
	// stay addressable after the moving tag advances.
	runTag := runImageTag(stage.Image, run.Number)
	if err := r.docker.TagImage(ctx, stage.Image, runTag); err != nil {
		return truncateOutput(out.String()), 1, err
	}
	fmt.Fprintf(&out, "tagged %s\n", runTag)

	return truncateOutput(out.String()), 0, nil
}

// runImageTag derives the immutable per-run tag for an image reference,
// replacing any existing tag. "alice/hello:latest" for run 7 becomes
// "alice/hello:run-7".
func runImageTag(image string, number int64) string {
	repo := image
	if i := strings.LastIndexByte(image, ':'); i > strings.LastIndexByte(image, '/') {
		repo = image[:i]
	}
	return fmt.Sprintf("%s:run-%d", repo, number)
}

// pushStage verifies the built image exists, logs in to the registry if
// needed, and pushes the image.
func (r *Runner) pushStage(ctx context.Context, stage pipeline.Stage) (string, int, error) {
	exists, err := r.docker.ImageExists(ctx, stage.Image)
	if err != nil {
		return "", 1, err
	}
	if !exists {
		return "", 1, fmt.Errorf("image %s: %w", stage.Image, docker.ErrImageNotFound)
	}

	if !r.docker.LoggedIn() {
		if r.config.Registry.Username == "" || r.config.Registry.Password == "" {
			return "", 1, ErrNoRegistryCredentials
		}
		if err := r.docker.Login(ctx, r.config.Registry); err != nil {
			return "", 1, err
		}
	}

	var out strings.Builder
	err = r.docker.PushImage(ctx, stage.Image, func(line string) {
		out.WriteString(line)
		out.WriteByte('\n')
	})
	if err != nil {
		return truncateOutput(out.String()), 1, err
	}
	return truncateOutput(out.String()), 0, nil
}

// smokeStage deploys the built image and probes it until ready. On failure
// the stage output carries the container's captured logs for post-mortem.
func (r *Runner) smokeStage(ctx context.Context, run *pipeline.Run, stage pipeline.Stage) (string, int, error) {
	exists, err := r.docker.ImageExists(ctx, stage.Image)
	if err != nil {
		return "", 1, err
	}
	if !exists {
		return "", 1, fmt.Errorf("image %s: %w", stage.Image, docker.ErrImageNotFound)
	}

	attempt, err := r.smoke.Execute(ctx, run.Number, stage.Image)
	if err != nil {
		var out strings.Builder
		if attempt != nil {
			fmt.Fprintf(&out, "container %s on port %d: %s\n", attempt.ContainerName, attempt.HostPort, attempt.Outcome)
			if attempt.Logs != "" {
				out.WriteString(attempt.Logs)
			}
		}
		return truncateOutput(out.String()), 1, err
	}
	out := fmt.Sprintf("container %s answered on port %d\n", attempt.ContainerName, attempt.HostPort)
	return out, 0, nil
}
