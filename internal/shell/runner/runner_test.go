package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipway-ci/slipway/internal/core/pipeline"
	coresmoke "github.com/slipway-ci/slipway/internal/core/smoke"
	"github.com/slipway-ci/slipway/internal/shell/docker"
	"github.com/slipway-ci/slipway/internal/shell/store"
)

// =============================================================================
// Test Fakes
// =============================================================================

type fakeDocker struct {
	buildErr     error
	pushErr      error
	loginErr     error
	imageMissing bool

	builtTags    []string
	appliedTags  []string
	pushedRefs   []string
	loggedIn     bool
	logoutCalled bool
}

func (f *fakeDocker) CreateContainer(context.Context, docker.ContainerSpec) (string, error) {
	return "c1", nil
}
func (f *fakeDocker) StartContainer(context.Context, string) error { return nil }

func (f *fakeDocker) StopContainer(context.Context, string, *time.Duration) error { return nil }

func (f *fakeDocker) RemoveContainer(context.Context, string, docker.RemoveOptions) error {
	return nil
}
func (f *fakeDocker) InspectContainer(context.Context, string) (*docker.ContainerInfo, error) {
	return nil, docker.ErrContainerNotFound
}
func (f *fakeDocker) ListContainers(context.Context, docker.ListOptions) ([]docker.ContainerInfo, error) {
	return nil, nil
}
func (f *fakeDocker) ContainerLogs(context.Context, string, docker.LogOptions) (io.ReadCloser, error) {
	return nil, docker.ErrContainerNotFound
}

func (f *fakeDocker) BuildImage(_ context.Context, spec docker.BuildSpec, onOutput docker.BuildOutput) error {
	if f.buildErr != nil {
		return f.buildErr
	}
	f.builtTags = append(f.builtTags, spec.Tag)
	if onOutput != nil {
		onOutput("Step 1/1 : FROM scratch\n")
	}
	return nil
}

func (f *fakeDocker) TagImage(_ context.Context, _ string, target string) error {
	f.appliedTags = append(f.appliedTags, target)
	return nil
}

func (f *fakeDocker) PushImage(_ context.Context, ref string, onOutput docker.BuildOutput) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushedRefs = append(f.pushedRefs, ref)
	if onOutput != nil {
		onOutput("latest: digest: sha256:abc\n")
	}
	return nil
}

func (f *fakeDocker) ImageExists(context.Context, string) (bool, error) {
	return !f.imageMissing, nil
}

func (f *fakeDocker) Login(context.Context, docker.RegistryAuth) error {
	if f.loginErr != nil {
		return f.loginErr
	}
	f.loggedIn = true
	return nil
}

func (f *fakeDocker) Logout() {
	f.loggedIn = false
	f.logoutCalled = true
}

func (f *fakeDocker) LoggedIn() bool { return f.loggedIn }

func (f *fakeDocker) Ping(context.Context) error { return nil }

func (f *fakeDocker) Close() error { return nil }

type fakeSmoke struct {
	err   error
	logs  string
	calls []int64
}

func (f *fakeSmoke) Execute(_ context.Context, runNumber int64, image string) (*coresmoke.Attempt, error) {
	f.calls = append(f.calls, runNumber)
	attempt, _ := coresmoke.NewAttempt(runNumber, image, 8080, "slipway-smoke")
	attempt.HostPort = 18001
	if f.err != nil {
		attempt.Fail(f.err)
		attempt.Logs = f.logs
		return attempt, f.err
	}
	return attempt, nil
}

// =============================================================================
// Helpers
// =============================================================================

func newTestRunner(t *testing.T, d *fakeDocker, sm *fakeSmoke, cfg Config) (*Runner, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}
	return NewRunner(s, d, sm, cfg, nil), s
}

func fullPipeline() *pipeline.Pipeline {
	return pipeline.Default("alice/hello:latest")
}

func newStoredRun(t *testing.T, s store.Store, pl *pipeline.Pipeline) *pipeline.Run {
	t.Helper()
	run := pipeline.NewRun(pl.Name, "abc123", "main")
	require.NoError(t, s.CreateRun(context.Background(), run))
	require.Greater(t, run.Number, int64(0))
	return run
}

func resultsByName(t *testing.T, s store.Store, runID string) map[string]pipeline.StageResult {
	t.Helper()
	results, err := s.ListStageResults(context.Background(), runID)
	require.NoError(t, err)
	byName := make(map[string]pipeline.StageResult, len(results))
	for _, r := range results {
		byName[r.Name] = r
	}
	return byName
}

// =============================================================================
// Execute Tests
// =============================================================================

func TestExecute_AllStagesSucceed(t *testing.T) {
	d := &fakeDocker{}
	sm := &fakeSmoke{}
	r, s := newTestRunner(t, d, sm, Config{
		Registry: docker.RegistryAuth{Username: "alice", Password: "hunter2"},
	})

	pl := fullPipeline()
	// Replace the real install/test commands with fast no-ops.
	for i := range pl.Stages {
		if pl.Stages[i].Kind == pipeline.StageKindRun {
			pl.Stages[i].Command = "echo ok"
		}
	}

	run := newStoredRun(t, s, pl)
	err := r.Execute(context.Background(), run, pl)
	require.NoError(t, err)

	assert.Equal(t, pipeline.RunSucceeded, run.Status)
	assert.NotNil(t, run.FinishedAt)

	assert.Equal(t, []string{"alice/hello:latest"}, d.builtTags)
	assert.Equal(t, []string{fmt.Sprintf("alice/hello:run-%d", run.Number)}, d.appliedTags)
	assert.Equal(t, []string{"alice/hello:latest"}, d.pushedRefs)
	assert.Equal(t, []int64{run.Number}, sm.calls)
	assert.True(t, d.logoutCalled)

	byName := resultsByName(t, s, run.ID)
	for _, stage := range pl.Stages {
		result := byName[stage.Name]
		assert.Equal(t, pipeline.StageSucceeded, result.Status, "stage %s", stage.Name)
		assert.Equal(t, 0, result.ExitCode, "stage %s", stage.Name)
	}
	assert.Contains(t, byName["install"].Output, "ok")
}

func TestExecute_FailingStageSkipsRestButRunsAlwaysStages(t *testing.T) {
	d := &fakeDocker{}
	sm := &fakeSmoke{}
	r, s := newTestRunner(t, d, sm, Config{
		Registry: docker.RegistryAuth{Username: "alice", Password: "hunter2"},
	})

	pl := fullPipeline()
	for i := range pl.Stages {
		switch pl.Stages[i].Name {
		case "install":
			pl.Stages[i].Command = "echo ok"
		case "test":
			pl.Stages[i].Command = "echo boom && exit 3"
		}
	}

	run := newStoredRun(t, s, pl)
	err := r.Execute(context.Background(), run, pl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `stage "test"`)

	assert.Equal(t, pipeline.RunFailed, run.Status)
	assert.NotEmpty(t, run.Error)

	byName := resultsByName(t, s, run.ID)
	assert.Equal(t, pipeline.StageSucceeded, byName["install"].Status)
	assert.Equal(t, pipeline.StageFailed, byName["test"].Status)
	assert.Equal(t, 3, byName["test"].ExitCode)
	assert.Contains(t, byName["test"].Output, "boom")

	// Nothing after the failure executes except always-stages.
	assert.Equal(t, pipeline.StageSkipped, byName["build"].Status)
	assert.Equal(t, pipeline.StageSkipped, byName["push"].Status)
	assert.Equal(t, pipeline.StageSkipped, byName["smoke"].Status)
	assert.Empty(t, d.builtTags)
	assert.Empty(t, d.pushedRefs)
	assert.Empty(t, sm.calls)

	assert.Equal(t, pipeline.StageSucceeded, byName["logout"].Status)
	assert.True(t, d.logoutCalled)
}

func TestExecute_SmokeFailureFailsRunButLogoutStillRuns(t *testing.T) {
	d := &fakeDocker{}
	sm := &fakeSmoke{err: errors.New("probe deadline exceeded")}
	r, s := newTestRunner(t, d, sm, Config{
		Registry: docker.RegistryAuth{Username: "alice", Password: "hunter2"},
	})

	pl := fullPipeline()
	for i := range pl.Stages {
		if pl.Stages[i].Kind == pipeline.StageKindRun {
			pl.Stages[i].Command = "true"
		}
	}

	run := newStoredRun(t, s, pl)
	err := r.Execute(context.Background(), run, pl)
	require.Error(t, err)

	assert.Equal(t, pipeline.RunFailed, run.Status)

	byName := resultsByName(t, s, run.ID)
	assert.Equal(t, pipeline.StageFailed, byName["smoke"].Status)
	assert.Equal(t, pipeline.StageSucceeded, byName["logout"].Status)
	assert.True(t, d.logoutCalled)
}

func TestExecute_PushWithoutCredentialsFails(t *testing.T) {
	d := &fakeDocker{}
	sm := &fakeSmoke{}
	r, s := newTestRunner(t, d, sm, Config{})

	pl := &pipeline.Pipeline{
		Name: "push-only",
		Stages: []pipeline.Stage{
			{Name: "push", Kind: pipeline.StageKindPush, Image: "alice/hello:latest"},
		},
	}
	require.NoError(t, pl.Validate())

	run := newStoredRun(t, s, pl)
	err := r.Execute(context.Background(), run, pl)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoRegistryCredentials)
	assert.Empty(t, d.pushedRefs)
}

func TestExecute_BuildErrorPropagates(t *testing.T) {
	d := &fakeDocker{buildErr: docker.ErrImageBuildFailed}
	sm := &fakeSmoke{}
	r, s := newTestRunner(t, d, sm, Config{})

	pl := &pipeline.Pipeline{
		Name: "build-only",
		Stages: []pipeline.Stage{
			{Name: "build", Kind: pipeline.StageKindBuild, Image: "alice/hello:latest"},
		},
	}

	run := newStoredRun(t, s, pl)
	err := r.Execute(context.Background(), run, pl)
	assert.ErrorIs(t, err, docker.ErrImageBuildFailed)
	assert.Equal(t, pipeline.RunFailed, run.Status)
}

func TestRunImageTag(t *testing.T) {
	assert.Equal(t, "alice/hello:run-7", runImageTag("alice/hello:latest", 7))
	assert.Equal(t, "alice/hello:run-7", runImageTag("alice/hello", 7))
	assert.Equal(t, "registry.local:5000/hello:run-3", runImageTag("registry.local:5000/hello", 3))
	assert.Equal(t, "registry.local:5000/hello:run-3", runImageTag("registry.local:5000/hello:v2", 3))
}

func TestExecute_PushMissingImageFails(t *testing.T) {
	d := &fakeDocker{imageMissing: true}
	sm := &fakeSmoke{}
	r, s := newTestRunner(t, d, sm, Config{
		Registry: docker.RegistryAuth{Username: "alice", Password: "hunter2"},
	})

	pl := &pipeline.Pipeline{
		Name: "push-only",
		Stages: []pipeline.Stage{
			{Name: "push", Kind: pipeline.StageKindPush, Image: "alice/hello:latest"},
		},
	}
	require.NoError(t, pl.Validate())

	run := newStoredRun(t, s, pl)
	err := r.Execute(context.Background(), run, pl)
	require.Error(t, err)
	assert.ErrorIs(t, err, docker.ErrImageNotFound)
	assert.Empty(t, d.pushedRefs)
}

func TestExecute_SmokeMissingImageFails(t *testing.T) {
	d := &fakeDocker{imageMissing: true}
	sm := &fakeSmoke{}
	r, s := newTestRunner(t, d, sm, Config{})

	pl := &pipeline.Pipeline{
		Name: "smoke-only",
		Stages: []pipeline.Stage{
			{Name: "smoke", Kind: pipeline.StageKindSmoke, Image: "alice/hello:latest"},
		},
	}
	require.NoError(t, pl.Validate())

	run := newStoredRun(t, s, pl)
	err := r.Execute(context.Background(), run, pl)
	require.Error(t, err)
	assert.ErrorIs(t, err, docker.ErrImageNotFound)
	assert.Empty(t, sm.calls)
}

func TestExecute_SmokeFailureOutputCarriesContainerLogs(t *testing.T) {
	d := &fakeDocker{}
	sm := &fakeSmoke{
		err:  errors.New("probe deadline exceeded"),
		logs: "panic: listen tcp: address in use\n",
	}
	r, s := newTestRunner(t, d, sm, Config{})

	pl := &pipeline.Pipeline{
		Name: "smoke-only",
		Stages: []pipeline.Stage{
			{Name: "smoke", Kind: pipeline.StageKindSmoke, Image: "alice/hello:latest"},
		},
	}
	require.NoError(t, pl.Validate())

	run := newStoredRun(t, s, pl)
	err := r.Execute(context.Background(), run, pl)
	require.Error(t, err)

	byName := resultsByName(t, s, run.ID)
	assert.Equal(t, pipeline.StageFailed, byName["smoke"].Status)
	assert.Contains(t, byName["smoke"].Output, "panic: listen tcp")
}

func TestExecute_StageResultConflictFailsRun(t *testing.T) {
	d := &fakeDocker{}
	sm := &fakeSmoke{}
	r, s := newTestRunner(t, d, sm, Config{})

	pl := &pipeline.Pipeline{
		Name: "build-only",
		Stages: []pipeline.Stage{
			{Name: "build", Kind: pipeline.StageKindBuild, Image: "alice/hello:latest"},
		},
	}
	require.NoError(t, pl.Validate())

	run := newStoredRun(t, s, pl)

	// Occupy the (run, stage) slot so pre-creating results hits the unique
	// constraint.
	conflict := pipeline.NewStageResult(run.ID, "build", 0)
	require.NoError(t, s.CreateStageResult(context.Background(), conflict))

	err := r.Execute(context.Background(), run, pl)
	require.Error(t, err)

	// The run must not stay running in the store.
	stored, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunFailed, stored.Status)
	assert.NotEmpty(t, stored.Error)
}

// =============================================================================
// Worker Lifecycle Tests
// =============================================================================

func TestRunner_EnqueueAndExecuteInBackground(t *testing.T) {
	d := &fakeDocker{}
	sm := &fakeSmoke{}
	r, s := newTestRunner(t, d, sm, Config{
		Registry: docker.RegistryAuth{Username: "alice", Password: "hunter2"},
	})

	pl := fullPipeline()
	for i := range pl.Stages {
		if pl.Stages[i].Kind == pipeline.StageKindRun {
			pl.Stages[i].Command = "true"
		}
	}

	run := newStoredRun(t, s, pl)

	r.Start()
	defer r.Stop()

	require.NoError(t, r.Enqueue(run, pl))

	require.Eventually(t, func() bool {
		stored, err := s.GetRun(context.Background(), run.ID)
		return err == nil && stored.Status == pipeline.RunSucceeded
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRunner_EnqueueAfterStop(t *testing.T) {
	r, s := newTestRunner(t, &fakeDocker{}, &fakeSmoke{}, Config{})

	pl := fullPipeline()
	run := newStoredRun(t, s, pl)

	r.Start()
	r.Stop()

	err := r.Enqueue(run, pl)
	assert.ErrorIs(t, err, ErrRunnerStopped)
}

func TestRunner_QueueFull(t *testing.T) {
	r, s := newTestRunner(t, &fakeDocker{}, &fakeSmoke{}, Config{QueueSize: 1})

	pl := fullPipeline()
	runA := newStoredRun(t, s, pl)
	runB := newStoredRun(t, s, pl)

	// Not started: nothing drains the queue.
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()

	require.NoError(t, r.Enqueue(runA, pl))
	assert.ErrorIs(t, r.Enqueue(runB, pl), ErrQueueFull)
}
