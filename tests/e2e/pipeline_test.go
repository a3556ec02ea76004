// Package e2e exercises the full orchestrator loop in process: a signed
// push webhook creates a run, the runner executes its stages, and the run
// API reports the outcome.
package e2e

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipway-ci/slipway/internal/core/pipeline"
	"github.com/slipway-ci/slipway/internal/shell/docker"
	"github.com/slipway-ci/slipway/internal/shell/runner"
	"github.com/slipway-ci/slipway/internal/shell/store"
	"github.com/slipway-ci/slipway/internal/shell/webhook"
)

const secret = "e2e-secret"

// harness wires the real store, runner, and webhook handler together the
// way cmd/slipway does, minus the Docker daemon: the pipelines under test
// stick to run and logout stages.
type harness struct {
	store  store.Store
	runner *runner.Runner
	server *httptest.Server
}

func newHarness(t *testing.T, pl *pipeline.Pipeline) *harness {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "slipway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// The engine client dials lazily, so logout-only pipelines never
	// need a running daemon.
	d, err := docker.NewEngineClient("")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	r := runner.NewRunner(s, d, nil, runner.Config{
		WorkDir:    t.TempDir(),
		RunTimeout: 30 * time.Second,
	}, nil)
	r.Start()
	t.Cleanup(r.Stop)

	h := webhook.NewHandler(s, r, pl, secret, nil)
	server := httptest.NewServer(h.Routes())
	t.Cleanup(server.Close)

	return &harness{store: s, runner: r, server: server}
}

func (h *harness) push(t *testing.T, event webhook.PushEvent) *http.Response {
	t.Helper()

	body, err := json.Marshal(event)
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/hooks/push", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (h *harness) waitForRun(t *testing.T, id string) webhook.RunDetail {
	t.Helper()

	var detail webhook.RunDetail
	require.Eventually(t, func() bool {
		resp, err := http.Get(h.server.URL + "/api/v1/runs/" + id)
		if err != nil || resp.StatusCode != http.StatusOK {
			return false
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
			return false
		}
		return detail.Run.Status == pipeline.RunSucceeded || detail.Run.Status == pipeline.RunFailed
	}, 10*time.Second, 50*time.Millisecond)
	return detail
}

func TestPushToCompletion_Success(t *testing.T) {
	pl := &pipeline.Pipeline{
		Name: "e2e",
		Stages: []pipeline.Stage{
			{Name: "install", Kind: pipeline.StageKindRun, Command: "echo installing"},
			{Name: "test", Kind: pipeline.StageKindRun, Command: "echo testing"},
			{Name: "logout", Kind: pipeline.StageKindLogout, Always: true},
		},
	}
	require.NoError(t, pl.Validate())
	h := newHarness(t, pl)

	resp := h.push(t, webhook.PushEvent{Ref: "refs/heads/main", After: "deadbeef"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var run pipeline.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	assert.Equal(t, int64(1), run.Number)

	detail := h.waitForRun(t, run.ID)
	assert.Equal(t, pipeline.RunSucceeded, detail.Run.Status)
	require.Len(t, detail.Stages, 3)
	for _, stage := range detail.Stages {
		assert.Equal(t, pipeline.StageSucceeded, stage.Status, "stage %s", stage.Name)
	}
	assert.Contains(t, detail.Stages[0].Output, "installing")
}

func TestPushToCompletion_FailureSkipsLaterStages(t *testing.T) {
	pl := &pipeline.Pipeline{
		Name: "e2e",
		Stages: []pipeline.Stage{
			{Name: "test", Kind: pipeline.StageKindRun, Command: "echo broken && exit 1"},
			{Name: "package", Kind: pipeline.StageKindRun, Command: "echo never"},
			{Name: "logout", Kind: pipeline.StageKindLogout, Always: true},
		},
	}
	h := newHarness(t, pl)

	resp := h.push(t, webhook.PushEvent{Ref: "refs/heads/main", After: "deadbeef"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var run pipeline.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))

	detail := h.waitForRun(t, run.ID)
	assert.Equal(t, pipeline.RunFailed, detail.Run.Status)
	assert.Contains(t, detail.Run.Error, `stage "test"`)

	byName := map[string]pipeline.StageResult{}
	for _, s := range detail.Stages {
		byName[s.Name] = s
	}
	assert.Equal(t, pipeline.StageFailed, byName["test"].Status)
	assert.Equal(t, pipeline.StageSkipped, byName["package"].Status)
	assert.Equal(t, pipeline.StageSucceeded, byName["logout"].Status)
}

func TestPush_BadSignatureRejected(t *testing.T) {
	pl := pipeline.Default("alice/hello:latest")
	h := newHarness(t, pl)

	body := []byte(`{"ref":"refs/heads/main","after":"deadbeef"}`)
	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/hooks/push", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Hub-Signature-256", "sha256=0000")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
