package smoke

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	coresmoke "github.com/slipway-ci/slipway/internal/core/smoke"
	"github.com/slipway-ci/slipway/internal/shell/docker"
)

// =============================================================================
// Deployer Configuration
// =============================================================================

// Config configures smoke-test deployments.
type Config struct {
	// BasePort is the base of the legacy derived-port scheme. The derived
	// port is only a preference; the reservation decides.
	BasePort int

	// NamePrefix prefixes derived container names.
	NamePrefix string

	// InternalPort is the port the artifact listens on inside the container.
	InternalPort int

	// Probe configures the readiness poll.
	Probe ProbeConfig

	// StopTimeout is how long to give the container to stop gracefully
	// before it is killed.
	StopTimeout time.Duration
}

// DefaultConfig returns the default deployer configuration.
func DefaultConfig() Config {
	return Config{
		BasePort:     18000,
		NamePrefix:   "slipway-smoke",
		InternalPort: 8080,
		Probe:        DefaultProbeConfig(),
		StopTimeout:  10 * time.Second,
	}
}

// =============================================================================
// Deployer
// =============================================================================

// Deployer executes smoke-test deployments: reserve a port, start the
// artifact, poll it until ready, probe it, and tear it down. Teardown runs
// on every exit path so a failed probe never leaks a container.
type Deployer struct {
	docker docker.Client
	config Config
	logger *slog.Logger
}

// NewDeployer creates a smoke-test deployer.
func NewDeployer(d docker.Client, config Config, logger *slog.Logger) *Deployer {
	def := DefaultConfig()
	if config.BasePort == 0 {
		config.BasePort = def.BasePort
	}
	if config.NamePrefix == "" {
		config.NamePrefix = def.NamePrefix
	}
	if config.InternalPort == 0 {
		config.InternalPort = def.InternalPort
	}
	if config.StopTimeout == 0 {
		config.StopTimeout = def.StopTimeout
	}
	config.Probe = config.Probe.normalize()

	if logger == nil {
		logger = slog.Default()
	}

	return &Deployer{
		docker: d,
		config: config,
		logger: logger.With("component", "smoke"),
	}
}

// Execute runs one smoke-test deployment for the given run number and
// artifact image. The returned attempt always reflects the final outcome;
// the error is non-nil exactly when the outcome is failure.
func (d *Deployer) Execute(ctx context.Context, runNumber int64, image string) (*coresmoke.Attempt, error) {
	attempt, err := coresmoke.NewAttempt(runNumber, image, d.config.InternalPort, d.config.NamePrefix)
	if err != nil {
		return nil, err
	}

	logger := d.logger.With("run", runNumber, "container", attempt.ContainerName)

	// Reserve the host port atomically. The legacy derived port is tried
	// first so concurrent runs land on predictable, distinct ports.
	reservation, err := ReservePort(coresmoke.DerivePort(d.config.BasePort, runNumber))
	if err != nil {
		attempt.Fail(err)
		return attempt, err
	}
	defer reservation.Release()
	attempt.HostPort = reservation.Port()

	containerID, err := d.docker.CreateContainer(ctx, docker.ContainerSpec{
		Name:  attempt.ContainerName,
		Image: image,
		Labels: map[string]string{
			docker.LabelManaged: "true",
			docker.LabelRun:     strconv.FormatInt(runNumber, 10),
			docker.LabelSmoke:   attempt.ID,
		},
		Ports: []docker.PortBinding{
			{ContainerPort: attempt.InternalPort, HostPort: attempt.HostPort},
		},
	})
	if err != nil {
		attempt.Fail(err)
		return attempt, err
	}

	// Guaranteed teardown: stop and remove the container on every exit
	// path, success or failure.
	defer d.teardown(containerID, attempt, logger)

	// Free the reservation just before the container binds the port.
	if err := reservation.Release(); err != nil {
		attempt.Fail(err)
		return attempt, err
	}

	if err := d.docker.StartContainer(ctx, containerID); err != nil {
		attempt.Fail(err)
		return attempt, err
	}
	if err := attempt.Transition(coresmoke.StateRunning); err != nil {
		attempt.Fail(err)
		return attempt, err
	}

	url := fmt.Sprintf("http://localhost:%d/", attempt.HostPort)
	logger.Info("probing deployment", "url", url, "deadline", d.config.Probe.Deadline)

	if err := Probe(ctx, url, d.config.Probe); err != nil {
		attempt.Fail(err)
		return attempt, err
	}
	if err := attempt.Transition(coresmoke.StateProbed); err != nil {
		attempt.Fail(err)
		return attempt, err
	}

	logger.Info("probe succeeded", "port", attempt.HostPort)
	return attempt, nil
}

// maxLogCapture bounds the container output captured on a failed attempt.
const maxLogCapture = 16 * 1024

// teardown stops and removes the smoke container. It runs on both the
// success and failure paths; a container that already exited or removed
// itself is not an error.
func (d *Deployer) teardown(containerID string, attempt *coresmoke.Attempt, logger *slog.Logger) {
	// The surrounding run context may already be cancelled; teardown gets
	// its own deadline so cleanup still happens.
	ctx, cancel := context.WithTimeout(context.Background(), d.config.StopTimeout+10*time.Second)
	defer cancel()

	// On failure, capture diagnostics while the container still exists.
	if attempt.State == coresmoke.StateFailed {
		attempt.Logs = d.captureFailure(ctx, containerID, logger)
	}

	stopTimeout := d.config.StopTimeout
	if err := d.docker.StopContainer(ctx, containerID, &stopTimeout); err != nil &&
		!errors.Is(err, docker.ErrContainerNotFound) && !errors.Is(err, docker.ErrContainerNotRunning) {
		logger.Error("failed to stop smoke container", "error", err)
	}

	if err := d.docker.RemoveContainer(ctx, containerID, docker.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil &&
		!errors.Is(err, docker.ErrContainerNotFound) {
		logger.Error("failed to remove smoke container", "error", err)
	}

	if attempt.State == coresmoke.StateProbed {
		if err := attempt.Transition(coresmoke.StateStopped); err != nil {
			logger.Error("attempt transition failed", "error", err)
		}
	}
	logger.Debug("smoke container torn down", "outcome", attempt.Outcome)
}

// captureFailure collects the container's state and the tail of its output
// so a failed probe leaves a post-mortem in the stage result.
func (d *Deployer) captureFailure(ctx context.Context, containerID string, logger *slog.Logger) string {
	var out strings.Builder

	if info, err := d.docker.InspectContainer(ctx, containerID); err == nil {
		fmt.Fprintf(&out, "container state: %s (exit code %d)\n", info.State, info.ExitCode)
		logger.Error("smoke container failed", "state", info.State, "exit_code", info.ExitCode)
	}

	rc, err := d.docker.ContainerLogs(ctx, containerID, docker.LogOptions{Tail: "100"})
	if err != nil {
		logger.Error("failed to read smoke container logs", "error", err)
		return out.String()
	}
	defer rc.Close()

	logs, err := io.ReadAll(io.LimitReader(rc, maxLogCapture))
	if err != nil {
		logger.Error("failed to read smoke container logs", "error", err)
	}
	out.Write(logs)
	return out.String()
}

// Reap force-removes smoke containers left behind by an earlier process,
// identified by their label. Run it once at startup before new deployments.
func (d *Deployer) Reap(ctx context.Context) error {
	containers, err := d.docker.ListContainers(ctx, docker.ListOptions{
		All:     true,
		Filters: map[string]string{"label": docker.LabelSmoke},
	})
	if err != nil {
		return err
	}

	for _, c := range containers {
		if err := d.docker.RemoveContainer(ctx, c.ID, docker.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil &&
			!errors.Is(err, docker.ErrContainerNotFound) {
			d.logger.Error("failed to reap leftover smoke container", "container", c.Name, "error", err)
			continue
		}
		d.logger.Info("reaped leftover smoke container", "container", c.Name)
	}
	return nil
}
