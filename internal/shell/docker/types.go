// Package docker provides the Docker engine client used by pipeline stages:
// container lifecycle for smoke-test deployments, image build and push, and
// registry authentication.
package docker

import (
	"context"
	"io"
	"time"
)

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines the specification for creating a container.
type ContainerSpec struct {
	Name       string
	Image      string
	Command    []string
	Env        map[string]string
	Labels     map[string]string
	Ports      []PortBinding
	AutoRemove bool // remove the container when it stops
}

// PortBinding defines a port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
	HostIP        string // "" for 0.0.0.0
}

// ContainerStatus represents the container status.
type ContainerStatus string

const (
	ContainerStatusCreated ContainerStatus = "created"
	ContainerStatusRunning ContainerStatus = "running"
	ContainerStatusExited  ContainerStatus = "exited"
	ContainerStatusDead    ContainerStatus = "dead"
)

// ContainerInfo contains information about a container.
type ContainerInfo struct {
	ID         string
	Name       string
	Image      string
	Status     ContainerStatus
	State      string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Ports      []PortBinding
	Labels     map[string]string
	ExitCode   int
}

// RemoveOptions defines options for removing containers.
type RemoveOptions struct {
	Force         bool
	RemoveVolumes bool
}

// ListOptions defines options for listing containers.
type ListOptions struct {
	All     bool              // Include stopped containers
	Filters map[string]string // e.g., {"label": "com.slipway.run=42"}
}

// LogOptions defines options for container logs.
type LogOptions struct {
	Follow     bool
	Tail       string // "all" or number
	Timestamps bool
}

// =============================================================================
// Image and Registry Types
// =============================================================================

// BuildSpec defines the specification for building an image.
type BuildSpec struct {
	ContextDir string // directory tarred up as the build context
	Dockerfile string // relative to ContextDir, "Dockerfile" if empty
	Tag        string // e.g., "alice/hello:latest"
	Labels     map[string]string
}

// RegistryAuth holds registry credentials. Values are injected from the
// environment by the caller and must never be logged.
type RegistryAuth struct {
	Username      string
	Password      string
	ServerAddress string // "" for Docker Hub
}

// BuildOutput is invoked with incremental build/push progress lines.
type BuildOutput func(line string)

// =============================================================================
// Client Interface
// =============================================================================

// Client defines the Docker engine interface the pipeline runner consumes.
type Client interface {
	// Container operations
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error
	InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error)
	ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error)
	ContainerLogs(ctx context.Context, containerID string, opts LogOptions) (io.ReadCloser, error)

	// Image operations
	BuildImage(ctx context.Context, spec BuildSpec, onOutput BuildOutput) error
	TagImage(ctx context.Context, source, target string) error
	PushImage(ctx context.Context, ref string, onOutput BuildOutput) error
	ImageExists(ctx context.Context, ref string) (bool, error)

	// Registry operations
	Login(ctx context.Context, auth RegistryAuth) error
	Logout()
	LoggedIn() bool

	// Health operations
	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Label Constants
// =============================================================================

const (
	LabelManaged = "com.slipway.managed"
	LabelRun     = "com.slipway.run"
	LabelSmoke   = "com.slipway.smoke"
)
