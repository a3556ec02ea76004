package docker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
)

// =============================================================================
// Image Operations
// =============================================================================

// BuildImage builds an image from the spec's context directory and tags it.
// Build progress lines are streamed to onOutput when provided.
func (d *EngineClient) BuildImage(ctx context.Context, spec BuildSpec, onOutput BuildOutput) error {
	if spec.ContextDir == "" {
		return NewDockerError("BuildImage", "image", spec.Tag, "build context directory is empty", ErrImageBuildFailed)
	}
	if spec.Tag == "" {
		return NewDockerError("BuildImage", "image", "", "image tag is empty", ErrImageBuildFailed)
	}

	buildCtx, err := archive.TarWithOptions(spec.ContextDir, &archive.TarOptions{})
	if err != nil {
		return NewDockerError("BuildImage", "image", spec.Tag, "failed to create build context: "+err.Error(), ErrImageBuildFailed)
	}
	defer buildCtx.Close()

	dockerfile := spec.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	resp, err := d.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{spec.Tag},
		Dockerfile:  dockerfile,
		Labels:      spec.Labels,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return NewDockerError("BuildImage", "image", spec.Tag, err.Error(), ErrImageBuildFailed)
	}
	defer resp.Body.Close()

	if err := drainStream(resp.Body, onOutput); err != nil {
		return NewDockerError("BuildImage", "image", spec.Tag, err.Error(), ErrImageBuildFailed)
	}
	return nil
}

// TagImage applies an additional tag to an existing image.
func (d *EngineClient) TagImage(ctx context.Context, source, target string) error {
	if err := d.cli.ImageTag(ctx, source, target); err != nil {
		return NewDockerError("TagImage", "image", source, err.Error(), err)
	}
	return nil
}

// PushImage pushes a tagged image to the registry. Login must have been
// called first; the engine rejects unauthenticated pushes anyway, but failing
// early gives the stage a clearer error.
func (d *EngineClient) PushImage(ctx context.Context, ref string, onOutput BuildOutput) error {
	if d.encodedAuth == "" {
		return NewDockerError("PushImage", "registry", ref, "login required before push", ErrNotLoggedIn)
	}

	reader, err := d.cli.ImagePush(ctx, ref, image.PushOptions{
		RegistryAuth: d.encodedAuth,
	})
	if err != nil {
		return NewDockerError("PushImage", "image", ref, err.Error(), ErrImagePushFailed)
	}
	defer reader.Close()

	if err := drainStream(reader, onOutput); err != nil {
		return NewDockerError("PushImage", "image", ref, err.Error(), ErrImagePushFailed)
	}
	return nil
}

// ImageExists checks if an image exists locally.
func (d *EngineClient) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := d.cli.ImageInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, NewDockerError("ImageExists", "image", ref, err.Error(), err)
	}
	return true, nil
}

// =============================================================================
// Registry Operations
// =============================================================================

// Login verifies the credentials against the registry and caches the encoded
// auth header for subsequent pushes. The credentials themselves are never
// logged or persisted.
func (d *EngineClient) Login(ctx context.Context, auth RegistryAuth) error {
	authConfig := registry.AuthConfig{
		Username:      auth.Username,
		Password:      auth.Password,
		ServerAddress: auth.ServerAddress,
	}

	if _, err := d.cli.RegistryLogin(ctx, authConfig); err != nil {
		return NewDockerError("Login", "registry", auth.ServerAddress, "authentication rejected", ErrLoginFailed)
	}

	encoded, err := registry.EncodeAuthConfig(authConfig)
	if err != nil {
		return NewDockerError("Login", "registry", auth.ServerAddress, err.Error(), ErrLoginFailed)
	}

	d.encodedAuth = encoded
	return nil
}

// Logout discards the cached registry credentials. Always safe to call.
func (d *EngineClient) Logout() {
	d.encodedAuth = ""
}

// LoggedIn reports whether registry credentials are currently held.
func (d *EngineClient) LoggedIn() bool {
	return d.encodedAuth != ""
}

// =============================================================================
// Stream Decoding
// =============================================================================

// streamMessage is one JSON message from the engine's build/push stream.
type streamMessage struct {
	Stream      string `json:"stream"`
	Status      string `json:"status"`
	ID          string `json:"id"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

func (m streamMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m streamMessage) render() string {
	if m.Stream != "" {
		return strings.TrimSpace(m.Stream)
	}
	if m.Status != "" {
		if m.ID != "" {
			return m.ID + " " + m.Status
		}
		return m.Status
	}
	return ""
}

// drainStream consumes an engine progress stream, forwarding rendered lines
// and surfacing any embedded error message. The stream must be fully drained
// for the operation to complete on the daemon side.
func drainStream(r io.Reader, onOutput BuildOutput) error {
	decoder := json.NewDecoder(r)
	for {
		var msg streamMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return errors.New(errMsg)
		}
		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
}
