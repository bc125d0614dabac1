// Package sandbox provides the runtime adapters that create, stream, stop and
// remove ephemeral sandboxes.
//
// The DockerRuntime talks to the Docker Engine API through the official Go
// client and applies the sandbox spec as container and host configuration:
// network policy, DNS servers, read-only root filesystem, user and resource
// limits.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// rollbackTimeout bounds the removal of a container that was created but
// failed to start.
const rollbackTimeout = 30 * time.Second

// DockerAPI is the subset of the Docker client used by DockerRuntime.
// *client.Client satisfies it.
type DockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

// Config holds configuration shared by the runtime adapters
type Config struct {
	// Host overrides the runtime endpoint (DOCKER_HOST or the Podman socket).
	Host string
	// PullMissing pulls the image when create reports it missing.
	PullMissing bool
	// RetryAttempts bounds create/stop/remove attempts on connection errors.
	RetryAttempts int
	// RetryInitialInterval is the first backoff delay between attempts.
	RetryInitialInterval time.Duration
}

// DockerRuntime implements Runtime using the Docker Engine API
type DockerRuntime struct {
	logger *zap.Logger
	config *Config
	client DockerAPI
}

// DockerRuntimeOption defines a functional option for DockerRuntime
type DockerRuntimeOption func(*DockerRuntime)

// WithDockerClient sets the Docker API client for DockerRuntime
func WithDockerClient(api DockerAPI) DockerRuntimeOption {
	return func(d *DockerRuntime) {
		d.client = api
	}
}

// NewDockerRuntime creates a new DockerRuntime. Without WithDockerClient the
// client is configured from the environment (DOCKER_HOST and friends) and
// config.Host, with API version negotiation.
func NewDockerRuntime(logger *zap.Logger, config *Config, opts ...DockerRuntimeOption) (*DockerRuntime, error) {
	d := &DockerRuntime{
		logger: logger,
		config: config,
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.client == nil {
		clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if config.Host != "" {
			clientOpts = append(clientOpts, client.WithHost(config.Host))
		}
		dc, err := client.NewClientWithOpts(clientOpts...)
		if err != nil {
			return nil, newError(ErrConnection, "connect", "", err)
		}
		d.client = dc
	}

	return d, nil
}

// Create creates and starts a container for spec
func (d *DockerRuntime) Create(ctx context.Context, spec Spec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, newError(ErrCreation, "create", "", err)
	}

	name := NamePrefix + uuid.NewString()
	cfg, hostCfg := containerConfig(spec, name)

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil && errdefs.IsNotFound(err) && d.config.PullMissing {
		d.logger.Info("image not present, pulling", zap.String("image", spec.Image))
		if pullErr := d.pull(ctx, spec.Image); pullErr != nil {
			return nil, classify("pull", "", pullErr, ErrCreation)
		}
		resp, err = d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	}
	if err != nil {
		return nil, classify("create", "", err, ErrCreation)
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("runtime warning on create", zap.String("sandbox_id", resp.ID), zap.String("warning", w))
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rbErr := d.rollback(ctx, resp.ID); rbErr != nil {
			// The container may still exist, so this must not be retried
			// as a connection error: a retry would create a second one.
			return nil, newError(ErrCreation, "start", resp.ID,
				errors.Join(err, fmt.Errorf("remove after failed start: %w", rbErr)))
		}
		return nil, classify("start", resp.ID, err, ErrCreation)
	}

	d.logger.Info("sandbox container started", zap.String("sandbox_id", resp.ID), zap.String("name", name))

	return &Handle{
		ID:        resp.ID,
		Name:      name,
		State:     Creating,
		CreatedAt: time.Now().UTC(),
		TTY:       spec.TTY,
	}, nil
}

// OpenLogStream follows stdout and stderr of the container
func (d *DockerRuntime) OpenLogStream(ctx context.Context, h *Handle) (*LogStream, error) {
	rc, err := d.client.ContainerLogs(ctx, h.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, classify("logs", h.ID, err, ErrStream)
	}
	return &LogStream{ReadCloser: rc, Multiplexed: !h.TTY}, nil
}

// Stop asks the daemon to stop the container within timeout and kills it if
// that request fails
func (d *DockerRuntime) Stop(ctx context.Context, h *Handle, timeout time.Duration) error {
	secs := int(math.Ceil(timeout.Seconds()))
	err := d.client.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &secs})
	if err == nil || errdefs.IsNotFound(err) {
		return nil
	}

	d.logger.Warn("graceful stop failed, killing sandbox", zap.String("sandbox_id", h.ID), zap.Error(err))
	killErr := d.client.ContainerKill(ctx, h.ID, "KILL")
	switch {
	case killErr == nil, errdefs.IsNotFound(killErr):
		return nil
	case errdefs.IsConflict(killErr):
		// not running anymore
		return nil
	}
	return classify("stop", h.ID, errors.Join(err, killErr), ErrRuntime)
}

// Remove force-removes the container and its anonymous volumes
func (d *DockerRuntime) Remove(ctx context.Context, h *Handle) error {
	err := d.client.ContainerRemove(ctx, h.ID, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err == nil || errdefs.IsNotFound(err) {
		return nil
	}
	return classify("remove", h.ID, err, ErrRuntime)
}

// Close closes the Docker client
func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

func (d *DockerRuntime) pull(ctx context.Context, ref string) error {
	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// rollback removes a container that never reached the running state.
func (d *DockerRuntime) rollback(ctx context.Context, id string) error {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	err := d.client.ContainerRemove(rmCtx, id, container.RemoveOptions{RemoveVolumes: true, Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		d.logger.Error("failed to remove container that did not start", zap.String("sandbox_id", id), zap.Error(err))
		return err
	}
	return nil
}

func containerConfig(spec Spec, name string) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Command,
		Tty:             spec.TTY,
		User:            spec.User,
		NetworkDisabled: !spec.Network.Enabled,
		Labels:          spec.labels(name),
	}

	hostCfg := &container.HostConfig{
		ReadonlyRootfs: spec.ReadOnly,
		Resources: container.Resources{
			Memory:   spec.Resources.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(spec.Resources.CPUs * 1e9),
		},
	}
	if spec.Network.Enabled {
		hostCfg.DNS = spec.Network.DNS
	} else {
		hostCfg.NetworkMode = container.NetworkMode(network.NetworkNone)
	}

	return cfg, hostCfg
}

// classify maps a Docker client error to a sandbox error kind. Not-found
// errors on create or start mean a missing image and stay creation errors.
func classify(op, id string, err, fallback error) error {
	switch {
	case client.IsErrConnectionFailed(err), errdefs.IsUnavailable(err):
		return newError(ErrConnection, op, id, err)
	case errdefs.IsNotFound(err) && fallback != ErrCreation:
		return newError(ErrNotFound, op, id, err)
	}
	return newError(fallback, op, id, err)
}
