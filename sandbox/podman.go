// Package sandbox provides the runtime adapters that create, stream, stop and
// remove ephemeral sandboxes.
//
// The PodmanRuntime drives Podman through its Docker-compatible API socket, so
// it shares the container mapping of the DockerRuntime.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

const rootfulPodmanSocket = "/run/podman/podman.sock"

// PodmanRuntime implements Runtime using the Podman service socket
type PodmanRuntime struct {
	*DockerRuntime
}

// NewPodmanRuntime creates a new PodmanRuntime. When config.Host is empty the
// rootless socket under XDG_RUNTIME_DIR is used if present, else the rootful one.
func NewPodmanRuntime(logger *zap.Logger, config *Config, opts ...DockerRuntimeOption) (*PodmanRuntime, error) {
	podmanConfig := *config
	if podmanConfig.Host == "" {
		podmanConfig.Host = "unix://" + podmanSocketPath()
	}

	logger.Debug("using podman socket", zap.String("host", podmanConfig.Host))

	d, err := NewDockerRuntime(logger, &podmanConfig, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to podman: %w", err)
	}
	return &PodmanRuntime{DockerRuntime: d}, nil
}

func podmanSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		rootless := filepath.Join(dir, "podman", "podman.sock")
		if _, err := os.Stat(rootless); err == nil {
			return rootless
		}
	}
	return rootfulPodmanSocket
}
