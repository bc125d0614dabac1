package sandbox

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxctl/config"
)

// NewRuntime creates the runtime adapter selected by the configuration, wrapped
// with connection retries
func NewRuntime(logger *zap.Logger, cfg *config.Config) (Runtime, error) {
	runtimeConfig := Config{
		Host:                 cfg.Runtime.Host,
		PullMissing:          cfg.Runtime.PullMissing,
		RetryAttempts:        cfg.Runtime.RetryAttempts,
		RetryInitialInterval: time.Duration(cfg.Runtime.RetryInitialIntervalMS) * time.Millisecond,
	}

	var rt Runtime
	switch cfg.Runtime.Backend {
	case "docker":
		d, err := NewDockerRuntime(logger, &runtimeConfig)
		if err != nil {
			return nil, err
		}
		rt = d
	case "podman":
		p, err := NewPodmanRuntime(logger, &runtimeConfig)
		if err != nil {
			return nil, err
		}
		rt = p
	case "local":
		if !cfg.Runtime.EnableLocalBackend {
			return nil, fmt.Errorf("local backend is disabled, set runtime.enable_local_backend to use it")
		}
		rt = NewLocalRuntime(logger)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Runtime.Backend)
	}

	return NewRetrying(rt, logger, runtimeConfig.RetryAttempts, runtimeConfig.RetryInitialInterval), nil
}

// SpecFromConfig builds the sandbox spec described by the configuration
func SpecFromConfig(cfg *config.Config) Spec {
	return Spec{
		Image:   cfg.Sandbox.Image,
		Command: cfg.Sandbox.Command,
		Network: NetworkPolicy{
			Enabled: cfg.Sandbox.NetworkEnabled,
			DNS:     cfg.Sandbox.DNSServers,
		},
		ReadOnly: cfg.Sandbox.ReadOnly,
		User:     cfg.Sandbox.RunAsUser,
		TTY:      cfg.Sandbox.TTY,
		Resources: Resources{
			MemoryMB: cfg.Sandbox.MemoryMB,
			CPUs:     cfg.Sandbox.CPUs,
		},
	}
}
