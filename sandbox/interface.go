// Package sandbox provides the runtime adapters that create, stream, stop and
// remove ephemeral sandboxes.
//
// The sandbox package translates lifecycle intents into calls against an
// external container runtime. It supports Docker, Podman (through its
// Docker-compatible socket) and local process execution (for development).
package sandbox

import (
	"context"
	"fmt"
	"io"
	"maps"
	"time"
)

// Label keys set on every sandbox so operators can find leftovers.
const (
	LabelManaged = "sandboxctl.managed"
	LabelName    = "sandboxctl.name"
)

// NamePrefix prefixes every sandbox name.
const NamePrefix = "sandboxctl-"

// NetworkPolicy controls sandbox network access
type NetworkPolicy struct {
	Enabled bool
	DNS     []string
}

// Resources holds optional resource limits. Zero values mean unlimited.
type Resources struct {
	MemoryMB int64
	CPUs     float64
}

// Spec is the immutable configuration of a sandbox
type Spec struct {
	Image     string
	Command   []string
	Network   NetworkPolicy
	ReadOnly  bool
	User      string
	TTY       bool
	Resources Resources
	Labels    map[string]string
}

// Validate checks the invariants a runtime relies on.
func (s Spec) Validate() error {
	if s.Image == "" {
		return fmt.Errorf("image reference must not be empty")
	}
	if s.Resources.MemoryMB < 0 {
		return fmt.Errorf("memory limit must not be negative, got: %d", s.Resources.MemoryMB)
	}
	if s.Resources.CPUs < 0 {
		return fmt.Errorf("cpu limit must not be negative, got: %v", s.Resources.CPUs)
	}
	return nil
}

// labels returns the spec labels merged with the managed-by labels.
func (s Spec) labels(name string) map[string]string {
	out := make(map[string]string, len(s.Labels)+2)
	maps.Copy(out, s.Labels)
	out[LabelManaged] = "true"
	out[LabelName] = name
	return out
}

// LogStream is an open log stream of one sandbox. Closing it interrupts any
// pending read.
type LogStream struct {
	io.ReadCloser
	// Multiplexed is true when stdout and stderr are framed with the Docker
	// stream header and must be demultiplexed.
	Multiplexed bool
}

// Runtime defines the interface of a sandbox runtime adapter. Implementations
// must be safe for concurrent use.
type Runtime interface {
	// Create validates spec, creates and starts a sandbox.
	Create(ctx context.Context, spec Spec) (*Handle, error)
	// OpenLogStream follows the combined output of the sandbox.
	OpenLogStream(ctx context.Context, h *Handle) (*LogStream, error)
	// Stop requests graceful termination and escalates to a forced kill when
	// the graceful request does not succeed. Stopping an unknown sandbox is not
	// an error.
	Stop(ctx context.Context, h *Handle, timeout time.Duration) error
	// Remove deletes the sandbox and its resources. Removing an unknown
	// sandbox is not an error.
	Remove(ctx context.Context, h *Handle) error
	// Close releases the connection to the runtime.
	Close() error
}
