// Package sandbox provides the runtime adapters that create, stream, stop and
// remove ephemeral sandboxes.
//
// The sandbox package translates lifecycle intents into calls against an
// external container runtime. It supports Docker, Podman and local process
// execution (for development).
//
// The package defines the Runtime interface, the immutable Spec a sandbox is
// created from, the Handle a controller uses to refer to a live sandbox, and
// the error kinds (ErrConnection, ErrCreation, ErrNotFound, ErrStream,
// ErrDecode) every adapter reports. Stop and Remove are idempotent: an unknown
// sandbox is treated as already gone.
//
// Usage:
//
//	rt, err := sandbox.NewRuntime(logger, cfg)
//	h, err := rt.Create(ctx, sandbox.Spec{
//	    Image:   "alpine:3.20",
//	    Command: []string{"echo", "hello"},
//	})
//	defer rt.Remove(ctx, h)
package sandbox
