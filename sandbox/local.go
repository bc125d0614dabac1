// Package sandbox provides the runtime adapters that create, stream, stop and
// remove ephemeral sandboxes.
//
// The LocalRuntime runs the sandbox command directly on the host (for
// development only). It offers no isolation: image, network policy, DNS,
// read-only and user settings are ignored.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/moby/moby/pkg/stdcopy"
	"go.uber.org/zap"
)

// localWaitDelay bounds how long Wait drains output after the process exits.
const localWaitDelay = time.Second

// LocalRuntime implements Runtime using host processes (for development only)
type LocalRuntime struct {
	logger *zap.Logger

	mu    sync.Mutex
	procs map[string]*localProcess
}

type localProcess struct {
	cmd      *exec.Cmd
	logs     *io.PipeReader
	attached bool
	exited   chan struct{}
}

// NewLocalRuntime creates a new LocalRuntime
func NewLocalRuntime(logger *zap.Logger) *LocalRuntime {
	return &LocalRuntime{
		logger: logger,
		procs:  make(map[string]*localProcess),
	}
}

// Create starts spec.Command as a host process. Its output is framed like a
// non-TTY Docker log stream.
func (l *LocalRuntime) Create(_ context.Context, spec Spec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, newError(ErrCreation, "create", "", err)
	}
	if len(spec.Command) == 0 {
		return nil, Errorf(ErrCreation, "create", "", "local backend requires a command")
	}
	if spec.Network.Enabled || spec.ReadOnly || spec.User != "" {
		l.logger.Warn("local backend ignores isolation settings",
			zap.Bool("network_enabled", spec.Network.Enabled),
			zap.Bool("read_only", spec.ReadOnly),
			zap.String("user", spec.User))
	}

	pr, pw := io.Pipe()
	//nolint:gosec // Running the configured command is intended functionality
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Env = os.Environ()
	cmd.Stdout = stdcopy.NewStdWriter(pw, stdcopy.Stdout)
	cmd.Stderr = stdcopy.NewStdWriter(pw, stdcopy.Stderr)
	cmd.WaitDelay = localWaitDelay

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, newError(ErrCreation, "create", "", err)
	}

	id := uuid.NewString()
	p := &localProcess{cmd: cmd, logs: pr, exited: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		pw.Close()
		close(p.exited)
		l.logger.Debug("local sandbox process exited", zap.String("sandbox_id", id), zap.Error(err))
	}()

	l.mu.Lock()
	l.procs[id] = p
	l.mu.Unlock()

	l.logger.Info("local sandbox started", zap.String("sandbox_id", id), zap.Int("pid", cmd.Process.Pid))

	return &Handle{
		ID:        id,
		Name:      NamePrefix + id,
		State:     Creating,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// OpenLogStream returns the process output. It can be attached once.
func (l *LocalRuntime) OpenLogStream(_ context.Context, h *Handle) (*LogStream, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.procs[h.ID]
	if !ok {
		return nil, newError(ErrNotFound, "logs", h.ID, nil)
	}
	if p.attached {
		return nil, Errorf(ErrStream, "logs", h.ID, "log stream already attached")
	}
	p.attached = true
	return &LogStream{ReadCloser: p.logs, Multiplexed: true}, nil
}

// Stop sends SIGTERM and kills the process if it has not exited within timeout
func (l *LocalRuntime) Stop(ctx context.Context, h *Handle, timeout time.Duration) error {
	p := l.lookup(h.ID)
	if p == nil {
		return nil
	}

	select {
	case <-p.exited:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		l.logger.Warn("failed to signal local sandbox", zap.String("sandbox_id", h.ID), zap.Error(err))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	l.logger.Warn("local sandbox did not exit in time, killing", zap.String("sandbox_id", h.ID))
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return newError(ErrRuntime, "stop", h.ID, err)
	}
	// Unblock output copying in case nobody is reading the stream.
	p.logs.Close()

	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		return newError(ErrRuntime, "stop", h.ID, fmt.Errorf("waiting for exit: %w", ctx.Err()))
	}
}

// Remove kills the process if still running and forgets it
func (l *LocalRuntime) Remove(_ context.Context, h *Handle) error {
	l.mu.Lock()
	p, ok := l.procs[h.ID]
	delete(l.procs, h.ID)
	l.mu.Unlock()

	if !ok {
		return nil
	}

	p.logs.Close()
	select {
	case <-p.exited:
	default:
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return newError(ErrRuntime, "remove", h.ID, err)
		}
	}
	return nil
}

// Close kills every process still tracked
func (l *LocalRuntime) Close() error {
	l.mu.Lock()
	ids := make([]string, 0, len(l.procs))
	for id := range l.procs {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	var errs []error
	for _, id := range ids {
		errs = append(errs, l.Remove(context.Background(), &Handle{ID: id}))
	}
	return errors.Join(errs...)
}

func (l *LocalRuntime) lookup(id string) *localProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[id]
}
