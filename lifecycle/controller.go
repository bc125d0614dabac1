package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxctl/config"
	"github.com/isdmx/sandboxctl/logger"
	"github.com/isdmx/sandboxctl/logstream"
	"github.com/isdmx/sandboxctl/sandbox"
)

// StopReason tells why monitoring ended
type StopReason string

const (
	ReasonTimeout     StopReason = "timeout"
	ReasonCancelled   StopReason = "cancelled"
	ReasonStreamEnded StopReason = "stream_ended"
	ReasonStreamError StopReason = "stream_error"
)

// Process exit codes derived from a Result.
const (
	ExitRemoved         = 0
	ExitRuntimeFailure  = 1
	ExitCreationFailure = 2
)

// Config holds controller timing
type Config struct {
	// MonitorDuration is how long logs are streamed before the sandbox is stopped.
	MonitorDuration time.Duration
	// StopTimeout is the graceful termination window passed to Runtime.Stop.
	StopTimeout time.Duration
	// CleanupGrace is added to StopTimeout to bound the whole stop+remove
	// sequence.
	CleanupGrace time.Duration
}

// DefaultConfig mirrors the configuration defaults
func DefaultConfig() Config {
	return Config{
		MonitorDuration: 10 * time.Second,
		StopTimeout:     10 * time.Second,
		CleanupGrace:    10 * time.Second,
	}
}

// Sink receives every record read from the sandbox. It is called from the
// stream consumer goroutine, never concurrently with itself.
type Sink func(logstream.Record)

// Result describes one lifecycle run
type Result struct {
	SandboxID   string
	SandboxName string
	// Created is true once the runtime returned a handle.
	Created bool
	State   sandbox.State
	States  []sandbox.State
	Reason  StopReason

	Records      int
	DecodeErrors int
	// StreamErr is the non-fatal error that ended or prevented log streaming.
	StreamErr error
}

// Controller drives sandboxes through CREATING, RUNNING, STOPPING and REMOVED
// (or FAILED). One controller may run several sandboxes concurrently; each run
// owns its own handle and stream.
type Controller struct {
	runtime sandbox.Runtime
	logger  *zap.Logger
	config  Config

	closeOnce sync.Once
	closeErr  error
}

// New creates a Controller. Zero durations in cfg take their defaults.
func New(rt sandbox.Runtime, logger *zap.Logger, cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.MonitorDuration <= 0 {
		cfg.MonitorDuration = def.MonitorDuration
	}
	if cfg.StopTimeout < 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.CleanupGrace <= 0 {
		cfg.CleanupGrace = def.CleanupGrace
	}
	return &Controller{runtime: rt, logger: logger, config: cfg}
}

// NewFromConfig creates a Controller from the application configuration
func NewFromConfig(rt sandbox.Runtime, logger *zap.Logger, cfg *config.Config) *Controller {
	return New(rt, logger, Config{
		MonitorDuration: cfg.GetMonitorDuration(),
		StopTimeout:     cfg.GetStopTimeout(),
		CleanupGrace:    cfg.GetCleanupGrace(),
	})
}

// RunOption adjusts the timing of a single run
type RunOption func(*Config)

// MonitorFor overrides the monitoring window of a single run
func MonitorFor(d time.Duration) RunOption {
	return func(cfg *Config) {
		if d > 0 {
			cfg.MonitorDuration = d
		}
	}
}

// Run creates a sandbox from spec, streams its records to sink until the
// monitor duration elapses, ctx is cancelled or the stream ends, then stops and
// removes it. Once a handle exists, stop and remove are each attempted exactly
// once whatever ended monitoring, even when ctx is already cancelled.
//
// The returned error is nil when the sandbox reached REMOVED.
func (c *Controller) Run(ctx context.Context, spec sandbox.Spec, sink Sink, opts ...RunOption) (Result, error) {
	cfg := c.config
	for _, opt := range opts {
		opt(&cfg)
	}

	res := Result{State: sandbox.Creating, States: []sandbox.State{sandbox.Creating}}

	c.logger.Info("creating sandbox",
		zap.String("image", spec.Image),
		zap.Strings("command", spec.Command),
		zap.Bool("network_enabled", spec.Network.Enabled),
		zap.Bool("read_only", spec.ReadOnly))

	h, err := c.runtime.Create(ctx, spec)
	if err != nil {
		res.State = sandbox.Failed
		res.States = append(res.States, sandbox.Failed)
		res.SandboxID = sandbox.SandboxID(err)
		c.logger.Error("sandbox creation failed",
			zap.String(logger.KeySandboxID, res.SandboxID),
			zap.Error(err))
		return res, fmt.Errorf("create sandbox: %w", err)
	}

	log := logger.ForSandbox(c.logger, h.ID, h.Name)
	res.Created = true
	res.SandboxID = h.ID
	res.SandboxName = h.Name

	c.transition(h, log, sandbox.Running)
	log.Info("sandbox running", zap.Duration("monitor_duration", cfg.MonitorDuration))

	res.Reason = c.monitor(ctx, cfg, h, log, sink, &res)

	c.transition(h, log, sandbox.Stopping)
	log.Info("stopping sandbox",
		zap.String("reason", string(res.Reason)),
		zap.Int("records", res.Records),
		zap.NamedError("stream_error", res.StreamErr))

	if err := c.terminate(ctx, cfg, h, log); err != nil {
		c.transition(h, log, sandbox.Failed)
		res.State = h.State
		res.States = h.States()
		log.Error("sandbox cleanup failed, verify manually that it was removed", zap.Error(err))
		return res, fmt.Errorf("remove sandbox %s: %w", h.ID, err)
	}

	c.transition(h, log, sandbox.Removed)
	res.State = h.State
	res.States = h.States()
	log.Info("sandbox removed")
	return res, nil
}

// monitor streams records until the timer fires, ctx is done or the stream
// ends. The stream is closed and its consumer joined before it returns.
func (c *Controller) monitor(ctx context.Context, cfg Config, h *sandbox.Handle, log *zap.Logger, sink Sink, res *Result) StopReason {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.runtime.OpenLogStream(streamCtx, h)
	if err != nil {
		log.Warn("failed to open log stream", zap.Error(err))
		res.StreamErr = err
		return ReasonStreamError
	}

	done := make(chan error, 1)
	go func() {
		done <- consume(stream, log, sink, res)
	}()

	timer := time.NewTimer(cfg.MonitorDuration)
	defer timer.Stop()

	var reason StopReason
	select {
	case err := <-done:
		closeStream(stream, log)
		if err != nil {
			log.Warn("log stream failed", zap.Error(err))
			res.StreamErr = err
			return ReasonStreamError
		}
		return ReasonStreamEnded
	case <-timer.C:
		reason = ReasonTimeout
	case <-ctx.Done():
		reason = ReasonCancelled
	}

	// Interrupt the consumer; its read error is expected and dropped.
	cancel()
	closeStream(stream, log)
	<-done

	return reason
}

func consume(stream *sandbox.LogStream, log *zap.Logger, sink Sink, res *Result) error {
	for rec, err := range logstream.Records(stream, stream.Multiplexed) {
		if err != nil {
			if !errors.Is(err, sandbox.ErrDecode) {
				return err
			}
			res.DecodeErrors++
			log.Warn("replaced malformed log record", zap.Error(err))
		}
		res.Records++
		if sink != nil {
			sink(rec)
		}
	}
	return nil
}

// terminate stops then removes the sandbox on a context detached from the
// caller's cancellation. A stop failure does not prevent removal.
func (c *Controller) terminate(ctx context.Context, cfg Config, h *sandbox.Handle, log *zap.Logger) error {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.StopTimeout+cfg.CleanupGrace)
	defer cancel()

	if err := c.runtime.Stop(cleanupCtx, h, cfg.StopTimeout); err != nil {
		log.Warn("failed to stop sandbox, removing anyway", zap.Error(err))
	}
	return c.runtime.Remove(cleanupCtx, h)
}

func (c *Controller) transition(h *sandbox.Handle, log *zap.Logger, to sandbox.State) {
	if err := h.Transition(to); err != nil {
		log.DPanic("invalid sandbox state transition", zap.Error(err))
	}
}

func closeStream(stream *sandbox.LogStream, log *zap.Logger) {
	if err := stream.Close(); err != nil {
		log.Debug("failed to close log stream", zap.Error(err))
	}
}

// Close releases the runtime. It is safe to call more than once.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.runtime.Close()
	})
	return c.closeErr
}

// ExitCode maps a run outcome to a process exit code
func ExitCode(res Result, err error) int {
	switch {
	case err == nil && res.State == sandbox.Removed:
		return ExitRemoved
	case !res.Created:
		return ExitCreationFailure
	default:
		return ExitRuntimeFailure
	}
}
