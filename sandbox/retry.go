package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// DefaultRetryAttempts is the number of attempts made for create, stop and
// remove when the runtime is unreachable.
const DefaultRetryAttempts = 3

// Retrying wraps a Runtime and retries Create, Stop and Remove on ErrConnection
// with exponential backoff. OpenLogStream is passed through unchanged.
type Retrying struct {
	Runtime
	logger          *zap.Logger
	attempts        int
	initialInterval time.Duration
}

// NewRetrying wraps rt. attempts below 1 fall back to DefaultRetryAttempts.
func NewRetrying(rt Runtime, logger *zap.Logger, attempts int, initialInterval time.Duration) *Retrying {
	if attempts < 1 {
		attempts = DefaultRetryAttempts
	}
	if initialInterval <= 0 {
		initialInterval = backoff.DefaultInitialInterval
	}
	return &Retrying{
		Runtime:         rt,
		logger:          logger,
		attempts:        attempts,
		initialInterval: initialInterval,
	}
}

func (r *Retrying) Create(ctx context.Context, spec Spec) (*Handle, error) {
	var h *Handle
	err := r.do(ctx, "create", func() error {
		var err error
		h, err = r.Runtime.Create(ctx, spec)
		return err
	})
	return h, err
}

func (r *Retrying) Stop(ctx context.Context, h *Handle, timeout time.Duration) error {
	return r.do(ctx, "stop", func() error {
		return r.Runtime.Stop(ctx, h, timeout)
	})
}

func (r *Retrying) Remove(ctx context.Context, h *Handle) error {
	return r.do(ctx, "remove", func() error {
		return r.Runtime.Remove(ctx, h)
	})
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialInterval
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.attempts-1)), ctx)

	operation := func() error {
		err := fn()
		if err != nil && !errors.Is(err, ErrConnection) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		r.logger.Warn("runtime unreachable, retrying",
			zap.String("op", op),
			zap.Duration("backoff", next),
			zap.Error(err))
	}

	return backoff.RetryNotify(operation, policy, notify)
}
