package embedding

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	apperrors "execution-insight/backend/internal/errors"
	"execution-insight/backend/internal/logging"
)

type RetryOptions struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Clock           clock.Clock
	Logger          *logging.Logger
}

// Retrying retries failed calls with bounded exponential backoff. Client
// errors other than 429 are not retried. Exhaustion is reported as a
// DependencyError for "embedding".
type Retrying struct {
	next Provider
	opts RetryOptions
}

func NewRetrying(next Provider, opts RetryOptions) *Retrying {
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 100 * time.Millisecond
	}
	if opts.MaxInterval < opts.InitialInterval {
		opts.MaxInterval = opts.InitialInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Retrying{next: next, opts: opts}
}

func (r *Retrying) Embed(ctx context.Context, text string) (Embedding, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.opts.InitialInterval,
		MaxInterval:         r.opts.MaxInterval,
		Multiplier:          2,
		RandomizationFactor: 0.5,
		Stop:                backoff.Stop,
		Clock:               r.opts.Clock,
	}
	b.Reset()

	var (
		out     Embedding
		attempt int
	)
	op := func() error {
		attempt++
		emb, err := r.next.Embed(ctx, text)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && !se.Temporary() {
				return backoff.Permanent(err)
			}
			return err
		}
		out = emb
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.opts.Logger.Warn("embedding call failed, retrying",
			logging.AttemptKey, attempt, "wait", wait.String(), logging.ErrorKey, err)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, r.opts.MaxRetries), ctx), notify)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Embedding{}, ctxErr
		}
		return Embedding{}, apperrors.Dependency("embedding", err)
	}
	return out, nil
}
