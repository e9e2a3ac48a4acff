package llm

import (
	"context"
	"time"

	"convochat/internal/domain/model"

	"github.com/sethvargo/go-retry"
)

// RetryingCompleter retries transport failures with exponential backoff.
// Status and content errors are returned on the first attempt.
type RetryingCompleter struct {
	next       Completer
	maxRetries uint64
	base       time.Duration
}

// WithRetry wraps next; maxRetries <= 0 returns next unchanged.
func WithRetry(next Completer, maxRetries int, base time.Duration) Completer {
	if maxRetries <= 0 {
		return next
	}
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	return &RetryingCompleter{next: next, maxRetries: uint64(maxRetries), base: base}
}

func (r *RetryingCompleter) Complete(ctx context.Context, modelName string, history []model.Message) (model.Message, error) {
	var reply model.Message
	backoff := retry.WithMaxRetries(r.maxRetries, retry.NewExponential(r.base))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		msg, err := r.next.Complete(ctx, modelName, history)
		if err != nil {
			if IsTransient(err) && ctx.Err() == nil {
				return retry.RetryableError(err)
			}
			return err
		}
		reply = msg
		return nil
	})
	return reply, err
}
