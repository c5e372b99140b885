// File: internal/quota/quota.go

// Package quota recovers from the remote service's concurrent-access
// (seat) limit with a bounded fixed-wait retry loop.
package quota

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/khlab/paperpull/api/schemas"
	"github.com/khlab/paperpull/internal/config"
)

// Controller re-issues an action while the seat limit is active, at
// most MaxAttempts times with a fixed wait in between. Any non-quota
// failure propagates immediately without consuming a retry.
type Controller struct {
	logger      *zap.Logger
	maxAttempts uint
	wait        time.Duration
}

func New(cfg config.QuotaConfig, logger *zap.Logger) *Controller {
	return &Controller{
		logger:      logger.Named("quota"),
		maxAttempts: cfg.MaxAttempts,
		wait:        cfg.Wait,
	}
}

// Attempt invokes action, sleeping and retrying only on the seat-limit
// signal. After maxAttempts retries the next seat-limit failure is
// surfaced as QuotaExhaustedError. Cancelling ctx aborts the wait.
func (c *Controller) Attempt(ctx context.Context, action func(ctx context.Context) error) error {
	err := retry.Do(
		func() error { return action(ctx) },
		retry.Context(ctx),
		retry.Attempts(c.maxAttempts+1),
		retry.Delay(c.wait),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(schemas.IsSeatLimit),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("Seat limit active; backing off.",
				zap.Uint("attempt", n+1),
				zap.Uint("max_attempts", c.maxAttempts),
				zap.Duration("wait", c.wait),
				zap.Error(err))
		}),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if schemas.IsSeatLimit(err) {
		c.logger.Error("Seat limit persisted through all retries.",
			zap.Uint("attempts", c.maxAttempts))
		return &schemas.QuotaExhaustedError{Attempts: c.maxAttempts}
	}
	return err
}
