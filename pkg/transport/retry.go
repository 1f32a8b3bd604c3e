package transport

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// retrier re-runs transient backend failures with exponential backoff and
// jitter, giving up on permanent errors, the attempt limit, or context
// cancellation.
type retrier struct {
	initial time.Duration
	max     time.Duration
	limit   int
	logger  zerolog.Logger
}

func newRetrier(initialMs, maxMs, limit int, logger zerolog.Logger) *retrier {
	if initialMs <= 0 {
		initialMs = 500
	}
	if maxMs < initialMs {
		maxMs = initialMs
	}
	if limit < 0 {
		limit = 0
	}
	return &retrier{
		initial: time.Duration(initialMs) * time.Millisecond,
		max:     time.Duration(maxMs) * time.Millisecond,
		limit:   limit,
		logger:  logger,
	}
}

func (r *retrier) do(ctx context.Context, fn func() error) error {
	delay := r.initial
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= r.limit || !transient(err) {
			return err
		}

		// Wait in [delay/2, delay) so simultaneous agents spread out.
		wait := delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
		r.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("wait", wait).
			Msg("Transient backend failure; backing off")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > r.max {
			delay = r.max
		}
	}
}

// transient reports whether err is worth retrying: network-level failures and
// 5xx/429 answers. Any other backend rejection is permanent.
func transient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr retryableStatusError
	return errors.As(err, &statusErr)
}

func isRetryableStatus(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	return resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode >= 500 && resp.StatusCode < 600)
}

type retryableStatusError struct {
	status int
}

func (e retryableStatusError) Error() string {
	return "backend returned " + http.StatusText(e.status)
}
