package beds24

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy is the single retry configuration used by Client. Rate limit
// responses and transient failures have separate budgets.
type RetryPolicy struct {
	// RateLimitCooldown is waited after a 429 that carries no usable Retry-After.
	RateLimitCooldown    time.Duration
	MaxRateLimitAttempts int

	BaseBackoff          time.Duration
	MaxBackoff           time.Duration
	MaxTransientAttempts int

	// Sleep waits d or until ctx is done. Nil means a real timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// Now is used to resolve HTTP-date Retry-After values. Nil means time.Now.
	Now func() time.Time
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		RateLimitCooldown:    6 * time.Minute,
		MaxRateLimitAttempts: 5,
		BaseBackoff:          time.Second,
		MaxBackoff:           30 * time.Second,
		MaxTransientAttempts: 4,
	}
}

type retryClass int

const (
	retryNone retryClass = iota
	retryRateLimit
	retryTransient
)

func classifyStatus(status int) retryClass {
	switch {
	case status == http.StatusTooManyRequests:
		return retryRateLimit
	case status >= 500:
		return retryTransient
	default:
		return retryNone
	}
}

// backoff returns the wait before transient retry number attempt (1-based):
// BaseBackoff * 2^(attempt-1), capped at MaxBackoff.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// rateLimitWait prefers the server's Retry-After over the fixed cooldown.
func (p RetryPolicy) rateLimitWait(header http.Header) time.Duration {
	if d, ok := parseRetryAfter(header.Get("Retry-After"), p.now()); ok {
		return d
	}
	return p.RateLimitCooldown
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func (p RetryPolicy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
