package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// Limited wraps a Client with a local request rate limit so a short
// update interval or repeated manual refreshes cannot exceed the
// provider's quota.
type Limited struct {
	next    Client
	limiter *rate.Limiter
}

// NewLimited returns next wrapped with a limiter allowing perMinute
// requests per minute, with a burst of one. A non-positive perMinute
// returns next unchanged.
func NewLimited(next Client, perMinute float64) Client {
	if perMinute <= 0 {
		return next
	}
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perMinute/60), 1),
	}
}

// Send waits for a token and forwards the prompt. If the wait cannot
// complete before ctx is done, the call fails as rate limited.
func (l *Limited) Send(ctx context.Context, prompt string) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", &Failure{Provider: "local", Kind: KindRateLimited, Message: "request rate limit", Err: err}
	}
	return l.next.Send(ctx, prompt)
}

// Ping is not rate limited.
func (l *Limited) Ping(ctx context.Context) error {
	return l.next.Ping(ctx)
}
