package mqtt

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nugget/hass-insights/internal/insight"
)

// PayloadPress is the command payload HA sends when the refresh button
// is pressed.
const PayloadPress = "PRESS"

// Refresher starts an out-of-schedule insight cycle.
type Refresher interface {
	Refresh() error
}

// commandHandler returns a function that handles inbound messages on
// the command topics. Presses beyond the rate limit are dropped.
func commandHandler(refreshTopic string, refresher Refresher, limiter *messageRateLimiter, logger *slog.Logger) func(topic string, payload []byte) {
	return func(topic string, payload []byte) {
		if topic != refreshTopic {
			logger.Debug("mqtt message on unexpected topic", "topic", topic, "payload_size", len(payload))
			return
		}
		if strings.TrimSpace(string(payload)) != PayloadPress {
			logger.Debug("mqtt refresh command ignored", "payload", string(payload))
			return
		}
		if !limiter.allow() {
			return
		}
		if refresher == nil {
			logger.Warn("mqtt refresh pressed but no refresher is wired")
			return
		}

		err := refresher.Refresh()
		switch {
		case errors.Is(err, insight.ErrBusy):
			logger.Info("mqtt refresh ignored, cycle already running")
		case err != nil:
			logger.Warn("mqtt refresh failed", "error", err)
		default:
			logger.Info("mqtt refresh requested")
		}
	}
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per interval.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop. It blocks until ctx is
// cancelled.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt commands dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow increments the message counter and returns true if the
// current count is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
