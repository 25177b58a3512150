// Package llm provides the generative-text clients that turn an
// assembled prompt into reply text. Every provider reports failures as
// a *Failure so callers can apply one retry policy regardless of which
// API is behind the client.
package llm

import (
	"context"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Client is the interface that all providers implement.
type Client interface {
	// Send submits a single-turn prompt and returns the reply text.
	// Errors are *Failure values.
	Send(ctx context.Context, prompt string) (string, error)

	// Ping verifies that the provider is reachable and the credential
	// is accepted, using the cheapest request the provider offers.
	Ping(ctx context.Context) error
}
