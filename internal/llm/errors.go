package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a provider failure.
type Kind string

// Failure kinds. Providers map their native errors to one of these.
const (
	KindAuth            Kind = "auth"
	KindRateLimited     Kind = "rate_limited"
	KindPayloadTooLarge Kind = "payload_too_large"
	KindUnavailable     Kind = "unavailable"
	KindMalformed       Kind = "malformed"
)

// Persistent reports whether retrying with the same configuration is
// expected to fail again.
func (k Kind) Persistent() bool {
	return k == KindAuth || k == KindPayloadTooLarge
}

// Failure is a typed error from a provider.
type Failure struct {
	Kind       Kind
	Provider   string
	StatusCode int    // HTTP status, 0 when no response was received
	Message    string // human-readable description
	Err        error  // underlying error, may be nil
}

func (f *Failure) Error() string {
	var b strings.Builder
	if f.Provider != "" {
		b.WriteString(f.Provider)
		b.WriteString(": ")
	}
	b.WriteString(string(f.Kind))
	if f.Message != "" {
		b.WriteString(": ")
		b.WriteString(f.Message)
	}
	if f.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", f.StatusCode)
	}
	if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// KindOf returns the failure kind of err. A deadline that expired
// outside any provider is unavailable, as is any other untyped error.
// It returns "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnavailable
}

// IsPersistent reports whether err is a failure that will not clear
// until the configuration changes.
func IsPersistent(err error) bool {
	return err != nil && KindOf(err).Persistent()
}

// classifyStatus maps a non-2xx HTTP response to a Failure.
func classifyStatus(provider string, code int, body string) *Failure {
	msg := errorMessage(body)
	lower := strings.ToLower(msg)

	f := &Failure{Provider: provider, StatusCode: code, Message: msg}
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		f.Kind = KindAuth
	case code == http.StatusBadRequest && (strings.Contains(lower, "api key") || strings.Contains(lower, "api_key_invalid")):
		f.Kind = KindAuth
	case code == http.StatusTooManyRequests:
		f.Kind = KindRateLimited
	case code == http.StatusRequestEntityTooLarge:
		f.Kind = KindPayloadTooLarge
	case code == http.StatusBadRequest && strings.Contains(lower, "token") &&
		(strings.Contains(lower, "exceed") || strings.Contains(lower, "too long") || strings.Contains(lower, "limit")):
		f.Kind = KindPayloadTooLarge
	case code >= 500:
		f.Kind = KindUnavailable
	default:
		f.Kind = KindMalformed
	}
	return f
}

// transportFailure wraps an error from the HTTP round trip.
func transportFailure(provider string, err error) *Failure {
	msg := "request failed"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "request timed out"
	}
	return &Failure{Provider: provider, Kind: KindUnavailable, Message: msg, Err: err}
}

func malformed(provider, msg string, err error) *Failure {
	return &Failure{Provider: provider, Kind: KindMalformed, Message: msg, Err: err}
}

// errorMessage extracts a message from the common provider error
// envelopes: {"error":{"message":...}} and {"error":"..."}. It falls
// back to the trimmed body.
func errorMessage(body string) string {
	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &nested) == nil && nested.Error.Message != "" {
		return nested.Error.Message
	}
	var flat struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(body), &flat) == nil && flat.Error != "" {
		return flat.Error
	}
	return strings.TrimSpace(body)
}
