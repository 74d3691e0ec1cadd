package beds24

import (
	"errors"
	"fmt"
	"time"
)

// ConfigurationError means the service cannot talk to Beds24 at all
// (missing read token, setup disabled with no stored credential, ...).
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "beds24 configuration: " + e.Reason
}

// AuthenticationError is returned when Beds24 rejects a credential. It is
// never retried; an operator has to run setup again.
type AuthenticationError struct {
	StatusCode int
	Reason     string
}

func (e *AuthenticationError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("beds24 authentication failed (%d): %s", e.StatusCode, e.Reason)
	}
	return "beds24 authentication failed: " + e.Reason
}

// RateLimitExhaustedError is returned after the configured number of 429
// responses in a row. The run can be resumed later.
type RateLimitExhaustedError struct {
	Method   string
	Path     string
	Attempts int
	Waited   time.Duration
}

func (e *RateLimitExhaustedError) Error() string {
	return fmt.Sprintf("beds24 rate limit exhausted: %s %s after %d attempts (waited %s)", e.Method, e.Path, e.Attempts, e.Waited)
}

// TransportError covers 5xx after retries, network failures and non-retryable
// 4xx responses.
type TransportError struct {
	Method     string
	Path       string
	StatusCode int
	Attempts   int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("beds24 %s %s failed", e.Method, e.Path)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	} else if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must abort a whole sync run.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var cfgErr *ConfigurationError
	var authErr *AuthenticationError
	var rlErr *RateLimitExhaustedError
	return errors.As(err, &cfgErr) || errors.As(err, &authErr) || errors.As(err, &rlErr)
}

// IsTransport reports whether err is a TransportError (fatal for the current phase only).
func IsTransport(err error) bool {
	var trErr *TransportError
	return errors.As(err, &trErr)
}
