package helpers

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Custom Error Types
// -----------------------------------------------------------------------------

type MarketStreamerError struct {
	Message string
	Cause   error
}

func (e *MarketStreamerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *MarketStreamerError) Unwrap() error {
	return e.Cause
}

// Distinct error types for errors.As checks
type ConfigurationError struct{ MarketStreamerError }
type TransportError struct{ MarketStreamerError }
type AuthError struct{ MarketStreamerError }
type PersistenceError struct{ MarketStreamerError }
type SubscriberError struct{ MarketStreamerError }

// -----------------------------------------------------------------------------

func NewTransportError(message string, cause error) error {
	return &TransportError{MarketStreamerError{Message: message, Cause: cause}}
}

func NewAuthError(message string, cause error) error {
	return &AuthError{MarketStreamerError{Message: message, Cause: cause}}
}

func NewPersistenceError(message string, cause error) error {
	return &PersistenceError{MarketStreamerError{Message: message, Cause: cause}}
}

func NewSubscriberError(message string, cause error) error {
	return &SubscriberError{MarketStreamerError{Message: message, Cause: cause}}
}

// -----------------------------------------------------------------------------

// authMarkers are fragments the broker uses for credential rejections.
var authMarkers = []string{
	"tokenexception",
	"invalid token",
	"invalid access token",
	"incorrect `api_key` or `access_token`",
	"unauthorized",
	"forbidden",
	"status 401",
	"status 403",
}

// IsAuthError reports whether err is authorization-shaped: a typed AuthError or
// an error whose text matches a broker credential rejection.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range authMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Retry Logic
// -----------------------------------------------------------------------------

// BackoffDelay returns base * 2^(attempt-1) capped at max. attempt starts at 1.
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if (max > 0 && delay >= max) || delay <= 0 {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// -----------------------------------------------------------------------------

// RetryWithBackoff attempts to execute the operation up to maxRetries times with
// exponential backoff. Auth-shaped errors are returned immediately.
func RetryWithBackoff(maxRetries int, baseDelay time.Duration, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if IsAuthError(err) || attempt == maxRetries {
			break
		}
		time.Sleep(BackoffDelay(attempt, baseDelay, 8*baseDelay))
	}

	return lastErr
}
