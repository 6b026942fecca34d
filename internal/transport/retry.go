package transport

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// ErrorType classifies a failed upload for the retry strategy.
type ErrorType int

const (
	ErrorTypeSuccess ErrorType = iota
	// ErrorTypeCredential is an authentication or authorization failure.
	ErrorTypeCredential
	// ErrorTypeNetwork is a connection level failure.
	ErrorTypeNetwork
	// ErrorTypeRetryable is a server side failure or throttling.
	ErrorTypeRetryable
	// ErrorTypeFatal is never retried.
	ErrorTypeFatal
)

// RetryConfig holds the parameters of ExecuteWithRetry.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// OnRetry is invoked before each retry attempt.
	OnRetry func(attempt int, err error, errorType ErrorType)
}

// DefaultRetryConfig returns the retry settings used for uploads.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     15 * time.Second,
	}
}

// ClassifyError maps an S3 or Azure error to an ErrorType by its message.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeSuccess
	}
	msg := strings.ToLower(err.Error())

	if containsAny(msg, "expiredtoken", "invalid token", "403", "unauthorized",
		"authenticationfailed", "authentication failed", "invalid sas",
		"signature not valid", "signaturedoesnotmatch", "accessdenied", "nocredentialproviders") {
		return ErrorTypeCredential
	}
	if containsAny(msg, "tls handshake timeout", "connection reset", "i/o timeout",
		"eof", "connection refused", "broken pipe", "timeout") {
		return ErrorTypeNetwork
	}
	if containsAny(msg, "requesttimeout", "internalerror", "serviceunavailable",
		"slowdown", "throttl", "429", "500", "502", "503", "504",
		"serverbusy", "server busy", "operationtimeout") {
		return ErrorTypeRetryable
	}
	return ErrorTypeFatal
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// CalculateBackoff returns an exponential backoff with full jitter:
// random(0, min(maxDelay, initialDelay * 2^attempt)).
func CalculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	if attempt <= 0 || initialDelay <= 0 {
		return 0
	}
	base := initialDelay << uint(attempt)
	if base > maxDelay || base <= 0 {
		base = maxDelay
	}
	return time.Duration(rand.Int63n(int64(base)))
}

// ExecuteWithRetry runs operation until it succeeds, fails fatally, runs out
// of attempts or ctx is done. Credential errors are not retried since
// publish has no way to refresh them.
func ExecuteWithRetry(ctx context.Context, cfg RetryConfig, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		errType := ClassifyError(err)
		if errType == ErrorTypeFatal || errType == ErrorTypeCredential {
			return err
		}
		if attempt == cfg.MaxRetries-1 {
			break
		}

		backoff := CalculateBackoff(attempt+1, cfg.InitialDelay, cfg.MaxDelay)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < backoff {
			return fmt.Errorf("deadline too close to retry after %s: %w", backoff, err)
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, errType)
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("operation failed after %d attempts: %w", cfg.MaxRetries, lastErr)
}

// ErrorTypeName returns a human readable name for an ErrorType.
func ErrorTypeName(errType ErrorType) string {
	switch errType {
	case ErrorTypeSuccess:
		return "success"
	case ErrorTypeCredential:
		return "credential"
	case ErrorTypeNetwork:
		return "network"
	case ErrorTypeRetryable:
		return "retryable"
	case ErrorTypeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}
