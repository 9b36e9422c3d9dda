package depmcp

import (
	"math"
	"time"
)

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxRetries is the total number of attempts, including the first one.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the delay between retries. Zero means no cap.
	MaxDelay time.Duration

	// Multiplier is the exponential backoff multiplier (default: 2.0).
	Multiplier float64
}

// DefaultRetryConfig returns a sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
	}
}

// CalculateBackoff returns the delay before retrying after the given failed
// attempt. Attempt is 1-indexed: the delay after attempt n is
// BaseDelay * Multiplier^(n-1), capped at MaxDelay.
func CalculateBackoff(config RetryConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	multiplier := config.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := float64(config.BaseDelay) * math.Pow(multiplier, float64(attempt-1))
	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt is allowed after the given
// failed attempt (1-indexed) with the given error.
func ShouldRetry(config RetryConfig, attempt int, err error) bool {
	if attempt >= config.MaxRetries {
		return false
	}
	return IsRetryableError(err)
}
