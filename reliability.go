package depmcp

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RetryStats tracks retry activity for one named operation.
type RetryStats struct {
	Operation   string
	RetryCount  int
	LastFailure time.Time
}

// Reliability wraps fallible operations with retry, circuit breaking, and
// timeout enforcement. Breakers and retry stats are keyed by operation name
// and owned by the wrapper instance, not stored in package globals.
type Reliability struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	stats    map[string]*RetryStats
	logger   *slog.Logger
}

// NewReliability creates an empty reliability wrapper.
func NewReliability() *Reliability {
	return &Reliability{
		breakers: make(map[string]*CircuitBreaker),
		stats:    make(map[string]*RetryStats),
		logger:   slog.Default(),
	}
}

// SetLogger replaces the wrapper's logger.
func (r *Reliability) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// ExecuteWithRetry invokes fn up to config.MaxRetries times total, sleeping
// an exponential backoff between attempts. Every failed attempt that gets
// retried increments the operation's retry count; the last error is returned
// once attempts are exhausted.
func (r *Reliability) ExecuteWithRetry(ctx context.Context, operation string, config RetryConfig, fn func() error) error {
	maxRetries := config.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		r.recordFailure(operation)

		if attempt == maxRetries {
			break
		}
		r.recordRetry(operation)

		delay := CalculateBackoff(config, attempt)
		r.logger.Debug("retrying operation",
			slog.String("operation", operation),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("err", lastErr.Error()))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

// ExecuteWithCircuitBreaker runs fn through the named breaker, creating it
// with the given parameters on first use. While the breaker is open the call
// fails fast with ErrCircuitOpen and fn is never invoked.
func (r *Reliability) ExecuteWithCircuitBreaker(ctx context.Context, operation string, threshold int, recoveryTime time.Duration, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.breaker(operation, threshold, recoveryTime).Execute(fn)
}

// ExecuteWithTimeout races fn against a timer. On expiry it returns a
// TimeoutError and abandons the running fn: the subprocess side has no
// cancellation primitive, so the outcome of a timed-out call is unknown and
// callers must not assume the remote side skipped it.
func (r *Reliability) ExecuteWithTimeout(ctx context.Context, operation string, timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		r.recordFailure(operation)
		return &TimeoutError{Operation: operation, Timeout: timeout}
	}
}

// Breaker returns the named breaker, or nil if it has never been used.
func (r *Reliability) Breaker(operation string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakers[operation]
}

// Stats returns a copy of the named operation's retry stats.
func (r *Reliability) Stats(operation string) (RetryStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.stats[operation]
	if !ok {
		return RetryStats{}, false
	}
	return *st, true
}

// ResetStats clears the named operation's retry stats.
func (r *Reliability) ResetStats(operation string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stats, operation)
}

func (r *Reliability) breaker(operation string, threshold int, recoveryTime time.Duration) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[operation]
	if !ok {
		cb = NewCircuitBreaker(threshold, recoveryTime)
		r.breakers[operation] = cb
	}
	return cb
}

func (r *Reliability) statsEntry(operation string) *RetryStats {
	st, ok := r.stats[operation]
	if !ok {
		st = &RetryStats{Operation: operation}
		r.stats[operation] = st
	}
	return st
}

func (r *Reliability) recordFailure(operation string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statsEntry(operation).LastFailure = time.Now()
}

func (r *Reliability) recordRetry(operation string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statsEntry(operation).RetryCount++
}
