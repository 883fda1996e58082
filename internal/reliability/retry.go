package reliability

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// DelayPolicy computes the wait before the given attempt
type DelayPolicy interface {
	// NextDelay calculates the delay before retry number attempt (zero based)
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Jitter:          true,
	}
}

// NextDelay implements DelayPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if e.InitialInterval <= 0 {
		return 0
	}
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))

	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	// ±15% jitter
	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// FixedDelay always waits the same amount of time
type FixedDelay struct {
	Delay time.Duration
}

// NewFixedDelay creates a new fixed delay policy
func NewFixedDelay(delay time.Duration) *FixedDelay {
	return &FixedDelay{Delay: delay}
}

// NextDelay implements DelayPolicy
func (f *FixedDelay) NextDelay(int) time.Duration {
	return f.Delay
}

// Backoff tracks consecutive failures against a policy
type Backoff struct {
	policy   DelayPolicy
	mu       sync.Mutex
	attempts int
}

// NewBackoff creates a backoff driven by policy
func NewBackoff(policy DelayPolicy) *Backoff {
	return &Backoff{policy: policy}
}

// Next returns the delay for the next attempt and records it
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	delay := b.policy.NextDelay(b.attempts)
	b.attempts++
	return delay
}

// Reset clears the failure streak
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempts = 0
	b.mu.Unlock()
}

// Attempts returns the number of consecutive failures recorded
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry executes fn until it succeeds, maxAttempts is exhausted or ctx is done.
// A maxAttempts below one means a single attempt.
func Retry(ctx context.Context, policy DelayPolicy, maxAttempts int, fn func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempt+1 >= maxAttempts {
			return lastErr
		}

		if err := Sleep(ctx, policy.NextDelay(attempt)); err != nil {
			return err
		}
	}
}
