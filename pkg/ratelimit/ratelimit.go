// Package ratelimit budgets outbound provider calls with a sliding
// per-minute window and wraps them in bounded exponential-backoff retry
// that honors provider-supplied wait hints.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrRateLimited marks a provider rate-limit rejection (HTTP 429
// equivalent). Providers wrap it so the executor can recognize the class.
var ErrRateLimited = errors.New("rate limited by provider")

// Config holds rate limiting and retry parameters.
type Config struct {
	// RPM is the maximum calls allowed in any sliding 60 s window.
	RPM int

	// MaxRetries is the total attempt budget per call.
	MaxRetries int

	// BackoffMin and BackoffMax bound the exponential retry wait.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// RetryMargin is added on top of a provider-supplied wait hint.
	RetryMargin time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RPM:         450,
		MaxRetries:  5,
		BackoffMin:  time.Second,
		BackoffMax:  60 * time.Second,
		RetryMargin: 500 * time.Millisecond,
	}
}

// Limiter implements the sliding 60 s call window. One shared instance is
// safe for concurrent use.
type Limiter struct {
	cfg Config

	mu     sync.Mutex
	window []time.Time

	// now is swappable for tests
	now func() time.Time
}

// NewLimiter creates a limiter, applying defaults for zero fields.
func NewLimiter(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RPM <= 0 {
		cfg.RPM = def.RPM
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = def.BackoffMin
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.RetryMargin <= 0 {
		cfg.RetryMargin = def.RetryMargin
	}
	return &Limiter{cfg: cfg, now: time.Now}
}

// Wait blocks until a call slot is available in the sliding window, then
// records the call. Returns early only on context cancellation.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)

		if len(l.window) < l.cfg.RPM {
			l.window = append(l.window, now)
			l.mu.Unlock()
			return nil
		}

		oldest := l.window[0]
		l.mu.Unlock()

		// Sleep until the oldest call leaves the window, plus jitter so
		// concurrent waiters do not stampede.
		wait := time.Minute - now.Sub(oldest) + time.Duration(rand.Int63n(int64(time.Second)))
		if wait < 0 {
			wait = 0
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Pending returns the number of calls currently inside the window.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.window)
}

// prune drops timestamps older than 60 s. Caller holds the mutex.
func (l *Limiter) prune(now time.Time) {
	cut := 0
	for cut < len(l.window) && now.Sub(l.window[cut]) >= time.Minute {
		cut++
	}
	if cut > 0 {
		l.window = l.window[cut:]
	}
}

// retryHintPattern extracts the provider's suggested wait from a 429 body.
var retryHintPattern = regexp.MustCompile(`Please try again in ([0-9.]+)s`)

// ParseRetryHint returns the wait suggested by a rate-limit error message,
// or false when the message carries none.
func ParseRetryHint(msg string) (time.Duration, bool) {
	m := retryHintPattern.FindStringSubmatch(msg)
	if len(m) != 2 {
		return 0, false
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// Executor runs callables through the shared limiter with retries.
type Executor struct {
	limiter *Limiter
	cfg     Config
	log     zerolog.Logger
}

// NewExecutor wraps a limiter. All provider clients in a process share one
// executor so the window is global.
func NewExecutor(limiter *Limiter, log zerolog.Logger) *Executor {
	return &Executor{limiter: limiter, cfg: limiter.cfg, log: log}
}

// Do invokes fn, waiting on the window first and retrying transient
// failures. Rate-limit errors sleep the provider hint plus margin when one
// is present, otherwise a uniform 2-5 s; other errors back off
// exponentially between BackoffMin and BackoffMax. Cancellation is observed
// between attempts and never consumes a new attempt.
func (e *Executor) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == e.cfg.MaxRetries {
			break
		}

		var wait time.Duration
		if errors.Is(lastErr, ErrRateLimited) {
			if hint, ok := ParseRetryHint(lastErr.Error()); ok {
				wait = hint + e.cfg.RetryMargin
			} else {
				wait = 2*time.Second + time.Duration(rand.Int63n(int64(3*time.Second)))
			}
		} else {
			wait = e.backoff(attempt)
		}

		e.log.Warn().
			Str("op", op).
			Int("attempt", attempt).
			Dur("wait", wait).
			Err(lastErr).
			Msg("retrying provider call")

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s: retries exhausted after %d attempts: %w", op, e.cfg.MaxRetries, lastErr)
}

// backoff returns the exponential wait for the given 1-based attempt.
func (e *Executor) backoff(attempt int) time.Duration {
	wait := e.cfg.BackoffMin << (attempt - 1)
	if wait > e.cfg.BackoffMax || wait <= 0 {
		wait = e.cfg.BackoffMax
	}
	return wait
}

// Call runs fn through the executor and returns its value.
func Call[T any](ctx context.Context, e *Executor, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, op, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
