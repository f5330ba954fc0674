package fetchers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a fetch.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// errPermanent marks failures that another attempt cannot fix, such as an
// HTTP 4xx status or an unparseable body.
var errPermanent = errors.New("permanent fetch failure")

// RetryPolicy configures exponential backoff for one URL.
type RetryPolicy struct {
	// MaxAttempts includes the first try.
	MaxAttempts int
	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration
	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration
	// Multiplier grows the delay after each attempt.
	Multiplier float64
	// Jitter is the relative randomization of each delay, 0.1 meaning ±10%.
	Jitter float64
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryPolicy returns three attempts starting at 500ms.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// NoRetry returns a policy with a single attempt.
func NoRetry() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 1}
}

func (p *RetryPolicy) delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		spread := d * p.Jitter
		d = d - spread + rand.Float64()*2*spread
	}
	return time.Duration(d)
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, errPermanent)
}

// Attempts records the outcome of fetching across URLs.
type Attempts struct {
	URLs     []string
	Errors   map[string][]error
	Total    int
	Duration time.Duration
	Success  string
}

// Err combines all recorded failures, or returns nil after a success.
func (a *Attempts) Err() error {
	if a.Success != "" {
		return nil
	}
	var msgs []string
	for _, u := range a.URLs {
		for i, err := range a.Errors[u] {
			msgs = append(msgs, fmt.Sprintf("%s attempt %d: %v", u, i+1, err))
		}
	}
	if len(msgs) == 0 {
		return errors.New("no URL attempted")
	}
	return fmt.Errorf("all fetch attempts failed: %s", strings.Join(msgs, "; "))
}

// Retry runs fn until it succeeds, the policy is exhausted, the error is
// permanent or ctx is done. It returns the errors of every attempt.
func Retry[T any](ctx context.Context, policy *RetryPolicy, fn func(ctx context.Context) (T, error)) (T, []error) {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	var zero T
	var errs []error
	for attempt := 1; attempt <= max(policy.MaxAttempts, 1); attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, errs
		}
		errs = append(errs, err)
		if attempt >= policy.MaxAttempts || !retryable(err) {
			break
		}
		wait := policy.delay(attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err, wait)
		}
		select {
		case <-ctx.Done():
			return zero, append(errs, ctx.Err())
		case <-time.After(wait):
		}
	}
	return zero, errs
}

// RetryURLs tries each URL in order with the retry policy and returns the
// first success.
func RetryURLs[T any](ctx context.Context, policy *RetryPolicy, urls []string, fn func(ctx context.Context, url string) (T, error)) (T, *Attempts) {
	start := time.Now()
	res := &Attempts{Errors: make(map[string][]error)}
	var zero T
	for _, u := range urls {
		res.URLs = append(res.URLs, u)
		var failed bool
		v, errs := Retry(ctx, policy, func(ctx context.Context) (T, error) {
			v, err := fn(ctx, u)
			failed = err != nil
			return v, err
		})
		res.Total += len(errs)
		if !failed {
			res.Total++
			res.Success = u
			res.Duration = time.Since(start)
			return v, res
		}
		res.Errors[u] = errs
		if ctx.Err() != nil {
			break
		}
	}
	res.Duration = time.Since(start)
	return zero, res
}

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops fetching from a failing responder for a cool-down
// period. It is safe for concurrent use.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration
	now              func() time.Time

	state       CircuitState
	failures    int
	successes   int
	lastFailure time.Time
}

// NewCircuitBreaker opens after failureThreshold consecutive failures and
// closes again after successThreshold successes in the half-open state.
func NewCircuitBreaker(failureThreshold, successThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a fetch may proceed. An open breaker moves to
// half-open once the reset timeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.successes = 0
		return true
	default:
		return true
	}
}

// Record updates the breaker with the outcome of one fetch.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.lastFailure = cb.now()
		switch cb.state {
		case CircuitClosed:
			cb.failures++
			if cb.failures >= cb.failureThreshold {
				cb.state = CircuitOpen
			}
		case CircuitHalfOpen:
			cb.state = CircuitOpen
		}
		return
	}

	switch cb.state {
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = CircuitClosed
			cb.failures = 0
		}
	case CircuitClosed:
		cb.failures = 0
	}
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
}
