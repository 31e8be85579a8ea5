// Package retry wraps remote calls with bounded, jittered exponential
// backoff. It retries only failures the githost taxonomy classifies as
// retryable; everything else propagates immediately.
package retry

import (
	"context"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/foliolab/foliosync/internal/githost"
)

// Defaults for the backoff schedule.
const (
	DefaultMaxAttempts    = 3
	DefaultBaseDelay      = 1 * time.Second
	DefaultMaxDelay       = 30 * time.Second
	DefaultBackoffFactor  = 2.0
	DefaultJitterFraction = 0.25
)

// Config configures a Policy. Zero values take the defaults above.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// BackoffFactor is the per-attempt multiplier.
	BackoffFactor float64

	// JitterFraction adds up to this fraction of the computed delay as
	// uniform random jitter.
	JitterFraction float64

	// WaitForQuotaReset controls quota-exceeded handling. When true
	// (standalone use) the policy sleeps out the reported reset window.
	// When false the policy returns the quota error immediately so the
	// caller can re-enter the request queue instead of spinning here.
	WaitForQuotaReset bool

	// Logger for retry activity. Nil logs to stderr.
	Logger *log.Logger
}

// Policy executes operations with retries.
type Policy struct {
	maxAttempts   int
	baseDelay     time.Duration
	maxDelay      time.Duration
	factor        float64
	jitter        float64
	waitForQuota  bool
	logger        *log.Logger

	// sleep and jitterFn are replaceable for tests.
	sleep    func(ctx context.Context, d time.Duration) error
	jitterFn func(max time.Duration) time.Duration
}

// New creates a retry policy.
func New(cfg Config) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = DefaultBackoffFactor
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	} else if cfg.JitterFraction == 0 {
		cfg.JitterFraction = DefaultJitterFraction
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[retry] ", log.LstdFlags)
	}
	return &Policy{
		maxAttempts:  cfg.MaxAttempts,
		baseDelay:    cfg.BaseDelay,
		maxDelay:     cfg.MaxDelay,
		factor:       cfg.BackoffFactor,
		jitter:       cfg.JitterFraction,
		waitForQuota: cfg.WaitForQuotaReset,
		logger:       cfg.Logger,
		sleep:        sleepCtx,
		jitterFn: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

// Execute runs op, retrying retryable failures until the attempt budget
// is exhausted. The returned error is the last error observed.
func (p *Policy) Execute(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, p.Delay(attempt-1, lastErr)); err != nil {
				return err
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !githost.IsRetryable(lastErr) {
			return lastErr
		}
		if githost.IsQuotaExceeded(lastErr) && !p.waitForQuota {
			// The request queue owns waiting out quota resets.
			return lastErr
		}
		if attempt < p.maxAttempts-1 {
			p.logger.Printf("Attempt %d/%d failed (%s), retrying",
				attempt+1, p.maxAttempts, githost.KindOf(lastErr))
		}
	}
	return lastErr
}

// Delay returns the backoff delay applied after the given 0-based
// attempt failed with err. Quota errors carrying a known reset time
// wait out the actual window instead of guessing.
func (p *Policy) Delay(attempt int, err error) time.Duration {
	if until, ok := githost.RetryAfter(err); ok {
		d := until + time.Second
		if d < time.Second {
			d = time.Second
		}
		return d
	}

	d := p.baseDelay
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * p.factor)
		if d >= p.maxDelay {
			break
		}
	}
	if d > p.maxDelay {
		d = p.maxDelay
	}
	return d + p.jitterFn(time.Duration(float64(d)*p.jitter))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
