package quota

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/foliolab/foliosync/internal/githost"
	"github.com/foliolab/foliosync/internal/retry"
)

// Queue defaults.
const (
	DefaultMaxQueueSize   = 100
	DefaultCallTimeout    = 5 * time.Minute
	DefaultSpacing        = 100 * time.Millisecond
	DefaultMaxDenialSleep = 60 * time.Second
)

// QueueConfig configures a Queue.
type QueueConfig struct {
	// MaxSize is the depth at which new calls are rejected. Default 100.
	MaxSize int

	// CallTimeout is how long a queued call may wait before it is
	// evicted with a timeout error. Default 5 minutes.
	CallTimeout time.Duration

	// Spacing is the pause between admitted calls, so a fresh window
	// is not burst through immediately. Default 100ms.
	Spacing time.Duration

	// MaxDenialSleep caps a single denial sleep so the loop stays
	// responsive to cancellation and to early resets. Default 60s.
	MaxDenialSleep time.Duration

	// Logger for queue activity. Nil logs to stderr.
	Logger *log.Logger
}

// queuedCall is one waiting operation. Owned exclusively by the queue
// from enqueue until its result is delivered.
type queuedCall struct {
	op         func(context.Context) error
	ctx        context.Context
	enqueuedAt time.Time
	deadline   time.Time
	result     chan error
}

// Queue is a bounded, time-boxed waiting area for remote calls blocked
// by the admission gate. A single drain loop executes waiting calls in
// strict FIFO arrival order; callers block on a result channel rather
// than holding a goroutine inside the queue.
//
// Together with the gate and the retry policy it implements the
// githost.Executor layering: admission first, queueing on denial, then
// retries once the call runs. A call whose retries hit quota exhaustion
// again re-enters the queue at the front instead of spinning locally.
type Queue struct {
	gate   *Gate
	policy *retry.Policy

	maxSize        int
	callTimeout    time.Duration
	spacing        time.Duration
	maxDenialSleep time.Duration
	logger         *log.Logger

	mu       sync.Mutex
	pending  []*queuedCall
	draining bool
	closed   bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	// now is replaceable for tests.
	now func() time.Time
}

// NewQueue creates a request queue in front of the gate. The retry
// policy should be configured with WaitForQuotaReset=false; the queue
// owns waiting for quota windows.
func NewQueue(gate *Gate, policy *retry.Policy, cfg QueueConfig) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxQueueSize
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Spacing <= 0 {
		cfg.Spacing = DefaultSpacing
	}
	if cfg.MaxDenialSleep <= 0 {
		cfg.MaxDenialSleep = DefaultMaxDenialSleep
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{
		gate:           gate,
		policy:         policy,
		maxSize:        cfg.MaxSize,
		callTimeout:    cfg.CallTimeout,
		spacing:        cfg.Spacing,
		maxDenialSleep: cfg.MaxDenialSleep,
		logger:         cfg.Logger,
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
		now:            time.Now,
	}
}

// Execute implements githost.Executor. The call asks the gate for
// admission; if the queue is idle and admission is granted it runs
// immediately, otherwise it waits its turn in the queue. Execute
// returns the operation's final error after retries, or a queue error
// (full, timeout, closed).
func (q *Queue) Execute(ctx context.Context, op func(context.Context) error) error {
	q.mu.Lock()
	idle := len(q.pending) == 0 && !q.draining
	q.mu.Unlock()

	if idle {
		if ok, _ := q.gate.TryAdmit(); ok {
			err := q.policy.Execute(ctx, op)
			if !githost.IsQuotaExceeded(err) {
				return err
			}
			// Quota ran out mid-call; fall through to the queue and
			// wait for the reset like everyone else.
		}
	}

	result, err := q.enqueue(ctx, op)
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		// The drain loop notices the cancelled context and discards
		// the entry; the caller does not wait for that.
		return ctx.Err()
	}
}

// enqueue appends a call and makes sure a drain loop is running.
func (q *Queue) enqueue(ctx context.Context, op func(context.Context) error) (<-chan error, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, &githost.APIError{Kind: githost.KindQueueTimeout, Op: "enqueue",
			Err: fmt.Errorf("queue is closed")}
	}
	if len(q.pending) >= q.maxSize {
		return nil, &githost.APIError{Kind: githost.KindQueueFull, Op: "enqueue",
			Err: fmt.Errorf("queue is at capacity (%d)", q.maxSize)}
	}

	now := q.now()
	call := &queuedCall{
		op:         op,
		ctx:        ctx,
		enqueuedAt: now,
		deadline:   now.Add(q.callTimeout),
		result:     make(chan error, 1),
	}
	q.pending = append(q.pending, call)

	// Reentrancy guard: at most one drain loop per queue.
	if !q.draining {
		q.draining = true
		q.wg.Add(1)
		go q.drain()
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return call.result, nil
}

// drain is the serialized loop that empties the queue. It exits when
// the queue is empty or closed; enqueue starts a fresh one as needed.
func (q *Queue) drain() {
	defer q.wg.Done()

	for {
		q.evictExpired()

		q.mu.Lock()
		if q.closed || len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		allowed, wait := q.gate.TryAdmit()
		if !allowed {
			// Sleep until the window should reset, capped so the loop
			// re-checks for cancellation and early resets.
			d := wait + time.Second
			if d > q.maxDenialSleep {
				d = q.maxDenialSleep
			}
			if !q.sleep(d) {
				return
			}
			continue
		}

		call := q.pop()
		if call == nil {
			continue
		}
		if call.ctx.Err() != nil {
			call.result <- call.ctx.Err()
			continue
		}

		err := q.policy.Execute(call.ctx, call.op)
		if githost.IsQuotaExceeded(err) && q.now().Before(call.deadline) {
			// The window closed under us. Put the call back at the
			// front; it was admitted first and keeps its turn.
			q.logger.Printf("Re-queueing call after quota exhaustion (waited %s so far)",
				q.now().Sub(call.enqueuedAt).Round(time.Millisecond))
			q.pushFront(call)
		} else {
			call.result <- err
		}

		if !q.sleep(q.spacing) {
			return
		}
	}
}

// evictExpired rejects every queued call past its deadline.
func (q *Queue) evictExpired() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	kept := q.pending[:0]
	for _, call := range q.pending {
		if now.Before(call.deadline) {
			kept = append(kept, call)
			continue
		}
		call.result <- &githost.APIError{Kind: githost.KindQueueTimeout, Op: "drain",
			Err: fmt.Errorf("call timed out after %s in queue", now.Sub(call.enqueuedAt).Round(time.Millisecond))}
	}
	q.pending = kept
}

func (q *Queue) pop() *queuedCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	call := q.pending[0]
	q.pending = q.pending[1:]
	return call
}

func (q *Queue) pushFront(call *queuedCall) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append([]*queuedCall{call}, q.pending...)
}

// sleep pauses the drain loop, returning false if the queue closed.
func (q *Queue) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-q.done:
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
		return false
	case <-t.C:
		return true
	}
}

// Depth returns the number of calls currently waiting.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Draining reports whether a drain loop is currently active.
func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// Close stops the drain loop and rejects all waiting calls. The queue
// cannot be reused afterwards.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	close(q.done)
	q.wg.Wait()

	for _, call := range pending {
		call.result <- &githost.APIError{Kind: githost.KindQueueTimeout, Op: "close",
			Err: fmt.Errorf("queue closed while call was waiting")}
	}
}
