package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/foliolab/foliosync/internal/githost"
	"github.com/foliolab/foliosync/internal/retry"
)

func testPolicy() *retry.Policy {
	return retry.New(retry.Config{
		MaxAttempts: 1,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
	})
}

func quotaErr() error {
	return &githost.APIError{Kind: githost.KindQuotaExceeded, Op: "test",
		Err: errors.New("rate limit exceeded")}
}

// TestQueue_FastPathRunsInline verifies that with an idle queue and
// available quota the call executes without queueing.
func TestQueue_FastPathRunsInline(t *testing.T) {
	q := NewQueue(NewGate(GateConfig{}), testPolicy(), QueueConfig{})
	defer q.Close()

	ran := false
	err := q.Execute(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if !ran {
		t.Error("Operation did not run")
	}
	if q.Depth() != 0 {
		t.Errorf("Expected empty queue, got depth %d", q.Depth())
	}
}

// TestQueue_FIFOOrder verifies queued calls run in arrival order once
// quota becomes available.
func TestQueue_FIFOOrder(t *testing.T) {
	gate := NewGate(GateConfig{})
	now := time.Now()
	// Quota exhausted, window resets shortly.
	gate.UpdateFromHeaders(headersFor(0, 5000, now.Add(150*time.Millisecond)))

	q := NewQueue(gate, testPolicy(), QueueConfig{
		Spacing:        time.Millisecond,
		MaxDenialSleep: 50 * time.Millisecond,
	})
	defer q.Close()

	var mu sync.Mutex
	var order []int
	results := make([]<-chan error, 3)
	for i := 0; i < 3; i++ {
		i := i
		ch, err := q.enqueue(context.Background(), func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("enqueue(%d) failed: %v", i, err)
		}
		results[i] = ch
	}

	for i, ch := range results {
		select {
		case err := <-ch:
			if err != nil {
				t.Fatalf("Queued call %d failed: %v", i, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("Queued call %d never completed", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("Expected FIFO order [0 1 2], got %v", order)
		}
	}
}

// TestQueue_RejectsWhenFull verifies the bounded queue turns away
// arrivals past capacity with a queue-full error.
func TestQueue_RejectsWhenFull(t *testing.T) {
	gate := NewGate(GateConfig{})
	// Exhausted with no known reset: the drain loop just waits.
	gate.UpdateFromHeaders(headersFor(0, 5000, time.Time{}))

	q := NewQueue(gate, testPolicy(), QueueConfig{MaxSize: 2})
	defer q.Close()

	for i := 0; i < 2; i++ {
		if _, err := q.enqueue(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
			t.Fatalf("enqueue(%d) failed: %v", i, err)
		}
	}

	_, err := q.enqueue(context.Background(), func(ctx context.Context) error { return nil })
	if githost.KindOf(err) != githost.KindQueueFull {
		t.Errorf("Expected queue-full error, got %v", err)
	}
}

// TestQueue_EvictsExpiredCalls verifies a call waiting past its
// deadline is rejected with a timeout error instead of running.
func TestQueue_EvictsExpiredCalls(t *testing.T) {
	gate := NewGate(GateConfig{})
	gate.UpdateFromHeaders(headersFor(0, 5000, time.Now().Add(time.Hour)))

	q := NewQueue(gate, testPolicy(), QueueConfig{
		CallTimeout:    20 * time.Millisecond,
		MaxDenialSleep: 10 * time.Millisecond,
	})
	defer q.Close()

	ch, err := q.enqueue(context.Background(), func(ctx context.Context) error {
		t.Error("Expired call should not run")
		return nil
	})
	if err != nil {
		t.Fatalf("enqueue() failed: %v", err)
	}

	select {
	case err := <-ch:
		if githost.KindOf(err) != githost.KindQueueTimeout {
			t.Errorf("Expected queue-timeout error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Expired call was never evicted")
	}
}

// TestQueue_RequeuesOnQuotaExhaustion verifies a call whose execution
// hits quota exhaustion goes back to the front of the queue and
// eventually completes, instead of failing.
func TestQueue_RequeuesOnQuotaExhaustion(t *testing.T) {
	q := NewQueue(NewGate(GateConfig{}), testPolicy(), QueueConfig{
		Spacing:        time.Millisecond,
		MaxDenialSleep: 10 * time.Millisecond,
	})
	defer q.Close()

	var mu sync.Mutex
	calls := 0
	err := q.Execute(context.Background(), func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return quotaErr()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() failed after requeue: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Errorf("Expected 3 attempts across requeues, got %d", calls)
	}
}

// TestQueue_ExecuteHonorsContext verifies a caller's cancelled context
// unblocks Execute even while the call sits in the queue.
func TestQueue_ExecuteHonorsContext(t *testing.T) {
	gate := NewGate(GateConfig{})
	gate.UpdateFromHeaders(headersFor(0, 5000, time.Now().Add(time.Hour)))

	q := NewQueue(gate, testPolicy(), QueueConfig{MaxDenialSleep: 10 * time.Millisecond})
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- q.Execute(ctx, func(ctx context.Context) error { return nil })
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Execute() did not return after cancellation")
	}
}

// TestQueue_CloseRejectsWaiters verifies Close fails every waiting call.
func TestQueue_CloseRejectsWaiters(t *testing.T) {
	gate := NewGate(GateConfig{})
	gate.UpdateFromHeaders(headersFor(0, 5000, time.Now().Add(time.Hour)))

	q := NewQueue(gate, testPolicy(), QueueConfig{MaxDenialSleep: 10 * time.Millisecond})

	ch, err := q.enqueue(context.Background(), func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("enqueue() failed: %v", err)
	}

	q.Close()

	select {
	case err := <-ch:
		if githost.KindOf(err) != githost.KindQueueTimeout {
			t.Errorf("Expected queue error after Close, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Waiting call was not rejected on Close")
	}
}

