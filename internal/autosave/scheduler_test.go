package autosave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/foliolab/foliosync/internal/githost"
	"github.com/foliolab/foliosync/internal/syncer"
)

// recordingSave counts save invocations and captures the snapshots.
type recordingSave struct {
	mu    sync.Mutex
	snaps []Snapshot
	errs  []error // per-call errors, nil-padded
}

func (r *recordingSave) fn(ctx context.Context, snap Snapshot, baseline *githost.CommitRef) (*githost.CommitRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap.Clone())
	call := len(r.snaps) - 1
	if call < len(r.errs) && r.errs[call] != nil {
		return nil, r.errs[call]
	}
	return &githost.CommitRef{SHA: "saved"}, nil
}

func (r *recordingSave) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recordingSave) lastSnap() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return nil
	}
	return r.snaps[len(r.snaps)-1]
}

// stubDetector returns a fixed detection result.
type stubDetector struct {
	result *syncer.DetectResult
	err    error
}

func (d *stubDetector) DetectConflicts(ctx context.Context, baseline *githost.CommitRef, changes []syncer.LocalChange) (*syncer.DetectResult, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.result != nil {
		return d.result, nil
	}
	return &syncer.DetectResult{}, nil
}

func newTestScheduler(t *testing.T, save SaveFunc, cfg Config) *Scheduler {
	t.Helper()
	if cfg.Debounce == 0 {
		cfg.Debounce = 20 * time.Millisecond
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 10 * time.Millisecond
	}
	s, err := New(save, &stubDetector{}, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func snap(pairs ...string) Snapshot {
	s := make(Snapshot)
	for i := 0; i+1 < len(pairs); i += 2 {
		s[pairs[i]] = []byte(pairs[i+1])
	}
	return s
}

// TestScheduleSave_DebouncesBursts verifies a burst of schedules inside
// the window produces exactly one save carrying the last snapshot.
func TestScheduleSave_DebouncesBursts(t *testing.T) {
	rec := &recordingSave{}
	s := newTestScheduler(t, rec.fn, Config{Debounce: 30 * time.Millisecond})

	for i := 0; i < 5; i++ {
		s.ScheduleSave(snap("a.json", string(rune('0'+i))))
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, "the debounced save", func() bool { return rec.calls() > 0 })
	time.Sleep(50 * time.Millisecond)

	if got := rec.calls(); got != 1 {
		t.Errorf("Expected exactly 1 save, got %d", got)
	}
	if got := string(rec.lastSnap()["a.json"]); got != "4" {
		t.Errorf("Expected the last scheduled content, got %q", got)
	}
	waitFor(t, "return to idle", func() bool { return s.Status().State == StateIdle })
}

// TestScheduleSave_EqualContentIsNoOp verifies rescheduling the
// last-saved bytes does not fire another save.
func TestScheduleSave_EqualContentIsNoOp(t *testing.T) {
	rec := &recordingSave{}
	s := newTestScheduler(t, rec.fn, Config{})

	data := snap("a.json", "same")
	s.ScheduleSave(data)
	waitFor(t, "first save", func() bool { return rec.calls() == 1 })
	waitFor(t, "idle", func() bool { return s.Status().State == StateIdle })

	s.ScheduleSave(snap("a.json", "same"))
	time.Sleep(60 * time.Millisecond)

	if got := rec.calls(); got != 1 {
		t.Errorf("Expected no second save for identical content, got %d saves", got)
	}
	if s.Status().State != StateIdle {
		t.Errorf("Expected idle, got %s", s.Status().State)
	}
}

// TestScheduleSave_SuccessAdvancesBaseline verifies the produced commit
// becomes the next baseline.
func TestScheduleSave_SuccessAdvancesBaseline(t *testing.T) {
	rec := &recordingSave{}
	s := newTestScheduler(t, rec.fn, Config{})
	s.SetBaseline(&githost.CommitRef{SHA: "old"})

	s.ScheduleSave(snap("a.json", "v1"))
	waitFor(t, "save", func() bool { return rec.calls() == 1 })
	waitFor(t, "baseline advance", func() bool {
		b := s.Baseline()
		return b != nil && b.SHA == "saved"
	})
}

// TestCancelSave verifies cancelling inside the window drops the save.
func TestCancelSave(t *testing.T) {
	rec := &recordingSave{}
	s := newTestScheduler(t, rec.fn, Config{Debounce: 50 * time.Millisecond})

	s.ScheduleSave(snap("a.json", "v1"))
	if s.Status().State != StatePending {
		t.Fatalf("Expected pending, got %s", s.Status().State)
	}
	s.CancelSave()

	time.Sleep(100 * time.Millisecond)
	if got := rec.calls(); got != 0 {
		t.Errorf("Expected no save after cancel, got %d", got)
	}
	if st := s.Status(); st.State != StateIdle || st.Dirty {
		t.Errorf("Expected clean idle state, got %+v", st)
	}
}

// TestForceSave_BypassesDebounce verifies ForceSave runs immediately.
func TestForceSave_BypassesDebounce(t *testing.T) {
	rec := &recordingSave{}
	s := newTestScheduler(t, rec.fn, Config{Debounce: time.Hour})

	if err := s.ForceSave(context.Background(), snap("a.json", "now")); err != nil {
		t.Fatalf("ForceSave() failed: %v", err)
	}
	if rec.calls() != 1 {
		t.Errorf("Expected 1 save, got %d", rec.calls())
	}
}

// TestForceSave_NothingPending verifies ForceSave without data and
// without pending edits is a successful no-op.
func TestForceSave_NothingPending(t *testing.T) {
	rec := &recordingSave{}
	s := newTestScheduler(t, rec.fn, Config{})

	if err := s.ForceSave(context.Background(), nil); err != nil {
		t.Fatalf("ForceSave() failed: %v", err)
	}
	if rec.calls() != 0 {
		t.Errorf("Expected no save, got %d", rec.calls())
	}
}

// TestSaveRetry_LinearDelayThenSuccess verifies failed saves retry with
// the retry count climbing, then recover.
func TestSaveRetry_LinearDelayThenSuccess(t *testing.T) {
	rec := &recordingSave{errs: []error{
		errors.New("boom"),
		errors.New("boom"),
		nil,
	}}
	s := newTestScheduler(t, rec.fn, Config{
		Debounce:   10 * time.Millisecond,
		RetryDelay: 10 * time.Millisecond,
		MaxRetries: 3,
	})

	s.ScheduleSave(snap("a.json", "v1"))
	waitFor(t, "recovery after retries", func() bool {
		return rec.calls() == 3 && s.Status().State == StateIdle
	})
	if st := s.Status(); st.RetryCount != 0 {
		t.Errorf("Expected retry count reset after success, got %d", st.RetryCount)
	}
}

// TestSaveRetry_ExhaustionEntersErrorState verifies the scheduler gives
// up after the retry budget and reports an error event.
func TestSaveRetry_ExhaustionEntersErrorState(t *testing.T) {
	rec := &recordingSave{errs: []error{
		errors.New("boom"), errors.New("boom"), errors.New("boom"),
	}}
	s := newTestScheduler(t, rec.fn, Config{
		Debounce:   10 * time.Millisecond,
		RetryDelay: 5 * time.Millisecond,
		MaxRetries: 2,
	})

	var sawError bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range s.Events() {
			if ev.Type == EventError {
				sawError = true
				return
			}
		}
	}()

	s.ScheduleSave(snap("a.json", "v1"))
	waitFor(t, "error state", func() bool { return s.Status().State == StateError })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Never saw the error event")
	}
	if !sawError {
		t.Error("Expected an error event")
	}
	// 1 initial + 2 retries.
	if got := rec.calls(); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

// TestConflictBlocksSave verifies detected conflicts stop the save and
// surface the conflict event.
func TestConflictBlocksSave(t *testing.T) {
	rec := &recordingSave{}
	detector := &stubDetector{result: &syncer.DetectResult{
		HasConflicts: true,
		Conflicts: []syncer.Conflict{{
			Path: "a.json",
			Kind: syncer.ConflictContent,
		}},
	}}
	s, err := New(rec.fn, detector, Config{
		Debounce:        10 * time.Millisecond,
		DetectConflicts: true,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Stop()
	s.SetBaseline(&githost.CommitRef{SHA: "base"})

	events := s.Events()
	s.ScheduleSave(snap("a.json", "local"))

	waitFor(t, "conflict state", func() bool { return s.Status().State == StateConflict })
	if rec.calls() != 0 {
		t.Errorf("Expected no save while conflicted, got %d", rec.calls())
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == EventConflict {
				if len(ev.Conflicts) != 1 || ev.Conflicts[0].Path != "a.json" {
					t.Errorf("Conflict event missing detail: %+v", ev)
				}
				return
			}
		case <-deadline:
			t.Fatal("Never saw the conflict event")
		}
	}
}

// TestOffline_SuspendsAndResumes verifies edits made offline are held
// and saved on reconnect.
func TestOffline_SuspendsAndResumes(t *testing.T) {
	rec := &recordingSave{}
	s := newTestScheduler(t, rec.fn, Config{Debounce: 10 * time.Millisecond})

	s.SetOnline(false)
	if s.Status().State != StateOffline {
		t.Fatalf("Expected offline state, got %s", s.Status().State)
	}

	s.ScheduleSave(snap("a.json", "offline edit"))
	time.Sleep(50 * time.Millisecond)
	if rec.calls() != 0 {
		t.Fatalf("Expected no save while offline, got %d", rec.calls())
	}
	if !s.Status().Dirty {
		t.Error("Offline edits should stay pending")
	}

	s.SetOnline(true)
	waitFor(t, "resumed save", func() bool { return rec.calls() == 1 })
	if got := string(rec.lastSnap()["a.json"]); got != "offline edit" {
		t.Errorf("Expected the offline edit saved, got %q", got)
	}
}

// TestOffline_PendingTimerCancelled verifies going offline inside the
// debounce window stops the timer.
func TestOffline_PendingTimerCancelled(t *testing.T) {
	rec := &recordingSave{}
	s := newTestScheduler(t, rec.fn, Config{Debounce: 30 * time.Millisecond})

	s.ScheduleSave(snap("a.json", "v1"))
	s.SetOnline(false)

	time.Sleep(80 * time.Millisecond)
	if rec.calls() != 0 {
		t.Errorf("Expected the pending save suppressed offline, got %d", rec.calls())
	}
}

// TestScheduleSave_NewEditsDuringSaveStayPending verifies edits that
// arrive while a save is in flight are not lost.
func TestScheduleSave_NewEditsDuringSaveStayPending(t *testing.T) {
	block := make(chan struct{})
	var mu sync.Mutex
	var saved []Snapshot

	saveFn := func(ctx context.Context, s Snapshot, baseline *githost.CommitRef) (*githost.CommitRef, error) {
		mu.Lock()
		saved = append(saved, s.Clone())
		first := len(saved) == 1
		mu.Unlock()
		if first {
			<-block
		}
		return &githost.CommitRef{SHA: "saved"}, nil
	}

	s := newTestScheduler(t, saveFn, Config{Debounce: 5 * time.Millisecond})

	s.ScheduleSave(snap("a.json", "v1"))
	waitFor(t, "save started", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(saved) == 1
	})

	// New edit arrives while the first save is blocked.
	s.ScheduleSave(snap("a.json", "v2"))
	close(block)

	waitFor(t, "second save", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(saved) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if got := string(saved[1]["a.json"]); got != "v2" {
		t.Errorf("Expected the newer edit saved, got %q", got)
	}
}

// TestScheduleSave_SavesNeverOverlap verifies a debounce timer firing
// while a save is in flight does not start a second concurrent save.
func TestScheduleSave_SavesNeverOverlap(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	var saved []Snapshot

	saveFn := func(ctx context.Context, s Snapshot, baseline *githost.CommitRef) (*githost.CommitRef, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		saved = append(saved, s.Clone())
		mu.Unlock()
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
		return &githost.CommitRef{SHA: "saved"}, nil
	}

	s := newTestScheduler(t, saveFn, Config{Debounce: 5 * time.Millisecond})

	s.ScheduleSave(snap("a.json", "v1"))
	waitFor(t, "first save started", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(saved) == 1
	})

	// The new edit's debounce timer elapses while the first save is
	// still blocked inside saveFn.
	s.ScheduleSave(snap("a.json", "v2"))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	if maxInFlight != 1 {
		t.Errorf("Expected at most 1 save in flight, saw %d", maxInFlight)
	}
	mu.Unlock()

	close(release)
	waitFor(t, "second save", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(saved) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Errorf("Saves overlapped: max in flight %d", maxInFlight)
	}
	if got := string(saved[1]["a.json"]); got != "v2" {
		t.Errorf("Expected the newer edit saved second, got %q", got)
	}
}

// TestPersistState_String covers the state names used by the dashboard.
func TestPersistState_String(t *testing.T) {
	tests := []struct {
		state PersistState
		want  string
	}{
		{StateIdle, "idle"},
		{StatePending, "pending"},
		{StateSaving, "saving"},
		{StateRetrying, "retrying"},
		{StateConflict, "conflict"},
		{StateError, "error"},
		{StateOffline, "offline"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
