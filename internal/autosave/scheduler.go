package autosave

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/foliolab/foliosync/internal/githost"
	"github.com/foliolab/foliosync/internal/syncer"
)

// Scheduler defaults.
const (
	DefaultDebounce   = 2 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = 1 * time.Second
)

// Snapshot is the content a session wants persisted: full file content
// keyed by repository path.
type Snapshot map[string][]byte

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for path, content := range s {
		buf := make([]byte, len(content))
		copy(buf, content)
		out[path] = buf
	}
	return out
}

// SaveFunc persists a snapshot and returns the resulting commit, when
// the backend produces one.
type SaveFunc func(ctx context.Context, snap Snapshot, baseline *githost.CommitRef) (*githost.CommitRef, error)

// ConflictDetector is the slice of the synchronization coordinator the
// scheduler needs. Satisfied by *syncer.Coordinator.
type ConflictDetector interface {
	DetectConflicts(ctx context.Context, baseline *githost.CommitRef, changes []syncer.LocalChange) (*syncer.DetectResult, error)
}

// Event is one scheduler notification.
type Event struct {
	// Type classifies the event.
	Type EventType

	// State is the scheduler state after the event.
	State PersistState

	// Commit is the commit a successful save produced, when any.
	Commit *githost.CommitRef

	// Conflicts carries the detected conflicts for EventConflict.
	Conflicts []syncer.Conflict

	// ProbeFailures carries the paths detection conservatively skipped.
	ProbeFailures []syncer.ProbeFailure

	// Err is the failure for EventError.
	Err error

	// SavedAt is the completion time for EventSaved.
	SavedAt time.Time
}

// Config configures a Scheduler.
type Config struct {
	// Debounce is the quiet period after the last ScheduleSave before
	// the save fires. Default 2s.
	Debounce time.Duration

	// MaxRetries is how many times a failed save is retried before the
	// scheduler gives up. Default 3.
	MaxRetries int

	// RetryDelay is the base retry delay; attempt n waits n times this
	// long. Default 1s.
	RetryDelay time.Duration

	// DetectConflicts runs the coordinator before each save when true.
	DetectConflicts bool

	// Logger for scheduler activity. Nil logs to stderr.
	Logger *log.Logger
}

// Status is a read-only snapshot of the scheduler.
type Status struct {
	State       PersistState         `json:"state"`
	LastSavedAt time.Time            `json:"last_saved_at"`
	RetryCount  int                  `json:"retry_count"`
	Baseline    *githost.CommitRef   `json:"baseline,omitempty"`
	Dirty       bool                 `json:"dirty"`
}

// Scheduler debounces edits into saves. One instance serves one editing
// session against one repository and branch.
type Scheduler struct {
	save     SaveFunc
	detector ConflictDetector
	debounce time.Duration
	maxRetry int
	delay    time.Duration
	detect   bool
	logger   *log.Logger

	mu         sync.Mutex
	state      PersistState
	timer      *time.Timer
	pending    Snapshot
	gen        uint64
	saving     bool
	saveDone   chan struct{}
	lastSaved  Snapshot
	baseline   *githost.CommitRef
	retryCount int
	savedAt    time.Time
	online     bool
	stopped    bool

	events chan Event
	wg     sync.WaitGroup
}

// New creates a scheduler. saveFn is required; detector may be nil when
// Config.DetectConflicts is false.
func New(saveFn SaveFunc, detector ConflictDetector, cfg Config) (*Scheduler, error) {
	if saveFn == nil {
		return nil, fmt.Errorf("save function cannot be nil")
	}
	if cfg.DetectConflicts && detector == nil {
		return nil, fmt.Errorf("conflict detection enabled but detector is nil")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[autosave] ", log.LstdFlags)
	}
	return &Scheduler{
		save:     saveFn,
		detector: detector,
		debounce: cfg.Debounce,
		maxRetry: cfg.MaxRetries,
		delay:    cfg.RetryDelay,
		detect:   cfg.DetectConflicts,
		logger:   cfg.Logger,
		state:    StateIdle,
		online:   true,
		events:   make(chan Event, 32),
	}, nil
}

// Events returns the scheduler's notification channel. Events are
// dropped, not queued unboundedly, when the consumer falls behind.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// SetBaseline records the commit the session's content is derived from.
// Typically called once at session start with the bootstrap commit.
func (s *Scheduler) SetBaseline(ref *githost.CommitRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseline = ref
}

// SeedSaved primes the last-successfully-saved snapshot, so that
// rescheduling identical content after a restart is a no-op.
func (s *Scheduler) SeedSaved(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSaved = snap.Clone()
}

// ScheduleSave records data as the snapshot to persist and (re)starts
// the debounce window. Scheduling content deeply equal to the last
// successful save is a no-op. Scheduling again before the window
// elapses restarts it; this is a debounce, not a throttle.
func (s *Scheduler) ScheduleSave(data Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if cmp.Equal(data, s.lastSaved) {
		return
	}

	s.pending = data.Clone()
	s.gen++

	if !s.online {
		// Offline holds the data; reconnect resumes the save.
		return
	}

	s.stopTimerLocked()
	s.timer = time.AfterFunc(s.debounce, s.fire)
	s.setStateLocked(StatePending)
}

// ForceSave fires immediately, bypassing the debounce window. When data
// is nil the currently pending snapshot is saved. The returned error is
// the save's outcome; conflicts are reported as an error carrying the
// conflict event as well.
func (s *Scheduler) ForceSave(ctx context.Context, data Snapshot) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is stopped")
	}
	if data != nil && !cmp.Equal(data, s.lastSaved) {
		s.pending = data.Clone()
		s.gen++
	}
	if s.pending == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopTimerLocked()
	s.mu.Unlock()

	return s.runSave(ctx)
}

// CancelSave clears the pending timer and discards the pending snapshot
// without saving anything.
func (s *Scheduler) CancelSave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
	s.pending = nil
	if s.state == StatePending || s.state == StateRetrying {
		s.retryCount = 0
		s.setStateLocked(StateIdle)
	}
}

// SetOnline tells the scheduler about connectivity changes. Going
// offline cancels any pending timer; no retries run in the dark. Coming
// back online with outstanding data resumes the save immediately.
func (s *Scheduler) SetOnline(online bool) {
	s.mu.Lock()
	if s.stopped || s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online

	if !online {
		s.stopTimerLocked()
		s.setStateLocked(StateOffline)
		s.mu.Unlock()
		return
	}

	if s.pending == nil {
		s.setStateLocked(StateIdle)
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StatePending)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.runSave(context.Background()); err != nil {
			s.logger.Printf("Resumed save after reconnect failed: %v", err)
		}
	}()
}

// Status returns the current scheduler status.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:       s.state,
		LastSavedAt: s.savedAt,
		RetryCount:  s.retryCount,
		Baseline:    s.baseline,
		Dirty:       s.pending != nil,
	}
}

// Baseline returns the last recorded baseline commit.
func (s *Scheduler) Baseline() *githost.CommitRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseline
}

// Stop cancels timers and waits for any in-flight save goroutine. The
// scheduler cannot be reused afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.stopTimerLocked()
	s.mu.Unlock()

	s.wg.Wait()
	close(s.events)
}

// fire runs when the debounce or retry timer elapses.
func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.stopped || !s.online {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.runSave(context.Background()); err != nil {
		s.logger.Printf("Scheduled save failed: %v", err)
	}
}

// runSave executes one save attempt: conflict check, write, and the
// resulting state transition. At most one save runs at a time; a caller
// arriving while another save is in flight waits for it to finish and
// then re-evaluates what is pending, so overlapping saves can never
// complete out of order.
func (s *Scheduler) runSave(ctx context.Context) error {
	s.mu.Lock()
	for s.saving {
		done := s.saveDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	if s.stopped || s.pending == nil {
		s.mu.Unlock()
		return nil
	}
	snap := s.pending
	baseline := s.baseline
	gen := s.gen
	s.saving = true
	s.saveDone = make(chan struct{})
	s.setStateLocked(StateSaving)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.saving = false
		close(s.saveDone)
		s.mu.Unlock()
	}()

	if s.detect {
		result, err := s.detector.DetectConflicts(ctx, baseline, s.localChanges(snap))
		if err != nil {
			return s.saveFailed(fmt.Errorf("conflict detection: %w", err))
		}
		if result.HasConflicts {
			s.mu.Lock()
			s.setStateLocked(StateConflict)
			s.mu.Unlock()
			s.emit(Event{
				Type:          EventConflict,
				State:         StateConflict,
				Conflicts:     result.Conflicts,
				ProbeFailures: result.ProbeFailures,
			})
			return fmt.Errorf("%d conflicts detected; resolve before saving", len(result.Conflicts))
		}
		if len(result.ProbeFailures) > 0 {
			// Surfaced even without conflicts: a failed probe may have
			// masked a real remote change.
			s.logger.Printf("WARNING: %d paths skipped conflict detection due to probe failures",
				len(result.ProbeFailures))
		}
	}

	commit, err := s.save(ctx, snap, baseline)
	if err != nil {
		if githost.IsOffline(err) {
			s.SetOnline(false)
			return err
		}
		return s.saveFailed(err)
	}

	now := time.Now()
	s.mu.Lock()
	s.lastSaved = snap
	if s.gen == gen {
		// No edits arrived while the save ran.
		s.pending = nil
	}
	if commit != nil {
		s.baseline = commit
	}
	s.savedAt = now
	s.retryCount = 0
	s.setStateLocked(StateIdle)
	s.mu.Unlock()

	s.emit(Event{Type: EventSaved, State: StateIdle, Commit: commit, SavedAt: now})
	return nil
}

// saveFailed schedules a retry or gives up.
func (s *Scheduler) saveFailed(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retryCount < s.maxRetry {
		s.retryCount++
		delay := s.delay * time.Duration(s.retryCount)
		s.logger.Printf("Save failed (attempt %d/%d), retrying in %s: %v",
			s.retryCount, s.maxRetry, delay, err)
		s.stopTimerLocked()
		s.timer = time.AfterFunc(delay, s.fire)
		s.setStateLocked(StateRetrying)
		return err
	}

	// Exhausted. Reset the counter so a manual retry starts fresh.
	s.retryCount = 0
	s.setStateLocked(StateError)
	s.emitLocked(Event{Type: EventError, State: StateError, Err: err})
	return err
}

// localChanges derives the change set for conflict detection: every
// pending path whose content differs from the last successful save.
// The baseline blob hash is computed from the last-saved content, which
// matches the remote blob at the baseline commit whenever the baseline
// advanced with our own writes.
func (s *Scheduler) localChanges(snap Snapshot) []syncer.LocalChange {
	s.mu.Lock()
	lastSaved := s.lastSaved
	s.mu.Unlock()

	changes := make([]syncer.LocalChange, 0, len(snap))
	for path, content := range snap {
		prev, tracked := lastSaved[path]
		if tracked && cmp.Equal(content, prev) {
			continue
		}
		change := syncer.LocalChange{Path: path, Content: content}
		if tracked {
			change.BaselineSHA = githost.BlobSHA(prev)
		}
		changes = append(changes, change)
	}
	return changes
}

func (s *Scheduler) setStateLocked(state PersistState) {
	if s.state == state {
		return
	}
	s.logger.Printf("State: %s -> %s", s.state, state)
	s.state = state
	s.emitLocked(Event{Type: EventStateChange, State: state})
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(ev)
}

func (s *Scheduler) emitLocked(ev Event) {
	if s.stopped {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Printf("Warning: event channel full, dropping %s event", ev.Type)
	}
}
