package syncer

import (
	"github.com/foliolab/foliosync/internal/githost"
)

// LocalChange is one path a local session believes it has modified
// since the baseline commit.
type LocalChange struct {
	// Path is the file path relative to the repository root.
	Path string

	// Content is the full local content for the path.
	Content []byte

	// BaselineSHA is the blob hash the path had at the baseline.
	// Empty for a path the session has never seen on the remote.
	BaselineSHA string
}

// ConflictKind distinguishes how a local edit collides with the remote.
type ConflictKind string

const (
	// ConflictContent means the path changed both locally and remotely
	// to different content.
	ConflictContent ConflictKind = "content_conflict"

	// ConflictRemoteDelete means the remote deleted a path the session
	// holds an edit for.
	ConflictRemoteDelete ConflictKind = "remote_delete_local_edit"

	// ConflictRemoteNew means the remote created a path the session
	// was not previously tracking but has local content for.
	ConflictRemoteNew ConflictKind = "remote_new_local_edit"
)

// Conflict is one detected collision between a local edit and the
// current remote state. Created by the Coordinator, consumed by the
// Resolver.
type Conflict struct {
	// Path is the conflicting file path.
	Path string

	// Kind classifies the collision.
	Kind ConflictKind

	// Local is the session's change for the path.
	Local LocalChange

	// Remote is the current remote snapshot. Nil when the remote
	// deleted the path.
	Remote *githost.FileContent

	// Description is a short human-readable summary.
	Description string
}

// ProbeFailure records a per-path remote fetch that failed during
// detection. The path is conservatively reported as conflict-free, and
// that choice is surfaced here rather than hidden; a failed probe could
// mask a real remote change.
type ProbeFailure struct {
	Path string
	Err  error
}

// DetectResult is the outcome of one conflict-detection pass.
type DetectResult struct {
	// HasConflicts is true if Conflicts is non-empty.
	HasConflicts bool

	// Conflicts lists every detected collision.
	Conflicts []Conflict

	// RemoteCommits are the commits on the branch after the baseline,
	// oldest first. Empty means the remote has not moved.
	RemoteCommits []githost.CommitRef

	// ProbeFailures lists paths whose remote probe failed and were
	// treated as conflict-free.
	ProbeFailures []ProbeFailure
}

// Strategy selects how conflicts are resolved.
type Strategy string

const (
	// StrategyKeepLocal writes the local content, preconditioned on
	// the remote's current blob hash.
	StrategyKeepLocal Strategy = "keep_local"

	// StrategyKeepRemote discards the local change.
	StrategyKeepRemote Strategy = "keep_remote"

	// StrategyManual writes a caller-supplied value per path.
	StrategyManual Strategy = "manual"
)

// IsValid returns true if the strategy is recognized.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyKeepLocal, StrategyKeepRemote, StrategyManual:
		return true
	default:
		return false
	}
}

// String returns the string representation of the strategy.
func (s Strategy) String() string {
	return string(s)
}

// Description returns a human-readable description of the strategy.
func (s Strategy) Description() string {
	switch s {
	case StrategyKeepLocal:
		return "Keep your local version, overwriting the remote change"
	case StrategyKeepRemote:
		return "Keep the remote version, discarding your local edit"
	case StrategyManual:
		return "Write a merged value you supply per path"
	default:
		return "Unknown strategy"
	}
}

// AllStrategies returns every supported resolution strategy.
func AllStrategies() []Strategy {
	return []Strategy{StrategyKeepLocal, StrategyKeepRemote, StrategyManual}
}

// ResolutionOutcome reports one resolution attempt for one path.
type ResolutionOutcome struct {
	// Path is the conflicting file path.
	Path string

	// Strategy is the strategy that was applied.
	Strategy Strategy

	// Resolved is true if the conflict was settled.
	Resolved bool

	// Commit is the commit produced by a write, when one happened.
	Commit *githost.CommitRef

	// Err is why the resolution failed, when it did.
	Err error
}

// Summary aggregates a resolution batch.
type Summary struct {
	Resolved int
	Failed   int
	Total    int
}
