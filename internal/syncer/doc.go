// Package syncer reconciles locally edited files with the remote
// repository using optimistic concurrency.
//
// The Coordinator answers one question: given the last commit a session
// is known to be derived from (the baseline) and the set of paths the
// session has modified, has the remote moved in a way that overlaps
// those edits? Detection is at whole-file granularity. A path changed
// both locally and remotely to the same bytes is a convergent edit, not
// a conflict. No line-level merging is attempted anywhere in this
// package.
//
// The Resolver applies one of three strategies per conflicting path:
// keep the local content (written with the remote's current blob hash
// as the precondition, so the write is still an optimistic-lock
// operation rather than a blind overwrite), keep the remote content
// (no write), or write a caller-supplied merged value. Resolutions are
// independent units of work; partial success is expected and reported
// per path.
package syncer
