package githost

import (
	"context"
	"crypto/sha1"
	"fmt"
	"net/http"
	"time"
)

// RepoRef identifies a repository on the remote host.
type RepoRef struct {
	// Owner is the account or organization that owns the repository.
	Owner string

	// Name is the repository name.
	Name string
}

// String returns the "owner/name" form of the reference.
func (r RepoRef) String() string {
	return r.Owner + "/" + r.Name
}

// CommitRef describes a single commit as observed on the remote.
// A CommitRef is immutable once observed; the engine's baseline for
// conflict detection is always a previously observed CommitRef.
type CommitRef struct {
	// SHA is the commit hash.
	SHA string

	// Message is the commit message.
	Message string

	// Author is the author identity ("Name <email>").
	Author string

	// Timestamp is the committer timestamp.
	Timestamp time.Time

	// Branch is the branch the commit was observed on, when known.
	Branch string
}

// FileContent is the content of a single file at a specific ref.
type FileContent struct {
	// Path is the file path relative to the repository root.
	Path string

	// Content is the decoded file content.
	Content []byte

	// SHA is the blob hash of the content. It is the precondition
	// value for optimistic-concurrency writes.
	SHA string
}

// WriteRequest describes one file write against the contents API.
type WriteRequest struct {
	// Path is the file path relative to the repository root.
	Path string

	// Content is the full new file content.
	Content []byte

	// Message is the commit message for the write.
	Message string

	// Branch is the target branch. Empty uses the default branch.
	Branch string

	// ExpectedSHA is the blob hash the remote file must currently have
	// for the write to succeed. Empty means the file is being created
	// and must not already exist.
	ExpectedSHA string
}

// Client is the operation set the synchronization engine needs from the
// remote repository. Everything above this interface is reusable
// infrastructure; everything implementing it must route calls through the
// admission gate and retry policy.
type Client interface {
	// LatestCommit returns the most recent commit on the branch.
	// Empty branch uses the repository default.
	LatestCommit(ctx context.Context, repo RepoRef, branch string) (*CommitRef, error)

	// CommitsSince returns the commits on branch strictly after the
	// given baseline commit, oldest first. The baseline itself is
	// excluded. Returns an empty slice when the branch has not moved.
	CommitsSince(ctx context.Context, repo RepoRef, branch string, baseline *CommitRef) ([]CommitRef, error)

	// CommitFiles returns the paths changed by a single commit.
	CommitFiles(ctx context.Context, repo RepoRef, sha string) ([]string, error)

	// FileContent returns the content and blob hash of a file at ref.
	// Empty ref reads from the default branch head.
	// Fails with a NotFound kind if the path is absent at that ref.
	FileContent(ctx context.Context, repo RepoRef, path, ref string) (*FileContent, error)

	// WriteFile creates or updates a file and returns the resulting
	// commit. Fails with a PreconditionFailed kind if the request's
	// ExpectedSHA no longer matches the remote blob.
	WriteFile(ctx context.Context, repo RepoRef, req WriteRequest) (*CommitRef, error)

	// Compare returns the paths that differ between two commits.
	Compare(ctx context.Context, repo RepoRef, base, head string) ([]string, error)
}

// Executor admits, queues, and retries a remote call. The HTTP client
// routes every request through one so that admission, queueing, and
// retry compose as independent layers around the raw call.
type Executor interface {
	// Execute runs op, possibly after waiting for admission. The
	// returned error is op's final error after any retries, or a
	// queue-level error (full, timeout).
	Execute(ctx context.Context, op func(context.Context) error) error
}

// RateLimitUpdater receives rate-limit metadata observed on responses.
// Implemented by the admission gate.
type RateLimitUpdater interface {
	UpdateFromHeaders(h http.Header)
}

// BlobSHA computes the git blob hash of content. It matches the hashes
// returned by the contents API, so a locally recorded baseline hash can
// be compared against a remote file hash without a fetch.
func BlobSHA(content []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(content))
	h.Write(content)
	return fmt.Sprintf("%x", h.Sum(nil))
}
