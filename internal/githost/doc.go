// Package githost provides a client for the remote repository API that
// foliosync persists content into.
//
// The remote backend is a hosted Git service exposing a REST contents API.
// The client surface is deliberately thin: the sync engine only needs to
// read commit history, read file content, and write files with an
// optimistic-concurrency precondition.
//
// # Rate limiting
//
// Every response from the remote carries rate-limit metadata in headers
// (X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset). The HTTP
// client forwards those headers to a RateLimitUpdater after each call so
// the admission gate always reflects the server's view of the quota.
//
// # Errors
//
// All failures are classified into a small taxonomy (see Kind) so the
// layers above can decide between retrying, waiting for a quota reset,
// or surfacing the failure. Use KindOf and the Is* helpers rather than
// matching on error strings:
//
//	content, err := client.FileContent(ctx, repo, "data/profile.json", ref)
//	if githost.IsNotFound(err) {
//	    // The path does not exist at that ref.
//	}
package githost
