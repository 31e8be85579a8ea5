package syncer

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"

	"github.com/foliolab/foliosync/internal/githost"
)

// Coordinator detects conflicts between a session's local edits and the
// current remote state.
type Coordinator struct {
	client githost.Client
	repo   githost.RepoRef
	branch string
	logger *log.Logger
}

// NewCoordinator creates a coordinator for one repository and branch.
//
// If logger is nil, a default logger writing to stderr is used.
func NewCoordinator(client githost.Client, repo githost.RepoRef, branch string, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	return &Coordinator{
		client: client,
		repo:   repo,
		branch: branch,
		logger: logger,
	}
}

// DetectConflicts compares the local changes against everything the
// remote gained after the baseline commit.
//
// With no local changes there is nothing to conflict with, so the
// remote is not consulted at all. Otherwise the commits after the
// baseline are listed, their changed paths unioned, and each local
// change whose path appears in that union is probed for its current
// remote content. Identical bytes are a convergent edit and not a
// conflict.
//
// A per-path probe failure (a network error on just that file) is
// reported as conflict-free for that path and recorded in
// ProbeFailures. Detection never fails the whole pass for one path.
func (c *Coordinator) DetectConflicts(ctx context.Context, baseline *githost.CommitRef, changes []LocalChange) (*DetectResult, error) {
	result := &DetectResult{}
	if len(changes) == 0 {
		return result, nil
	}
	if baseline == nil || baseline.SHA == "" {
		return nil, fmt.Errorf("baseline commit is required for conflict detection")
	}

	commits, err := c.client.CommitsSince(ctx, c.repo, c.branch, baseline)
	if err != nil {
		return nil, fmt.Errorf("listing commits after baseline %s: %w", short(baseline.SHA), err)
	}
	result.RemoteCommits = commits
	if len(commits) == 0 {
		return result, nil
	}

	c.logger.Printf("Remote moved: %d commits after baseline %s", len(commits), short(baseline.SHA))

	remoteChanged := make(map[string]bool)
	for _, commit := range commits {
		paths, err := c.client.CommitFiles(ctx, c.repo, commit.SHA)
		if err != nil {
			return nil, fmt.Errorf("listing files for commit %s: %w", short(commit.SHA), err)
		}
		for _, p := range paths {
			remoteChanged[p] = true
		}
	}

	for _, change := range changes {
		if !remoteChanged[change.Path] {
			continue
		}
		conflict, probeErr := c.probe(ctx, change)
		if probeErr != nil {
			// Conservative: treat the path as conflict-free but say so.
			c.logger.Printf("WARNING: probe failed for %s, treating as no conflict: %v",
				change.Path, probeErr)
			result.ProbeFailures = append(result.ProbeFailures, ProbeFailure{
				Path: change.Path,
				Err:  probeErr,
			})
			continue
		}
		if conflict != nil {
			result.Conflicts = append(result.Conflicts, *conflict)
		}
	}

	result.HasConflicts = len(result.Conflicts) > 0
	return result, nil
}

// probe fetches the current remote content for one locally changed path
// and classifies the collision, if any.
func (c *Coordinator) probe(ctx context.Context, change LocalChange) (*Conflict, error) {
	remote, err := c.client.FileContent(ctx, c.repo, change.Path, c.branch)
	if githost.IsNotFound(err) {
		return &Conflict{
			Path:  change.Path,
			Kind:  ConflictRemoteDelete,
			Local: change,
			Description: fmt.Sprintf(
				"%s was deleted on the remote while you have local edits", change.Path),
		}, nil
	}
	if err != nil {
		return nil, err
	}

	if bytes.Equal(remote.Content, change.Content) {
		// Convergent edit: both sides arrived at the same bytes.
		return nil, nil
	}

	kind := ConflictContent
	desc := fmt.Sprintf("%s was changed on the remote and locally", change.Path)
	if change.BaselineSHA == "" {
		kind = ConflictRemoteNew
		desc = fmt.Sprintf("%s was created on the remote and also exists locally", change.Path)
	}
	return &Conflict{
		Path:        change.Path,
		Kind:        kind,
		Local:       change,
		Remote:      remote,
		Description: desc,
	}, nil
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
