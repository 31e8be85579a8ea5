package syncer

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/foliolab/foliosync/internal/githost"
)

// Resolver applies resolution strategies to detected conflicts.
type Resolver struct {
	client githost.Client
	repo   githost.RepoRef
	branch string
	logger *log.Logger
}

// NewResolver creates a resolver for one repository and branch.
//
// If logger is nil, a default logger writing to stderr is used.
func NewResolver(client githost.Client, repo githost.RepoRef, branch string, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	return &Resolver{
		client: client,
		repo:   repo,
		branch: branch,
		logger: logger,
	}
}

// Resolve settles each conflict with the given strategy. For
// StrategyManual, manualValues must carry a value per conflicting path;
// a missing value fails that path's resolution without aborting the
// batch. Each resolution is an independent unit of work, and the
// returned outcomes report success or failure per path.
func (r *Resolver) Resolve(ctx context.Context, conflicts []Conflict, strategy Strategy, manualValues map[string][]byte) ([]ResolutionOutcome, Summary) {
	outcomes := make([]ResolutionOutcome, 0, len(conflicts))
	summary := Summary{Total: len(conflicts)}

	for _, conflict := range conflicts {
		outcome := r.resolveOne(ctx, conflict, strategy, manualValues)
		if outcome.Resolved {
			summary.Resolved++
		} else {
			summary.Failed++
			r.logger.Printf("Failed to resolve %s (%s): %v",
				conflict.Path, strategy, outcome.Err)
		}
		outcomes = append(outcomes, outcome)
	}

	r.logger.Printf("Resolution complete: %d resolved, %d failed, %d total",
		summary.Resolved, summary.Failed, summary.Total)
	return outcomes, summary
}

func (r *Resolver) resolveOne(ctx context.Context, conflict Conflict, strategy Strategy, manualValues map[string][]byte) ResolutionOutcome {
	outcome := ResolutionOutcome{Path: conflict.Path, Strategy: strategy}

	switch strategy {
	case StrategyKeepLocal:
		commit, err := r.write(ctx, conflict, conflict.Local.Content,
			fmt.Sprintf("Resolve conflict on %s (kept local)", conflict.Path))
		outcome.Commit = commit
		outcome.Err = err
		outcome.Resolved = err == nil

	case StrategyKeepRemote:
		// Discarding the local change needs no remote write.
		outcome.Resolved = true

	case StrategyManual:
		value, ok := manualValues[conflict.Path]
		if !ok {
			outcome.Err = fmt.Errorf("no manual value supplied for %s", conflict.Path)
			break
		}
		commit, err := r.write(ctx, conflict, value,
			fmt.Sprintf("Resolve conflict on %s (manual merge)", conflict.Path))
		outcome.Commit = commit
		outcome.Err = err
		outcome.Resolved = err == nil

	default:
		outcome.Err = fmt.Errorf("unknown resolution strategy %q", strategy)
	}

	return outcome
}

// write pushes content for a conflicting path, preconditioned on the
// remote hash captured at detection time. If the remote changed again
// since then, the write fails with a precondition error instead of
// silently overwriting; the caller re-detects and resolves again.
func (r *Resolver) write(ctx context.Context, conflict Conflict, content []byte, message string) (*githost.CommitRef, error) {
	req := githost.WriteRequest{
		Path:    conflict.Path,
		Content: content,
		Message: message,
		Branch:  r.branch,
	}
	if conflict.Remote != nil {
		req.ExpectedSHA = conflict.Remote.SHA
	}
	// A remote-delete conflict has no current remote blob; the write
	// recreates the file and must not carry a stale precondition.
	return r.client.WriteFile(ctx, r.repo, req)
}
