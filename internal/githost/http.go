package githost

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/go-github/v48/github"
	"golang.org/x/oauth2"
)

// HTTPClient implements Client on the go-github REST bindings.
//
// Every call is routed through the configured Executor (admission gate,
// request queue, retry policy) and every response's rate-limit headers
// are forwarded to the configured RateLimitUpdater before the result is
// decoded, so quota accounting stays accurate even for failed calls.
type HTTPClient struct {
	gh     *github.Client
	exec   Executor
	limits RateLimitUpdater
	logger *log.Logger
}

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	// BaseURL is the API root, e.g. "https://api.github.com".
	BaseURL string

	// Token is the bearer token for authenticated calls.
	// Token acquisition is the caller's concern.
	Token string

	// HTTPClient is the underlying transport. Nil uses a client with
	// a 30 second timeout.
	HTTPClient *http.Client

	// Executor admits and retries calls. Nil executes directly.
	Executor Executor

	// RateLimits receives rate-limit headers. Nil disables forwarding.
	RateLimits RateLimitUpdater

	// Logger for client activity. Nil logs to stderr.
	Logger *log.Logger
}

// NewHTTPClient creates a client for the remote repository API.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	// go-github requires a trailing slash to resolve relative endpoints.
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpc = &http.Client{
			Timeout:   httpc.Timeout,
			Transport: &oauth2.Transport{Source: ts, Base: httpc.Transport},
		}
	}

	gh := github.NewClient(httpc)
	gh.BaseURL = base
	gh.UserAgent = "foliosync"

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[githost] ", log.LstdFlags)
	}
	return &HTTPClient{
		gh:     gh,
		exec:   cfg.Executor,
		limits: cfg.RateLimits,
		logger: logger,
	}, nil
}

// LatestCommit implements Client.LatestCommit.
func (c *HTTPClient) LatestCommit(ctx context.Context, repo RepoRef, branch string) (*CommitRef, error) {
	opts := &github.CommitsListOptions{ListOptions: github.ListOptions{PerPage: 1}}
	if branch != "" {
		opts.SHA = branch
	}
	var commits []*github.RepositoryCommit
	err := c.run(ctx, "latest_commit", func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		commits, resp, err = c.gh.Repositories.ListCommits(ctx, repo.Owner, repo.Name, opts)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, &APIError{Kind: KindNotFound, Op: "latest_commit",
			Err: fmt.Errorf("no commits on %s@%s", repo, branch)}
	}
	ref := commitRef(commits[0], branch)
	return &ref, nil
}

// CommitsSince implements Client.CommitsSince.
//
// The remote lists commits by timestamp, which includes the baseline
// itself and any commit sharing its timestamp; the baseline is filtered
// out here so callers never see it.
func (c *HTTPClient) CommitsSince(ctx context.Context, repo RepoRef, branch string, baseline *CommitRef) ([]CommitRef, error) {
	if baseline == nil || baseline.SHA == "" {
		return nil, &APIError{Kind: KindValidation, Op: "commits_since",
			Err: fmt.Errorf("baseline commit is required")}
	}
	opts := &github.CommitsListOptions{ListOptions: github.ListOptions{PerPage: 100}}
	if branch != "" {
		opts.SHA = branch
	}
	if !baseline.Timestamp.IsZero() {
		opts.Since = baseline.Timestamp.UTC()
	}

	var all []*github.RepositoryCommit
	for {
		var page []*github.RepositoryCommit
		var resp *github.Response
		err := c.run(ctx, "commits_since", func(ctx context.Context) (*github.Response, error) {
			var err error
			page, resp, err = c.gh.Repositories.ListCommits(ctx, repo.Owner, repo.Name, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	// Responses are newest first; return oldest first and drop the
	// baseline and anything at or before it.
	out := make([]CommitRef, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		ref := commitRef(all[i], branch)
		if ref.SHA == baseline.SHA {
			continue
		}
		if !baseline.Timestamp.IsZero() && !ref.Timestamp.After(baseline.Timestamp) {
			continue
		}
		out = append(out, ref)
	}
	return out, nil
}

// CommitFiles implements Client.CommitFiles.
func (c *HTTPClient) CommitFiles(ctx context.Context, repo RepoRef, sha string) ([]string, error) {
	var commit *github.RepositoryCommit
	err := c.run(ctx, "commit_files", func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		commit, resp, err = c.gh.Repositories.GetCommit(ctx, repo.Owner, repo.Name, sha, nil)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(commit.Files))
	for _, f := range commit.Files {
		paths = append(paths, f.GetFilename())
	}
	return paths, nil
}

// FileContent implements Client.FileContent.
func (c *HTTPClient) FileContent(ctx context.Context, repo RepoRef, path, ref string) (*FileContent, error) {
	var opts *github.RepositoryContentGetOptions
	if ref != "" {
		opts = &github.RepositoryContentGetOptions{Ref: ref}
	}
	var file *github.RepositoryContent
	err := c.run(ctx, "file_content", func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		file, _, resp, err = c.gh.Repositories.GetContents(ctx, repo.Owner, repo.Name, path, opts)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, &APIError{Kind: KindValidation, Op: "file_content",
			Err: fmt.Errorf("%s is a directory, not a file", path)}
	}
	raw, err := file.GetContent()
	if err != nil {
		return nil, &APIError{Kind: KindUnknown, Op: "file_content",
			Err: fmt.Errorf("decoding %s: %w", path, err)}
	}
	return &FileContent{Path: path, Content: []byte(raw), SHA: file.GetSHA()}, nil
}

// WriteFile implements Client.WriteFile.
func (c *HTTPClient) WriteFile(ctx context.Context, repo RepoRef, req WriteRequest) (*CommitRef, error) {
	if req.Path == "" {
		return nil, &APIError{Kind: KindValidation, Op: "write_file",
			Err: fmt.Errorf("path cannot be empty")}
	}
	if req.Message == "" {
		return nil, &APIError{Kind: KindValidation, Op: "write_file",
			Err: fmt.Errorf("commit message cannot be empty")}
	}

	opts := &github.RepositoryContentFileOptions{
		Message: github.String(req.Message),
		Content: req.Content,
	}
	if req.Branch != "" {
		opts.Branch = github.String(req.Branch)
	}

	var out *github.RepositoryContentResponse
	err := c.run(ctx, "write_file", func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		if req.ExpectedSHA != "" {
			opts.SHA = github.String(req.ExpectedSHA)
			out, resp, err = c.gh.Repositories.UpdateFile(ctx, repo.Owner, repo.Name, req.Path, opts)
		} else {
			out, resp, err = c.gh.Repositories.CreateFile(ctx, repo.Owner, repo.Name, req.Path, opts)
		}
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	ref := commitRefFromCommit(&out.Commit, req.Branch)
	return &ref, nil
}

// Compare implements Client.Compare.
func (c *HTTPClient) Compare(ctx context.Context, repo RepoRef, base, head string) ([]string, error) {
	var diff *github.CommitsComparison
	err := c.run(ctx, "compare", func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		diff, resp, err = c.gh.Repositories.CompareCommits(ctx, repo.Owner, repo.Name, base, head, nil)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(diff.Files))
	for _, f := range diff.Files {
		paths = append(paths, f.GetFilename())
	}
	return paths, nil
}

// run routes one remote call through the executor, forwarding the
// response's rate-limit headers and classifying any failure.
func (c *HTTPClient) run(ctx context.Context, op string, call func(context.Context) (*github.Response, error)) error {
	do := func(ctx context.Context) error {
		resp, err := call(ctx)
		if resp != nil && c.limits != nil {
			c.limits.UpdateFromHeaders(resp.Header)
		}
		if err != nil {
			return c.classify(op, err)
		}
		return nil
	}
	if c.exec == nil {
		return do(ctx)
	}
	return c.exec.Execute(ctx, do)
}

// classify maps a go-github error to the failure taxonomy.
func (c *HTTPClient) classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		apiErr := &APIError{Kind: KindQuotaExceeded, Op: op, Err: err}
		if rateErr.Response != nil {
			apiErr.StatusCode = rateErr.Response.StatusCode
		}
		if until := time.Until(rateErr.Rate.Reset.Time); until > 0 {
			apiErr.RetryAfter = until
		}
		c.logger.Printf("Quota exceeded on %s (reset in %s)", op, apiErr.RetryAfter)
		return apiErr
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		apiErr := &APIError{Kind: KindQuotaExceeded, Op: op, Err: err,
			RetryAfter: abuseErr.GetRetryAfter()}
		if abuseErr.Response != nil {
			apiErr.StatusCode = abuseErr.Response.StatusCode
		}
		c.logger.Printf("Quota exceeded on %s (retry after %s)", op, apiErr.RetryAfter)
		return apiErr
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) {
		apiErr := &APIError{Op: op, Err: err}
		if ghErr.Response != nil {
			apiErr.StatusCode = ghErr.Response.StatusCode
		}
		switch {
		case apiErr.StatusCode == http.StatusNotFound:
			apiErr.Kind = KindNotFound
		case apiErr.StatusCode == http.StatusConflict,
			apiErr.StatusCode == http.StatusPreconditionFailed:
			apiErr.Kind = KindPreconditionFailed
		case apiErr.StatusCode == http.StatusTooManyRequests:
			apiErr.Kind = KindQuotaExceeded
			apiErr.RetryAfter = retryAfterFrom(ghErr.Response.Header)
			c.logger.Printf("Quota exceeded on %s (reset in %s)", op, apiErr.RetryAfter)
		case apiErr.StatusCode == http.StatusUnprocessableEntity:
			// A stale expected hash on a write also surfaces as 422 with a
			// "does not match" message; that is a precondition failure, not
			// caller input.
			if strings.Contains(strings.ToLower(ghErr.Message), "does not match") {
				apiErr.Kind = KindPreconditionFailed
			} else {
				apiErr.Kind = KindValidation
			}
		case apiErr.StatusCode >= 500:
			apiErr.Kind = KindTransientServer
		default:
			apiErr.Kind = KindUnknown
		}
		return apiErr
	}

	return &APIError{Kind: KindTransientNetwork, Op: op, Err: err}
}

// commitRef maps a listed commit to a CommitRef.
func commitRef(rc *github.RepositoryCommit, branch string) CommitRef {
	ref := commitRefFromCommit(rc.GetCommit(), branch)
	ref.SHA = rc.GetSHA()
	return ref
}

// commitRefFromCommit maps a bare commit object, as returned by the
// contents write endpoint, to a CommitRef.
func commitRefFromCommit(commit *github.Commit, branch string) CommitRef {
	ref := CommitRef{
		SHA:     commit.GetSHA(),
		Message: commit.GetMessage(),
		Branch:  branch,
	}
	if a := commit.GetAuthor(); a.GetName() != "" {
		ref.Author = a.GetName()
		if a.GetEmail() != "" {
			ref.Author += " <" + a.GetEmail() + ">"
		}
	}
	if cm := commit.GetCommitter(); cm != nil && cm.Date != nil {
		ref.Timestamp = cm.GetDate()
	} else if a := commit.GetAuthor(); a != nil && a.Date != nil {
		ref.Timestamp = a.GetDate()
	}
	return ref
}

// retryAfterFrom derives the time until the quota resets from response
// headers, preferring the epoch-seconds reset header.
func retryAfterFrom(h http.Header) time.Duration {
	if raw := h.Get("X-RateLimit-Reset"); raw != "" {
		var epoch int64
		if _, err := fmt.Sscanf(raw, "%d", &epoch); err == nil {
			if until := time.Until(time.Unix(epoch, 0)); until > 0 {
				return until
			}
		}
	}
	if raw := h.Get("Retry-After"); raw != "" {
		var secs int
		if _, err := fmt.Sscanf(raw, "%d", &secs); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
