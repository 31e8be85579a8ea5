package syncer

import (
	"context"
	"testing"

	"github.com/foliolab/foliosync/internal/githost"
)

func contentConflict(path, local, remote, remoteSHA string) Conflict {
	return Conflict{
		Path: path,
		Kind: ConflictContent,
		Local: LocalChange{
			Path:        path,
			Content:     []byte(local),
			BaselineSHA: "baseblob",
		},
		Remote: &githost.FileContent{
			Path:    path,
			Content: []byte(remote),
			SHA:     remoteSHA,
		},
	}
}

// TestResolve_KeepLocal verifies keep_local writes the local content
// preconditioned on the remote hash seen at detection time.
func TestResolve_KeepLocal(t *testing.T) {
	client := newFakeClient()
	r := NewResolver(client, testRepo, "main", nil)

	conflicts := []Conflict{contentConflict("a.json", "local X", "remote Y", "remoteblob")}
	outcomes, summary := r.Resolve(context.Background(), conflicts, StrategyKeepLocal, nil)

	if summary.Resolved != 1 || summary.Failed != 0 {
		t.Fatalf("Expected 1 resolved, got %+v", summary)
	}
	if len(client.writes) != 1 {
		t.Fatalf("Expected 1 write, got %d", len(client.writes))
	}
	write := client.writes[0]
	if string(write.Content) != "local X" {
		t.Errorf("Expected local content written, got %q", write.Content)
	}
	if write.ExpectedSHA != "remoteblob" {
		t.Errorf("Expected write preconditioned on remoteblob, got %q", write.ExpectedSHA)
	}
	if outcomes[0].Commit == nil {
		t.Error("Expected the produced commit on the outcome")
	}
}

// TestResolve_KeepLocalRecreatesDeleted verifies resolving a remote
// deletion by keeping local recreates the file without a precondition.
func TestResolve_KeepLocalRecreatesDeleted(t *testing.T) {
	client := newFakeClient()
	r := NewResolver(client, testRepo, "main", nil)

	conflicts := []Conflict{{
		Path:  "a.json",
		Kind:  ConflictRemoteDelete,
		Local: LocalChange{Path: "a.json", Content: []byte("local X"), BaselineSHA: "baseblob"},
	}}
	_, summary := r.Resolve(context.Background(), conflicts, StrategyKeepLocal, nil)

	if summary.Resolved != 1 {
		t.Fatalf("Expected resolution, got %+v", summary)
	}
	if got := client.writes[0].ExpectedSHA; got != "" {
		t.Errorf("Recreating a deleted file must not carry a precondition, got %q", got)
	}
}

// TestResolve_KeepLocalRacesRemote verifies a stale precondition
// surfaces as a per-path failure, not silent overwrite.
func TestResolve_KeepLocalRacesRemote(t *testing.T) {
	client := newFakeClient()
	client.writeErr = &githost.APIError{Kind: githost.KindPreconditionFailed, Op: "write_file"}
	r := NewResolver(client, testRepo, "main", nil)

	conflicts := []Conflict{contentConflict("a.json", "local X", "remote Y", "staleblob")}
	outcomes, summary := r.Resolve(context.Background(), conflicts, StrategyKeepLocal, nil)

	if summary.Failed != 1 {
		t.Fatalf("Expected the race reported as failure, got %+v", summary)
	}
	if !githost.IsPreconditionFailed(outcomes[0].Err) {
		t.Errorf("Expected precondition failure on the outcome, got %v", outcomes[0].Err)
	}
}

// TestResolve_KeepRemote verifies keep_remote makes no remote write.
func TestResolve_KeepRemote(t *testing.T) {
	client := newFakeClient()
	r := NewResolver(client, testRepo, "main", nil)

	conflicts := []Conflict{contentConflict("a.json", "local X", "remote Y", "remoteblob")}
	_, summary := r.Resolve(context.Background(), conflicts, StrategyKeepRemote, nil)

	if summary.Resolved != 1 {
		t.Fatalf("Expected resolution, got %+v", summary)
	}
	if len(client.writes) != 0 {
		t.Errorf("keep_remote must not write, got %d writes", len(client.writes))
	}
}

// TestResolve_Manual verifies manual values are written per path and a
// missing value fails only that path.
func TestResolve_Manual(t *testing.T) {
	client := newFakeClient()
	r := NewResolver(client, testRepo, "main", nil)

	conflicts := []Conflict{
		contentConflict("a.json", "local a", "remote a", "blob-a"),
		contentConflict("b.json", "local b", "remote b", "blob-b"),
	}
	values := map[string][]byte{"a.json": []byte("merged a")}

	outcomes, summary := r.Resolve(context.Background(), conflicts, StrategyManual, values)

	if summary.Resolved != 1 || summary.Failed != 1 || summary.Total != 2 {
		t.Fatalf("Expected 1 resolved / 1 failed, got %+v", summary)
	}
	if len(client.writes) != 1 || string(client.writes[0].Content) != "merged a" {
		t.Errorf("Expected only the merged value written, got %v", client.writes)
	}
	for _, o := range outcomes {
		if o.Path == "b.json" && o.Resolved {
			t.Error("b.json had no manual value and must fail")
		}
	}
}

// TestResolve_ManualNoValues verifies an empty value map fails every
// path without aborting the batch.
func TestResolve_ManualNoValues(t *testing.T) {
	client := newFakeClient()
	r := NewResolver(client, testRepo, "main", nil)

	conflicts := []Conflict{
		contentConflict("a.json", "la", "ra", "s1"),
		contentConflict("b.json", "lb", "rb", "s2"),
	}
	outcomes, summary := r.Resolve(context.Background(), conflicts, StrategyManual, nil)

	if summary.Resolved != 0 || summary.Failed != 2 {
		t.Fatalf("Expected all failures, got %+v", summary)
	}
	if len(outcomes) != 2 {
		t.Errorf("Expected an outcome per path, got %d", len(outcomes))
	}
}

// TestResolve_UnknownStrategy verifies an unrecognized strategy fails
// each path explicitly.
func TestResolve_UnknownStrategy(t *testing.T) {
	client := newFakeClient()
	r := NewResolver(client, testRepo, "main", nil)

	conflicts := []Conflict{contentConflict("a.json", "l", "r", "s")}
	_, summary := r.Resolve(context.Background(), conflicts, Strategy("merge_3way"), nil)

	if summary.Failed != 1 {
		t.Errorf("Expected failure for unknown strategy, got %+v", summary)
	}
}

// TestStrategy_IsValid covers the strategy whitelist.
func TestStrategy_IsValid(t *testing.T) {
	for _, s := range AllStrategies() {
		if !s.IsValid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if Strategy("yolo").IsValid() {
		t.Error("Unknown strategy should be invalid")
	}
}
