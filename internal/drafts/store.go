// Package drafts persists a session's unsaved work locally.
//
// The store is a small embedded SQLite database holding draft payloads,
// the blob hashes of the last successful save, and the baseline commit
// per repository and branch. It exists so that outstanding edits
// survive offline periods and process restarts: on startup the daemon
// reloads drafts and resumes persistence from where it left off.
package drafts

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/foliolab/foliosync/internal/autosave"
	"github.com/foliolab/foliosync/internal/githost"
)

// ErrNoBaseline is returned when no baseline commit has been recorded
// for a repository and branch.
var ErrNoBaseline = errors.New("no baseline recorded")

// Store wraps the local draft database.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the draft store at path.
//
// The database is opened in WAL mode for concurrent reads. The caller
// MUST call Close() when done.
//
// Example:
//
//	store, err := drafts.Open(".foliosync/drafts.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open draft store: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping draft store: %w", err)
	}

	store := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := store.initSchema(); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS drafts (
		path TEXT PRIMARY KEY,
		content BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS saved_hashes (
		path TEXT PRIMARY KEY,
		blob_sha TEXT NOT NULL,
		saved_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS baselines (
		repo TEXT NOT NULL,
		branch TEXT NOT NULL,
		sha TEXT NOT NULL,
		message TEXT,
		author TEXT,
		committed_at TEXT,
		recorded_at TEXT NOT NULL,
		PRIMARY KEY (repo, branch)
	);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize draft schema: %w", err)
	}
	return nil
}

// Close closes the store, checkpointing the WAL first.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close draft store: %w", err)
	}
	return nil
}

// PutDraft records the current unsaved content for a path.
func (s *Store) PutDraft(path string, content []byte) error {
	_, err := s.conn.Exec(`
		INSERT INTO drafts (path, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		path, content, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to store draft %s: %w", path, err)
	}
	return nil
}

// DeleteDraft removes a draft. Deleting an absent draft is not an error.
func (s *Store) DeleteDraft(path string) error {
	if _, err := s.conn.Exec("DELETE FROM drafts WHERE path = ?", path); err != nil {
		return fmt.Errorf("failed to delete draft %s: %w", path, err)
	}
	return nil
}

// Drafts returns all stored drafts as a snapshot.
func (s *Store) Drafts() (autosave.Snapshot, error) {
	rows, err := s.conn.Query("SELECT path, content FROM drafts")
	if err != nil {
		return nil, fmt.Errorf("failed to query drafts: %w", err)
	}
	defer rows.Close()

	snap := make(autosave.Snapshot)
	for rows.Next() {
		var path string
		var content []byte
		if err := rows.Scan(&path, &content); err != nil {
			return nil, fmt.Errorf("failed to scan draft: %w", err)
		}
		snap[path] = content
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate drafts: %w", err)
	}
	return snap, nil
}

// ClearDrafts removes all drafts, typically after a successful save.
func (s *Store) ClearDrafts() error {
	if _, err := s.conn.Exec("DELETE FROM drafts"); err != nil {
		return fmt.Errorf("failed to clear drafts: %w", err)
	}
	return nil
}

// SetSavedHash records the blob hash a path had after its last
// successful save.
func (s *Store) SetSavedHash(path, blobSHA string) error {
	_, err := s.conn.Exec(`
		INSERT INTO saved_hashes (path, blob_sha, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET blob_sha = excluded.blob_sha, saved_at = excluded.saved_at`,
		path, blobSHA, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to store saved hash for %s: %w", path, err)
	}
	return nil
}

// SavedHashes returns the blob hash per path from the last save.
func (s *Store) SavedHashes() (map[string]string, error) {
	rows, err := s.conn.Query("SELECT path, blob_sha FROM saved_hashes")
	if err != nil {
		return nil, fmt.Errorf("failed to query saved hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var path, sha string
		if err := rows.Scan(&path, &sha); err != nil {
			return nil, fmt.Errorf("failed to scan saved hash: %w", err)
		}
		hashes[path] = sha
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate saved hashes: %w", err)
	}
	return hashes, nil
}

// SetBaseline records the baseline commit for a repository and branch.
func (s *Store) SetBaseline(repo githost.RepoRef, branch string, ref githost.CommitRef) error {
	_, err := s.conn.Exec(`
		INSERT INTO baselines (repo, branch, sha, message, author, committed_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repo, branch) DO UPDATE SET
			sha = excluded.sha,
			message = excluded.message,
			author = excluded.author,
			committed_at = excluded.committed_at,
			recorded_at = excluded.recorded_at`,
		repo.String(), branch, ref.SHA, ref.Message, ref.Author,
		ref.Timestamp.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to store baseline for %s@%s: %w", repo, branch, err)
	}
	return nil
}

// Baseline returns the recorded baseline commit for a repository and
// branch. Returns ErrNoBaseline if none was recorded yet.
func (s *Store) Baseline(repo githost.RepoRef, branch string) (*githost.CommitRef, error) {
	row := s.conn.QueryRow(`
		SELECT sha, message, author, committed_at FROM baselines
		WHERE repo = ? AND branch = ?`, repo.String(), branch)

	var ref githost.CommitRef
	var committedAt string
	err := row.Scan(&ref.SHA, &ref.Message, &ref.Author, &committedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoBaseline
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline for %s@%s: %w", repo, branch, err)
	}
	if ts, err := time.Parse(time.RFC3339, committedAt); err == nil {
		ref.Timestamp = ts
	}
	ref.Branch = branch
	return &ref, nil
}
