package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/foliolab/foliosync/internal/autosave"
	"github.com/foliolab/foliosync/internal/config"
	"github.com/foliolab/foliosync/internal/dashboard"
	"github.com/foliolab/foliosync/internal/drafts"
	"github.com/foliolab/foliosync/internal/githost"
	"github.com/foliolab/foliosync/internal/logging"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Watch the drafts directory and auto-persist edits",
	Long: `Run the sync daemon.

The daemon:
  1. Watches the drafts directory for content edits
  2. Debounces edits and commits them to the remote repository
  3. Checks for conflicts against the session baseline before each write
  4. Suspends persistence while offline and resumes on reconnect
  5. Serves engine status and live events on the dashboard port`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runDaemon(cfg)
	},
}

// daemon ties the watcher, store, scheduler, and dashboard together.
type daemon struct {
	cfg       *config.Config
	eng       *engine
	store     *drafts.Store
	watcher   *drafts.Watcher
	scheduler *autosave.Scheduler
	server    *dashboard.Server
}

// EngineStatus implements dashboard.StatusProvider.
func (d *daemon) EngineStatus() dashboard.Status {
	persist := d.scheduler.Status()
	return dashboard.Status{
		Quota:        d.eng.gate.Snapshot(),
		QueueDepth:   d.eng.queue.Depth(),
		Draining:     d.eng.queue.Draining(),
		Persist:      persist,
		PersistState: persist.State.String(),
	}
}

func runDaemon(cfg *config.Config) error {
	logger := logging.New("[daemon] ", cfg.LogFile)

	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	store, err := drafts.Open(cfg.Drafts.StorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Establish the session baseline: the recorded one, or the branch
	// head for a fresh session.
	baseline, err := store.Baseline(eng.repo, cfg.Remote.Branch)
	if errors.Is(err, drafts.ErrNoBaseline) {
		baseline, err = eng.client.LatestCommit(ctx, eng.repo, cfg.Remote.Branch)
		if err != nil {
			return fmt.Errorf("fetching initial baseline: %w", err)
		}
		if err := store.SetBaseline(eng.repo, cfg.Remote.Branch, *baseline); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	logger.Printf("Session baseline: %s on %s", baseline.SHA, cfg.Remote.Branch)

	d := &daemon{cfg: cfg, eng: eng, store: store}

	d.scheduler, err = autosave.New(d.saveSnapshot, eng.coordinator, autosave.Config{
		Debounce:        cfg.Autosave.Debounce,
		MaxRetries:      cfg.Autosave.MaxRetries,
		RetryDelay:      cfg.Autosave.RetryDelay,
		DetectConflicts: cfg.Autosave.DetectConflicts,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	d.scheduler.SetBaseline(baseline)

	if cfg.Dashboard.Enabled {
		d.server = dashboard.NewServer(d, &dashboard.Config{
			Port:   cfg.Dashboard.Port,
			Logger: logger,
		})
		if err := d.server.Start(); err != nil {
			return err
		}
		defer func() {
			if err := d.server.Stop(); err != nil {
				logger.Printf("Dashboard shutdown error: %v", err)
			}
		}()
	}

	d.watcher, err = drafts.NewWatcher()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Drafts.Dir, 0755); err != nil {
		return fmt.Errorf("creating drafts directory: %w", err)
	}
	if err := d.watcher.Start(cfg.Drafts.Dir); err != nil {
		return err
	}
	defer d.watcher.Stop()

	// Resume any work left over from a previous run.
	if outstanding, err := store.Drafts(); err != nil {
		logger.Printf("Warning: failed to load stored drafts: %v", err)
	} else if len(outstanding) > 0 {
		logger.Printf("Resuming %d outstanding drafts", len(outstanding))
		d.scheduler.ScheduleSave(outstanding)
	}

	logger.Printf("Watching %s", cfg.Drafts.Dir)
	d.run(ctx, logger)

	// Flush outstanding work before exiting; the drafts store keeps it
	// if this fails.
	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.scheduler.ForceSave(flushCtx, nil); err != nil {
		logger.Printf("Final save failed, drafts retained: %v", err)
	}
	d.scheduler.Stop()
	return nil
}

// run is the daemon's event loop: draft edits, scheduler events, and
// the periodic connectivity probe.
func (d *daemon) run(ctx context.Context, logger *log.Logger) {
	events := d.scheduler.Events()
	warnings := d.eng.gate.Warnings()
	probe := time.NewTicker(d.cfg.Autosave.PollInterval)
	defer probe.Stop()

	var handler *dashboard.Handler
	if d.server != nil {
		handler = dashboard.NewHandler(d.server, nil)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.onDraftEvent(ev, logger)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			logger.Printf("Watcher error: %v", err)

		case ev, ok := <-events:
			if !ok {
				return
			}
			if handler != nil {
				handler.OnSchedulerEvent(ev)
			}
			if ev.Type == autosave.EventConflict {
				logger.Printf("Conflicts detected on %d paths; run 'foliosync resolve'",
					len(ev.Conflicts))
			}

		case w := <-warnings:
			if handler != nil {
				handler.OnQuotaWarning(w)
			}

		case <-probe.C:
			d.probeConnectivity(ctx, logger)
		}
	}
}

// onDraftEvent folds one filesystem event into the draft store and
// reschedules the save with the full outstanding snapshot.
func (d *daemon) onDraftEvent(ev drafts.Event, logger *log.Logger) {
	switch ev.Op {
	case drafts.OpCreate, drafts.OpModify:
		content, err := os.ReadFile(ev.Path)
		if err != nil {
			logger.Printf("Failed to read draft %s: %v", ev.Path, err)
			return
		}
		if err := d.store.PutDraft(ev.RelPath, content); err != nil {
			logger.Printf("Failed to store draft %s: %v", ev.RelPath, err)
			return
		}
	case drafts.OpDelete:
		if err := d.store.DeleteDraft(ev.RelPath); err != nil {
			logger.Printf("Failed to drop draft %s: %v", ev.RelPath, err)
			return
		}
	}

	snap, err := d.store.Drafts()
	if err != nil {
		logger.Printf("Failed to load drafts: %v", err)
		return
	}
	if len(snap) > 0 {
		d.scheduler.ScheduleSave(snap)
	}
}

// probeConnectivity drives the offline/online transitions with a cheap
// remote call outside the queue.
func (d *daemon) probeConnectivity(ctx context.Context, logger *log.Logger) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := d.eng.client.LatestCommit(probeCtx, d.eng.repo, d.cfg.Remote.Branch)
	switch {
	case err == nil:
		d.scheduler.SetOnline(true)
	case githost.KindOf(err) == githost.KindTransientNetwork:
		logger.Printf("Connectivity lost: %v", err)
		d.scheduler.SetOnline(false)
	}
}

// saveSnapshot is the scheduler's save function: one commit per changed
// path, preconditioned on the hash from the previous save.
func (d *daemon) saveSnapshot(ctx context.Context, snap autosave.Snapshot, baseline *githost.CommitRef) (*githost.CommitRef, error) {
	hashes, err := d.store.SavedHashes()
	if err != nil {
		return nil, err
	}

	var last *githost.CommitRef
	for path, content := range snap {
		req := githost.WriteRequest{
			Path:        path,
			Content:     content,
			Message:     fmt.Sprintf("Update %s", path),
			Branch:      d.cfg.Remote.Branch,
			ExpectedSHA: hashes[path],
		}
		commit, err := d.eng.client.WriteFile(ctx, d.eng.repo, req)
		if err != nil {
			return last, fmt.Errorf("writing %s: %w", path, err)
		}
		last = commit

		if err := d.store.SetSavedHash(path, githost.BlobSHA(content)); err != nil {
			return last, err
		}
		if err := d.store.DeleteDraft(path); err != nil {
			return last, err
		}
	}

	if last != nil {
		if err := d.store.SetBaseline(d.eng.repo, d.cfg.Remote.Branch, *last); err != nil {
			return last, err
		}
	}
	return last, nil
}

