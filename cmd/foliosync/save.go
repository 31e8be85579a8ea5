package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/foliolab/foliosync/internal/autosave"
	"github.com/foliolab/foliosync/internal/drafts"
	"github.com/foliolab/foliosync/internal/githost"
)

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Persist all outstanding drafts now",
	Long: `Save every outstanding draft to the remote repository immediately,
without waiting for the daemon's debounce window. Conflicts abort the
save; run 'foliosync resolve' to settle them first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

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

		snap, err := store.Drafts()
		if err != nil {
			return err
		}
		if len(snap) == 0 {
			fmt.Println("Nothing to save.")
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		baseline, err := store.Baseline(eng.repo, cfg.Remote.Branch)
		if errors.Is(err, drafts.ErrNoBaseline) {
			baseline, err = eng.client.LatestCommit(ctx, eng.repo, cfg.Remote.Branch)
		}
		if err != nil {
			return fmt.Errorf("establishing baseline: %w", err)
		}

		d := &daemon{cfg: cfg, eng: eng, store: store}
		sched, err := autosave.New(d.saveSnapshot, eng.coordinator, autosave.Config{
			MaxRetries:      cfg.Autosave.MaxRetries,
			RetryDelay:      cfg.Autosave.RetryDelay,
			DetectConflicts: cfg.Autosave.DetectConflicts,
		})
		if err != nil {
			return err
		}
		sched.SetBaseline(baseline)
		defer sched.Stop()

		if err := sched.ForceSave(ctx, snap); err != nil {
			if githost.IsQuotaExceeded(err) {
				return fmt.Errorf("API quota exhausted; try again after the window resets: %w", err)
			}
			return err
		}

		fmt.Printf("Saved %d path(s).\n", len(snap))
		if ref := sched.Baseline(); ref != nil {
			fmt.Printf("New baseline: %s\n", ref.SHA)
		}
		return nil
	},
}
