package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/foliolab/foliosync/internal/config"
	"github.com/foliolab/foliosync/internal/drafts"
	"github.com/foliolab/foliosync/internal/githost"
	"github.com/foliolab/foliosync/internal/syncer"
)

var resolveStrategy string

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Detect and resolve conflicts between local drafts and the remote",
	Long: `Check every outstanding draft against the remote branch and resolve
any conflicts.

With --strategy the chosen strategy is applied to the whole batch
without prompting. Without it, an interactive picker is shown; the
manual strategy additionally prompts for merged content per path.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runResolve(cfg)
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveStrategy, "strategy", "",
		"resolution strategy: keep_local, keep_remote, or manual")
}

var (
	conflictStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func runResolve(cfg *config.Config) error {
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

	ctx := context.Background()

	result, changes, err := detectOutstanding(ctx, eng, store, cfg.Remote.Branch)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		fmt.Println("No outstanding drafts; nothing to resolve.")
		return nil
	}

	for _, pf := range result.ProbeFailures {
		fmt.Printf("%s %s: probe failed, treated as conflict-free: %v\n",
			dimStyle.Render("warning"), pf.Path, pf.Err)
	}
	if !result.HasConflicts {
		fmt.Println(okStyle.Render("No conflicts detected."))
		return nil
	}

	fmt.Printf("%s\n\n", conflictStyle.Render(
		fmt.Sprintf("%d conflict(s) detected:", len(result.Conflicts))))
	for _, c := range result.Conflicts {
		fmt.Printf("  %s  %s\n", c.Path, dimStyle.Render(string(c.Kind)))
	}
	fmt.Println()

	strategy := syncer.Strategy(resolveStrategy)
	if resolveStrategy == "" {
		strategy, err = pickStrategy()
		if err != nil {
			return err
		}
	}
	if !strategy.IsValid() {
		return fmt.Errorf("unknown strategy %q (want keep_local, keep_remote, or manual)", strategy)
	}

	var manualValues map[string][]byte
	if strategy == syncer.StrategyManual {
		manualValues, err = promptManualValues(result.Conflicts)
		if err != nil {
			return err
		}
	}

	outcomes, summary := eng.resolver.Resolve(ctx, result.Conflicts, strategy, manualValues)
	for _, o := range outcomes {
		if o.Resolved {
			fmt.Printf("  %s %s\n", okStyle.Render("resolved"), o.Path)
			if err := applyOutcome(cfg, store, o, result.Conflicts, manualValues); err != nil {
				fmt.Printf("  %s updating local state for %s: %v\n",
					dimStyle.Render("warning"), o.Path, err)
			}
		} else {
			fmt.Printf("  %s %s: %v\n", conflictStyle.Render("failed"), o.Path, o.Err)
		}
	}

	fmt.Printf("\n%d resolved, %d failed, %d total\n",
		summary.Resolved, summary.Failed, summary.Total)
	if summary.Failed > 0 {
		return fmt.Errorf("%d conflict(s) left unresolved", summary.Failed)
	}
	return nil
}

// detectOutstanding builds local changes from the draft store and runs
// conflict detection against the recorded baseline.
func detectOutstanding(ctx context.Context, eng *engine, store *drafts.Store, branch string) (*syncer.DetectResult, []syncer.LocalChange, error) {
	snap, err := store.Drafts()
	if err != nil {
		return nil, nil, err
	}
	hashes, err := store.SavedHashes()
	if err != nil {
		return nil, nil, err
	}

	changes := make([]syncer.LocalChange, 0, len(snap))
	for path, content := range snap {
		changes = append(changes, syncer.LocalChange{
			Path:        path,
			Content:     content,
			BaselineSHA: hashes[path],
		})
	}
	if len(changes) == 0 {
		return &syncer.DetectResult{}, nil, nil
	}

	baseline, err := store.Baseline(eng.repo, branch)
	if errors.Is(err, drafts.ErrNoBaseline) {
		baseline, err = eng.client.LatestCommit(ctx, eng.repo, branch)
	}
	if err != nil {
		return nil, nil, err
	}

	result, err := eng.coordinator.DetectConflicts(ctx, baseline, changes)
	if err != nil {
		return nil, nil, err
	}
	return result, changes, nil
}

func pickStrategy() (syncer.Strategy, error) {
	options := make([]huh.Option[syncer.Strategy], 0, 3)
	for _, s := range syncer.AllStrategies() {
		options = append(options, huh.NewOption(
			fmt.Sprintf("%s — %s", s, s.Description()), s))
	}

	var strategy syncer.Strategy
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[syncer.Strategy]().
			Title("Resolution strategy").
			Options(options...).
			Value(&strategy),
	))
	if err := form.Run(); err != nil {
		return "", err
	}
	return strategy, nil
}

func promptManualValues(conflicts []syncer.Conflict) (map[string][]byte, error) {
	values := make(map[string][]byte, len(conflicts))
	for _, c := range conflicts {
		merged := string(c.Local.Content)
		form := huh.NewForm(huh.NewGroup(
			huh.NewText().
				Title(fmt.Sprintf("Merged content for %s", c.Path)).
				Description("Starts from your local version; edit to merge.").
				Value(&merged),
		))
		if err := form.Run(); err != nil {
			return nil, err
		}
		values[c.Path] = []byte(merged)
	}
	return values, nil
}

// applyOutcome folds a resolved conflict back into the local drafts:
// keep_remote rewrites the local file from the remote, the writing
// strategies record the new saved hash. The draft is cleared either way.
func applyOutcome(cfg *config.Config, store *drafts.Store, o syncer.ResolutionOutcome, conflicts []syncer.Conflict, manualValues map[string][]byte) error {
	var conflict *syncer.Conflict
	for i := range conflicts {
		if conflicts[i].Path == o.Path {
			conflict = &conflicts[i]
			break
		}
	}
	if conflict == nil {
		return fmt.Errorf("no conflict recorded for %s", o.Path)
	}

	switch o.Strategy {
	case syncer.StrategyKeepRemote:
		local := filepath.Join(cfg.Drafts.Dir, filepath.FromSlash(o.Path))
		if conflict.Remote == nil {
			// Remote deleted the path; mirror the deletion locally.
			if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
				return err
			}
			if err := store.SetSavedHash(o.Path, ""); err != nil {
				return err
			}
		} else {
			if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
				return err
			}
			if err := os.WriteFile(local, conflict.Remote.Content, 0644); err != nil {
				return err
			}
			if err := store.SetSavedHash(o.Path, conflict.Remote.SHA); err != nil {
				return err
			}
		}

	case syncer.StrategyKeepLocal:
		if err := store.SetSavedHash(o.Path, githost.BlobSHA(conflict.Local.Content)); err != nil {
			return err
		}

	case syncer.StrategyManual:
		// The merged value is now the remote content; the local file
		// is rewritten to match so the next diff is clean.
		merged := manualValues[o.Path]
		local := filepath.Join(cfg.Drafts.Dir, filepath.FromSlash(o.Path))
		if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(local, merged, 0644); err != nil {
			return err
		}
		if err := store.SetSavedHash(o.Path, githost.BlobSHA(merged)); err != nil {
			return err
		}
	}

	return store.DeleteDraft(o.Path)
}
