package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/foliolab/foliosync/internal/dashboard"
	"github.com/foliolab/foliosync/internal/drafts"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's engine status",
	Long: `Query the daemon's dashboard endpoint and print quota, queue, and
persistence state. Falls back to local draft-store counts when no
daemon is running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runStatus(cfg.Dashboard.Port, cfg.Drafts.StorePath)
	},
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Width(16)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

func runStatus(port int, storePath string) error {
	status, err := fetchStatus(port)
	if err != nil {
		fmt.Printf("Daemon not reachable on port %d: %v\n\n", port, err)
		return localStatus(storePath)
	}

	fmt.Println(headerStyle.Render("foliosync status"))
	fmt.Println()
	fmt.Printf("%s %s\n", labelStyle.Render("Persist state:"), status.PersistState)
	if !status.Persist.LastSavedAt.IsZero() {
		fmt.Printf("%s %s\n", labelStyle.Render("Last saved:"),
			status.Persist.LastSavedAt.Format(time.RFC3339))
	}
	if status.Persist.Baseline != nil {
		fmt.Printf("%s %s\n", labelStyle.Render("Baseline:"), status.Persist.Baseline.SHA)
	}
	if status.Persist.RetryCount > 0 {
		fmt.Printf("%s %s\n", labelStyle.Render("Retries:"),
			warnStyle.Render(fmt.Sprintf("%d", status.Persist.RetryCount)))
	}
	fmt.Println()
	fmt.Printf("%s %d/%d remaining", labelStyle.Render("API quota:"),
		status.Quota.Remaining, status.Quota.Limit)
	if !status.Quota.ResetAt.IsZero() {
		fmt.Printf(" (resets %s)", status.Quota.ResetAt.Format(time.Kitchen))
	}
	fmt.Println()
	fmt.Printf("%s %d queued", labelStyle.Render("Request queue:"), status.QueueDepth)
	if status.Draining {
		fmt.Print(" (draining)")
	}
	fmt.Println()
	return nil
}

func fetchStatus(port int) (*dashboard.Status, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/status", port))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var status dashboard.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

// localStatus reports what can be known without a daemon: the count of
// outstanding drafts waiting to be persisted.
func localStatus(storePath string) error {
	store, err := drafts.Open(storePath)
	if err != nil {
		return fmt.Errorf("opening draft store: %w", err)
	}
	defer store.Close()

	snap, err := store.Drafts()
	if err != nil {
		return err
	}
	if len(snap) == 0 {
		fmt.Println("No outstanding drafts.")
		return nil
	}
	fmt.Printf("%d outstanding draft(s) waiting for the daemon:\n", len(snap))
	for path := range snap {
		fmt.Printf("  %s\n", path)
	}
	return nil
}
