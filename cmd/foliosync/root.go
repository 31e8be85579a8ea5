// foliosync persists locally edited portfolio content into a remote
// Git-hosted repository through its quota-limited REST API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foliolab/foliosync/internal/config"
	"github.com/foliolab/foliosync/internal/githost"
	"github.com/foliolab/foliosync/internal/logging"
	"github.com/foliolab/foliosync/internal/quota"
	"github.com/foliolab/foliosync/internal/retry"
	"github.com/foliolab/foliosync/internal/syncer"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "foliosync",
	Short: "Sync locally edited content into a remote repository",
	Long: `foliosync keeps a directory of locally edited content files in sync
with a remote Git-hosted repository, through its rate-limited REST API.

Edits are debounced and written as commits. Before each write the
engine checks whether the remote moved past the session's baseline
commit and whether any of those changes overlap the local edits; real
conflicts are surfaced for resolution instead of being overwritten.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default foliosync.yaml in . or ~/.config/foliosync)")
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// engine bundles the request plumbing and the sync layers built on it.
type engine struct {
	cfg         *config.Config
	repo        githost.RepoRef
	gate        *quota.Gate
	queue       *quota.Queue
	client      *githost.HTTPClient
	coordinator *syncer.Coordinator
	resolver    *syncer.Resolver
}

// newEngine builds the full stack from configuration: admission gate,
// request queue, retry policy, remote client, coordinator, resolver.
func newEngine(cfg *config.Config) (*engine, error) {
	logger := logging.New("[foliosync] ", cfg.LogFile)

	gate := quota.NewGate(quota.GateConfig{
		WarningThreshold: cfg.Quota.WarningThreshold,
		PauseThreshold:   cfg.Quota.PauseThreshold,
		Logger:           logger,
	})

	policy := retry.New(retry.Config{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BaseDelay:      cfg.Retry.BaseDelay,
		MaxDelay:       cfg.Retry.MaxDelay,
		BackoffFactor:  cfg.Retry.BackoffFactor,
		JitterFraction: cfg.Retry.JitterFraction,
		// The queue owns waiting for quota windows.
		WaitForQuotaReset: false,
		Logger:            logger,
	})

	queue := quota.NewQueue(gate, policy, quota.QueueConfig{
		MaxSize:     cfg.Quota.MaxQueueSize,
		CallTimeout: cfg.Quota.QueueTimeout,
		Spacing:     cfg.Quota.Spacing,
		Logger:      logger,
	})

	client, err := githost.NewHTTPClient(githost.HTTPConfig{
		BaseURL:    cfg.Remote.BaseURL,
		Token:      cfg.Remote.Token,
		Executor:   queue,
		RateLimits: gate,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("building remote client: %w", err)
	}

	repo := githost.RepoRef{Owner: cfg.Remote.Owner, Name: cfg.Remote.Repo}
	return &engine{
		cfg:         cfg,
		repo:        repo,
		gate:        gate,
		queue:       queue,
		client:      client,
		coordinator: syncer.NewCoordinator(client, repo, cfg.Remote.Branch, logger),
		resolver:    syncer.NewResolver(client, repo, cfg.Remote.Branch, logger),
	}, nil
}

// close releases the engine's resources.
func (e *engine) close() {
	e.queue.Close()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter foliosync.yaml to the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "foliosync.yaml"
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s; fill in remote.owner and remote.repo\n", path)
		return nil
	},
}
