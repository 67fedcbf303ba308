package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Mohammed3MG/ainbox/internal/accounts"
	"github.com/Mohammed3MG/ainbox/internal/auth"
	"github.com/Mohammed3MG/ainbox/internal/config"
	"github.com/Mohammed3MG/ainbox/internal/logger"
	mirrorsqlite "github.com/Mohammed3MG/ainbox/internal/mirror/sqlite"
	"github.com/Mohammed3MG/ainbox/internal/natsjs"
	"github.com/Mohammed3MG/ainbox/internal/sync"
)

var reconcileAccountID int64

// reconcileCmd runs one reconciliation pass from the CLI.
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass for an account",
	Long: `Runs a single reconciliation pass outside the periodic scheduler:
history delta (or a bounded resync when the provider no longer serves
the stored cursor), then count reconciliation.

Examples:
  # Reconcile account 1
  ainbox reconcile --account 1`,
	RunE: runReconcile,
}

func init() {
	reconcileCmd.Flags().Int64Var(&reconcileAccountID, "account", 0, "Account ID to reconcile (required)")
	_ = reconcileCmd.MarkFlagRequired("account")

	RootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load(".")
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	l, err := logger.New(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer l.Sync()

	registry, err := accounts.Open(cfg.Database.AccountsPath)
	if err != nil {
		return fmt.Errorf("failed to open account registry: %w", err)
	}
	defer registry.Close()

	mirror, err := mirrorsqlite.Open(cfg.Database.MirrorPath)
	if err != nil {
		return fmt.Errorf("failed to open mailbox mirror: %w", err)
	}
	defer mirror.Close()

	publisher, err := natsjs.NewPublisher(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer publisher.Close()

	if err := publisher.EnsureStream(ctx); err != nil {
		return fmt.Errorf("failed to ensure event stream: %w", err)
	}

	tokens := auth.NewTokenClient(cfg.Auth.ServerURL)

	engineCfg := engineConfig(cfg.Engine)
	engineCfg.Enabled = false // one-shot run, no periodic ticks

	engine := sync.NewScheduler(engineCfg, registry, mirror, tokens, newProviderFactory(), publisher, l)

	l.Info("Starting reconciliation pass", zap.Int64("account_id", reconcileAccountID))

	res, err := engine.ReconcileAccount(ctx, reconcileAccountID)
	if err != nil {
		return fmt.Errorf("reconciliation failed: %w", err)
	}

	l.Info("Reconciliation pass complete",
		zap.Int64("account_id", res.AccountID),
		zap.Int("changes_applied", res.Applied),
		zap.Bool("resynced", res.Resynced),
		zap.Int64("unread", res.Counts.Unread),
		zap.Int64("total", res.Counts.Total),
		zap.Bool("counts_changed", res.CountsChanged),
	)
	return nil
}
