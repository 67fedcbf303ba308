package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Mohammed3MG/ainbox/internal/accounts"
	"github.com/Mohammed3MG/ainbox/internal/config"
	"github.com/Mohammed3MG/ainbox/internal/logger"
	"github.com/Mohammed3MG/ainbox/internal/sync"
)

var (
	linkEmail         string
	linkProvider      string
	linkCredentialRef string
)

// linkCmd registers a mailbox for syncing.
var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Link a mailbox account",
	Long: `Registers a mailbox for syncing. The credential reference names an
OAuth credential held by the external auth service; no tokens are
stored here.

Examples:
  ainbox link --email user@example.com --provider google --credential-ref cred_abc123`,
	RunE: runLink,
}

func init() {
	linkCmd.Flags().StringVar(&linkEmail, "email", "", "Mailbox address (required)")
	linkCmd.Flags().StringVar(&linkProvider, "provider", "", "Mail provider: google or microsoft (required)")
	linkCmd.Flags().StringVar(&linkCredentialRef, "credential-ref", "", "Credential reference at the auth service (required)")
	_ = linkCmd.MarkFlagRequired("email")
	_ = linkCmd.MarkFlagRequired("provider")
	_ = linkCmd.MarkFlagRequired("credential-ref")

	RootCmd.AddCommand(linkCmd)
}

func runLink(cmd *cobra.Command, args []string) error {
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

	provider := strings.ToUpper(linkProvider)
	switch sync.ProviderName(provider) {
	case sync.ProviderGoogle, sync.ProviderMicrosoft:
	default:
		return fmt.Errorf("provider must be google or microsoft, got %q", linkProvider)
	}

	registry, err := accounts.Open(cfg.Database.AccountsPath)
	if err != nil {
		return fmt.Errorf("failed to open account registry: %w", err)
	}
	defer registry.Close()

	account, err := registry.Link(ctx, linkEmail, provider, linkCredentialRef)
	if err != nil {
		return fmt.Errorf("failed to link account: %w", err)
	}

	l.Info("Account linked",
		zap.Int64("account_id", account.ID),
		zap.String("email", account.Email),
		zap.String("provider", account.Provider))
	return nil
}
