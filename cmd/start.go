package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Mohammed3MG/ainbox/internal/accounts"
	"github.com/Mohammed3MG/ainbox/internal/api"
	"github.com/Mohammed3MG/ainbox/internal/auth"
	"github.com/Mohammed3MG/ainbox/internal/config"
	"github.com/Mohammed3MG/ainbox/internal/logger"
	mirrorsqlite "github.com/Mohammed3MG/ainbox/internal/mirror/sqlite"
	"github.com/Mohammed3MG/ainbox/internal/natsjs"
	"github.com/Mohammed3MG/ainbox/internal/providers/gmail"
	"github.com/Mohammed3MG/ainbox/internal/providers/outlook"
	"github.com/Mohammed3MG/ainbox/internal/sync"
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the mailbox sync service",
	Long:  `Starts the reconciliation scheduler and the HTTP server.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(".")
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}

		logg, err := logger.New(&cfg.Log)
		if err != nil {
			log.Fatalf("Failed to initialize logger: %v", err)
		}
		defer logg.Sync()
		zap.ReplaceGlobals(logg)

		registry, err := accounts.Open(cfg.Database.AccountsPath)
		if err != nil {
			logg.Fatal("Failed to open account registry", zap.Error(err))
		}
		defer registry.Close()

		mirror, err := mirrorsqlite.Open(cfg.Database.MirrorPath)
		if err != nil {
			logg.Fatal("Failed to open mailbox mirror", zap.Error(err))
		}
		defer mirror.Close()

		publisher, err := natsjs.NewPublisher(cfg.NATS.URL)
		if err != nil {
			logg.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer publisher.Close()

		ctx := context.Background()
		if err := publisher.EnsureStream(ctx); err != nil {
			logg.Fatal("Failed to ensure event stream", zap.Error(err))
		}

		tokens := auth.NewTokenClient(cfg.Auth.ServerURL)

		// JWT verification on the API is optional; push webhooks and
		// health stay open either way.
		var verifier *auth.Verifier
		if cfg.Auth.JWKSURL != "" {
			verifier, err = auth.NewVerifier(cfg.Auth.JWKSURL)
			if err != nil {
				logg.Fatal("Failed to initialize JWT verifier", zap.Error(err))
			}
			logg.Info("API authentication enabled", zap.String("jwks_url", cfg.Auth.JWKSURL))
		}

		engine := sync.NewScheduler(engineConfig(cfg.Engine), registry, mirror, tokens, newProviderFactory(), publisher, logg)
		engine.Start(ctx)

		server := api.NewServer(engine, registry, mirror, verifier, logg)
		httpSrv := &http.Server{
			Addr:    ":" + cfg.Server.Port,
			Handler: server.Router(),
		}

		go func() {
			logg.Info("Starting server", zap.String("port", cfg.Server.Port))
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logg.Fatal("Server failed to start", zap.Error(err))
			}
		}()

		// Graceful shutdown: stop taking requests first so no new
		// passes start, then let in-flight passes finish.
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		logg.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logg.Warn("HTTP shutdown failed", zap.Error(err))
		}
		engine.Stop()
	},
}

func init() {
	RootCmd.AddCommand(startCmd)
}

// newProviderFactory builds the adapter constructor the engine calls
// once per pass with a freshly fetched token.
func newProviderFactory() sync.Factory {
	return func(ctx context.Context, account *accounts.Account, token *auth.Token) (sync.Provider, error) {
		switch sync.ProviderName(account.Provider) {
		case sync.ProviderGoogle:
			return gmail.New(ctx, token)
		case sync.ProviderMicrosoft:
			return outlook.New(ctx, token)
		}
		return nil, fmt.Errorf("unsupported provider %q", account.Provider)
	}
}

func engineConfig(cfg config.EngineConfig) sync.Config {
	return sync.Config{
		Enabled:          cfg.Enabled,
		Interval:         time.Duration(cfg.IntervalMs) * time.Millisecond,
		BatchSize:        cfg.BatchSize,
		StaleThreshold:   time.Duration(cfg.StaleThresholdMs) * time.Millisecond,
		ResyncMessageCap: cfg.ResyncMessageCap,
		OpTimeout:        time.Duration(cfg.OpTimeoutMs) * time.Millisecond,
	}
}
