package common

import (
	"context"
	"log"
	"os"
	"strings"

	"bank-sync-go/internal/api"
	"bank-sync-go/internal/credential"
	"bank-sync-go/internal/database"
	"bank-sync-go/internal/mirror"
	"bank-sync-go/internal/models"
	"bank-sync-go/internal/provider"
	"bank-sync-go/internal/reconcile"
	syncengine "bank-sync-go/internal/sync"

	primecredentials "github.com/coinbase-samples/prime-sdk-go/credentials"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// Environment variables can also be set via shell export, docker, etc.
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
	}
}

type Services struct {
	DbService    *database.Service
	Providers    *provider.Registry
	Mirror       mirror.Mirror
	Orchestrator *syncengine.Orchestrator
	Flow         *syncengine.Flow
	Api          *api.Service
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

// InitializeServices wires the full engine: database, provider registry from
// the catalog, the optional ledger mirror, orchestrator, connect flow, and
// the call surface.
func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	catalog, err := LoadProviderCatalog(cfg.Sync.ProvidersFile)
	if err != nil {
		dbService.Close()
		return nil, err
	}
	registry, skipped, err := BuildRegistry(catalog)
	if err != nil {
		dbService.Close()
		return nil, err
	}
	for _, id := range skipped {
		zap.L().Warn("Provider skipped, credentials not configured",
			zap.String("provider_id", id))
	}

	// Coinbase Prime registers as a direct provider when its API keys are
	// present; it lives outside the yaml catalog because it has no OAuth
	// endpoints.
	if creds := loadPrimeCredentials(); creds != nil {
		primeAdapter, err := provider.NewPrime(creds)
		if err != nil {
			dbService.Close()
			return nil, err
		}
		registry.Register(primeAdapter)
		zap.L().Info("Coinbase Prime adapter registered")
	}

	var ledgerMirror mirror.Mirror = mirror.Nop{}
	if cfg.Mirror.StackURL != "" {
		formanceMirror, err := mirror.NewFormance(ctx, cfg.Mirror)
		if err != nil {
			dbService.Close()
			return nil, err
		}
		ledgerMirror = formanceMirror
	}

	credentialManager := credential.NewManager(dbService, registry)
	matcher := reconcile.NewMatcher(dbService, dbService)
	orchestrator := syncengine.NewOrchestrator(
		dbService, dbService, dbService,
		credentialManager, registry, matcher, ledgerMirror, cfg.Sync)
	flow := syncengine.NewFlow(dbService, dbService, dbService, registry, orchestrator)

	return &Services{
		DbService:    dbService,
		Providers:    registry,
		Mirror:       ledgerMirror,
		Orchestrator: orchestrator,
		Flow:         flow,
		Api:          api.NewService(dbService, flow, orchestrator),
	}, nil
}

// InitializeDatabaseOnly initializes just the database service.
// Useful for read-only operations like inspecting jobs.
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (*database.Service, error) {
	return database.NewService(ctx, cfg.Database)
}

func (cs *Services) Close() {
	if cs.DbService != nil {
		cs.DbService.Close()
	}
}

// loadPrimeCredentials returns nil when the Prime keys are absent; the
// adapter is simply not registered in that case.
func loadPrimeCredentials() *primecredentials.Credentials {
	accessKey := os.Getenv("PRIME_ACCESS_KEY")
	passphrase := os.Getenv("PRIME_PASSPHRASE")
	signingKey := os.Getenv("PRIME_SIGNING_KEY")

	if accessKey == "" || passphrase == "" || signingKey == "" {
		return nil
	}

	return &primecredentials.Credentials{
		AccessKey:  accessKey,
		Passphrase: passphrase,
		SigningKey: signingKey,
	}
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
