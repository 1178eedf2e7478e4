package main

import (
	"context"
	"flag"
	"fmt"

	"bank-sync-go/internal/common"
	"bank-sync-go/internal/config"

	"go.uber.org/zap"
)

// setup initializes the database schema and registers a tenant. Run once
// before starting the daemon.
func main() {
	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	tenantId := flag.String("tenant", "default", "Tenant id to create")
	tenantName := flag.String("name", "", "Tenant display name (defaults to the id)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	name := *tenantName
	if name == "" {
		name = *tenantId
	}
	if err := dbService.EnsureTenant(ctx, *tenantId, name); err != nil {
		zap.L().Fatal("Failed to create tenant", zap.Error(err))
	}

	zap.L().Info("Setup complete",
		zap.String("database", cfg.Database.Path),
		zap.String("tenant_id", *tenantId))
	fmt.Printf("Database %s initialized, tenant %s ready\n", cfg.Database.Path, *tenantId)
}
