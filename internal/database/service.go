/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

import (
	"context"
	"database/sql"
	"fmt"

	"bank-sync-go/internal/models"
	"bank-sync-go/internal/store"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Compile-time checks: *Service must satisfy every store contract.
var (
	_ store.CredentialStore    = (*Service)(nil)
	_ store.ConnectionRegistry = (*Service)(nil)
	_ store.JobLedger          = (*Service)(nil)
	_ store.SyncStore          = (*Service)(nil)
)

type Service struct {
	db *sql.DB
}

func NewService(ctx context.Context, cfg models.DatabaseConfig) (*Service, error) {
	// Validate configuration
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns < 0 {
		return nil, fmt.Errorf("max idle connections cannot be negative, got %d", cfg.MaxIdleConns)
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}

	zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path))
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=1000")
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	// Set connection timeouts and limits
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test connection with timeout
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service := &Service{db: db}
	if err := service.InitSchema(); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	zap.L().Info("Database service initialized successfully")
	return service, nil
}

// NewServiceWithDB wraps an existing handle (used by tests with :memory:).
func NewServiceWithDB(db *sql.DB) *Service {
	return &Service{db: db}
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

// HealthCheck verifies the database is reachable.
func (s *Service) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

func (s *Service) InitSchema() error {
	schema := `
	-- Tenants (teams/workspaces owning connections)
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	-- Connections: a tenant's link to one provider instance
	CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		provider_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		institution_name TEXT NOT NULL DEFAULT '',
		oauth_state TEXT NOT NULL DEFAULT '',
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		last_sync_at TIMESTAMP,
		reconnected_from TEXT NOT NULL DEFAULT '',
		reconnect_confidence TEXT NOT NULL DEFAULT '',
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_connections_tenant ON connections(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_connections_status ON connections(status);
	CREATE INDEX IF NOT EXISTS idx_connections_last_sync ON connections(last_sync_at);

	-- Provider credentials: at most one active bundle per (connection, provider)
	CREATE TABLE IF NOT EXISTS provider_credentials (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		connection_id TEXT NOT NULL REFERENCES connections(id),
		provider_id TEXT NOT NULL,
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMP,
		scope TEXT NOT NULL DEFAULT '',
		provider_user_id TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '',
		last_used_at TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(connection_id, provider_id)
	);

	-- Raw provider account envelopes (opaque payload, typed identity)
	CREATE TABLE IF NOT EXISTS provider_accounts (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		external_account_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		raw_payload TEXT NOT NULL DEFAULT '',
		fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(connection_id, provider_id, external_account_id)
	);

	-- Normalized accounts
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		connection_id TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		external_account_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		account_type TEXT NOT NULL DEFAULT '',
		currency TEXT NOT NULL DEFAULT '',
		balance TEXT NOT NULL DEFAULT '0',
		account_number TEXT NOT NULL DEFAULT '',
		iban TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(connection_id, provider_id, external_account_id)
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_connection ON accounts(connection_id);
	CREATE INDEX IF NOT EXISTS idx_accounts_tenant_provider ON accounts(tenant_id, provider_id);
	CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status);

	-- Normalized transactions, idempotent on external_key
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		connection_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		external_key TEXT NOT NULL UNIQUE,
		external_transaction_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		transaction_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		booked_at TIMESTAMP NOT NULL,
		job_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_connection ON transactions(connection_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_booked_at ON transactions(booked_at);

	-- Ingestion jobs: one audit row per sync attempt
	CREATE TABLE IF NOT EXISTS ingestion_jobs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		connection_id TEXT NOT NULL,
		job_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		fetched INTEGER NOT NULL DEFAULT 0,
		imported INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		summary TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		finished_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_connection ON ingestion_jobs(connection_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON ingestion_jobs(status);

	-- Connection history ledger (reconnections, status changes)
	CREATE TABLE IF NOT EXISTS connection_history (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_history_connection ON connection_history(connection_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// EnsureTenant creates a tenant row if it does not exist yet.
func (s *Service) EnsureTenant(ctx context.Context, tenantId, name string) error {
	_, err := s.db.ExecContext(ctx, queryInsertTenant, tenantId, name)
	if err != nil {
		return fmt.Errorf("failed to ensure tenant: %w", err)
	}
	return nil
}

// GetTenant returns a tenant by id.
func (s *Service) GetTenant(ctx context.Context, tenantId string) (*models.Tenant, error) {
	var t models.Tenant
	err := s.db.QueryRowContext(ctx, queryGetTenant, tenantId).Scan(&t.Id, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tenant %s not found", tenantId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &t, nil
}
