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

package api

import (
	"context"
	"fmt"

	"bank-sync-go/internal/database"
	"bank-sync-go/internal/models"
	syncengine "bank-sync-go/internal/sync"

	"go.uber.org/zap"
)

// ConnectionDetail bundles everything an operator view needs for one
// connection.
type ConnectionDetail struct {
	Connection *models.Connection       `json:"connection"`
	Accounts   []models.Account         `json:"accounts"`
	Jobs       []models.IngestionJob    `json:"jobs"`
	Events     []models.ConnectionEvent `json:"events"`
}

// Service is the call surface behind every entry point (CLI, daemon,
// future HTTP layer). It owns no logic of its own; it routes into the
// engine and the stores.
type Service struct {
	db           *database.Service
	flow         *syncengine.Flow
	orchestrator *syncengine.Orchestrator
}

func NewService(db *database.Service, flow *syncengine.Flow, orchestrator *syncengine.Orchestrator) *Service {
	return &Service{db: db, flow: flow, orchestrator: orchestrator}
}

func (s *Service) HealthCheck(ctx context.Context) error {
	return s.db.HealthCheck(ctx)
}

// SyncNow runs one sync for a connection and returns the structured result.
func (s *Service) SyncNow(ctx context.Context, req models.SyncRequest) *models.SyncResult {
	return s.orchestrator.Run(ctx, req)
}

// BeginConnect starts the authorization flow for a tenant/provider pair.
func (s *Service) BeginConnect(ctx context.Context, tenantId, providerId string) (*models.Connection, string, error) {
	if err := s.db.EnsureTenant(ctx, tenantId, tenantId); err != nil {
		return nil, "", fmt.Errorf("failed to ensure tenant: %w", err)
	}
	return s.flow.BeginConnect(ctx, tenantId, providerId)
}

// CompleteConnect finishes the authorization flow and runs the first sync.
func (s *Service) CompleteConnect(ctx context.Context, connectionId, state, code string) (*models.SyncResult, error) {
	return s.flow.HandleCallback(ctx, connectionId, state, code)
}

func (s *Service) ListConnections(ctx context.Context, tenantId string) ([]models.Connection, error) {
	return s.db.ListTenantConnections(ctx, tenantId)
}

// GetConnectionDetail returns the connection plus its accounts, recent jobs,
// and history events.
func (s *Service) GetConnectionDetail(ctx context.Context, connectionId string) (*ConnectionDetail, error) {
	connection, err := s.db.GetConnection(ctx, connectionId)
	if err != nil {
		return nil, err
	}

	accounts, err := s.db.ListConnectionAccounts(ctx, connectionId)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	jobs, err := s.db.ListConnectionJobs(ctx, connectionId, 20)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	events, err := s.db.ListConnectionEvents(ctx, connectionId, 20)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	return &ConnectionDetail{
		Connection: connection,
		Accounts:   accounts,
		Jobs:       jobs,
		Events:     events,
	}, nil
}

// DisconnectConnection soft-deletes a connection. History stays queryable.
func (s *Service) DisconnectConnection(ctx context.Context, connectionId string) error {
	if err := s.db.SoftDeleteConnection(ctx, connectionId); err != nil {
		return err
	}
	if err := s.db.RecordConnectionEvent(ctx, connectionId, "disconnected", nil); err != nil {
		zap.L().Warn("Failed to record disconnect event",
			zap.String("connection_id", connectionId),
			zap.Error(err))
	}
	zap.L().Info("Connection disconnected", zap.String("connection_id", connectionId))
	return nil
}

func (s *Service) GetJob(ctx context.Context, jobId string) (*models.IngestionJob, error) {
	return s.db.GetJob(ctx, jobId)
}
