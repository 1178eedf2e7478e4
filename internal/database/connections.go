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
	"time"

	"bank-sync-go/internal/models"
	"bank-sync-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func scanConnection(row interface {
	Scan(dest ...interface{}) error
}) (*models.Connection, error) {
	var c models.Connection
	var lastSync sql.NullTime
	var deleted int
	err := row.Scan(&c.Id, &c.TenantId, &c.ProviderId, &c.Status, &c.InstitutionName,
		&c.OAuthState, &c.ConsecutiveFailures, &c.LastError, &lastSync,
		&c.ReconnectedFrom, &c.ReconnectConfidence, &deleted, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastSync.Valid {
		t := lastSync.Time
		c.LastSyncAt = &t
	}
	c.Deleted = deleted != 0
	return &c, nil
}

func (s *Service) GetConnection(ctx context.Context, connectionId string) (*models.Connection, error) {
	conn, err := scanConnection(s.db.QueryRowContext(ctx, queryGetConnection, connectionId))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", store.ErrConnectionNotFound, connectionId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

func (s *Service) CreateConnection(ctx context.Context, params store.CreateConnectionParams) (*models.Connection, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, queryInsertConnection,
		id, params.TenantId, params.ProviderId, models.ConnectionPending, params.InstitutionName)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}

	zap.L().Info("Connection created",
		zap.String("connection_id", id),
		zap.String("tenant_id", params.TenantId),
		zap.String("provider_id", params.ProviderId))

	return s.GetConnection(ctx, id)
}

func (s *Service) ListTenantConnections(ctx context.Context, tenantId string) ([]models.Connection, error) {
	rows, err := s.db.QueryContext(ctx, queryListTenantConnections, tenantId)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant connections: %w", err)
	}
	defer closeRows(rows)

	var connections []models.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		connections = append(connections, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connection rows: %w", err)
	}
	return connections, nil
}

func (s *Service) ListDueConnections(ctx context.Context, olderThan time.Time) ([]models.Connection, error) {
	rows, err := s.db.QueryContext(ctx, queryListDueConnections, olderThan.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list due connections: %w", err)
	}
	defer closeRows(rows)

	var connections []models.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		connections = append(connections, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connection rows: %w", err)
	}
	return connections, nil
}

func (s *Service) SetOAuthState(ctx context.Context, connectionId, state string) error {
	result, err := s.db.ExecContext(ctx, querySetOAuthState, state, connectionId)
	if err != nil {
		return fmt.Errorf("failed to set oauth state: %w", err)
	}
	return requireRow(result, fmt.Errorf("%w: %s", store.ErrConnectionNotFound, connectionId))
}

// ConsumeOAuthState clears the one-time state in a single conditional UPDATE.
// Zero affected rows means the state was wrong or already used.
func (s *Service) ConsumeOAuthState(ctx context.Context, connectionId, state string) error {
	if state == "" {
		return store.ErrInvalidOAuthState
	}
	result, err := s.db.ExecContext(ctx, queryConsumeOAuthState, connectionId, state)
	if err != nil {
		return fmt.Errorf("failed to consume oauth state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		zap.L().Warn("Rejected oauth state consumption",
			zap.String("connection_id", connectionId))
		return store.ErrInvalidOAuthState
	}
	return nil
}

func (s *Service) ActivateConnection(ctx context.Context, connectionId, institutionName string) error {
	result, err := s.db.ExecContext(ctx, queryActivateConnection, institutionName, connectionId)
	if err != nil {
		return fmt.Errorf("failed to activate connection: %w", err)
	}
	if err := requireRow(result, fmt.Errorf("%w: %s", store.ErrConnectionNotFound, connectionId)); err != nil {
		return err
	}

	zap.L().Info("Connection activated",
		zap.String("connection_id", connectionId),
		zap.String("institution", institutionName))
	return nil
}

func (s *Service) RecordSyncSuccess(ctx context.Context, connectionId string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, queryRecordSyncSuccess, at.UTC(), connectionId)
	if err != nil {
		return fmt.Errorf("failed to record sync success: %w", err)
	}
	return requireRow(result, fmt.Errorf("%w: %s", store.ErrConnectionNotFound, connectionId))
}

func (s *Service) RecordSyncFailure(ctx context.Context, connectionId, message string) error {
	result, err := s.db.ExecContext(ctx, queryRecordSyncFailure, message, connectionId)
	if err != nil {
		return fmt.Errorf("failed to record sync failure: %w", err)
	}
	return requireRow(result, fmt.Errorf("%w: %s", store.ErrConnectionNotFound, connectionId))
}

func (s *Service) MarkReconnected(ctx context.Context, connectionId, fromConnectionId, confidence string) error {
	result, err := s.db.ExecContext(ctx, queryMarkReconnected, fromConnectionId, confidence, connectionId)
	if err != nil {
		return fmt.Errorf("failed to mark reconnection: %w", err)
	}
	return requireRow(result, fmt.Errorf("%w: %s", store.ErrConnectionNotFound, connectionId))
}

func (s *Service) SoftDeleteConnection(ctx context.Context, connectionId string) error {
	result, err := s.db.ExecContext(ctx, querySoftDeleteConnection, connectionId)
	if err != nil {
		return fmt.Errorf("failed to soft delete connection: %w", err)
	}
	if err := requireRow(result, fmt.Errorf("%w: %s", store.ErrConnectionNotFound, connectionId)); err != nil {
		return err
	}

	zap.L().Info("Connection soft-deleted, transactions retained",
		zap.String("connection_id", connectionId))
	return nil
}

func requireRow(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		zap.L().Warn("Failed to close rows", zap.Error(err))
	}
}
