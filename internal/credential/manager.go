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

package credential

import (
	"context"
	"fmt"

	"bank-sync-go/internal/models"
	"bank-sync-go/internal/provider"
	"bank-sync-go/internal/store"

	"go.uber.org/zap"
)

// Manager owns the credential lifecycle: expiry detection, single-attempt
// refresh, and atomic persistence of rotated tokens.
type Manager struct {
	credentials store.CredentialStore
	providers   *provider.Registry
}

func NewManager(credentials store.CredentialStore, providers *provider.Registry) *Manager {
	return &Manager{credentials: credentials, providers: providers}
}

// GetValidCredential returns a credential guaranteed non-expired at time of
// use. An expired credential triggers exactly one refresh attempt; refresh
// failures propagate to the caller, which marks the connection errored.
// A credential with no refresh token fails fast with ErrCredentialExpired
// before any provider data call is made.
func (m *Manager) GetValidCredential(ctx context.Context, connection *models.Connection) (*models.Credential, error) {
	adapter, err := m.providers.Get(connection.ProviderId)
	if err != nil {
		return nil, err
	}

	cred, err := m.credentials.GetCredential(ctx, connection.Id, connection.ProviderId)
	if err != nil {
		return nil, err
	}

	if adapter.IsTokenExpired(cred.ExpiresAt) {
		if cred.RefreshToken == "" || !adapter.Capabilities().SupportsRefresh {
			zap.L().Warn("Credential expired with no refresh path, reconnect required",
				zap.String("connection_id", connection.Id),
				zap.String("provider_id", connection.ProviderId))
			return nil, fmt.Errorf("%w: connection %s", store.ErrCredentialExpired, connection.Id)
		}

		zap.L().Info("Access token expired, refreshing",
			zap.String("connection_id", connection.Id),
			zap.String("provider_id", connection.ProviderId))

		// Single attempt; the engine never retries refreshes internally.
		tokens, err := adapter.RefreshAccessToken(ctx, cred.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("token refresh failed: %w", err)
		}

		cred, err = m.credentials.UpsertCredential(ctx, store.UpsertCredentialParams{
			TenantId:       connection.TenantId,
			ConnectionId:   connection.Id,
			ProviderId:     connection.ProviderId,
			AccessToken:    tokens.AccessToken,
			RefreshToken:   tokens.RefreshToken,
			ExpiresAt:      tokens.ExpiresAt,
			Scope:          tokens.Scope,
			ProviderUserId: tokens.ProviderUserId,
			Metadata:       tokens.Metadata,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to persist refreshed tokens: %w", err)
		}
	}

	if err := m.credentials.TouchCredential(ctx, connection.Id, connection.ProviderId); err != nil {
		// Non-fatal bookkeeping; the credential itself is good.
		zap.L().Warn("Failed to update credential last_used_at",
			zap.String("connection_id", connection.Id),
			zap.Error(err))
	}

	return cred, nil
}
