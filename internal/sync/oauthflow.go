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

package sync

import (
	"context"
	"fmt"

	"bank-sync-go/internal/models"
	"bank-sync-go/internal/provider"
	"bank-sync-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Flow drives the connect lifecycle: connect intent with a one-time state,
// callback exchange, credential persistence, activation, and the inline
// first sync.
type Flow struct {
	registry     store.ConnectionRegistry
	credentials  store.CredentialStore
	syncStore    store.SyncStore
	providers    *provider.Registry
	orchestrator *Orchestrator
}

func NewFlow(
	registry store.ConnectionRegistry,
	credentials store.CredentialStore,
	syncStore store.SyncStore,
	providers *provider.Registry,
	orchestrator *Orchestrator,
) *Flow {
	return &Flow{
		registry:     registry,
		credentials:  credentials,
		syncStore:    syncStore,
		providers:    providers,
		orchestrator: orchestrator,
	}
}

// BeginConnect creates a pending connection carrying a fresh one-time state
// and returns it with the provider's authorization URL.
func (f *Flow) BeginConnect(ctx context.Context, tenantId, providerId string) (*models.Connection, string, error) {
	adapter, err := f.providers.Get(providerId)
	if err != nil {
		return nil, "", err
	}
	authorizer, ok := adapter.(provider.Authorizer)
	if !ok {
		return nil, "", fmt.Errorf("provider %s does not use the authorization-code flow", providerId)
	}

	connection, err := f.registry.CreateConnection(ctx, store.CreateConnectionParams{
		TenantId:   tenantId,
		ProviderId: providerId,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to create connection: %w", err)
	}

	state := uuid.NewString()
	if err := f.registry.SetOAuthState(ctx, connection.Id, state); err != nil {
		return nil, "", fmt.Errorf("failed to store oauth state: %w", err)
	}
	connection.OAuthState = state

	zap.L().Info("Connect flow started",
		zap.String("connection_id", connection.Id),
		zap.String("tenant_id", tenantId),
		zap.String("provider_id", providerId))

	return connection, authorizer.AuthorizeURL(state), nil
}

// HandleCallback completes the connect flow. The state is consumed
// atomically before anything else happens: a replayed or forged callback
// fails with store.ErrInvalidOAuthState and performs no token exchange.
// On success the connection is activated and synced inline; the sync result
// carries any partial-import detail.
func (f *Flow) HandleCallback(ctx context.Context, connectionId, state, code string) (*models.SyncResult, error) {
	connection, err := f.registry.GetConnection(ctx, connectionId)
	if err != nil {
		return nil, err
	}

	if err := f.registry.ConsumeOAuthState(ctx, connectionId, state); err != nil {
		zap.L().Warn("Rejected oauth callback",
			zap.String("connection_id", connectionId),
			zap.Error(err))
		return nil, err
	}

	adapter, err := f.providers.Get(connection.ProviderId)
	if err != nil {
		return nil, err
	}

	tokens, err := adapter.ExchangeCodeForToken(ctx, code)
	if err != nil {
		if rerr := f.registry.RecordSyncFailure(ctx, connectionId, fmt.Sprintf("code exchange failed: %v", err)); rerr != nil {
			zap.L().Error("Failed to record exchange failure", zap.Error(rerr))
		}
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}

	if _, err := f.credentials.UpsertCredential(ctx, store.UpsertCredentialParams{
		TenantId:       connection.TenantId,
		ConnectionId:   connection.Id,
		ProviderId:     connection.ProviderId,
		AccessToken:    tokens.AccessToken,
		RefreshToken:   tokens.RefreshToken,
		ExpiresAt:      tokens.ExpiresAt,
		Scope:          tokens.Scope,
		ProviderUserId: tokens.ProviderUserId,
		Metadata:       tokens.Metadata,
	}); err != nil {
		return nil, fmt.Errorf("failed to persist credential: %w", err)
	}

	institutionName := f.resolveInstitutionName(ctx, adapter, connection)
	if err := f.registry.ActivateConnection(ctx, connection.Id, institutionName); err != nil {
		return nil, fmt.Errorf("failed to activate connection: %w", err)
	}

	if err := f.syncStore.RecordConnectionEvent(ctx, connection.Id, "connected", map[string]string{
		"provider_id":      connection.ProviderId,
		"institution_name": institutionName,
	}); err != nil {
		zap.L().Warn("Failed to record connect event",
			zap.String("connection_id", connection.Id),
			zap.Error(err))
	}

	zap.L().Info("Connection activated",
		zap.String("connection_id", connection.Id),
		zap.String("institution_name", institutionName))

	result := f.orchestrator.Run(ctx, models.SyncRequest{
		ProviderId:       connection.ProviderId,
		ConnectionId:     connection.Id,
		TenantId:         connection.TenantId,
		SyncAccounts:     true,
		SyncTransactions: true,
	})
	return result, nil
}

// resolveInstitutionName asks the provider who is behind the credential.
// Best-effort: on failure the provider id stands in.
func (f *Flow) resolveInstitutionName(ctx context.Context, adapter provider.Adapter, connection *models.Connection) string {
	cred, err := f.credentials.GetCredential(ctx, connection.Id, connection.ProviderId)
	if err != nil {
		return connection.ProviderId
	}
	info, err := adapter.FetchUserInfo(ctx, cred)
	if err != nil || info == nil || info.Name == "" {
		zap.L().Debug("User info unavailable, falling back to provider id",
			zap.String("connection_id", connection.Id))
		return connection.ProviderId
	}
	return info.Name
}
