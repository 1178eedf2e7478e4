package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"bank-sync-go/internal/models"
	"bank-sync-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (s *Service) GetCredential(ctx context.Context, connectionId, providerId string) (*models.Credential, error) {
	var c models.Credential
	var expiresAt, lastUsedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, queryGetCredential, connectionId, providerId).Scan(
		&c.Id, &c.TenantId, &c.ConnectionId, &c.ProviderId, &c.AccessToken,
		&c.RefreshToken, &expiresAt, &c.Scope, &c.ProviderUserId, &c.Metadata,
		&lastUsedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: connection %s provider %s", store.ErrCredentialNotFound, connectionId, providerId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		c.ExpiresAt = &t
	}
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		c.LastUsedAt = &t
	}
	return &c, nil
}

// UpsertCredential writes the token bundle in one statement keyed on
// (connection_id, provider_id). Empty refresh tokens never overwrite a
// stored one: some providers omit the refresh token on rotation.
func (s *Service) UpsertCredential(ctx context.Context, params store.UpsertCredentialParams) (*models.Credential, error) {
	if params.AccessToken == "" {
		return nil, fmt.Errorf("access token cannot be empty")
	}

	metadata := ""
	if len(params.Metadata) > 0 {
		b, err := json.Marshal(params.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode credential metadata: %w", err)
		}
		metadata = string(b)
	}

	var expiresAt interface{}
	if params.ExpiresAt != nil {
		expiresAt = params.ExpiresAt.UTC()
	}

	_, err := s.db.ExecContext(ctx, queryUpsertCredential,
		uuid.New().String(), params.TenantId, params.ConnectionId, params.ProviderId,
		params.AccessToken, params.RefreshToken, expiresAt, params.Scope,
		params.ProviderUserId, metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert credential: %w", err)
	}

	zap.L().Info("Credential upserted",
		zap.String("connection_id", params.ConnectionId),
		zap.String("provider_id", params.ProviderId),
		zap.Bool("has_refresh_token", params.RefreshToken != ""))

	return s.GetCredential(ctx, params.ConnectionId, params.ProviderId)
}

func (s *Service) TouchCredential(ctx context.Context, connectionId, providerId string) error {
	_, err := s.db.ExecContext(ctx, queryTouchCredential, connectionId, providerId)
	if err != nil {
		return fmt.Errorf("failed to touch credential: %w", err)
	}
	return nil
}
