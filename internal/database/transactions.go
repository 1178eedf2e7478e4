package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"bank-sync-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UpsertTransaction writes a normalized transaction keyed on the deterministic
// external key. A replay of the same provider transaction updates the existing
// row in place and never creates a duplicate.
func (s *Service) UpsertTransaction(ctx context.Context, params store.UpsertTransactionParams) (bool, error) {
	if params.ExternalTransactionId == "" {
		return false, fmt.Errorf("external transaction id cannot be empty")
	}
	if params.AccountId == "" {
		return false, fmt.Errorf("account id cannot be empty")
	}

	externalKey := store.TransactionExternalKey(params.ProviderId, params.ConnectionId, params.ExternalTransactionId)

	var existingId string
	err := s.db.QueryRowContext(ctx, queryGetTransactionByKey, externalKey).Scan(&existingId)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.ExecContext(ctx, queryInsertNormalizedTransaction,
			uuid.New().String(), params.TenantId, params.ConnectionId, params.AccountId,
			externalKey, params.ExternalTransactionId, params.Amount.String(),
			params.Currency, params.Type, params.Description, params.Category,
			params.BookedAt.UTC(), params.JobId)
		if err != nil {
			return false, fmt.Errorf("failed to insert transaction: %w", err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("failed to check for existing transaction: %w", err)
	default:
		_, err = s.db.ExecContext(ctx, queryUpdateNormalizedTransaction,
			params.Amount.String(), params.Currency, params.Type, params.Description,
			params.Category, params.BookedAt.UTC(), params.JobId, existingId)
		if err != nil {
			return false, fmt.Errorf("failed to update transaction: %w", err)
		}
		zap.L().Debug("Transaction updated in place",
			zap.String("external_key", externalKey),
			zap.String("transaction_id", existingId))
		return false, nil
	}
}

// LatestTransactionDate returns the most recent booked_at across the given
// accounts. This is the smart resume boundary after a reconnection.
func (s *Service) LatestTransactionDate(ctx context.Context, accountIds []string) (*time.Time, error) {
	if len(accountIds) == 0 {
		return nil, nil
	}

	// Selecting the column directly (instead of MAX(booked_at)) keeps the
	// declared column type visible to the sqlite driver so it converts the
	// value to time.Time; an aggregate expression loses the decltype and
	// scans back as a raw string.
	placeholders := strings.Repeat("?,", len(accountIds))
	query := fmt.Sprintf(`
		SELECT booked_at
		FROM transactions
		WHERE account_id IN (%s)
		ORDER BY booked_at DESC
		LIMIT 1`, placeholders[:len(placeholders)-1])

	args := make([]interface{}, len(accountIds))
	for i, id := range accountIds {
		args[i] = id
	}

	var latest sql.NullTime
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&latest)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest transaction date: %w", err)
	}
	if !latest.Valid {
		return nil, nil
	}
	t := latest.Time
	return &t, nil
}

func (s *Service) CountAccountTransactions(ctx context.Context, accountIds []string) (int, error) {
	if len(accountIds) == 0 {
		return 0, nil
	}

	placeholders := strings.Repeat("?,", len(accountIds))
	query := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM transactions
		WHERE account_id IN (%s)`, placeholders[:len(placeholders)-1])

	args := make([]interface{}, len(accountIds))
	for i, id := range accountIds {
		args[i] = id
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}
