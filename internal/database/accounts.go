package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"bank-sync-go/internal/models"
	"bank-sync-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func scanAccount(row interface {
	Scan(dest ...interface{}) error
}) (*models.Account, error) {
	var a models.Account
	var balanceStr string
	err := row.Scan(&a.Id, &a.TenantId, &a.ConnectionId, &a.ProviderId,
		&a.ExternalAccountId, &a.Name, &a.AccountType, &a.Currency, &balanceStr,
		&a.AccountNumber, &a.Iban, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Balance, err = decimal.NewFromString(balanceStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse balance %q: %w", balanceStr, err)
	}
	return &a, nil
}

// UpsertAccount writes the normalized account and its raw provider envelope.
// An existing row keeps its identity fields; balance, name and number fields
// are refreshed and a previously closed account is reopened.
func (s *Service) UpsertAccount(ctx context.Context, params store.UpsertAccountParams) (*models.Account, bool, error) {
	if params.ExternalAccountId == "" {
		return nil, false, fmt.Errorf("external account id cannot be empty")
	}

	var accountId, status string
	err := s.db.QueryRowContext(ctx, queryGetAccountByExternalId,
		params.ConnectionId, params.ProviderId, params.ExternalAccountId).
		Scan(&accountId, &status)

	created := false
	switch {
	case err == sql.ErrNoRows:
		accountId = uuid.New().String()
		_, err = s.db.ExecContext(ctx, queryInsertAccount,
			accountId, params.TenantId, params.ConnectionId, params.ProviderId,
			params.ExternalAccountId, params.Name, params.AccountType,
			params.Currency, params.Balance.String(), params.AccountNumber, params.Iban)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert account: %w", err)
		}
		created = true
	case err != nil:
		return nil, false, fmt.Errorf("failed to look up account: %w", err)
	default:
		_, err = s.db.ExecContext(ctx, queryUpdateAccount,
			params.Name, params.Balance.String(), params.AccountNumber, params.Iban, accountId)
		if err != nil {
			return nil, false, fmt.Errorf("failed to update account: %w", err)
		}
		if status == models.AccountClosed {
			zap.L().Info("Reopening previously closed account",
				zap.String("account_id", accountId),
				zap.String("external_account_id", params.ExternalAccountId))
		}
	}

	_, err = s.db.ExecContext(ctx, queryUpsertProviderAccount,
		uuid.New().String(), params.ConnectionId, params.ProviderId,
		params.ExternalAccountId, accountId, string(params.RawPayload))
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert raw provider account: %w", err)
	}

	account, err := s.GetAccount(ctx, accountId)
	if err != nil {
		return nil, false, err
	}
	return account, created, nil
}

// CloseMissingAccounts marks accounts absent from the latest fetch as closed.
// Runs after the fetch's upserts so the diff is against the just-written set.
func (s *Service) CloseMissingAccounts(ctx context.Context, connectionId, providerId string, presentExternalIds []string) (int, error) {
	query := `
		UPDATE accounts
		SET status = 'closed', updated_at = CURRENT_TIMESTAMP
		WHERE connection_id = ? AND provider_id = ? AND status = 'active'`
	args := []interface{}{connectionId, providerId}

	if len(presentExternalIds) > 0 {
		placeholders := strings.Repeat("?,", len(presentExternalIds))
		query += fmt.Sprintf(" AND external_account_id NOT IN (%s)", placeholders[:len(placeholders)-1])
		for _, id := range presentExternalIds {
			args = append(args, id)
		}
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to close missing accounts: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}

	if rows > 0 {
		zap.L().Info("Closed accounts no longer reported by provider",
			zap.String("connection_id", connectionId),
			zap.Int64("count", rows))
	}
	return int(rows), nil
}

func (s *Service) GetAccount(ctx context.Context, accountId string) (*models.Account, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx, queryGetAccount, accountId))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", store.ErrAccountNotFound, accountId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

func (s *Service) ListConnectionAccounts(ctx context.Context, connectionId string) ([]models.Account, error) {
	return s.listAccounts(ctx, queryListConnectionAccounts, connectionId)
}

func (s *Service) ListSiblingAccounts(ctx context.Context, tenantId, providerId, excludeConnectionId string) ([]models.Account, error) {
	return s.listAccounts(ctx, queryListSiblingAccounts, tenantId, providerId, excludeConnectionId)
}

func (s *Service) listAccounts(ctx context.Context, query string, args ...interface{}) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer closeRows(rows)

	var accounts []models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating account rows: %w", err)
	}
	return accounts, nil
}

// ReassignConnectionData re-points all accounts and transactions from a prior
// connection to a new one inside a single database transaction, so a
// reconnection link never leaves history split across two connections.
func (s *Service) ReassignConnectionData(ctx context.Context, fromConnectionId, toConnectionId string) (int, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	accountsResult, err := tx.ExecContext(ctx, queryReassignAccounts, toConnectionId, fromConnectionId)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to reassign accounts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryReassignProviderAccounts, toConnectionId, fromConnectionId); err != nil {
		return 0, 0, fmt.Errorf("failed to reassign raw provider accounts: %w", err)
	}
	txResult, err := tx.ExecContext(ctx, queryReassignTransactions,
		toConnectionId, fromConnectionId, toConnectionId, fromConnectionId)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to reassign transactions: %w", err)
	}

	accountCount, err := accountsResult.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	txCount, err := txResult.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to check rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit reassignment: %w", err)
	}

	zap.L().Info("Reassigned connection data",
		zap.String("from_connection", fromConnectionId),
		zap.String("to_connection", toConnectionId),
		zap.Int64("accounts", accountCount),
		zap.Int64("transactions", txCount))

	return int(accountCount), int(txCount), nil
}
