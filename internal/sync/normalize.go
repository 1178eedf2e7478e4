package sync

import (
	"fmt"

	"bank-sync-go/internal/models"
	"bank-sync-go/internal/store"

	"github.com/shopspring/decimal"
)

// Canonical transaction types.
const (
	TypeCredit = "credit"
	TypeDebit  = "debit"
)

// ValidationError marks a malformed provider record. Record-level: the
// offending account/transaction is skipped and logged, the batch continues.
type ValidationError struct {
	Entity     string
	ExternalId string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %s: %s", e.Entity, e.ExternalId, e.Reason)
}

// normalizeAccount maps a provider-native account onto the canonical schema.
func normalizeAccount(tenantId, connectionId, providerId string, raw models.RawAccount) (store.UpsertAccountParams, error) {
	if raw.ExternalId == "" {
		return store.UpsertAccountParams{}, &ValidationError{Entity: "account", ExternalId: "(unknown)", Reason: "missing external id"}
	}

	balance := decimal.Zero
	if raw.Balance != "" {
		parsed, err := decimal.NewFromString(raw.Balance)
		if err != nil {
			return store.UpsertAccountParams{}, &ValidationError{
				Entity: "account", ExternalId: raw.ExternalId,
				Reason: fmt.Sprintf("unparseable balance %q", raw.Balance),
			}
		}
		balance = parsed
	}

	name := raw.Name
	if name == "" {
		name = raw.ExternalId
	}

	return store.UpsertAccountParams{
		TenantId:          tenantId,
		ConnectionId:      connectionId,
		ProviderId:        providerId,
		ExternalAccountId: raw.ExternalId,
		Name:              name,
		AccountType:       raw.AccountType,
		Currency:          raw.Currency,
		Balance:           balance,
		AccountNumber:     raw.AccountNumber,
		Iban:              raw.Iban,
		RawPayload:        raw.RawPayload,
	}, nil
}

// normalizeTransaction maps a provider-native transaction onto the canonical
// schema. This is the single place the sign convention is applied: credits
// are stored non-negative and debits non-positive regardless of the
// provider's native sign, so a double negation cannot occur elsewhere.
func normalizeTransaction(tenantId, connectionId, providerId, accountId, jobId string, raw models.RawTransaction) (store.UpsertTransactionParams, error) {
	if raw.ExternalId == "" {
		return store.UpsertTransactionParams{}, &ValidationError{Entity: "transaction", ExternalId: "(unknown)", Reason: "missing external id"}
	}
	if raw.BookedAt.IsZero() {
		return store.UpsertTransactionParams{}, &ValidationError{Entity: "transaction", ExternalId: raw.ExternalId, Reason: "missing booking date"}
	}

	amount, err := decimal.NewFromString(raw.Amount)
	if err != nil {
		return store.UpsertTransactionParams{}, &ValidationError{
			Entity: "transaction", ExternalId: raw.ExternalId,
			Reason: fmt.Sprintf("unparseable amount %q", raw.Amount),
		}
	}

	var txType string
	switch raw.Direction {
	case TypeCredit:
		txType = TypeCredit
		amount = amount.Abs()
	case TypeDebit:
		txType = TypeDebit
		amount = amount.Abs().Neg()
	default:
		return store.UpsertTransactionParams{}, &ValidationError{
			Entity: "transaction", ExternalId: raw.ExternalId,
			Reason: fmt.Sprintf("unknown direction %q", raw.Direction),
		}
	}

	return store.UpsertTransactionParams{
		TenantId:              tenantId,
		ConnectionId:          connectionId,
		ProviderId:            providerId,
		AccountId:             accountId,
		ExternalTransactionId: raw.ExternalId,
		Amount:                amount,
		Currency:              raw.Currency,
		Type:                  txType,
		Description:           raw.Description,
		Category:              raw.Category,
		BookedAt:              raw.BookedAt.UTC(),
		JobId:                 jobId,
	}, nil
}
