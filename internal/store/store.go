package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bank-sync-go/internal/models"

	"github.com/shopspring/decimal"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrCredentialExpired  = errors.New("credential expired and no refresh token available")
	ErrInvalidOAuthState  = errors.New("invalid or already consumed oauth state")
	ErrAccountNotFound    = errors.New("account not found")
	ErrJobFinalized       = errors.New("ingestion job already finalized")
)

// UpsertCredentialParams contains the token bundle persisted for one
// (connection, provider) pair. The upsert key is that composite pair: a
// connection never holds more than one active credential per provider.
type UpsertCredentialParams struct {
	TenantId       string
	ConnectionId   string
	ProviderId     string
	AccessToken    string
	RefreshToken   string
	ExpiresAt      *time.Time
	Scope          string
	ProviderUserId string
	Metadata       map[string]string
}

// CreateConnectionParams contains the fields for a new connect-intent.
type CreateConnectionParams struct {
	TenantId        string
	ProviderId      string
	InstitutionName string
}

// UpsertAccountParams carries one normalized account plus its raw envelope.
type UpsertAccountParams struct {
	TenantId          string
	ConnectionId      string
	ProviderId        string
	ExternalAccountId string
	Name              string
	AccountType       string
	Currency          string
	Balance           decimal.Decimal
	AccountNumber     string
	Iban              string
	RawPayload        []byte
}

// UpsertTransactionParams carries one normalized transaction. Amount must
// already follow the canonical sign convention (credit >= 0, debit <= 0).
type UpsertTransactionParams struct {
	TenantId              string
	ConnectionId          string
	ProviderId            string
	AccountId             string
	ExternalTransactionId string
	Amount                decimal.Decimal
	Currency              string
	Type                  string
	Description           string
	Category              string
	BookedAt              time.Time
	JobId                 string
}

// TransactionExternalKey builds the deterministic upsert identity for a
// transaction. Re-ingesting the same provider transaction under the same
// connection always lands on the same key.
func TransactionExternalKey(providerId, connectionId, externalTransactionId string) string {
	return fmt.Sprintf("%s_%s_%s", providerId, connectionId, externalTransactionId)
}

// CredentialStore persists token bundles.
type CredentialStore interface {
	GetCredential(ctx context.Context, connectionId, providerId string) (*models.Credential, error)
	UpsertCredential(ctx context.Context, params UpsertCredentialParams) (*models.Credential, error)
	TouchCredential(ctx context.Context, connectionId, providerId string) error
}

// ConnectionRegistry owns connection/tenant metadata and health state.
type ConnectionRegistry interface {
	GetConnection(ctx context.Context, connectionId string) (*models.Connection, error)
	CreateConnection(ctx context.Context, params CreateConnectionParams) (*models.Connection, error)
	ListTenantConnections(ctx context.Context, tenantId string) ([]models.Connection, error)
	ListDueConnections(ctx context.Context, olderThan time.Time) ([]models.Connection, error)

	// SetOAuthState stores a fresh one-time state on a pending connection.
	SetOAuthState(ctx context.Context, connectionId, state string) error
	// ConsumeOAuthState atomically clears the state iff it matches; a second
	// consumption of the same value fails with ErrInvalidOAuthState.
	ConsumeOAuthState(ctx context.Context, connectionId, state string) error

	ActivateConnection(ctx context.Context, connectionId, institutionName string) error
	RecordSyncSuccess(ctx context.Context, connectionId string, at time.Time) error
	RecordSyncFailure(ctx context.Context, connectionId, message string) error
	MarkReconnected(ctx context.Context, connectionId, fromConnectionId, confidence string) error
	// SoftDeleteConnection invalidates the connection but keeps its
	// transactions for history.
	SoftDeleteConnection(ctx context.Context, connectionId string) error
}

// JobLedger is the audit trail of sync attempts, exposed to UI/admin readers.
type JobLedger interface {
	CreateJob(ctx context.Context, tenantId, connectionId, jobType string) (*models.IngestionJob, error)
	// FinalizeJob writes the terminal status exactly once; a second call
	// fails with ErrJobFinalized.
	FinalizeJob(ctx context.Context, jobId, status string, summary models.JobSummary) error
	GetJob(ctx context.Context, jobId string) (*models.IngestionJob, error)
	ListConnectionJobs(ctx context.Context, connectionId string, limit int) ([]models.IngestionJob, error)
}

// SyncStore persists normalized accounts/transactions and connection history.
type SyncStore interface {
	// UpsertAccount writes the raw envelope and the normalized account.
	// On conflict with (connection_id, provider_id, external_account_id) the
	// mutable fields (balance, name) are updated and identity fields kept.
	UpsertAccount(ctx context.Context, params UpsertAccountParams) (*models.Account, bool, error)
	// CloseMissingAccounts marks every previously-synced account of the
	// connection whose external id is absent from presentExternalIds as
	// closed. Returns the number of accounts transitioned.
	CloseMissingAccounts(ctx context.Context, connectionId, providerId string, presentExternalIds []string) (int, error)
	GetAccount(ctx context.Context, accountId string) (*models.Account, error)
	ListConnectionAccounts(ctx context.Context, connectionId string) ([]models.Account, error)
	// ListSiblingAccounts returns the tenant's accounts for the same provider
	// held under other, prior connections. Used by reconnection matching.
	ListSiblingAccounts(ctx context.Context, tenantId, providerId, excludeConnectionId string) ([]models.Account, error)
	// ReassignConnectionData re-points accounts and transactions from one
	// connection to another (reconnection linking).
	ReassignConnectionData(ctx context.Context, fromConnectionId, toConnectionId string) (accounts int, transactions int, err error)

	// UpsertTransaction writes or updates in place on the external key.
	UpsertTransaction(ctx context.Context, params UpsertTransactionParams) (bool, error)
	// LatestTransactionDate returns the max booked_at over the given
	// accounts, or nil when none exist.
	LatestTransactionDate(ctx context.Context, accountIds []string) (*time.Time, error)
	CountAccountTransactions(ctx context.Context, accountIds []string) (int, error)

	RecordConnectionEvent(ctx context.Context, connectionId, eventType string, details interface{}) error
	ListConnectionEvents(ctx context.Context, connectionId string, limit int) ([]models.ConnectionEvent, error)
}
