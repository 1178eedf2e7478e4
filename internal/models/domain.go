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

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Connection statuses.
const (
	ConnectionPending = "pending"
	ConnectionActive  = "active"
	ConnectionError   = "error"
)

// Account statuses.
const (
	AccountActive = "active"
	AccountClosed = "closed"
)

// Ingestion job statuses.
const (
	JobRunning             = "running"
	JobCompleted           = "completed"
	JobCompletedWithErrors = "completed_with_errors"
	JobFailed              = "failed"
)

// Tenant represents a team/workspace that owns connections
type Tenant struct {
	Id        string    `db:"id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

// Connection represents a tenant's link to one provider instance
type Connection struct {
	Id                  string     `db:"id"`
	TenantId            string     `db:"tenant_id"`
	ProviderId          string     `db:"provider_id"`
	Status              string     `db:"status"`
	InstitutionName     string     `db:"institution_name"`
	OAuthState          string     `db:"oauth_state"` // one-time, cleared on consumption
	ConsecutiveFailures int        `db:"consecutive_failures"`
	LastError           string     `db:"last_error"`
	LastSyncAt          *time.Time `db:"last_sync_at"`
	ReconnectedFrom     string     `db:"reconnected_from"`
	ReconnectConfidence string     `db:"reconnect_confidence"`
	Deleted             bool       `db:"deleted"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
}

// Credential is the decrypted token bundle for one (connection, provider) pair
type Credential struct {
	Id             string     `db:"id"`
	TenantId       string     `db:"tenant_id"`
	ConnectionId   string     `db:"connection_id"`
	ProviderId     string     `db:"provider_id"`
	AccessToken    string     `db:"access_token"`
	RefreshToken   string     `db:"refresh_token"`
	ExpiresAt      *time.Time `db:"expires_at"`
	Scope          string     `db:"scope"`
	ProviderUserId string     `db:"provider_user_id"`
	Metadata       string     `db:"metadata"` // opaque provider JSON
	LastUsedAt     *time.Time `db:"last_used_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// ProviderAccount is the raw per-provider envelope for a fetched account.
// Known fields are typed; everything else rides along in RawPayload.
type ProviderAccount struct {
	Id                string    `db:"id"`
	ConnectionId      string    `db:"connection_id"`
	ProviderId        string    `db:"provider_id"`
	ExternalAccountId string    `db:"external_account_id"`
	AccountId         string    `db:"account_id"` // normalized Account this row feeds
	RawPayload        string    `db:"raw_payload"`
	FetchedAt         time.Time `db:"fetched_at"`
}

// Account is the normalized account record
type Account struct {
	Id                string          `db:"id"`
	TenantId          string          `db:"tenant_id"`
	ConnectionId      string          `db:"connection_id"`
	ProviderId        string          `db:"provider_id"`
	ExternalAccountId string          `db:"external_account_id"`
	Name              string          `db:"name"`
	AccountType       string          `db:"account_type"`
	Currency          string          `db:"currency"`
	Balance           decimal.Decimal `db:"balance"`
	AccountNumber     string          `db:"account_number"` // masked
	Iban              string          `db:"iban"`
	Status            string          `db:"status"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

// Transaction is a normalized financial movement. ExternalKey is the
// deterministic upsert identity {provider_id}_{connection_id}_{external_transaction_id}.
type Transaction struct {
	Id                    string          `db:"id"`
	TenantId              string          `db:"tenant_id"`
	ConnectionId          string          `db:"connection_id"`
	AccountId             string          `db:"account_id"`
	ExternalKey           string          `db:"external_key"`
	ExternalTransactionId string          `db:"external_transaction_id"`
	Amount                decimal.Decimal `db:"amount"` // credit >= 0, debit <= 0
	Currency              string          `db:"currency"`
	Type                  string          `db:"transaction_type"` // "credit" or "debit"
	Description           string          `db:"description"`
	Category              string          `db:"category"`
	BookedAt              time.Time       `db:"booked_at"`
	JobId                 string          `db:"job_id"`
	CreatedAt             time.Time       `db:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at"`
}

// IngestionJob is the audit record of one sync attempt
type IngestionJob struct {
	Id           string     `db:"id"`
	TenantId     string     `db:"tenant_id"`
	ConnectionId string     `db:"connection_id"`
	JobType      string     `db:"job_type"`
	Status       string     `db:"status"`
	Fetched      int        `db:"fetched"`
	Imported     int        `db:"imported"`
	Failed       int        `db:"failed"`
	Summary      string     `db:"summary"` // JSON JobSummary
	StartedAt    time.Time  `db:"started_at"`
	FinishedAt   *time.Time `db:"finished_at"`
}

// JobSummary is the structured per-job outcome stored in IngestionJob.Summary
type JobSummary struct {
	AccountsFetched      int      `json:"accounts_fetched"`
	AccountsImported     int      `json:"accounts_imported"`
	AccountsFailed       int      `json:"accounts_failed"`
	AccountsClosed       int      `json:"accounts_closed"`
	TransactionsFetched  int      `json:"transactions_fetched"`
	TransactionsImported int      `json:"transactions_imported"`
	TransactionsFailed   int      `json:"transactions_failed"`
	Errors               []string `json:"errors,omitempty"`
	Warnings             []string `json:"warnings,omitempty"`
	DurationMs           int64    `json:"duration_ms"`
}

// ConnectionEvent is one row of the connection history ledger
type ConnectionEvent struct {
	Id           string    `db:"id"`
	ConnectionId string    `db:"connection_id"`
	EventType    string    `db:"event_type"`
	Details      string    `db:"details"` // JSON
	CreatedAt    time.Time `db:"created_at"`
}

// ReconnectionDetails is the JSON payload of a "reconnection" ConnectionEvent
type ReconnectionDetails struct {
	PreviousConnectionId  string     `json:"previous_connection_id"`
	Confidence            string     `json:"confidence"`
	MatchedAccounts       int        `json:"matched_accounts"`
	PreservedTransactions int        `json:"preserved_transactions"`
	ResumeDate            *time.Time `json:"resume_date,omitempty"`
}
