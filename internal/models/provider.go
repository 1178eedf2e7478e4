package models

import "time"

// Tokens is the uniform result of an OAuth code exchange or refresh
type Tokens struct {
	AccessToken    string
	RefreshToken   string
	ExpiresAt      *time.Time
	Scope          string
	ProviderUserId string
	Metadata       map[string]string
}

// UserInfo is the provider-side identity behind a credential.
// Fetching it is best-effort; callers substitute a fallback on failure.
type UserInfo struct {
	UserId   string
	Name     string
	Metadata map[string]string
}

// Institution describes the bank/venue behind a set of raw accounts
type Institution struct {
	Id   string
	Name string
}

// RawAccount is a provider-native account before normalization
type RawAccount struct {
	ExternalId    string
	Name          string
	AccountType   string
	Currency      string
	Balance       string // provider-native string amount
	AccountNumber string // masked, may be empty
	Iban          string // may be empty
	RawPayload    []byte // full provider response for this account
}

// RawAccountsResult is the result of one account fetch
type RawAccountsResult struct {
	Institution Institution
	Accounts    []RawAccount
}

// RawTransaction is a provider-native transaction before normalization.
// Amount carries the provider's native sign; Direction says what it means.
type RawTransaction struct {
	ExternalId  string
	Amount      string
	Currency    string
	Direction   string // "credit" or "debit" in the provider's own convention
	Description string
	Category    string
	BookedAt    time.Time
	RawPayload  []byte
}

// FetchOptions bounds a transaction fetch
type FetchOptions struct {
	StartDate time.Time
	EndDate   time.Time
	Limit     int
}
