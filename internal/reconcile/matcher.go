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

package reconcile

import (
	"context"
	"fmt"
	"time"

	"bank-sync-go/internal/models"
	"bank-sync-go/internal/store"

	"go.uber.org/zap"
)

// Confidence tiers for a reconnection match.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Recommendations. Linking is decided once per connection, not per account.
const (
	LinkAndResume = "link_and_resume"
	TreatAsNew    = "treat_as_new"
)

// Match signals in descending priority.
const (
	signalExternalId = iota
	signalAccountNumber
	signalIban
)

// Match is the computed association between a new connection's fetched
// accounts and a prior connection's stored accounts.
type Match struct {
	Found                 bool
	PreviousConnectionId  string
	Confidence            string
	Recommendation        string
	MatchedAccountIds     []string // normalized account ids under the prior connection
	MatchedAccounts       int
	TotalAccounts         int
	ResumeDate            *time.Time
	PreservedTransactions int
}

// Matcher detects reconnections: a user re-linking the same real-world bank
// account under a new connection.
type Matcher struct {
	syncStore store.SyncStore
	registry  store.ConnectionRegistry
}

func NewMatcher(syncStore store.SyncStore, registry store.ConnectionRegistry) *Matcher {
	return &Matcher{syncStore: syncStore, registry: registry}
}

// FindMatch compares freshly fetched raw accounts against the tenant's
// accounts stored under other connections for the same provider. Signals are
// checked in priority order: exact external id, masked account number, IBAN.
//
// Confidence: high when every fetched account matches by external id or
// IBAN, medium when all match but at least one only via masked number, low
// on partial overlap. Linking is all-or-nothing per connection; partial
// per-account reconnection is deliberately not supported.
func (m *Matcher) FindMatch(ctx context.Context, tenantId, providerId, newConnectionId string, fetched []models.RawAccount) (*Match, error) {
	if len(fetched) == 0 {
		return &Match{Recommendation: TreatAsNew}, nil
	}

	siblings, err := m.syncStore.ListSiblingAccounts(ctx, tenantId, providerId, newConnectionId)
	if err != nil {
		return nil, fmt.Errorf("failed to load sibling accounts: %w", err)
	}
	if len(siblings) == 0 {
		return &Match{Recommendation: TreatAsNew}, nil
	}

	// Candidate matches grouped by the prior connection they belong to.
	type candidate struct {
		accountIds []string
		signals    []int
	}
	byConnection := make(map[string]*candidate)

	matchedFetched := 0
	for _, raw := range fetched {
		prior, signal := matchAccount(raw, siblings)
		if prior == nil {
			continue
		}
		matchedFetched++
		c := byConnection[prior.ConnectionId]
		if c == nil {
			c = &candidate{}
			byConnection[prior.ConnectionId] = c
		}
		c.accountIds = append(c.accountIds, prior.Id)
		c.signals = append(c.signals, signal)
	}

	if matchedFetched == 0 {
		return &Match{Recommendation: TreatAsNew}, nil
	}

	// Pick the prior connection with the largest overlap.
	var bestConn string
	var best *candidate
	for connId, c := range byConnection {
		if best == nil || len(c.accountIds) > len(best.accountIds) {
			best = c
			bestConn = connId
		}
	}

	confidence := ConfidenceLow
	if len(best.accountIds) == len(fetched) {
		confidence = ConfidenceHigh
		for _, sig := range best.signals {
			if sig == signalAccountNumber {
				confidence = ConfidenceMedium
			}
		}
	}

	recommendation := TreatAsNew
	if confidence == ConfidenceHigh || confidence == ConfidenceMedium {
		recommendation = LinkAndResume
	}

	match := &Match{
		Found:                true,
		PreviousConnectionId: bestConn,
		Confidence:           confidence,
		Recommendation:       recommendation,
		MatchedAccountIds:    best.accountIds,
		MatchedAccounts:      len(best.accountIds),
		TotalAccounts:        len(fetched),
	}

	resumeDate, err := m.syncStore.LatestTransactionDate(ctx, best.accountIds)
	if err != nil {
		return nil, fmt.Errorf("failed to compute resume date: %w", err)
	}
	match.ResumeDate = resumeDate

	preserved, err := m.syncStore.CountAccountTransactions(ctx, best.accountIds)
	if err != nil {
		return nil, fmt.Errorf("failed to count preserved transactions: %w", err)
	}
	match.PreservedTransactions = preserved

	zap.L().Info("Reconnection match computed",
		zap.String("new_connection_id", newConnectionId),
		zap.String("previous_connection_id", bestConn),
		zap.String("confidence", confidence),
		zap.String("recommendation", recommendation),
		zap.Int("matched_accounts", match.MatchedAccounts),
		zap.Int("total_accounts", match.TotalAccounts),
		zap.Int("preserved_transactions", preserved))

	return match, nil
}

// matchAccount returns the first stored account matching raw, with the
// signal that matched. External id outranks masked number outranks IBAN.
func matchAccount(raw models.RawAccount, siblings []models.Account) (*models.Account, int) {
	for i := range siblings {
		if raw.ExternalId != "" && siblings[i].ExternalAccountId == raw.ExternalId {
			return &siblings[i], signalExternalId
		}
	}
	for i := range siblings {
		if raw.AccountNumber != "" && siblings[i].AccountNumber == raw.AccountNumber {
			return &siblings[i], signalAccountNumber
		}
	}
	for i := range siblings {
		if raw.Iban != "" && siblings[i].Iban == raw.Iban {
			return &siblings[i], signalIban
		}
	}
	return nil, 0
}

// Apply links a new connection to its matched predecessor: re-points the
// historical accounts and transactions, records the reconnection lineage on
// the connection, and emits a reconnection event into the history ledger.
// Only valid for matches whose recommendation is LinkAndResume.
func (m *Matcher) Apply(ctx context.Context, newConnectionId string, match *Match) error {
	if match.Recommendation != LinkAndResume {
		return fmt.Errorf("cannot apply match with recommendation %q", match.Recommendation)
	}

	accounts, transactions, err := m.syncStore.ReassignConnectionData(ctx, match.PreviousConnectionId, newConnectionId)
	if err != nil {
		return fmt.Errorf("failed to link historical data: %w", err)
	}

	if err := m.registry.MarkReconnected(ctx, newConnectionId, match.PreviousConnectionId, match.Confidence); err != nil {
		return fmt.Errorf("failed to record reconnection lineage: %w", err)
	}

	details := models.ReconnectionDetails{
		PreviousConnectionId:  match.PreviousConnectionId,
		Confidence:            match.Confidence,
		MatchedAccounts:       match.MatchedAccounts,
		PreservedTransactions: match.PreservedTransactions,
		ResumeDate:            match.ResumeDate,
	}
	if err := m.syncStore.RecordConnectionEvent(ctx, newConnectionId, "reconnection", details); err != nil {
		return fmt.Errorf("failed to record reconnection event: %w", err)
	}

	zap.L().Info("Reconnection applied",
		zap.String("connection_id", newConnectionId),
		zap.String("previous_connection_id", match.PreviousConnectionId),
		zap.Int("accounts_linked", accounts),
		zap.Int("transactions_preserved", transactions))
	return nil
}
