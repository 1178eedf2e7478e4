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
	stdsync "sync"
	"time"

	"bank-sync-go/internal/credential"
	"bank-sync-go/internal/mirror"
	"bank-sync-go/internal/models"
	"bank-sync-go/internal/provider"
	"bank-sync-go/internal/reconcile"
	"bank-sync-go/internal/store"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultDeadline = 5 * time.Minute
	defaultWorkers  = 4
	defaultLookback = 90 * 24 * time.Hour
)

// Orchestrator drives one sync run end to end: job ledger entry, credential
// resolution, account upsert and closure, reconnection linking on first sync,
// and the bounded per-account transaction fetch.
type Orchestrator struct {
	registry    store.ConnectionRegistry
	jobs        store.JobLedger
	syncStore   store.SyncStore
	credentials *credential.Manager
	providers   *provider.Registry
	matcher     *reconcile.Matcher
	mirror      mirror.Mirror

	deadline time.Duration
	workers  int
	lookback time.Duration
}

func NewOrchestrator(
	registry store.ConnectionRegistry,
	jobs store.JobLedger,
	syncStore store.SyncStore,
	credentials *credential.Manager,
	providers *provider.Registry,
	matcher *reconcile.Matcher,
	ledgerMirror mirror.Mirror,
	cfg models.SyncConfig,
) *Orchestrator {
	o := &Orchestrator{
		registry:    registry,
		jobs:        jobs,
		syncStore:   syncStore,
		credentials: credentials,
		providers:   providers,
		matcher:     matcher,
		mirror:      ledgerMirror,
		deadline:    cfg.Deadline,
		workers:     cfg.Workers,
		lookback:    cfg.DefaultLookback,
	}
	if o.deadline <= 0 {
		o.deadline = defaultDeadline
	}
	if o.workers <= 0 {
		o.workers = defaultWorkers
	}
	if o.lookback <= 0 {
		o.lookback = defaultLookback
	}
	if o.mirror == nil {
		o.mirror = mirror.Nop{}
	}
	return o
}

// runState accumulates the outcome of one sync run across goroutines.
type runState struct {
	mu      stdsync.Mutex
	summary models.JobSummary
}

func (s *runState) addError(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.Errors = append(s.summary.Errors, fmt.Sprintf(format, args...))
}

func (s *runState) addWarning(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.Warnings = append(s.summary.Warnings, fmt.Sprintf(format, args...))
}

// Run executes one sync for the requested connection. It never returns a raw
// error: every outcome, including panics, lands in the SyncResult and the
// job ledger.
func (o *Orchestrator) Run(ctx context.Context, req models.SyncRequest) (result *models.SyncResult) {
	started := time.Now()
	state := &runState{}
	result = &models.SyncResult{}

	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("Sync run panicked",
				zap.String("connection_id", req.ConnectionId),
				zap.Any("panic", r))
			state.addError("internal error: %v", r)
			o.finalize(req.ConnectionId, result, state, started, models.JobFailed)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	connection, err := o.registry.GetConnection(ctx, req.ConnectionId)
	if err != nil {
		state.addError("connection lookup failed: %v", err)
		return o.finalize(req.ConnectionId, result, state, started, models.JobFailed)
	}
	if connection.Deleted {
		state.addError("connection %s is deleted", connection.Id)
		return o.finalize(req.ConnectionId, result, state, started, models.JobFailed)
	}
	if connection.Status == models.ConnectionPending {
		state.addError("connection %s has not completed authorization", connection.Id)
		return o.finalize(req.ConnectionId, result, state, started, models.JobFailed)
	}

	adapter, err := o.providers.Get(connection.ProviderId)
	if err != nil {
		state.addError("%v", err)
		return o.finalize(req.ConnectionId, result, state, started, models.JobFailed)
	}

	// The job row exists before any network activity so a crash mid-run
	// leaves a visible "running" entry instead of silence.
	job, err := o.jobs.CreateJob(ctx, connection.TenantId, connection.Id, jobType(req))
	if err != nil {
		state.addError("failed to create ingestion job: %v", err)
		return o.finalize(req.ConnectionId, result, state, started, models.JobFailed)
	}
	result.JobId = job.Id

	zap.L().Info("Sync run started",
		zap.String("job_id", job.Id),
		zap.String("connection_id", connection.Id),
		zap.String("provider_id", connection.ProviderId))

	cred, err := o.credentials.GetValidCredential(ctx, connection)
	if err != nil {
		state.addError("credential resolution failed: %v", err)
		return o.finalize(connection.Id, result, state, started, models.JobFailed)
	}

	var accounts []models.Account
	if req.SyncAccounts {
		accounts, err = o.syncAccounts(ctx, connection, adapter, cred, state)
		if err != nil {
			state.addError("account sync failed: %v", err)
			return o.finalize(connection.Id, result, state, started, models.JobFailed)
		}
	} else {
		accounts, err = o.syncStore.ListConnectionAccounts(ctx, connection.Id)
		if err != nil {
			state.addError("failed to load accounts: %v", err)
			return o.finalize(connection.Id, result, state, started, models.JobFailed)
		}
	}
	result.AccountsSynced = state.summary.AccountsImported

	if req.SyncTransactions {
		if !adapter.Capabilities().SupportsTransactionSync {
			state.addWarning("provider %s does not support transaction sync, skipped", connection.ProviderId)
		} else {
			o.syncTransactions(ctx, connection, cred, adapter, job.Id, accounts, req, state)
		}
	}
	result.TransactionsSynced = state.summary.TransactionsImported

	status := models.JobCompleted
	if ctx.Err() != nil {
		state.addWarning("sync deadline reached, results are partial")
		status = models.JobCompletedWithErrors
	} else if len(state.summary.Errors) > 0 {
		status = models.JobCompletedWithErrors
	}
	return o.finalize(connection.Id, result, state, started, status)
}

// syncAccounts fetches the provider's account list, runs reconnection
// matching on the first ever sync, upserts every account, and closes the
// ones no longer present. Closure only happens on a fully successful fetch;
// a failed fetch aborts the phase instead of mass-closing accounts.
func (o *Orchestrator) syncAccounts(ctx context.Context, connection *models.Connection, adapter provider.Adapter, cred *models.Credential, state *runState) ([]models.Account, error) {
	fetched, err := adapter.FetchRawAccounts(ctx, cred)
	if err != nil {
		return nil, err
	}
	state.summary.AccountsFetched = len(fetched.Accounts)

	// Reconnection matching runs before the upserts on the first sync, so
	// linked historical accounts are updated in place rather than duplicated.
	if connection.LastSyncAt == nil && connection.ReconnectedFrom == "" {
		match, err := o.matcher.FindMatch(ctx, connection.TenantId, connection.ProviderId, connection.Id, fetched.Accounts)
		if err != nil {
			state.addWarning("reconnection matching failed: %v", err)
		} else if match.Found && match.Recommendation == reconcile.LinkAndResume {
			if err := o.matcher.Apply(ctx, connection.Id, match); err != nil {
				state.addWarning("reconnection linking failed: %v", err)
			}
		} else if match.Found {
			zap.L().Info("Possible reconnection left unlinked",
				zap.String("connection_id", connection.Id),
				zap.String("confidence", match.Confidence))
		}
	}

	var (
		accounts   []models.Account
		presentIds []string
	)
	for _, raw := range fetched.Accounts {
		params, err := normalizeAccount(connection.TenantId, connection.Id, connection.ProviderId, raw)
		if err != nil {
			state.summary.AccountsFailed++
			state.addError("%v", err)
			continue
		}
		account, created, err := o.syncStore.UpsertAccount(ctx, params)
		if err != nil {
			state.summary.AccountsFailed++
			state.addError("failed to store account %s: %v", raw.ExternalId, err)
			continue
		}
		state.summary.AccountsImported++
		accounts = append(accounts, *account)
		presentIds = append(presentIds, account.ExternalAccountId)
		if created {
			zap.L().Info("Account created",
				zap.String("connection_id", connection.Id),
				zap.String("account_id", account.Id),
				zap.String("external_account_id", account.ExternalAccountId))
		}
	}

	closed, err := o.syncStore.CloseMissingAccounts(ctx, connection.Id, connection.ProviderId, presentIds)
	if err != nil {
		state.addWarning("failed to close missing accounts: %v", err)
	} else if closed > 0 {
		state.summary.AccountsClosed = closed
		zap.L().Info("Accounts closed",
			zap.String("connection_id", connection.Id),
			zap.Int("count", closed))
	}

	return accounts, nil
}

// syncTransactions fetches and imports transactions for every active account
// through a bounded worker pool. Per-account failures are recorded and do not
// abort the other workers.
func (o *Orchestrator) syncTransactions(ctx context.Context, connection *models.Connection, cred *models.Credential, adapter provider.Adapter, jobId string, accounts []models.Account, req models.SyncRequest, state *runState) {
	targets := filterAccounts(accounts, req.AccountIds)
	if len(targets) == 0 {
		return
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.workers)

	for i := range targets {
		account := targets[i]
		group.Go(func() error {
			if groupCtx.Err() != nil {
				state.addError("account %s skipped: %v", account.ExternalAccountId, groupCtx.Err())
				return nil
			}
			o.syncAccountTransactions(groupCtx, connection, cred, adapter, jobId, &account, req, state)
			return nil
		})
	}
	// Workers never return errors; failures are per-account entries in state.
	_ = group.Wait()
}

func (o *Orchestrator) syncAccountTransactions(ctx context.Context, connection *models.Connection, cred *models.Credential, adapter provider.Adapter, jobId string, account *models.Account, req models.SyncRequest, state *runState) {
	opts, err := o.fetchWindow(ctx, account, req)
	if err != nil {
		state.addError("account %s: %v", account.ExternalAccountId, err)
		return
	}

	raws, err := adapter.FetchTransactions(ctx, cred, account.ExternalAccountId, opts)
	if err != nil {
		state.addError("account %s: transaction fetch failed: %v", account.ExternalAccountId, err)
		return
	}

	state.mu.Lock()
	state.summary.TransactionsFetched += len(raws)
	state.mu.Unlock()

	for _, raw := range raws {
		params, err := normalizeTransaction(connection.TenantId, connection.Id, connection.ProviderId, account.Id, jobId, raw)
		if err != nil {
			state.mu.Lock()
			state.summary.TransactionsFailed++
			state.mu.Unlock()
			state.addError("%v", err)
			continue
		}
		created, err := o.syncStore.UpsertTransaction(ctx, params)
		if err != nil {
			state.mu.Lock()
			state.summary.TransactionsFailed++
			state.mu.Unlock()
			state.addError("failed to store transaction %s: %v", raw.ExternalId, err)
			continue
		}
		state.mu.Lock()
		state.summary.TransactionsImported++
		state.mu.Unlock()

		if created && o.mirror.Enabled() {
			tx := models.Transaction{
				TenantId:     params.TenantId,
				ConnectionId: params.ConnectionId,
				AccountId:    params.AccountId,
				ExternalKey:  store.TransactionExternalKey(params.ProviderId, params.ConnectionId, params.ExternalTransactionId),
				Amount:       params.Amount,
				Currency:     params.Currency,
				Type:         params.Type,
				BookedAt:     params.BookedAt,
			}
			if err := o.mirror.MirrorTransaction(ctx, account, &tx); err != nil {
				state.addWarning("ledger mirror failed for %s: %v", tx.ExternalKey, err)
			}
		}
	}
}

// fetchWindow computes the transaction window for one account: an explicit
// request range wins, then the account's latest booked date (resume), then
// the default lookback for accounts synced for the first time.
func (o *Orchestrator) fetchWindow(ctx context.Context, account *models.Account, req models.SyncRequest) (models.FetchOptions, error) {
	opts := models.FetchOptions{}
	if req.EndDate != nil {
		opts.EndDate = *req.EndDate
	}
	if req.StartDate != nil {
		opts.StartDate = *req.StartDate
		return opts, nil
	}

	latest, err := o.syncStore.LatestTransactionDate(ctx, []string{account.Id})
	if err != nil {
		return opts, fmt.Errorf("failed to compute resume date: %w", err)
	}
	if latest != nil {
		// Re-fetching the boundary day is harmless: the upsert lands on the
		// same external key.
		opts.StartDate = *latest
		return opts, nil
	}

	opts.StartDate = time.Now().Add(-o.lookback)
	return opts, nil
}

// finalize writes the job's terminal state, updates connection health, and
// shapes the SyncResult. Safe to call without a job (JobId empty).
func (o *Orchestrator) finalize(connectionId string, result *models.SyncResult, state *runState, started time.Time, status string) *models.SyncResult {
	state.mu.Lock()
	summary := state.summary
	state.mu.Unlock()

	duration := time.Since(started)
	summary.DurationMs = duration.Milliseconds()

	// Finalization must survive a canceled sync context.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Connection health only moves for runs that got far enough to open a
	// job; validation rejects never count against the connection.
	if result.JobId != "" {
		if err := o.jobs.FinalizeJob(ctx, result.JobId, status, summary); err != nil {
			zap.L().Error("Failed to finalize ingestion job",
				zap.String("job_id", result.JobId),
				zap.Error(err))
		}
		o.recordHealth(ctx, connectionId, status, summary)
	}

	result.Success = status != models.JobFailed
	result.AccountsSynced = summary.AccountsImported
	result.TransactionsSynced = summary.TransactionsImported
	result.Errors = summary.Errors
	result.Warnings = summary.Warnings
	result.Duration = duration

	zap.L().Info("Sync run finished",
		zap.String("connection_id", connectionId),
		zap.String("job_id", result.JobId),
		zap.String("status", status),
		zap.Int("accounts_synced", result.AccountsSynced),
		zap.Int("transactions_synced", result.TransactionsSynced),
		zap.Int("errors", len(result.Errors)),
		zap.Duration("duration", duration))

	return result
}

func (o *Orchestrator) recordHealth(ctx context.Context, connectionId, status string, summary models.JobSummary) {
	switch status {
	case models.JobFailed:
		message := "sync failed"
		if len(summary.Errors) > 0 {
			message = summary.Errors[0]
		}
		if err := o.registry.RecordSyncFailure(ctx, connectionId, message); err != nil {
			zap.L().Error("Failed to record sync failure",
				zap.String("connection_id", connectionId),
				zap.Error(err))
		}
	default:
		if err := o.registry.RecordSyncSuccess(ctx, connectionId, time.Now()); err != nil {
			zap.L().Error("Failed to record sync success",
				zap.String("connection_id", connectionId),
				zap.Error(err))
		}
	}
}

func jobType(req models.SyncRequest) string {
	switch {
	case req.SyncAccounts && req.SyncTransactions:
		return "full_sync"
	case req.SyncTransactions:
		return "transactions"
	default:
		return "accounts"
	}
}

// filterAccounts keeps active accounts, restricted to ids when provided.
func filterAccounts(accounts []models.Account, ids []string) []models.Account {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	var out []models.Account
	for _, a := range accounts {
		if a.Status != models.AccountActive {
			continue
		}
		if len(wanted) > 0 && !wanted[a.Id] {
			continue
		}
		out = append(out, a)
	}
	return out
}
