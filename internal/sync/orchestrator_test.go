package sync

import (
	"context"
	"database/sql"
	stdsync "sync"
	"testing"
	"time"

	"bank-sync-go/internal/credential"
	"bank-sync-go/internal/database"
	"bank-sync-go/internal/mirror"
	"bank-sync-go/internal/models"
	"bank-sync-go/internal/provider"
	"bank-sync-go/internal/reconcile"
	"bank-sync-go/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

// stubAdapter is a scriptable in-memory provider.
type stubAdapter struct {
	id          string
	caps        provider.Capabilities
	expired     bool
	tokens      *models.Tokens
	exchangeErr error
	refreshErr  error

	accounts     []models.RawAccount
	accountsErr  error
	transactions map[string][]models.RawTransaction

	mu           stdsync.Mutex
	refreshCalls int
	dataCalls    int
	lastOpts     map[string]models.FetchOptions
}

var _ provider.Adapter = (*stubAdapter)(nil)
var _ provider.Authorizer = (*stubAdapter)(nil)

func newStubAdapter() *stubAdapter {
	return &stubAdapter{
		id:           "stub-bank",
		caps:         provider.Capabilities{SupportsTransactionSync: true, SupportsRefresh: true},
		tokens:       &models.Tokens{AccessToken: "fresh-token", RefreshToken: "fresh-refresh"},
		transactions: make(map[string][]models.RawTransaction),
		lastOpts:     make(map[string]models.FetchOptions),
	}
}

func (s *stubAdapter) Id() string                          { return s.id }
func (s *stubAdapter) Capabilities() provider.Capabilities { return s.caps }
func (s *stubAdapter) IsTokenExpired(*time.Time) bool      { return s.expired }

func (s *stubAdapter) AuthorizeURL(state string) string {
	return "https://stub-bank.test/authorize?state=" + state
}

func (s *stubAdapter) ExchangeCodeForToken(ctx context.Context, code string) (*models.Tokens, error) {
	if s.exchangeErr != nil {
		return nil, s.exchangeErr
	}
	return s.tokens, nil
}

func (s *stubAdapter) RefreshAccessToken(ctx context.Context, refreshToken string) (*models.Tokens, error) {
	s.mu.Lock()
	s.refreshCalls++
	s.mu.Unlock()
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	return s.tokens, nil
}

func (s *stubAdapter) FetchUserInfo(ctx context.Context, credential *models.Credential) (*models.UserInfo, error) {
	return &models.UserInfo{UserId: "user-1", Name: "Stub Bank"}, nil
}

func (s *stubAdapter) FetchRawAccounts(ctx context.Context, credential *models.Credential) (*models.RawAccountsResult, error) {
	s.mu.Lock()
	s.dataCalls++
	s.mu.Unlock()
	if s.accountsErr != nil {
		return nil, s.accountsErr
	}
	return &models.RawAccountsResult{
		Institution: models.Institution{Id: "stub", Name: "Stub Bank"},
		Accounts:    s.accounts,
	}, nil
}

func (s *stubAdapter) FetchTransactions(ctx context.Context, credential *models.Credential, externalAccountId string, opts models.FetchOptions) ([]models.RawTransaction, error) {
	s.mu.Lock()
	s.dataCalls++
	s.lastOpts[externalAccountId] = opts
	s.mu.Unlock()
	return s.transactions[externalAccountId], nil
}

type engineFixture struct {
	db           *database.Service
	adapter      *stubAdapter
	orchestrator *Orchestrator
	flow         *Flow
	connection   *models.Connection
}

func setupEngine(t *testing.T) (*engineFixture, func()) {
	raw, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db := database.NewServiceWithDB(raw)
	if err := db.InitSchema(); err != nil {
		t.Fatalf("Failed to create test schema: %v", err)
	}

	adapter := newStubAdapter()
	registry := provider.NewRegistry(adapter)
	manager := credential.NewManager(db, registry)
	matcher := reconcile.NewMatcher(db, db)
	orchestrator := NewOrchestrator(db, db, db, manager, registry, matcher, mirror.Nop{}, models.SyncConfig{
		Deadline:        time.Minute,
		Workers:         2,
		DefaultLookback: 90 * 24 * time.Hour,
	})
	flow := NewFlow(db, db, db, registry, orchestrator)

	ctx := context.Background()
	if err := db.EnsureTenant(ctx, "t1", "t1"); err != nil {
		t.Fatalf("Failed to seed tenant: %v", err)
	}
	connection, err := db.CreateConnection(ctx, store.CreateConnectionParams{
		TenantId:   "t1",
		ProviderId: adapter.id,
	})
	if err != nil {
		t.Fatalf("Failed to seed connection: %v", err)
	}
	if err := db.ActivateConnection(ctx, connection.Id, "Stub Bank"); err != nil {
		t.Fatalf("Failed to activate connection: %v", err)
	}
	if _, err := db.UpsertCredential(ctx, store.UpsertCredentialParams{
		TenantId:     "t1",
		ConnectionId: connection.Id,
		ProviderId:   adapter.id,
		AccessToken:  "seed-token",
		RefreshToken: "seed-refresh",
	}); err != nil {
		t.Fatalf("Failed to seed credential: %v", err)
	}

	fixture := &engineFixture{
		db:           db,
		adapter:      adapter,
		orchestrator: orchestrator,
		flow:         flow,
		connection:   connection,
	}
	return fixture, func() { raw.Close() }
}

func fullSyncRequest(f *engineFixture) models.SyncRequest {
	return models.SyncRequest{
		ProviderId:       f.adapter.id,
		ConnectionId:     f.connection.Id,
		TenantId:         f.connection.TenantId,
		SyncAccounts:     true,
		SyncTransactions: true,
	}
}

func rawTx(id, amount, direction string, bookedAt time.Time) models.RawTransaction {
	return models.RawTransaction{
		ExternalId: id,
		Amount:     amount,
		Currency:   "EUR",
		Direction:  direction,
		BookedAt:   bookedAt,
	}
}

func TestRunIdempotent(t *testing.T) {
	fixture, cleanup := setupEngine(t)
	defer cleanup()
	ctx := context.Background()

	day := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	fixture.adapter.accounts = []models.RawAccount{
		{ExternalId: "acc-1", Name: "Checking", Currency: "EUR", Balance: "100"},
		{ExternalId: "acc-2", Name: "Savings", Currency: "EUR", Balance: "5000"},
	}
	fixture.adapter.transactions["acc-1"] = []models.RawTransaction{
		rawTx("tx-1", "10.00", "credit", day),
		rawTx("tx-2", "3.50", "debit", day.Add(time.Hour)),
	}
	fixture.adapter.transactions["acc-2"] = []models.RawTransaction{
		rawTx("tx-3", "250.00", "credit", day.Add(2*time.Hour)),
	}

	first := fixture.orchestrator.Run(ctx, fullSyncRequest(fixture))
	if !first.Success {
		t.Fatalf("First run failed: %v", first.Errors)
	}
	if first.AccountsSynced != 2 || first.TransactionsSynced != 3 {
		t.Errorf("First run: accounts=%d transactions=%d", first.AccountsSynced, first.TransactionsSynced)
	}

	// The exact same provider data again: nothing duplicates.
	second := fixture.orchestrator.Run(ctx, fullSyncRequest(fixture))
	if !second.Success {
		t.Fatalf("Second run failed: %v", second.Errors)
	}

	accounts, err := fixture.db.ListConnectionAccounts(ctx, fixture.connection.Id)
	if err != nil {
		t.Fatalf("ListConnectionAccounts failed: %v", err)
	}
	if len(accounts) != 2 {
		t.Errorf("Expected 2 accounts after double run, got %d", len(accounts))
	}

	var ids []string
	for _, a := range accounts {
		ids = append(ids, a.Id)
	}
	count, err := fixture.db.CountAccountTransactions(ctx, ids)
	if err != nil {
		t.Fatalf("CountAccountTransactions failed: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 transactions after double run, got %d", count)
	}

	job, err := fixture.db.GetJob(ctx, second.JobId)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != models.JobCompleted {
		t.Errorf("Expected completed job, got %s", job.Status)
	}
}

func TestRunClosesMissingAccounts(t *testing.T) {
	fixture, cleanup := setupEngine(t)
	defer cleanup()
	ctx := context.Background()

	fixture.adapter.accounts = []models.RawAccount{
		{ExternalId: "a", Balance: "1"},
		{ExternalId: "b", Balance: "2"},
		{ExternalId: "c", Balance: "3"},
	}
	if result := fixture.orchestrator.Run(ctx, fullSyncRequest(fixture)); !result.Success {
		t.Fatalf("Seed run failed: %v", result.Errors)
	}

	// The provider stops reporting b.
	fixture.adapter.accounts = []models.RawAccount{
		{ExternalId: "a", Balance: "1"},
		{ExternalId: "c", Balance: "3"},
	}
	if result := fixture.orchestrator.Run(ctx, fullSyncRequest(fixture)); !result.Success {
		t.Fatalf("Second run failed: %v", result.Errors)
	}

	accounts, err := fixture.db.ListConnectionAccounts(ctx, fixture.connection.Id)
	if err != nil {
		t.Fatalf("ListConnectionAccounts failed: %v", err)
	}
	statuses := make(map[string]string)
	for _, a := range accounts {
		statuses[a.ExternalAccountId] = a.Status
	}
	if statuses["b"] != models.AccountClosed {
		t.Errorf("Expected b closed, got %s", statuses["b"])
	}
	if statuses["a"] != models.AccountActive || statuses["c"] != models.AccountActive {
		t.Error("Expected a and c to stay active")
	}
}

func TestRunPartialFailure(t *testing.T) {
	fixture, cleanup := setupEngine(t)
	defer cleanup()
	ctx := context.Background()

	day := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	fixture.adapter.accounts = []models.RawAccount{{ExternalId: "acc-1", Balance: "0"}}
	fixture.adapter.transactions["acc-1"] = []models.RawTransaction{
		rawTx("tx-1", "1.00", "credit", day),
		rawTx("tx-2", "2.00", "credit", day),
		rawTx("tx-3", "not-a-number", "credit", day),
		rawTx("tx-4", "4.00", "debit", day),
		rawTx("tx-5", "5.00", "credit", day),
	}

	result := fixture.orchestrator.Run(ctx, fullSyncRequest(fixture))
	if !result.Success {
		t.Fatalf("Expected partial failure to still succeed: %v", result.Errors)
	}
	if result.TransactionsSynced != 4 {
		t.Errorf("Expected 4 imported, got %d", result.TransactionsSynced)
	}
	if len(result.Errors) != 1 {
		t.Errorf("Expected 1 record error, got %d: %v", len(result.Errors), result.Errors)
	}

	job, err := fixture.db.GetJob(ctx, result.JobId)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != models.JobCompletedWithErrors {
		t.Errorf("Expected completed_with_errors, got %s", job.Status)
	}
	if job.Failed != 1 {
		t.Errorf("Expected 1 failed in ledger, got %d", job.Failed)
	}
}

func TestRunSkipsTransactionsWithoutCapability(t *testing.T) {
	fixture, cleanup := setupEngine(t)
	defer cleanup()
	ctx := context.Background()

	fixture.adapter.caps.SupportsTransactionSync = false
	fixture.adapter.accounts = []models.RawAccount{{ExternalId: "acc-1", Balance: "0"}}
	fixture.adapter.transactions["acc-1"] = []models.RawTransaction{
		rawTx("tx-1", "1.00", "credit", time.Now()),
	}

	result := fixture.orchestrator.Run(ctx, fullSyncRequest(fixture))
	if !result.Success {
		t.Fatalf("Run failed: %v", result.Errors)
	}
	if result.TransactionsSynced != 0 {
		t.Errorf("Expected no transactions, got %d", result.TransactionsSynced)
	}
	if len(result.Warnings) == 0 {
		t.Error("Expected a capability warning")
	}

	// Accounts fetch is the only data call; no per-account fetch happened.
	if fixture.adapter.dataCalls != 1 {
		t.Errorf("Expected 1 data call, got %d", fixture.adapter.dataCalls)
	}
}

func TestRunExpiredCredentialNoRefreshToken(t *testing.T) {
	fixture, cleanup := setupEngine(t)
	defer cleanup()
	ctx := context.Background()

	fixture.adapter.expired = true
	fixture.adapter.accounts = []models.RawAccount{{ExternalId: "acc-1", Balance: "0"}}
	if _, err := fixture.db.UpsertCredential(ctx, store.UpsertCredentialParams{
		TenantId:     "t1",
		ConnectionId: fixture.connection.Id,
		ProviderId:   fixture.adapter.id,
		AccessToken:  "stale-token",
	}); err != nil {
		t.Fatalf("Failed to reseed credential: %v", err)
	}
	// Drop the refresh token directly: the upsert guards keep non-empty values.
	fixture.adapter.caps.SupportsRefresh = false

	result := fixture.orchestrator.Run(ctx, fullSyncRequest(fixture))
	if result.Success {
		t.Fatal("Expected run to fail fast on expired credential")
	}
	// Fail-fast means no provider data call was made.
	if fixture.adapter.dataCalls != 0 {
		t.Errorf("Expected 0 data calls, got %d", fixture.adapter.dataCalls)
	}

	connection, err := fixture.db.GetConnection(ctx, fixture.connection.Id)
	if err != nil {
		t.Fatalf("GetConnection failed: %v", err)
	}
	if connection.Status != models.ConnectionError {
		t.Errorf("Expected connection in error state, got %s", connection.Status)
	}

	job, err := fixture.db.GetJob(ctx, result.JobId)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != models.JobFailed {
		t.Errorf("Expected failed job, got %s", job.Status)
	}
}

func TestRunRefreshesExpiredCredentialOnce(t *testing.T) {
	fixture, cleanup := setupEngine(t)
	defer cleanup()
	ctx := context.Background()

	fixture.adapter.expired = true
	fixture.adapter.accounts = []models.RawAccount{{ExternalId: "acc-1", Balance: "0"}}

	result := fixture.orchestrator.Run(ctx, fullSyncRequest(fixture))
	if !result.Success {
		t.Fatalf("Run failed: %v", result.Errors)
	}
	if fixture.adapter.refreshCalls != 1 {
		t.Errorf("Expected exactly 1 refresh, got %d", fixture.adapter.refreshCalls)
	}

	cred, err := fixture.db.GetCredential(ctx, fixture.connection.Id, fixture.adapter.id)
	if err != nil {
		t.Fatalf("GetCredential failed: %v", err)
	}
	if cred.AccessToken != "fresh-token" {
		t.Errorf("Expected rotated access token, got %s", cred.AccessToken)
	}
}

func TestRunSmartResume(t *testing.T) {
	fixture, cleanup := setupEngine(t)
	defer cleanup()
	ctx := context.Background()

	latest := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)
	fixture.adapter.accounts = []models.RawAccount{{ExternalId: "acc-1", Balance: "0"}}
	fixture.adapter.transactions["acc-1"] = []models.RawTransaction{
		rawTx("tx-1", "1.00", "credit", latest.Add(-72*time.Hour)),
		rawTx("tx-2", "2.00", "credit", latest),
	}

	// First run: brand-new account, default lookback window.
	if result := fixture.orchestrator.Run(ctx, fullSyncRequest(fixture)); !result.Success {
		t.Fatalf("First run failed: %v", result.Errors)
	}
	firstStart := fixture.adapter.lastOpts["acc-1"].StartDate
	if time.Since(firstStart) < 89*24*time.Hour {
		t.Errorf("Expected default lookback start, got %v", firstStart)
	}

	// Second run resumes from the latest booked date.
	if result := fixture.orchestrator.Run(ctx, fullSyncRequest(fixture)); !result.Success {
		t.Fatalf("Second run failed: %v", result.Errors)
	}
	secondStart := fixture.adapter.lastOpts["acc-1"].StartDate
	if !secondStart.Equal(latest) {
		t.Errorf("Expected resume from %v, got %v", latest, secondStart)
	}
}

func TestRunRejectsPendingConnection(t *testing.T) {
	fixture, cleanup := setupEngine(t)
	defer cleanup()
	ctx := context.Background()

	pending, err := fixture.db.CreateConnection(ctx, store.CreateConnectionParams{
		TenantId:   "t1",
		ProviderId: fixture.adapter.id,
	})
	if err != nil {
		t.Fatalf("CreateConnection failed: %v", err)
	}

	result := fixture.orchestrator.Run(ctx, models.SyncRequest{
		ProviderId:   fixture.adapter.id,
		ConnectionId: pending.Id,
		TenantId:     "t1",
		SyncAccounts: true,
	})
	if result.Success {
		t.Fatal("Expected pending connection to be rejected")
	}
	if result.JobId != "" {
		t.Error("Expected no job for a validation reject")
	}
	if fixture.adapter.dataCalls != 0 {
		t.Errorf("Expected no data calls, got %d", fixture.adapter.dataCalls)
	}
}
