package reconcile

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"bank-sync-go/internal/database"
	"bank-sync-go/internal/models"
	"bank-sync-go/internal/store"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

func setupMatcher(t *testing.T) (*Matcher, *database.Service, func()) {
	raw, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db := database.NewServiceWithDB(raw)
	if err := db.InitSchema(); err != nil {
		t.Fatalf("Failed to create test schema: %v", err)
	}
	if err := db.EnsureTenant(context.Background(), "t1", "t1"); err != nil {
		t.Fatalf("Failed to seed tenant: %v", err)
	}
	return NewMatcher(db, db), db, func() { raw.Close() }
}

func newConnection(t *testing.T, db *database.Service, tenantId string) *models.Connection {
	connection, err := db.CreateConnection(context.Background(), store.CreateConnectionParams{
		TenantId:   tenantId,
		ProviderId: "openbank",
	})
	if err != nil {
		t.Fatalf("CreateConnection failed: %v", err)
	}
	return connection
}

func addAccount(t *testing.T, db *database.Service, connection *models.Connection, externalId, number, iban string) *models.Account {
	account, _, err := db.UpsertAccount(context.Background(), store.UpsertAccountParams{
		TenantId:          connection.TenantId,
		ConnectionId:      connection.Id,
		ProviderId:        connection.ProviderId,
		ExternalAccountId: externalId,
		Name:              externalId,
		AccountNumber:     number,
		Iban:              iban,
		Balance:           decimal.Zero,
	})
	if err != nil {
		t.Fatalf("UpsertAccount failed: %v", err)
	}
	return account
}

func addTransaction(t *testing.T, db *database.Service, connection *models.Connection, account *models.Account, externalId string, bookedAt time.Time) {
	_, err := db.UpsertTransaction(context.Background(), store.UpsertTransactionParams{
		TenantId:              connection.TenantId,
		ConnectionId:          connection.Id,
		ProviderId:            connection.ProviderId,
		AccountId:             account.Id,
		ExternalTransactionId: externalId,
		Amount:                decimal.NewFromInt(1),
		Currency:              "EUR",
		Type:                  "credit",
		BookedAt:              bookedAt,
	})
	if err != nil {
		t.Fatalf("UpsertTransaction failed: %v", err)
	}
}

func TestFindMatchHighConfidence(t *testing.T) {
	matcher, db, cleanup := setupMatcher(t)
	defer cleanup()
	ctx := context.Background()

	old := newConnection(t, db, "t1")
	a := addAccount(t, db, old, "acc-1", "****1234", "")
	b := addAccount(t, db, old, "acc-2", "****5678", "")

	latest := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	addTransaction(t, db, old, a, "tx-1", latest.Add(-time.Hour))
	addTransaction(t, db, old, b, "tx-2", latest)

	current := newConnection(t, db, "t1")
	fetched := []models.RawAccount{
		{ExternalId: "acc-1"},
		{ExternalId: "acc-2"},
	}

	match, err := matcher.FindMatch(ctx, "t1", "openbank", current.Id, fetched)
	if err != nil {
		t.Fatalf("FindMatch failed: %v", err)
	}
	if !match.Found {
		t.Fatal("Expected a match")
	}
	if match.Confidence != ConfidenceHigh {
		t.Errorf("Expected high confidence, got %s", match.Confidence)
	}
	if match.Recommendation != LinkAndResume {
		t.Errorf("Expected link_and_resume, got %s", match.Recommendation)
	}
	if match.PreviousConnectionId != old.Id {
		t.Errorf("Expected previous connection %s, got %s", old.Id, match.PreviousConnectionId)
	}
	if match.ResumeDate == nil || !match.ResumeDate.Equal(latest) {
		t.Errorf("Expected resume date %v, got %v", latest, match.ResumeDate)
	}
	if match.PreservedTransactions != 2 {
		t.Errorf("Expected 2 preserved transactions, got %d", match.PreservedTransactions)
	}
}

func TestFindMatchMediumConfidence(t *testing.T) {
	matcher, db, cleanup := setupMatcher(t)
	defer cleanup()
	ctx := context.Background()

	old := newConnection(t, db, "t1")
	addAccount(t, db, old, "old-id-1", "****1234", "")
	addAccount(t, db, old, "old-id-2", "", "DE89370400440532013000")

	// The provider reissued external ids; the masked number and IBAN still match.
	current := newConnection(t, db, "t1")
	fetched := []models.RawAccount{
		{ExternalId: "new-id-1", AccountNumber: "****1234"},
		{ExternalId: "new-id-2", Iban: "DE89370400440532013000"},
	}

	match, err := matcher.FindMatch(ctx, "t1", "openbank", current.Id, fetched)
	if err != nil {
		t.Fatalf("FindMatch failed: %v", err)
	}
	if match.Confidence != ConfidenceMedium {
		t.Errorf("Expected medium confidence, got %s", match.Confidence)
	}
	if match.Recommendation != LinkAndResume {
		t.Errorf("Expected link_and_resume for medium, got %s", match.Recommendation)
	}
}

func TestFindMatchLowConfidencePartialOverlap(t *testing.T) {
	matcher, db, cleanup := setupMatcher(t)
	defer cleanup()
	ctx := context.Background()

	old := newConnection(t, db, "t1")
	addAccount(t, db, old, "acc-1", "", "")

	current := newConnection(t, db, "t1")
	fetched := []models.RawAccount{
		{ExternalId: "acc-1"},
		{ExternalId: "acc-new"},
	}

	match, err := matcher.FindMatch(ctx, "t1", "openbank", current.Id, fetched)
	if err != nil {
		t.Fatalf("FindMatch failed: %v", err)
	}
	if match.Confidence != ConfidenceLow {
		t.Errorf("Expected low confidence, got %s", match.Confidence)
	}
	if match.Recommendation != TreatAsNew {
		t.Errorf("Expected treat_as_new for low confidence, got %s", match.Recommendation)
	}
}

func TestFindMatchNoSiblings(t *testing.T) {
	matcher, db, cleanup := setupMatcher(t)
	defer cleanup()

	current := newConnection(t, db, "t1")
	match, err := matcher.FindMatch(context.Background(), "t1", "openbank", current.Id, []models.RawAccount{{ExternalId: "acc-1"}})
	if err != nil {
		t.Fatalf("FindMatch failed: %v", err)
	}
	if match.Found {
		t.Error("Expected no match without siblings")
	}
	if match.Recommendation != TreatAsNew {
		t.Errorf("Expected treat_as_new, got %s", match.Recommendation)
	}
}

func TestApplyLinksHistory(t *testing.T) {
	matcher, db, cleanup := setupMatcher(t)
	defer cleanup()
	ctx := context.Background()

	old := newConnection(t, db, "t1")
	account := addAccount(t, db, old, "acc-1", "", "")
	addTransaction(t, db, old, account, "tx-1", time.Now().Add(-time.Hour))

	current := newConnection(t, db, "t1")
	match, err := matcher.FindMatch(ctx, "t1", "openbank", current.Id, []models.RawAccount{{ExternalId: "acc-1"}})
	if err != nil {
		t.Fatalf("FindMatch failed: %v", err)
	}
	if match.Recommendation != LinkAndResume {
		t.Fatalf("Expected linkable match, got %s", match.Recommendation)
	}

	if err := matcher.Apply(ctx, current.Id, match); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	moved, err := db.ListConnectionAccounts(ctx, current.Id)
	if err != nil {
		t.Fatalf("ListConnectionAccounts failed: %v", err)
	}
	if len(moved) != 1 || moved[0].Id != account.Id {
		t.Fatal("Expected historical account under the new connection")
	}

	linked, err := db.GetConnection(ctx, current.Id)
	if err != nil {
		t.Fatalf("GetConnection failed: %v", err)
	}
	if linked.ReconnectedFrom != old.Id {
		t.Errorf("Expected reconnected_from %s, got %s", old.Id, linked.ReconnectedFrom)
	}

	events, err := db.ListConnectionEvents(ctx, current.Id, 10)
	if err != nil {
		t.Fatalf("ListConnectionEvents failed: %v", err)
	}
	found := false
	for _, e := range events {
		if e.EventType == "reconnection" {
			found = true
		}
	}
	if !found {
		t.Error("Expected a reconnection event in the history ledger")
	}
}

func TestApplyRefusesTreatAsNew(t *testing.T) {
	matcher, _, cleanup := setupMatcher(t)
	defer cleanup()

	err := matcher.Apply(context.Background(), "conn", &Match{Recommendation: TreatAsNew})
	if err == nil {
		t.Fatal("Expected Apply to refuse a treat_as_new match")
	}
}
