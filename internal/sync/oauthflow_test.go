package sync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"bank-sync-go/internal/models"
	"bank-sync-go/internal/store"
)

func TestConnectFlowEndToEnd(t *testing.T) {
	fixture, cleanup := setupEngine(t)
	defer cleanup()
	ctx := context.Background()

	fixture.adapter.accounts = []models.RawAccount{
		{ExternalId: "acc-1", Name: "Checking", Currency: "EUR", Balance: "10"},
	}
	fixture.adapter.transactions["acc-1"] = []models.RawTransaction{
		rawTx("tx-1", "10.00", "credit", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)),
	}

	connection, authorizeURL, err := fixture.flow.BeginConnect(ctx, "t1", fixture.adapter.id)
	if err != nil {
		t.Fatalf("BeginConnect failed: %v", err)
	}
	if connection.Status != models.ConnectionPending {
		t.Errorf("Expected pending connection, got %s", connection.Status)
	}
	if connection.OAuthState == "" {
		t.Fatal("Expected a oauth state on the connection")
	}
	if !strings.Contains(authorizeURL, connection.OAuthState) {
		t.Errorf("Expected authorize url to carry the state, got %s", authorizeURL)
	}

	result, err := fixture.flow.HandleCallback(ctx, connection.Id, connection.OAuthState, "auth-code")
	if err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("Inline sync failed: %v", result.Errors)
	}
	if result.AccountsSynced != 1 || result.TransactionsSynced != 1 {
		t.Errorf("Inline sync: accounts=%d transactions=%d", result.AccountsSynced, result.TransactionsSynced)
	}

	activated, err := fixture.db.GetConnection(ctx, connection.Id)
	if err != nil {
		t.Fatalf("GetConnection failed: %v", err)
	}
	if activated.Status != models.ConnectionActive {
		t.Errorf("Expected active connection, got %s", activated.Status)
	}
	if activated.InstitutionName != "Stub Bank" {
		t.Errorf("Expected institution from user info, got %s", activated.InstitutionName)
	}

	cred, err := fixture.db.GetCredential(ctx, connection.Id, fixture.adapter.id)
	if err != nil {
		t.Fatalf("GetCredential failed: %v", err)
	}
	if cred.AccessToken != "fresh-token" {
		t.Errorf("Expected exchanged token persisted, got %s", cred.AccessToken)
	}
}

func TestCallbackStateReplayRejected(t *testing.T) {
	fixture, cleanup := setupEngine(t)
	defer cleanup()
	ctx := context.Background()

	fixture.adapter.accounts = []models.RawAccount{{ExternalId: "acc-1", Balance: "0"}}

	connection, _, err := fixture.flow.BeginConnect(ctx, "t1", fixture.adapter.id)
	if err != nil {
		t.Fatalf("BeginConnect failed: %v", err)
	}

	if _, err := fixture.flow.HandleCallback(ctx, connection.Id, connection.OAuthState, "auth-code"); err != nil {
		t.Fatalf("First callback failed: %v", err)
	}

	// The same callback delivered twice: the second must die before any
	// token exchange.
	_, err = fixture.flow.HandleCallback(ctx, connection.Id, connection.OAuthState, "auth-code")
	if !errors.Is(err, store.ErrInvalidOAuthState) {
		t.Errorf("Expected ErrInvalidOAuthState on replay, got: %v", err)
	}
}

func TestCallbackForgedStateRejected(t *testing.T) {
	fixture, cleanup := setupEngine(t)
	defer cleanup()
	ctx := context.Background()

	connection, _, err := fixture.flow.BeginConnect(ctx, "t1", fixture.adapter.id)
	if err != nil {
		t.Fatalf("BeginConnect failed: %v", err)
	}

	_, err = fixture.flow.HandleCallback(ctx, connection.Id, "forged-state", "auth-code")
	if !errors.Is(err, store.ErrInvalidOAuthState) {
		t.Errorf("Expected ErrInvalidOAuthState for forged state, got: %v", err)
	}

	// The connection must remain pending and unsyncable.
	got, err := fixture.db.GetConnection(ctx, connection.Id)
	if err != nil {
		t.Fatalf("GetConnection failed: %v", err)
	}
	if got.Status != models.ConnectionPending {
		t.Errorf("Expected connection still pending, got %s", got.Status)
	}
}

func TestBeginConnectRequiresAuthorizer(t *testing.T) {
	fixture, cleanup := setupEngine(t)
	defer cleanup()

	// A provider id with no adapter at all.
	_, _, err := fixture.flow.BeginConnect(context.Background(), "t1", "unknown-bank")
	if err == nil {
		t.Fatal("Expected error for unknown provider")
	}
}
