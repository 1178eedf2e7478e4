package credential

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"bank-sync-go/internal/database"
	"bank-sync-go/internal/models"
	"bank-sync-go/internal/provider"
	"bank-sync-go/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

type fakeAdapter struct {
	id           string
	caps         provider.Capabilities
	refreshed    *models.Tokens
	refreshErr   error
	refreshCalls int
}

func (f *fakeAdapter) Id() string { return f.id }

func (f *fakeAdapter) Capabilities() provider.Capabilities { return f.caps }

func (f *fakeAdapter) ExchangeCodeForToken(ctx context.Context, code string) (*models.Tokens, error) {
	return nil, errors.New("not used")
}

func (f *fakeAdapter) RefreshAccessToken(ctx context.Context, refreshToken string) (*models.Tokens, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.refreshed, nil
}

func (f *fakeAdapter) FetchUserInfo(ctx context.Context, credential *models.Credential) (*models.UserInfo, error) {
	return nil, errors.New("not used")
}

func (f *fakeAdapter) FetchRawAccounts(ctx context.Context, credential *models.Credential) (*models.RawAccountsResult, error) {
	return nil, errors.New("not used")
}

func (f *fakeAdapter) FetchTransactions(ctx context.Context, credential *models.Credential, externalAccountId string, opts models.FetchOptions) ([]models.RawTransaction, error) {
	return nil, errors.New("not used")
}

func (f *fakeAdapter) IsTokenExpired(expiresAt *time.Time) bool {
	return provider.TokenExpired(expiresAt)
}

func setupManager(t *testing.T, adapter *fakeAdapter) (*Manager, *database.Service, *models.Connection, func()) {
	raw, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db := database.NewServiceWithDB(raw)
	if err := db.InitSchema(); err != nil {
		t.Fatalf("Failed to create test schema: %v", err)
	}
	ctx := context.Background()
	if err := db.EnsureTenant(ctx, "t1", "t1"); err != nil {
		t.Fatalf("Failed to seed tenant: %v", err)
	}
	connection, err := db.CreateConnection(ctx, store.CreateConnectionParams{
		TenantId:   "t1",
		ProviderId: adapter.id,
	})
	if err != nil {
		t.Fatalf("CreateConnection failed: %v", err)
	}
	manager := NewManager(db, provider.NewRegistry(adapter))
	return manager, db, connection, func() { raw.Close() }
}

func seedCredential(t *testing.T, db *database.Service, connection *models.Connection, refreshToken string, expiresAt time.Time) {
	_, err := db.UpsertCredential(context.Background(), store.UpsertCredentialParams{
		TenantId:     connection.TenantId,
		ConnectionId: connection.Id,
		ProviderId:   connection.ProviderId,
		AccessToken:  "seed-token",
		RefreshToken: refreshToken,
		ExpiresAt:    &expiresAt,
	})
	if err != nil {
		t.Fatalf("UpsertCredential failed: %v", err)
	}
}

func TestGetValidCredentialPassthrough(t *testing.T) {
	adapter := &fakeAdapter{id: "openbank", caps: provider.Capabilities{SupportsRefresh: true}}
	manager, db, connection, cleanup := setupManager(t, adapter)
	defer cleanup()

	seedCredential(t, db, connection, "seed-refresh", time.Now().Add(time.Hour))

	cred, err := manager.GetValidCredential(context.Background(), connection)
	if err != nil {
		t.Fatalf("GetValidCredential failed: %v", err)
	}
	if cred.AccessToken != "seed-token" {
		t.Errorf("Expected stored token, got %s", cred.AccessToken)
	}
	if adapter.refreshCalls != 0 {
		t.Errorf("Expected no refresh for a valid credential, got %d calls", adapter.refreshCalls)
	}
}

func TestGetValidCredentialRefreshesOnce(t *testing.T) {
	newExpiry := time.Now().Add(time.Hour).UTC()
	adapter := &fakeAdapter{
		id:   "openbank",
		caps: provider.Capabilities{SupportsRefresh: true},
		refreshed: &models.Tokens{
			AccessToken:  "fresh-token",
			RefreshToken: "fresh-refresh",
			ExpiresAt:    &newExpiry,
		},
	}
	manager, db, connection, cleanup := setupManager(t, adapter)
	defer cleanup()

	seedCredential(t, db, connection, "seed-refresh", time.Now().Add(-time.Hour))

	cred, err := manager.GetValidCredential(context.Background(), connection)
	if err != nil {
		t.Fatalf("GetValidCredential failed: %v", err)
	}
	if adapter.refreshCalls != 1 {
		t.Errorf("Expected exactly one refresh, got %d", adapter.refreshCalls)
	}
	if cred.AccessToken != "fresh-token" {
		t.Errorf("Expected rotated token, got %s", cred.AccessToken)
	}

	// The rotation must be persisted, not just returned.
	stored, err := db.GetCredential(context.Background(), connection.Id, connection.ProviderId)
	if err != nil {
		t.Fatalf("GetCredential failed: %v", err)
	}
	if stored.AccessToken != "fresh-token" || stored.RefreshToken != "fresh-refresh" {
		t.Errorf("Expected rotated tokens persisted, got access=%s refresh=%s", stored.AccessToken, stored.RefreshToken)
	}
}

func TestGetValidCredentialNoRefreshCapability(t *testing.T) {
	adapter := &fakeAdapter{id: "openbank", caps: provider.Capabilities{SupportsRefresh: false}}
	manager, db, connection, cleanup := setupManager(t, adapter)
	defer cleanup()

	seedCredential(t, db, connection, "seed-refresh", time.Now().Add(-time.Hour))

	_, err := manager.GetValidCredential(context.Background(), connection)
	if !errors.Is(err, store.ErrCredentialExpired) {
		t.Errorf("Expected ErrCredentialExpired, got: %v", err)
	}
	if adapter.refreshCalls != 0 {
		t.Errorf("Expected no refresh attempt, got %d", adapter.refreshCalls)
	}
}

func TestGetValidCredentialRefreshFailurePropagates(t *testing.T) {
	adapter := &fakeAdapter{
		id:         "openbank",
		caps:       provider.Capabilities{SupportsRefresh: true},
		refreshErr: provider.Permanent("openbank", errors.New("consent revoked")),
	}
	manager, db, connection, cleanup := setupManager(t, adapter)
	defer cleanup()

	seedCredential(t, db, connection, "seed-refresh", time.Now().Add(-time.Hour))

	_, err := manager.GetValidCredential(context.Background(), connection)
	if err == nil {
		t.Fatal("Expected refresh failure to propagate")
	}
	if !provider.IsPermanent(err) {
		t.Errorf("Expected the provider error to survive wrapping, got: %v", err)
	}
	if adapter.refreshCalls != 1 {
		t.Errorf("Expected a single refresh attempt, got %d", adapter.refreshCalls)
	}
}

func TestGetValidCredentialMissing(t *testing.T) {
	adapter := &fakeAdapter{id: "openbank", caps: provider.Capabilities{SupportsRefresh: true}}
	manager, _, connection, cleanup := setupManager(t, adapter)
	defer cleanup()

	_, err := manager.GetValidCredential(context.Background(), connection)
	if !errors.Is(err, store.ErrCredentialNotFound) {
		t.Errorf("Expected ErrCredentialNotFound, got: %v", err)
	}
}
