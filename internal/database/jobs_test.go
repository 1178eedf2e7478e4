package database

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"bank-sync-go/internal/models"
	"bank-sync-go/internal/store"
)

func TestJobLifecycle(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	connection := seedConnection(t, service, "t1", "openbank")

	job, err := service.CreateJob(ctx, connection.TenantId, connection.Id, "full_sync")
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if job.Status != models.JobRunning {
		t.Errorf("Expected new job running, got %s", job.Status)
	}
	if job.FinishedAt != nil {
		t.Error("Expected no finished_at on a running job")
	}

	summary := models.JobSummary{
		AccountsFetched:      3,
		AccountsImported:     2,
		AccountsFailed:       1,
		TransactionsFetched:  10,
		TransactionsImported: 9,
		TransactionsFailed:   1,
		Errors:               []string{"invalid account x"},
		DurationMs:           1234,
	}
	if err := service.FinalizeJob(ctx, job.Id, models.JobCompletedWithErrors, summary); err != nil {
		t.Fatalf("FinalizeJob failed: %v", err)
	}

	got, err := service.GetJob(ctx, job.Id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != models.JobCompletedWithErrors {
		t.Errorf("Expected completed_with_errors, got %s", got.Status)
	}
	if got.FinishedAt == nil {
		t.Error("Expected finished_at to be set")
	}
	if got.Fetched != 13 || got.Imported != 11 || got.Failed != 2 {
		t.Errorf("Unexpected counters: fetched=%d imported=%d failed=%d", got.Fetched, got.Imported, got.Failed)
	}

	var decoded models.JobSummary
	if err := json.Unmarshal([]byte(got.Summary), &decoded); err != nil {
		t.Fatalf("Summary is not valid JSON: %v", err)
	}
	if decoded.TransactionsImported != 9 {
		t.Errorf("Expected summary round-trip, got %+v", decoded)
	}
	if len(decoded.Errors) != 1 {
		t.Errorf("Expected 1 error in summary, got %d", len(decoded.Errors))
	}
}

func TestFinalizeJobExactlyOnce(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	connection := seedConnection(t, service, "t1", "openbank")

	job, err := service.CreateJob(ctx, connection.TenantId, connection.Id, "full_sync")
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if err := service.FinalizeJob(ctx, job.Id, models.JobCompleted, models.JobSummary{}); err != nil {
		t.Fatalf("First FinalizeJob failed: %v", err)
	}

	// A second finalization, racing or replayed, must be refused.
	err = service.FinalizeJob(ctx, job.Id, models.JobFailed, models.JobSummary{})
	if !errors.Is(err, store.ErrJobFinalized) {
		t.Errorf("Expected ErrJobFinalized, got: %v", err)
	}

	got, err := service.GetJob(ctx, job.Id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != models.JobCompleted {
		t.Errorf("Expected first status to win, got %s", got.Status)
	}
}

func TestListConnectionJobs(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	connection := seedConnection(t, service, "t1", "openbank")

	for i := 0; i < 3; i++ {
		job, err := service.CreateJob(ctx, connection.TenantId, connection.Id, "full_sync")
		if err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
		if err := service.FinalizeJob(ctx, job.Id, models.JobCompleted, models.JobSummary{}); err != nil {
			t.Fatalf("FinalizeJob failed: %v", err)
		}
	}

	jobs, err := service.ListConnectionJobs(ctx, connection.Id, 2)
	if err != nil {
		t.Fatalf("ListConnectionJobs failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("Expected limit of 2 jobs, got %d", len(jobs))
	}
}
