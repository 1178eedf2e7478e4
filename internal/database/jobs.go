package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"bank-sync-go/internal/models"
	"bank-sync-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func scanJob(row interface {
	Scan(dest ...interface{}) error
}) (*models.IngestionJob, error) {
	var j models.IngestionJob
	var finishedAt sql.NullTime
	err := row.Scan(&j.Id, &j.TenantId, &j.ConnectionId, &j.JobType, &j.Status,
		&j.Fetched, &j.Imported, &j.Failed, &j.Summary, &j.StartedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		j.FinishedAt = &t
	}
	return &j, nil
}

// CreateJob inserts a running job row. Called before any network activity so
// every sync attempt leaves an audit record even if the process dies mid-run.
func (s *Service) CreateJob(ctx context.Context, tenantId, connectionId, jobType string) (*models.IngestionJob, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, queryInsertJob, id, tenantId, connectionId, jobType)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingestion job: %w", err)
	}

	zap.L().Info("Ingestion job started",
		zap.String("job_id", id),
		zap.String("connection_id", connectionId),
		zap.String("job_type", jobType))

	return s.GetJob(ctx, id)
}

// FinalizeJob writes the terminal state. The conditional UPDATE on
// status='running' guarantees exactly-once finalization.
func (s *Service) FinalizeJob(ctx context.Context, jobId, status string, summary models.JobSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode job summary: %w", err)
	}

	fetched := summary.AccountsFetched + summary.TransactionsFetched
	imported := summary.AccountsImported + summary.TransactionsImported
	failed := summary.AccountsFailed + summary.TransactionsFailed

	result, err := s.db.ExecContext(ctx, queryFinalizeJob,
		status, fetched, imported, failed, string(summaryJSON), jobId)
	if err != nil {
		return fmt.Errorf("failed to finalize ingestion job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", store.ErrJobFinalized, jobId)
	}

	zap.L().Info("Ingestion job finalized",
		zap.String("job_id", jobId),
		zap.String("status", status),
		zap.Int("fetched", fetched),
		zap.Int("imported", imported),
		zap.Int("failed", failed),
		zap.Int64("duration_ms", summary.DurationMs))
	return nil
}

func (s *Service) GetJob(ctx context.Context, jobId string) (*models.IngestionJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, queryGetJob, jobId))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ingestion job %s not found", jobId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ingestion job: %w", err)
	}
	return job, nil
}

func (s *Service) ListConnectionJobs(ctx context.Context, connectionId string, limit int) ([]models.IngestionJob, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, queryListConnectionJobs, connectionId, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingestion jobs: %w", err)
	}
	defer closeRows(rows)

	var jobs []models.IngestionJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ingestion job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job rows: %w", err)
	}
	return jobs, nil
}
