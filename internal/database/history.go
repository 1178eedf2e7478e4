package database

import (
	"context"
	"encoding/json"
	"fmt"

	"bank-sync-go/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RecordConnectionEvent appends one event to the connection history ledger.
func (s *Service) RecordConnectionEvent(ctx context.Context, connectionId, eventType string, details interface{}) error {
	detailsJSON := ""
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		detailsJSON = string(b)
	}

	_, err := s.db.ExecContext(ctx, queryInsertConnectionEvent,
		uuid.New().String(), connectionId, eventType, detailsJSON)
	if err != nil {
		return fmt.Errorf("failed to record connection event: %w", err)
	}

	zap.L().Info("Connection event recorded",
		zap.String("connection_id", connectionId),
		zap.String("event_type", eventType))
	return nil
}

func (s *Service) ListConnectionEvents(ctx context.Context, connectionId string, limit int) ([]models.ConnectionEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, queryListConnectionEvents, connectionId, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list connection events: %w", err)
	}
	defer closeRows(rows)

	var events []models.ConnectionEvent
	for rows.Next() {
		var e models.ConnectionEvent
		if err := rows.Scan(&e.Id, &e.ConnectionId, &e.EventType, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan connection event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}
