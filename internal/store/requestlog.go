package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RequestRecord is one completed exchange in the request log.
type RequestRecord struct {
	RequestID        string
	TokenID          string
	CredentialID     string
	Model            string
	Stream           bool
	Status           int
	Attempts         int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	LatencyMS        int64
	CreatedAt        time.Time
}

// LogRequest appends a record to the request log.
func (s *Store) LogRequest(ctx context.Context, record RequestRecord) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO request_log (
			request_id, token_id, credential_id, model, stream, status, attempts,
			prompt_tokens, completion_tokens, total_tokens, latency_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, record.RequestID, record.TokenID, record.CredentialID, record.Model,
		boolToInt(record.Stream), record.Status, record.Attempts,
		record.PromptTokens, record.CompletionTokens, record.TotalTokens,
		record.LatencyMS, createdAt.Unix())
	if err != nil {
		return fmt.Errorf("log request: %w", err)
	}
	return nil
}

// RecentRequests returns the most recent request records, newest first.
func (s *Store) RecentRequests(ctx context.Context, limit int) ([]RequestRecord, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT request_id, token_id, credential_id, model, stream, status, attempts,
			prompt_tokens, completion_tokens, total_tokens, latency_ms, created_at
		FROM request_log ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	var records []RequestRecord
	for rows.Next() {
		var (
			record    RequestRecord
			stream    int
			createdAt int64
		)
		if err := rows.Scan(&record.RequestID, &record.TokenID, &record.CredentialID,
			&record.Model, &stream, &record.Status, &record.Attempts,
			&record.PromptTokens, &record.CompletionTokens, &record.TotalTokens,
			&record.LatencyMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan request record: %w", err)
		}
		record.Stream = stream != 0
		record.CreatedAt = time.Unix(createdAt, 0).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read request log: %w", err)
	}
	return records, nil
}
