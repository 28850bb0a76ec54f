package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hydragw/hydra/internal/tokens"
)

// TokenStore persists access-token entries. It satisfies tokens.Store.
type TokenStore struct {
	store *Store
}

// NewTokenStore returns a token store over the database connection.
func NewTokenStore(s *Store) *TokenStore {
	return &TokenStore{store: s}
}

func (t *TokenStore) SaveToken(ctx context.Context, entry tokens.Entry) error {
	if t == nil || t.store == nil || t.store.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	_, err := t.store.DB.ExecContext(ctx, `
		INSERT INTO tokens (id, name, preview, created_at, active, total_requests, total_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			active = excluded.active
	`, entry.ID, entry.Name, entry.Preview, entry.CreatedAt.Unix(), boolToInt(entry.Active), entry.TotalRequests, entry.TotalTokens)
	if err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}

func (t *TokenStore) GetToken(ctx context.Context, id string) (*tokens.Entry, error) {
	if t == nil || t.store == nil || t.store.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	row := t.store.DB.QueryRowContext(ctx, `
		SELECT id, name, preview, created_at, active, total_requests, total_tokens
		FROM tokens WHERE id = ?
	`, id)

	entry, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch token: %w", err)
	}
	return entry, nil
}

func (t *TokenStore) ListTokens(ctx context.Context) ([]tokens.Entry, error) {
	if t == nil || t.store == nil || t.store.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := t.store.DB.QueryContext(ctx, `
		SELECT id, name, preview, created_at, active, total_requests, total_tokens
		FROM tokens ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	var list []tokens.Entry
	for rows.Next() {
		entry, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		list = append(list, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read tokens: %w", err)
	}
	return list, nil
}

func (t *TokenStore) SetTokenActive(ctx context.Context, id string, active bool) error {
	if t == nil || t.store == nil || t.store.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := t.store.DB.ExecContext(ctx, `UPDATE tokens SET active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("token %q not found", id)
	}
	return nil
}

func (t *TokenStore) RecordTokenUsage(ctx context.Context, id, _ string, tokensUsed int) error {
	if t == nil || t.store == nil || t.store.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	_, err := t.store.DB.ExecContext(ctx, `
		UPDATE tokens SET
			total_requests = total_requests + 1,
			total_tokens = total_tokens + ?
		WHERE id = ?
	`, tokensUsed, id)
	if err != nil {
		return fmt.Errorf("record token usage: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*tokens.Entry, error) {
	var (
		entry     tokens.Entry
		createdAt int64
		active    int
	)
	if err := row.Scan(&entry.ID, &entry.Name, &entry.Preview, &createdAt, &active, &entry.TotalRequests, &entry.TotalTokens); err != nil {
		return nil, err
	}
	entry.CreatedAt = time.Unix(createdAt, 0).UTC()
	entry.Active = active != 0
	return &entry, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
