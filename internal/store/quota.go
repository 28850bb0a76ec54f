package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hydragw/hydra/internal/quota"
)

// QuotaStore persists quota windows in the database. It satisfies
// quota.Store: Mutate applies the callback inside a transaction and only
// commits when the callback succeeds. A process-local mutex serializes
// mutations so concurrent reservations never act on a stale read.
type QuotaStore struct {
	store *Store
	mu    sync.Mutex
}

// NewQuotaStore returns a quota store over the database connection.
func NewQuotaStore(s *Store) *QuotaStore {
	return &QuotaStore{store: s}
}

// Mutate loads the pair's state, applies fn, and persists the result when fn
// returns nil.
func (q *QuotaStore) Mutate(ctx context.Context, pair quota.Pair, fn func(*quota.State) error) error {
	if q == nil || q.store == nil || q.store.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin quota mutation: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck // no-op after commit

	state, err := loadWindows(ctx, tx, pair)
	if err != nil {
		return err
	}

	if err := fn(state); err != nil {
		return err
	}

	for class, window := range state.Windows {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO quota_windows (credential_id, model, class, window_start, count)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(credential_id, model, class) DO UPDATE SET
				window_start = excluded.window_start,
				count = excluded.count
		`, pair.CredentialID, pair.Model, string(class), window.WindowStart.Unix(), window.Count)
		if err != nil {
			return fmt.Errorf("store quota window: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit quota mutation: %w", err)
	}
	return nil
}

// Load returns the pair's persisted state, or nil when nothing is stored.
func (q *QuotaStore) Load(ctx context.Context, pair quota.Pair) (*quota.State, error) {
	if q == nil || q.store == nil || q.store.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	state, err := loadWindows(ctx, q.store.DB, pair)
	if err != nil {
		return nil, err
	}
	if len(state.Windows) == 0 {
		return nil, nil
	}
	return state, nil
}

// querier covers *sql.DB and *sql.Tx, which share no interface in database/sql.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadWindows(ctx context.Context, db querier, pair quota.Pair) (*quota.State, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT class, window_start, count
		FROM quota_windows
		WHERE credential_id = ? AND model = ?
	`, pair.CredentialID, pair.Model)
	if err != nil {
		return nil, fmt.Errorf("fetch quota windows: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	state := &quota.State{Windows: make(map[quota.Class]quota.Window)}
	for rows.Next() {
		var (
			class       string
			windowStart int64
			count       int
		)
		if err := rows.Scan(&class, &windowStart, &count); err != nil {
			return nil, fmt.Errorf("scan quota window: %w", err)
		}
		state.Windows[quota.Class(class)] = quota.Window{
			WindowStart: time.Unix(windowStart, 0).UTC(),
			Count:       count,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read quota windows: %w", err)
	}
	return state, nil
}
