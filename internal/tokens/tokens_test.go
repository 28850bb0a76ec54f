package tokens

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testSecret = "unit-test-signing-secret"

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	registry, err := NewRegistry(testSecret, NewMemoryStore())
	require.NoError(t, err)
	return registry
}

func TestNewRegistry(t *testing.T) {
	t.Run("RequiresSecret", func(t *testing.T) {
		_, err := NewRegistry("  ", NewMemoryStore())
		require.ErrorContains(t, err, "secret")
	})

	t.Run("RequiresStore", func(t *testing.T) {
		_, err := NewRegistry(testSecret, nil)
		require.ErrorContains(t, err, "store")
	})
}

func TestCreateAndAuthorize(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	token, entry, err := registry.Create(ctx, "ci-pipeline")
	require.NoError(t, err)
	require.Len(t, entry.ID, 12)
	require.Equal(t, "ci-pipeline", entry.Name)
	require.True(t, entry.Active)
	require.True(t, strings.HasPrefix(entry.Preview, "..."))
	require.True(t, strings.HasSuffix(token, entry.Preview[3:]))

	id, ok := registry.Authorize(ctx, token)
	require.True(t, ok)
	require.Equal(t, entry.ID, id)
}

func TestCreateDefaultsName(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	_, entry, err := registry.Create(ctx, "  ")
	require.NoError(t, err)
	require.Equal(t, "token-"+entry.ID[:6], entry.Name)
}

func TestAuthorizeRejections(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	token, _, err := registry.Create(ctx, "valid")
	require.NoError(t, err)

	t.Run("EmptyToken", func(t *testing.T) {
		_, ok := registry.Authorize(ctx, "")
		require.False(t, ok)
	})

	t.Run("GarbageToken", func(t *testing.T) {
		_, ok := registry.Authorize(ctx, "not-a-jwt")
		require.False(t, ok)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		other, err := NewRegistry("a-different-secret", NewMemoryStore())
		require.NoError(t, err)
		_, ok := other.Authorize(ctx, token)
		require.False(t, ok)
	})

	t.Run("UnknownStore", func(t *testing.T) {
		// Valid signature, but the entry lives in another registry's store.
		fresh, err := NewRegistry(testSecret, NewMemoryStore())
		require.NoError(t, err)
		_, ok := fresh.Authorize(ctx, token)
		require.False(t, ok)
	})
}

func TestRevokeDeactivates(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	token, entry, err := registry.Create(ctx, "short-lived")
	require.NoError(t, err)

	_, ok := registry.Authorize(ctx, token)
	require.True(t, ok)

	require.NoError(t, registry.Revoke(ctx, entry.ID))
	_, ok = registry.Authorize(ctx, token)
	require.False(t, ok)

	require.Error(t, registry.Revoke(ctx, ""))
	require.Error(t, registry.Revoke(ctx, "missing-id"))
}

func TestRecordUsage(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	_, entry, err := registry.Create(ctx, "metered")
	require.NoError(t, err)

	require.NoError(t, registry.RecordUsage(ctx, entry.ID, "gemini-2.5-flash", 120))
	require.NoError(t, registry.RecordUsage(ctx, entry.ID, "gemini-2.5-flash", 30))

	// A missing id is a silent no-op so logging paths need no guard.
	require.NoError(t, registry.RecordUsage(ctx, "", "gemini-2.5-flash", 10))

	entries, err := registry.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 2, entries[0].TotalRequests)
	require.Equal(t, 150, entries[0].TotalTokens)
}

func TestListOrdersByCreation(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	_, first, err := registry.Create(ctx, "first")
	require.NoError(t, err)
	_, second, err := registry.Create(ctx, "second")
	require.NoError(t, err)

	entries, err := registry.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	ids := []string{entries[0].ID, entries[1].ID}
	require.Contains(t, ids, first.ID)
	require.Contains(t, ids, second.ID)
}