package dashboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hydragw/hydra/internal/tokens"
)

func TestRenderKeys(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	rows := []KeyRow{
		{
			Label: "key-abc123", Preview: "...y-one", Model: "gemini-2.5-flash",
			Status: "healthy", RPMUsed: 3, RPMLimit: 15, RPDUsed: 40, RPDLimit: 200,
			TPMUsed: 12000, TPMLimit: 1000000, Score: 0.8,
		},
		{
			Preview: "...y-two", Model: "gemini-2.5-flash",
			Status: "limited", StatusUntil: now.Add(30 * time.Second),
		},
	}

	out := RenderKeys(rows, now)
	require.Contains(t, out, "key-abc123 (...y-one)")
	require.Contains(t, out, "3/15")
	require.Contains(t, out, "limited (30s)")
	require.Contains(t, out, "1/2 healthy")
}

func TestRenderKeysExpiredLimitOmitsCountdown(t *testing.T) {
	now := time.Now()
	out := RenderKeys([]KeyRow{{Preview: "...y-one", Status: "limited", StatusUntil: now.Add(-time.Second)}}, now)
	require.Contains(t, out, "limited")
	require.NotContains(t, out, "limited (")
}

func TestRenderTokens(t *testing.T) {
	out := RenderTokens([]tokens.Entry{
		{
			ID: "abc123def456", Name: "ci-pipeline", Preview: "...zyx987",
			CreatedAt: time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC),
			Active:    true, TotalRequests: 12, TotalTokens: 3400,
		},
		{ID: "fff000fff000", Name: "revoked", Preview: "...aaa111"},
	})
	require.Contains(t, out, "ci-pipeline")
	require.Contains(t, out, "2026-01-02 09:30")
	require.Contains(t, out, "yes")
	require.Contains(t, out, "no")
	require.Contains(t, out, "2 total")
}