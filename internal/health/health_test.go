package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatusDefaultsHealthy(t *testing.T) {
	c := NewClassifier(nil)
	require.Equal(t, StatusHealthy, c.Status("cred-a", "test-model"))
}

func TestMarkLimited(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	clock := &now

	t.Run("HintSetsDeadline", func(t *testing.T) {
		c := NewClassifier(nil, WithClock(func() time.Time { return *clock }))
		c.MarkLimited("cred-a", "test-model", 10*time.Second)
		require.Equal(t, StatusLimited, c.Status("cred-a", "test-model"))

		now = now.Add(9 * time.Second)
		require.Equal(t, StatusLimited, c.Status("cred-a", "test-model"))

		now = now.Add(2 * time.Second)
		require.Equal(t, StatusHealthy, c.Status("cred-a", "test-model"))
	})

	t.Run("NoHintUsesExponentialBackoff", func(t *testing.T) {
		base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
		at := base
		c := NewClassifier(nil, WithClock(func() time.Time { return at }))

		// First mark backs off for the base duration.
		c.MarkLimited("cred-a", "test-model", 0)
		at = base.Add(DefaultBackoffBase - time.Millisecond)
		require.Equal(t, StatusLimited, c.Status("cred-a", "test-model"))
		at = base.Add(DefaultBackoffBase + time.Millisecond)
		require.Equal(t, StatusHealthy, c.Status("cred-a", "test-model"))

		// Second mark doubles it.
		mark := at
		c.MarkLimited("cred-a", "test-model", 0)
		at = mark.Add(2*DefaultBackoffBase + time.Millisecond)
		require.Equal(t, StatusHealthy, c.Status("cred-a", "test-model"))
	})

	t.Run("BackoffIsCapped", func(t *testing.T) {
		base := time.Date(2026, 8, 26, 14, 0, 0, 0, time.UTC)
		at := base
		c := NewClassifier(nil, WithClock(func() time.Time { return at }))

		for i := 0; i < 10; i++ {
			c.MarkLimited("cred-a", "test-model", 0)
		}
		at = base.Add(DefaultBackoffCap + time.Second)
		require.Equal(t, StatusHealthy, c.Status("cred-a", "test-model"))
	})
}

func TestMarkDeadIsTerminal(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	c := NewClassifier(nil, WithClock(func() time.Time { return now }))

	c.MarkDead("cred-a", "test-model")
	require.Equal(t, StatusDead, c.Status("cred-a", "test-model"))

	// Neither time, success, nor a limited mark revives a dead pair.
	now = now.Add(48 * time.Hour)
	require.Equal(t, StatusDead, c.Status("cred-a", "test-model"))

	c.MarkSuccess("cred-a", "test-model")
	require.Equal(t, StatusDead, c.Status("cred-a", "test-model"))

	c.MarkLimited("cred-a", "test-model", time.Second)
	require.Equal(t, StatusDead, c.Status("cred-a", "test-model"))
}

func TestMarkDeadScopesToModel(t *testing.T) {
	c := NewClassifier(nil)
	c.MarkDead("cred-a", "test-model")
	require.Equal(t, StatusHealthy, c.Status("cred-a", "other-model"))
	require.Equal(t, StatusHealthy, c.Status("cred-b", "test-model"))
}

func TestMarkTransient(t *testing.T) {
	t.Run("BelowThresholdStaysHealthy", func(t *testing.T) {
		c := NewClassifier(nil)
		for i := 0; i < DefaultFailureThreshold-1; i++ {
			c.MarkTransient("cred-a", "test-model")
		}
		require.Equal(t, StatusHealthy, c.Status("cred-a", "test-model"))
	})

	t.Run("ThresholdLimitsThePair", func(t *testing.T) {
		c := NewClassifier(nil)
		for i := 0; i < DefaultFailureThreshold; i++ {
			c.MarkTransient("cred-a", "test-model")
		}
		require.Equal(t, StatusLimited, c.Status("cred-a", "test-model"))
	})

	t.Run("SuccessResetsTheCounter", func(t *testing.T) {
		c := NewClassifier(nil, WithFailureThreshold(2))
		c.MarkTransient("cred-a", "test-model")
		c.MarkSuccess("cred-a", "test-model")
		c.MarkTransient("cred-a", "test-model")
		require.Equal(t, StatusHealthy, c.Status("cred-a", "test-model"))
	})
}

func TestSnapshots(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	c := NewClassifier(nil, WithClock(func() time.Time { return now }))

	c.MarkLimited("cred-a", "test-model", 30*time.Second)
	c.MarkDead("cred-b", "test-model")

	snaps := c.Snapshots()
	require.Len(t, snaps, 2)

	byCred := make(map[string]Snapshot, len(snaps))
	for _, s := range snaps {
		byCred[s.CredentialID] = s
	}
	require.Equal(t, StatusLimited, byCred["cred-a"].Status)
	require.Equal(t, now.Add(30*time.Second), byCred["cred-a"].StatusUntil)
	require.Equal(t, StatusDead, byCred["cred-b"].Status)
}
