package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/RavinduMendis/R25-039/coordinator/adrm"
	"github.com/RavinduMendis/R25-039/shared/testutil/assert"
	"github.com/RavinduMendis/R25-039/shared/testutil/require"
)

type fakeBlocklist struct {
	blocked map[string]bool
}

func (f *fakeBlocklist) IsBlocked(clientID string) bool { return f.blocked[clientID] }

func newTestRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()
	r, err := New("", 30*time.Second, 2*time.Minute)
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestUpsertAndHeartbeat(t *testing.T) {
	r, now := newTestRegistry(t)
	r.Upsert("c1", "10.0.0.1", "mtls")

	c, ok := r.Get("c1")
	require.Equal(t, true, ok)
	assert.Equal(t, StatusConnected, c.Status)
	assert.Equal(t, 100, c.Reputation)

	*now = now.Add(10 * time.Second)
	require.NoError(t, r.Heartbeat("c1", 120))
	c, _ = r.Get("c1")
	assert.Equal(t, *now, c.LastHeartbeat)
	assert.Equal(t, 120.0, c.LatencyMS)

	require.ErrorContains(t, "unknown client", r.Heartbeat("ghost", 0))
}

func TestHeartbeatChecker_Transitions(t *testing.T) {
	r, now := newTestRegistry(t)
	r.Upsert("c1", "10.0.0.1", "mtls")

	*now = now.Add(31 * time.Second)
	r.CheckHeartbeats()
	c, _ := r.Get("c1")
	assert.Equal(t, StatusDisconnected, c.Status)

	// Reconnecting resets the uptime epoch.
	require.NoError(t, r.Heartbeat("c1", 0))
	c, _ = r.Get("c1")
	assert.Equal(t, StatusConnected, c.Status)
	assert.Equal(t, *now, c.UptimeStart)

	// Past the grace period the record is removed.
	*now = now.Add(3 * time.Minute)
	r.CheckHeartbeats()
	_, ok := r.Get("c1")
	assert.Equal(t, false, ok)
}

func TestPenalize_ClampsAtZero(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Upsert("c1", "10.0.0.1", "mtls")
	r.Penalize("c1", 60)
	c, _ := r.Get("c1")
	assert.Equal(t, 40, c.Reputation)
	r.Penalize("c1", 60)
	c, _ = r.Get("c1")
	assert.Equal(t, 0, c.Reputation)
	assert.Equal(t, 2, len(c.ReputationHistory))
}

func TestSelectForRound_FairnessAndEligibility(t *testing.T) {
	r, now := newTestRegistry(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		r.Upsert(id, "10.0.0.1", "mtls")
	}
	// "d" falls below the reputation threshold.
	r.Penalize("d", 50)
	// "c" is blocked.
	r.SetBlocklist(&fakeBlocklist{blocked: map[string]bool{"c": true}})

	assert.Equal(t, 2, r.EligibleCount())

	selected := r.SelectForRound(2, 1)
	require.Equal(t, 2, len(selected))
	assert.Equal(t, "a", selected[0])
	assert.Equal(t, "b", selected[1])

	// Not enough eligible clients for k=3.
	assert.Equal(t, 0, len(r.SelectForRound(3, 2)))

	// A freshly eligible client that has never been selected goes ahead
	// of the round-1 participants.
	r.SetBlocklist(&fakeBlocklist{blocked: map[string]bool{}})
	*now = now.Add(time.Second)
	selected = r.SelectForRound(1, 3)
	require.Equal(t, 1, len(selected))
	assert.Equal(t, "c", selected[0])
}

func TestSelectForRound_ScorePrefersReputation(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Upsert("low", "10.0.0.1", "mtls")
	r.Upsert("high", "10.0.0.2", "mtls")
	r.Penalize("low", 30) // reputation 70, still eligible

	selected := r.SelectForRound(1, 1)
	require.Equal(t, 1, len(selected))
	assert.Equal(t, "high", selected[0])
}

func TestRecordRoundParticipation(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Upsert("c1", "10.0.0.1", "mtls")
	r.RecordRoundParticipation("c1", 7, map[string]float64{"loss": 0.3})
	c, _ := r.Get("c1")
	assert.Equal(t, uint64(7), c.LastSuccessful)
	require.Equal(t, 1, len(c.Participation))
	assert.Equal(t, uint64(7), c.Participation[0].Round)
}

func TestHeartbeat_PersistsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client_data.json")
	r, err := New(path, 30*time.Second, 2*time.Minute)
	require.NoError(t, err)
	r.Upsert("c1", "10.0.0.1", "mtls")
	require.NoError(t, r.Heartbeat("c1", 250))

	restored, err := New(path, 30*time.Second, 2*time.Minute)
	require.NoError(t, err)
	c, ok := restored.Get("c1")
	require.Equal(t, true, ok)
	assert.Equal(t, 250.0, c.LatencyMS)
}

func TestBlocklistAndPenalty_NoLockOrderDeadlock(t *testing.T) {
	r, _ := newTestRegistry(t)
	resp, err := adrm.NewResponseSystem(adrm.ResponseConfig{
		BlockDuration:   time.Hour,
		PenaltyForBlock: 15,
	}, r, "")
	require.NoError(t, err)
	r.SetBlocklist(resp)
	r.Upsert("c1", "10.0.0.1", "mtls")

	// Zero low-severity penalty keeps c1 above the eligibility threshold,
	// so every scan reaches the blocklist while triggers run against the
	// registry from the other side.
	done := make(chan struct{}, 2)
	go func() {
		for i := 0; i < 500; i++ {
			resp.Trigger("c1", adrm.SeverityLow, "load", nil, nil)
		}
		done <- struct{}{}
	}()
	go func() {
		for i := 0; i < 500; i++ {
			r.EligibleCount()
		}
		done <- struct{}{}
	}()
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("registry scan and anomaly trigger deadlocked")
		}
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client_data.json")
	r, err := New(path, 30*time.Second, 2*time.Minute)
	require.NoError(t, err)
	r.Upsert("c1", "10.0.0.1", "mtls")
	r.Penalize("c1", 10)

	restored, err := New(path, 30*time.Second, 2*time.Minute)
	require.NoError(t, err)
	c, ok := restored.Get("c1")
	require.Equal(t, true, ok)
	assert.Equal(t, 90, c.Reputation)
	// Restored clients must prove liveness again.
	assert.Equal(t, StatusDisconnected, c.Status)
}
