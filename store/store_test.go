package store

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := NewFromDB(db)
	require.NoError(t, err)
	return s
}

func TestBreakerStateRoundTrip(t *testing.T) {
	s := newTestStore(t)

	// fresh database: inactive
	state, err := s.Breaker().Get()
	require.NoError(t, err)
	require.False(t, state.Active)

	setAt := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	in := BreakerState{
		Active:     true,
		Reason:     "daily_loss_cap",
		SetAt:      setAt,
		TTLSeconds: 3600,
		Source:     "risk_guard",
	}
	require.NoError(t, s.Breaker().Save(in))

	out, err := s.Breaker().Get()
	require.NoError(t, err)
	require.Equal(t, in, out)
	require.Equal(t, setAt.Add(time.Hour), out.ExpiresAt())
}

func TestBreakerStateExpiry(t *testing.T) {
	setAt := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	state := BreakerState{Active: true, SetAt: setAt, TTLSeconds: 600}

	require.False(t, state.Expired(setAt.Add(599*time.Second)))
	require.True(t, state.Expired(setAt.Add(600*time.Second)))

	// no TTL means no expiry
	state.TTLSeconds = 0
	require.False(t, state.Expired(setAt.Add(24*time.Hour)))

	// inactive state never reports expired
	state = BreakerState{Active: false, SetAt: setAt, TTLSeconds: 1}
	require.False(t, state.Expired(setAt.Add(time.Hour)))
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)

	_, found, err := s.Session().Get("2026-08-25")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.Session().Open("2026-08-25", 10000))
	// re-open must not reset the baseline
	require.NoError(t, s.Session().Open("2026-08-25", 99999))

	lossAt := time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC)
	winAt := lossAt.Add(time.Hour)
	require.NoError(t, s.Session().AddRealizedPnL("2026-08-25", -120.5, lossAt))
	require.NoError(t, s.Session().AddRealizedPnL("2026-08-25", 20.5, winAt))

	sess, found, err := s.Session().Get("2026-08-25")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, float64(10000), sess.StartEquity)
	require.InDelta(t, -100.0, sess.RealizedPnL, 1e-9)
	require.Equal(t, 2, sess.Attempts)
	// the win does not move the loss stamp
	require.True(t, sess.LastLossAt.Equal(lossAt), "last loss at %s", sess.LastLossAt)

	// updating a day that was never opened is an error
	require.Error(t, s.Session().AddRealizedPnL("2026-08-26", -1, lossAt))
}

func TestSessionLossStampStartsEmpty(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Session().Open("2026-08-25", 5000))

	require.NoError(t, s.Session().AddRealizedPnL("2026-08-25", 12.5,
		time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)))

	sess, found, err := s.Session().Get("2026-08-25")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, sess.Attempts)
	require.True(t, sess.LastLossAt.IsZero())
}

func TestActionAudit(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Action().Record(Action{
		Symbol: "BTCUSDT", Kind: "create", Detail: "R1 0.5 @ 102.5",
	}))
	require.NoError(t, s.Action().Record(Action{
		Symbol: "BTCUSDT", Kind: "cancel", Detail: "stale rung", DryRun: true,
	}))

	actions, err := s.Action().Recent(10)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	// newest first
	require.Equal(t, "cancel", actions[0].Kind)
	require.True(t, actions[0].DryRun)
	require.Equal(t, "create", actions[1].Kind)
	require.False(t, actions[1].Timestamp.IsZero())
}
