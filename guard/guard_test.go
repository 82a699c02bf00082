package guard

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"exitguard/breaker"
	"exitguard/gateway"
	"exitguard/notify"
	"exitguard/store"
)

// equityGateway stubs the one Gateway method the guard uses.
type equityGateway struct {
	gateway.Gateway
	equity decimal.Decimal
	err    error
	calls  int
}

func (g *equityGateway) Equity(context.Context, string) (decimal.Decimal, error) {
	g.calls++
	if g.err != nil {
		return decimal.Zero, g.err
	}
	return g.equity, nil
}

func newTestGuard(t *testing.T, gw gateway.Gateway, cfg Config) (*Guard, *breaker.Breaker, *time.Time) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := store.NewFromDB(db)
	require.NoError(t, err)

	brk := breaker.New(s.Breaker(), notify.Nop{}, nil, "MAIN", time.Minute)
	g := New(gw, s.Session(), brk, cfg)

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	return g, brk, &now
}

func baseConfig() Config {
	return Config{
		AccountScope:    "MAIN",
		RiskPct:         0.20,
		DailyLossCapPct: 1.0,
		MaxConcurrent:   3,
		MaxSymbolTrades: 1,
		EquityCacheTTL:  15 * time.Second,
	}
}

func TestBudgetFromEquity(t *testing.T) {
	gw := &equityGateway{equity: decimal.NewFromInt(10000)}
	g, _, _ := newTestGuard(t, gw, baseConfig())

	// 0.20% of 10000 = 20
	budget := g.Budget(context.Background())
	require.True(t, budget.Equal(decimal.NewFromInt(20)), "budget %s", budget)
}

func TestBudgetFailsClosed(t *testing.T) {
	gw := &equityGateway{err: gateway.Rejected("equity", 10001, "api key expired")}
	g, _, _ := newTestGuard(t, gw, baseConfig())

	require.True(t, g.Budget(context.Background()).IsZero())
}

func TestEquityCache(t *testing.T) {
	gw := &equityGateway{equity: decimal.NewFromInt(5000)}
	g, _, now := newTestGuard(t, gw, baseConfig())
	ctx := context.Background()

	_, err := g.Equity(ctx)
	require.NoError(t, err)
	_, err = g.Equity(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, gw.calls)

	*now = now.Add(20 * time.Second)
	_, err = g.Equity(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, gw.calls)
}

func TestSessionDayRespectsResetHour(t *testing.T) {
	cfg := baseConfig()
	cfg.SessionResetHour = 6
	g, _, _ := newTestGuard(t, &equityGateway{equity: decimal.NewFromInt(1)}, cfg)

	// 05:59 UTC still belongs to the previous session day
	require.Equal(t, "2026-08-24", g.SessionDay(time.Date(2026, 8, 25, 5, 59, 0, 0, time.UTC)))
	require.Equal(t, "2026-08-25", g.SessionDay(time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)))
}

func TestDailyLossCapTripsBreaker(t *testing.T) {
	gw := &equityGateway{equity: decimal.NewFromInt(10000)}
	g, brk, _ := newTestGuard(t, gw, baseConfig())
	ctx := context.Background()

	require.NoError(t, g.Touch(ctx))
	require.False(t, brk.Active())

	// cap is 1% of 10000 = 100; lose 60 then 50
	require.NoError(t, g.RecordRealized(ctx, -60))
	require.False(t, brk.Active())

	require.NoError(t, g.RecordRealized(ctx, -50))
	require.True(t, brk.Active())

	state, err := brk.Status()
	require.NoError(t, err)
	require.Equal(t, "daily_loss_cap", state.Reason)
	require.Equal(t, breaker.SourceRiskGuard, state.Source)
}

func TestRecordRealizedStampsSession(t *testing.T) {
	gw := &equityGateway{equity: decimal.NewFromInt(10000)}
	g, _, now := newTestGuard(t, gw, baseConfig())
	ctx := context.Background()

	require.NoError(t, g.Touch(ctx))

	// a winning trade counts as an attempt but leaves the loss stamp
	require.NoError(t, g.RecordRealized(ctx, 30))
	st := g.Snapshot(ctx)
	require.Equal(t, 1, st.Attempts)
	require.True(t, st.LastLossAt.IsZero())

	lossTime := *now
	require.NoError(t, g.RecordRealized(ctx, -45))
	st = g.Snapshot(ctx)
	require.Equal(t, 2, st.Attempts)
	require.True(t, st.LastLossAt.Equal(lossTime), "last loss at %s", st.LastLossAt)
}

func TestSessionBaselineAnchoredOnce(t *testing.T) {
	gw := &equityGateway{equity: decimal.NewFromInt(10000)}
	g, _, now := newTestGuard(t, gw, baseConfig())
	ctx := context.Background()

	require.NoError(t, g.Touch(ctx))

	// equity moves, same day: baseline unchanged
	gw.equity = decimal.NewFromInt(8000)
	*now = now.Add(time.Hour)
	require.NoError(t, g.Touch(ctx))

	st := g.Snapshot(ctx)
	require.Equal(t, float64(10000), st.StartEquity)

	// next day opens a fresh baseline at current equity
	*now = now.Add(24 * time.Hour)
	require.NoError(t, g.Touch(ctx))
	st = g.Snapshot(ctx)
	require.Equal(t, float64(8000), st.StartEquity)
	require.Equal(t, float64(0), st.RealizedPnL)
}

func TestTouchWithoutEquityRetriesNextSweep(t *testing.T) {
	gw := &equityGateway{err: gateway.Transient("equity", errors.New("503"))}
	g, _, _ := newTestGuard(t, gw, baseConfig())

	require.Error(t, g.Touch(context.Background()))

	// equity recovers: the session opens with the live value
	gw.err = nil
	gw.equity = decimal.NewFromInt(7000)
	require.NoError(t, g.Touch(context.Background()))
	st := g.Snapshot(context.Background())
	require.Equal(t, float64(7000), st.StartEquity)
}

func TestAllowNewLadderCaps(t *testing.T) {
	gw := &equityGateway{equity: decimal.NewFromInt(10000)}
	g, brk, _ := newTestGuard(t, gw, baseConfig())

	g.SetOpenCounts(map[string]int{"BTCUSDT": 1, "ETHUSDT": 1})
	ok, label, detail := g.AllowNewLadder("BTCUSDT")
	require.True(t, ok, detail)
	require.Empty(t, label)

	// four distinct symbols over MaxConcurrent=3
	g.SetOpenCounts(map[string]int{"BTCUSDT": 1, "ETHUSDT": 1, "SOLUSDT": 1, "XRPUSDT": 1})
	ok, label, detail = g.AllowNewLadder("BTCUSDT")
	require.False(t, ok)
	require.Equal(t, BlockMaxConcurrent, label)
	require.Contains(t, detail, "over cap")

	// per-symbol cap
	g.SetOpenCounts(map[string]int{"BTCUSDT": 2})
	ok, label, detail = g.AllowNewLadder("BTCUSDT")
	require.False(t, ok)
	require.Equal(t, BlockMaxSymbolTrades, label)
	require.Contains(t, detail, "cap 1")

	// breaker halts everything
	g.SetOpenCounts(map[string]int{})
	require.NoError(t, brk.SetOn("manual", breaker.SourceManual, 0))
	ok, label, _ = g.AllowNewLadder("BTCUSDT")
	require.False(t, ok)
	require.Equal(t, BlockBreaker, label)
}
