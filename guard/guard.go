// Package guard enforces portfolio-wide risk guardrails: the
// per-trade risk budget, the daily loss cap, and the open-trade caps.
// It coordinates with the breaker but never flattens positions.
package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"exitguard/breaker"
	"exitguard/gateway"
	"exitguard/logger"
	"exitguard/store"
)

var hundred = decimal.NewFromInt(100)

// Config are the guardrail knobs.
type Config struct {
	AccountScope     string
	RiskPct          float64 // per-trade budget as percent of equity
	DailyLossCapPct  float64 // session realized loss cap as percent of session start equity
	MaxConcurrent    int     // distinct symbols with open positions
	MaxSymbolTrades  int     // positions per symbol
	EquityCacheTTL   time.Duration
	SessionResetHour int // UTC hour where the daily session rolls over
}

// Status is a point-in-time guard snapshot for the control API.
type Status struct {
	Day           string          `json:"day"`
	Equity        decimal.Decimal `json:"equity"`
	Budget        decimal.Decimal `json:"budget"`
	StartEquity   float64         `json:"start_equity"`
	RealizedPnL   float64         `json:"realized_pnl"`
	Attempts      int             `json:"attempts"`
	LastLossAt    time.Time       `json:"last_loss_at"`
	LossCapHit    bool            `json:"loss_cap_hit"`
	OpenSymbols   int             `json:"open_symbols"`
	BreakerActive bool            `json:"breaker_active"`
}

// Stable labels for why a new ladder was refused. Metric label
// values; the human detail travels separately.
const (
	BlockBreaker         = "breaker"
	BlockMaxConcurrent   = "max_concurrent"
	BlockMaxSymbolTrades = "max_symbol_trades"
)

// Guard owns the risk session and answers budget questions for the
// engine. All methods are safe for concurrent use.
type Guard struct {
	gw       gateway.Gateway
	sessions *store.SessionStore
	brk      *breaker.Breaker
	cfg      Config
	now      func() time.Time

	mu           sync.Mutex
	cachedEquity decimal.Decimal
	cachedAt     time.Time
	openCounts   map[string]int // symbol -> open position count
	currentDay   string
}

func New(gw gateway.Gateway, sessions *store.SessionStore, brk *breaker.Breaker, cfg Config) *Guard {
	return &Guard{
		gw:         gw,
		sessions:   sessions,
		brk:        brk,
		cfg:        cfg,
		now:        time.Now,
		openCounts: map[string]int{},
	}
}

// SessionDay returns the session key for t: the UTC date after
// shifting the day boundary to the configured reset hour.
func (g *Guard) SessionDay(t time.Time) string {
	return t.UTC().Add(-time.Duration(g.cfg.SessionResetHour) * time.Hour).Format("2006-01-02")
}

// Equity returns account equity, cached for the configured TTL.
func (g *Guard) Equity(ctx context.Context) (decimal.Decimal, error) {
	g.mu.Lock()
	if !g.cachedAt.IsZero() && g.now().Sub(g.cachedAt) < g.cfg.EquityCacheTTL {
		eq := g.cachedEquity
		g.mu.Unlock()
		return eq, nil
	}
	g.mu.Unlock()

	eq, err := gateway.RetryResult(ctx, gateway.DefaultPolicy(), func() (decimal.Decimal, error) {
		return g.gw.Equity(ctx, g.cfg.AccountScope)
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("equity unavailable: %w", err)
	}

	g.mu.Lock()
	g.cachedEquity = eq
	g.cachedAt = g.now()
	g.mu.Unlock()
	return eq, nil
}

// Budget returns the per-trade risk budget in the base asset. It
// fails closed: when equity cannot be read the budget is zero.
func (g *Guard) Budget(ctx context.Context) decimal.Decimal {
	eq, err := g.Equity(ctx)
	if err != nil {
		logger.Warnf("Risk budget forced to zero: %v", err)
		return decimal.Zero
	}
	return eq.Mul(decimal.NewFromFloat(g.cfg.RiskPct)).Div(hundred)
}

// Touch rolls the session forward when the day boundary has passed,
// anchoring the new session's start equity. Called once per sweep.
func (g *Guard) Touch(ctx context.Context) error {
	day := g.SessionDay(g.now())

	g.mu.Lock()
	if day == g.currentDay {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	_, found, err := g.sessions.Get(day)
	if err != nil {
		return err
	}
	if !found {
		eq, eqErr := g.Equity(ctx)
		if eqErr != nil {
			// no baseline yet; retry next sweep rather than anchor at zero
			return fmt.Errorf("cannot open session %s: %w", day, eqErr)
		}
		if err := g.sessions.Open(day, eq.InexactFloat64()); err != nil {
			return err
		}
		logger.Infof("Risk session %s opened (start equity %s)", day, eq.StringFixed(2))
	}

	g.mu.Lock()
	g.currentDay = day
	g.mu.Unlock()
	return nil
}

// SetOpenCounts replaces the per-symbol open position counts, taken
// from the latest position snapshot.
func (g *Guard) SetOpenCounts(counts map[string]int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.openCounts = counts
}

// AllowNewLadder decides whether the engine may lay a fresh ladder
// for a newly seen position on symbol. On refusal it returns one of
// the Block* labels plus a human-readable detail; both are empty when
// allowed.
func (g *Guard) AllowNewLadder(symbol string) (bool, string, string) {
	if g.brk.Active() {
		return false, BlockBreaker, "breaker active"
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cfg.MaxConcurrent > 0 && len(g.openCounts) > g.cfg.MaxConcurrent {
		return false, BlockMaxConcurrent,
			fmt.Sprintf("open symbols %d over cap %d", len(g.openCounts), g.cfg.MaxConcurrent)
	}
	if g.cfg.MaxSymbolTrades > 0 && g.openCounts[symbol] > g.cfg.MaxSymbolTrades {
		return false, BlockMaxSymbolTrades,
			fmt.Sprintf("symbol %s has %d positions, cap %d", symbol, g.openCounts[symbol], g.cfg.MaxSymbolTrades)
	}
	return true, "", ""
}

// RecordRealized accumulates realized PnL (negative = loss) into the
// current session and trips the breaker when the daily loss cap is
// breached.
func (g *Guard) RecordRealized(ctx context.Context, pnl float64) error {
	if err := g.Touch(ctx); err != nil {
		return err
	}

	g.mu.Lock()
	day := g.currentDay
	g.mu.Unlock()
	if err := g.sessions.AddRealizedPnL(day, pnl, g.now()); err != nil {
		return err
	}
	return g.checkLossCap(day)
}

func (g *Guard) checkLossCap(day string) error {
	sess, found, err := g.sessions.Get(day)
	if err != nil || !found {
		return err
	}
	if g.cfg.DailyLossCapPct <= 0 || sess.StartEquity <= 0 {
		return nil
	}
	capAbs := sess.StartEquity * g.cfg.DailyLossCapPct / 100
	if sess.RealizedPnL > -capAbs {
		return nil
	}
	logger.Warnf("Daily loss cap hit: realized %.2f vs cap %.2f (start %.2f)",
		sess.RealizedPnL, capAbs, sess.StartEquity)
	return g.brk.SetOn("daily_loss_cap", breaker.SourceRiskGuard, 0)
}

// Snapshot returns the guard status for the control API.
func (g *Guard) Snapshot(ctx context.Context) Status {
	st := Status{BreakerActive: g.brk.Active()}

	if eq, err := g.Equity(ctx); err == nil {
		st.Equity = eq
	}
	st.Budget = g.Budget(ctx)

	g.mu.Lock()
	st.OpenSymbols = len(g.openCounts)
	g.mu.Unlock()

	st.Day = g.SessionDay(g.now())
	if sess, found, err := g.sessions.Get(st.Day); err == nil && found {
		st.StartEquity = sess.StartEquity
		st.RealizedPnL = sess.RealizedPnL
		st.Attempts = sess.Attempts
		st.LastLossAt = sess.LastLossAt
		if g.cfg.DailyLossCapPct > 0 && sess.StartEquity > 0 {
			st.LossCapHit = sess.RealizedPnL <= -(sess.StartEquity * g.cfg.DailyLossCapPct / 100)
		}
	}
	return st
}
