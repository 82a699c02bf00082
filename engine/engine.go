// Package engine implements the reconciliation controller: one loop
// per account scope that converges the venue's working orders toward
// the planner's desired exit ladders. It only manages exits; it has
// no authority to open or flatten positions.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"exitguard/breaker"
	"exitguard/config"
	"exitguard/gateway"
	"exitguard/guard"
	"exitguard/ladder"
	"exitguard/logger"
	"exitguard/notify"
	"exitguard/store"
)

// Status is a controller snapshot for the control API.
type Status struct {
	Scope         string    `json:"scope"`
	DryRun        bool      `json:"dry_run"`
	StartedAt     time.Time `json:"started_at"`
	LastSweepAt   time.Time `json:"last_sweep_at"`
	SweepCount    int64     `json:"sweep_count"`
	OpenPositions int       `json:"open_positions"`
	LastError     string    `json:"last_error,omitempty"`
}

// Engine is the per-scope reconciliation controller.
type Engine struct {
	cfg      *config.Config
	gw       gateway.Gateway
	guard    *guard.Guard
	brk      *breaker.Breaker
	actions  *store.ActionStore
	notifier notify.Notifier
	retry    gateway.Policy
	now      func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu            sync.Mutex
	sweepID       string
	startedAt     time.Time
	lastSweepAt   time.Time
	sweepCount    int64
	lastError     string
	lastPositions map[string]gateway.Position // keyed by symbol|side
	laddered      map[string]bool             // symbols notified about this position lifetime
	lastBlock     map[string]string           // symbol -> guard block label, for notify dedupe
	filterCache   map[string]gateway.Filters
}

// New wires the controller. Call Start to begin sweeping.
func New(cfg *config.Config, gw gateway.Gateway, g *guard.Guard, brk *breaker.Breaker, actions *store.ActionStore, notifier notify.Notifier) *Engine {
	return &Engine{
		cfg:           cfg,
		gw:            gw,
		guard:         g,
		brk:           brk,
		actions:       actions,
		notifier:      notifier,
		retry:         gateway.DefaultPolicy(),
		now:           time.Now,
		stopCh:        make(chan struct{}),
		lastPositions: make(map[string]gateway.Position),
		laddered:      make(map[string]bool),
		lastBlock:     make(map[string]string),
		filterCache:   make(map[string]gateway.Filters),
	}
}

// Start launches the controller loop.
func (e *Engine) Start() {
	e.mu.Lock()
	e.startedAt = e.now()
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run()
	logger.Infof("Reconcile engine started (scope=%s dry_run=%v interval=%s)",
		e.cfg.AccountScope, e.cfg.DryRun, e.cfg.PollInterval)
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	logger.Info("Reconcile engine stopped")
}

func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.sweep()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	start := e.now()
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PollInterval*3)
	defer cancel()

	// correlation id for this sweep's log lines
	e.mu.Lock()
	e.sweepID = uuid.New().String()[:8]
	e.mu.Unlock()

	err := e.sweepOnce(ctx)

	e.mu.Lock()
	e.lastSweepAt = start
	e.sweepCount++
	wasFailing := e.lastError != ""
	if err != nil {
		e.lastError = err.Error()
	} else {
		e.lastError = ""
	}
	e.mu.Unlock()

	sweepDuration.Observe(e.now().Sub(start).Seconds())
	if err != nil {
		sweepErrorsTotal.Inc()
		logger.Errorf("Sweep failed: %v", err)
		// one message per failure streak, not per sweep
		if !wasFailing {
			e.notifier.Notify(fmt.Sprintf("⚠️ Sweep failed: %v", err))
		}
		return
	}
	sweepsTotal.Inc()
}

// Snapshot returns the controller status.
func (e *Engine) Snapshot() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Scope:         e.cfg.AccountScope,
		DryRun:        e.cfg.DryRun,
		StartedAt:     e.startedAt,
		LastSweepAt:   e.lastSweepAt,
		SweepCount:    e.sweepCount,
		OpenPositions: len(e.lastPositions),
		LastError:     e.lastError,
	}
}

// inStartupGrace reports whether the post-start handover window is
// still open; foreign reduce-only orders are left alone during it.
func (e *Engine) inStartupGrace() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now().Sub(e.startedAt) < e.cfg.StartupGrace
}

func (e *Engine) log(symbol string) *logrus.Entry {
	e.mu.Lock()
	sweepID := e.sweepID
	e.mu.Unlock()
	return logger.WithFields(map[string]interface{}{
		"scope":  e.cfg.AccountScope,
		"sweep":  sweepID,
		"symbol": symbol,
	})
}

// filtersFor returns cached instrument filters; they change rarely
// enough that one fetch per symbol per process is fine.
func (e *Engine) filtersFor(ctx context.Context, symbol string) (gateway.Filters, error) {
	e.mu.Lock()
	if f, ok := e.filterCache[symbol]; ok {
		e.mu.Unlock()
		return f, nil
	}
	e.mu.Unlock()

	f, err := gateway.RetryResult(ctx, e.retry, func() (gateway.Filters, error) {
		return e.gw.InstrumentFilters(ctx, symbol)
	})
	if err != nil {
		return gateway.Filters{}, err
	}
	e.mu.Lock()
	e.filterCache[symbol] = f
	e.mu.Unlock()
	return f, nil
}

// plannerParams builds the per-position planner inputs, fetching ATR
// only when the spacing mode needs it.
func (e *Engine) plannerParams(ctx context.Context, symbol string) ladder.Params {
	params := ladder.Params{
		RungCount:    e.cfg.RungCount,
		SpacingMode:  e.cfg.SpacingMode,
		RStart:       e.cfg.RStart,
		RStep:        e.cfg.RStep,
		FixedStepBps: e.cfg.FixedStepBps,
		ATRMult:      e.cfg.ATRMult,
		QtySplit:     e.cfg.QtySplit,
	}
	if e.cfg.SpacingMode == config.SpacingATR {
		params.ATR = e.atrFor(ctx, symbol)
	}
	return params
}

// PlanFor computes the desired ladder for one open position without
// executing anything. Used by the CLI plan verb and the control API.
func (e *Engine) PlanFor(ctx context.Context, symbol string) (ladder.Plan, error) {
	positions, err := gateway.RetryResult(ctx, e.retry, func() ([]gateway.Position, error) {
		return e.gw.ListPositions(ctx, e.cfg.Category)
	})
	if err != nil {
		return ladder.Plan{}, err
	}
	for _, pos := range positions {
		if pos.Symbol != symbol || pos.Quantity.Sign() <= 0 {
			continue
		}
		f, ferr := e.filtersFor(ctx, symbol)
		if ferr != nil {
			return ladder.Plan{}, ferr
		}
		stop := pos.StopPrice
		if stop.IsZero() {
			stop = e.synthStop(ctx, pos, f)
		}
		return ladder.Build(pos, stop, f, e.plannerParams(ctx, symbol))
	}
	return ladder.Plan{}, gateway.Rejected("plan", 0, "no open position for "+symbol)
}

// synthStop synthesizes a protective stop when the venue reports
// none: an ATR-scaled distance when candles are available, otherwise
// a fixed bps offset from entry. The result is snapped to the tick
// grid; the venue rejects off-grid stop prices.
func (e *Engine) synthStop(ctx context.Context, pos gateway.Position, f gateway.Filters) decimal.Decimal {
	raw := e.fallbackStop(pos)
	if atr := e.atrFor(ctx, pos.Symbol); atr.Sign() > 0 && e.cfg.ATRMult > 0 {
		dist := atr.Mul(decimal.NewFromFloat(e.cfg.ATRMult))
		stop := pos.AvgEntryPrice.Add(dist)
		if pos.Side == gateway.Long {
			stop = pos.AvgEntryPrice.Sub(dist)
		}
		if stop.Sign() > 0 {
			raw = stop
		}
	}
	return ladder.RoundStop(raw, f.TickSize, pos.Side)
}

// fallbackStop is the fixed-offset stop used when no ATR is available.
func (e *Engine) fallbackStop(pos gateway.Position) decimal.Decimal {
	off := pos.AvgEntryPrice.
		Mul(decimal.NewFromInt(int64(e.cfg.SLOffsetBps))).
		Div(decimal.NewFromInt(10000))
	if pos.Side == gateway.Long {
		return pos.AvgEntryPrice.Sub(off)
	}
	return pos.AvgEntryPrice.Add(off)
}
