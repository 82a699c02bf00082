package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"exitguard/gateway"
	"exitguard/ladder"
	"exitguard/logger"
	"exitguard/store"
)

func positionKey(p gateway.Position) string {
	return p.Symbol + "|" + string(p.Side)
}

// sweepOnce runs one full reconcile pass: read positions, diff each
// against its desired ladder, and issue the minimal converge calls.
// Per-symbol failures are isolated; the sweep continues.
func (e *Engine) sweepOnce(ctx context.Context) error {
	if err := e.guard.Touch(ctx); err != nil {
		// session bookkeeping retries next sweep; exits still reconcile
		logger.Warnf("Risk session not rolled: %v", err)
	}

	all, err := gateway.RetryResult(ctx, e.retry, func() ([]gateway.Position, error) {
		return e.gw.ListPositions(ctx, e.cfg.Category)
	})
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}

	positions := e.managedPositions(all)

	counts := make(map[string]int, len(positions))
	current := make(map[string]gateway.Position, len(positions))
	for _, p := range positions {
		counts[p.Symbol]++
		current[positionKey(p)] = p
	}
	e.guard.SetOpenCounts(counts)
	openPositions.Set(float64(len(positions)))
	if e.brk.Active() {
		breakerActive.Set(1)
	} else {
		breakerActive.Set(0)
	}

	e.handleFlats(ctx, current)

	// stable symbol order keeps consecutive sweep logs diffable
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].Symbol != positions[j].Symbol {
			return positions[i].Symbol < positions[j].Symbol
		}
		return positions[i].Side < positions[j].Side
	})
	for _, pos := range positions {
		if err := e.reconcilePosition(ctx, pos); err != nil {
			symbolErrorsTotal.Inc()
			e.log(pos.Symbol).Errorf("Reconcile failed: %v", err)
		}
	}

	e.mu.Lock()
	e.lastPositions = current
	e.mu.Unlock()
	return nil
}

// managedPositions filters the venue snapshot down to what this
// controller manages: open quantity, allowed direction, whitelist.
func (e *Engine) managedPositions(all []gateway.Position) []gateway.Position {
	allow := make(map[string]bool, len(e.cfg.SymbolAllow))
	for _, s := range e.cfg.SymbolAllow {
		allow[s] = true
	}

	var out []gateway.Position
	for _, p := range all {
		if p.Quantity.Sign() <= 0 {
			continue
		}
		if p.Side == gateway.Long && !e.cfg.IncludeLongs {
			continue
		}
		if p.Side == gateway.Short && !e.cfg.IncludeShorts {
			continue
		}
		if len(allow) > 0 && !allow[p.Symbol] {
			continue
		}
		out = append(out, p)
	}
	return out
}

// handleFlats tears down ladders for positions that went flat since
// the previous sweep and books their estimated realized PnL.
func (e *Engine) handleFlats(ctx context.Context, current map[string]gateway.Position) {
	e.mu.Lock()
	previous := e.lastPositions
	e.mu.Unlock()

	for key, old := range previous {
		if _, still := current[key]; still {
			continue
		}
		e.log(old.Symbol).Infof("Position flat, tearing down ladder (side=%s qty=%s)",
			old.Side, old.Quantity)

		if err := e.cancelOwnedOrders(ctx, old.Symbol); err != nil {
			e.log(old.Symbol).Errorf("Teardown cancel failed: %v", err)
		}

		pnl := estimateRealized(old)
		if err := e.guard.RecordRealized(ctx, pnl); err != nil {
			e.log(old.Symbol).Warnf("Realized PnL not booked: %v", err)
		}
		e.recordAction(old.Symbol, "flat", fmt.Sprintf("side=%s est_pnl=%.2f", old.Side, pnl))
		e.notifier.Notify(fmt.Sprintf("🏁 <b>%s</b> flat • est PnL %.2f", old.Symbol, pnl))

		e.mu.Lock()
		delete(e.laddered, key)
		e.mu.Unlock()
	}
}

// estimateRealized approximates the closed position's PnL from the
// last snapshot's mark price. Exact fills live in the venue's trade
// history, which this controller does not consume.
func estimateRealized(p gateway.Position) float64 {
	if p.MarkPrice.IsZero() || p.AvgEntryPrice.IsZero() {
		return 0
	}
	diff := p.MarkPrice.Sub(p.AvgEntryPrice)
	if p.Side == gateway.Short {
		diff = diff.Neg()
	}
	return diff.Mul(p.Quantity).InexactFloat64()
}

// cancelOwnedOrders removes every order carrying our tag on a symbol.
func (e *Engine) cancelOwnedOrders(ctx context.Context, symbol string) error {
	orders, err := gateway.RetryResult(ctx, e.retry, func() ([]gateway.Order, error) {
		return e.gw.ListOpenOrders(ctx, symbol)
	})
	if err != nil {
		return err
	}
	for _, o := range orders {
		if !ladder.Owned(o.ClientID, e.cfg.TagPrefix) {
			continue
		}
		e.execCancel(ctx, symbol, o, "position flat")
	}
	return nil
}

// reconcilePosition converges one position's working orders toward
// its desired ladder.
func (e *Engine) reconcilePosition(ctx context.Context, pos gateway.Position) error {
	symbol := pos.Symbol

	f, err := e.filtersFor(ctx, symbol)
	if err != nil {
		return fmt.Errorf("instrument filters: %w", err)
	}
	orders, err := gateway.RetryResult(ctx, e.retry, func() ([]gateway.Order, error) {
		return e.gw.ListOpenOrders(ctx, symbol)
	})
	if err != nil {
		return fmt.Errorf("open orders: %w", err)
	}

	ownedRungs := make(map[int][]gateway.Order)
	var strays, riskIncreasing []gateway.Order
	for _, o := range orders {
		if !o.ReduceOnly {
			riskIncreasing = append(riskIncreasing, o)
			continue
		}
		tag, ok := ladder.ParseTag(o.ClientID)
		if ok && tag.Prefix == e.cfg.TagPrefix {
			if !tag.IsStop {
				ownedRungs[tag.RungIndex] = append(ownedRungs[tag.RungIndex], o)
			}
			continue
		}
		strays = append(strays, o)
	}

	// Breaker halts all rung work. Risk-increasing orders are taken
	// down; reduce-only orders and the protective stop stay.
	if e.brk.Active() {
		for _, o := range riskIncreasing {
			e.execCancel(ctx, symbol, o, "breaker active, risk-increasing")
		}
		e.log(symbol).Debug("Breaker active, rung reconciliation paused")
		return nil
	}

	// stop before rungs, always
	stopPrice := e.ensureStop(ctx, pos, f)

	plan, err := ladder.Build(pos, stopPrice, f, e.plannerParams(ctx, symbol))
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}

	if e.cfg.CancelStrays && !e.inStartupGrace() {
		for _, o := range strays {
			e.execCancel(ctx, symbol, o, "stray reduce-only order")
		}
	}

	// Tagged rungs surviving a restart are either re-adopted as-is or
	// torn down and re-laid, depending on config.
	key := positionKey(pos)
	e.mu.Lock()
	seen := e.laddered[key]
	e.mu.Unlock()
	if !seen && len(ownedRungs) > 0 {
		if e.cfg.AdoptExisting {
			e.recordAction(symbol, "adopt", fmt.Sprintf("re-adopted %d tagged rungs", len(ownedRungs)))
			e.mu.Lock()
			e.laddered[key] = true
			e.mu.Unlock()
		} else {
			for _, rung := range ownedRungs {
				for _, o := range rung {
					e.execCancel(ctx, symbol, o, "relaying ladder, adoption disabled")
				}
			}
			ownedRungs = map[int][]gateway.Order{}
		}
	}

	freshLadder := len(ownedRungs) == 0
	if freshLadder {
		if ok, label, detail := e.guard.AllowNewLadder(symbol); !ok {
			blocksTotal.WithLabelValues(label).Inc()
			e.log(symbol).Warnf("New ladder blocked: %s", detail)
			e.mu.Lock()
			repeat := e.lastBlock[symbol] == label
			e.lastBlock[symbol] = label
			e.mu.Unlock()
			// one message per block streak per symbol
			if !repeat {
				e.notifier.Notify(fmt.Sprintf("⛔ <b>%s</b> new ladder blocked • %s", symbol, detail))
			}
			return nil
		}
		e.mu.Lock()
		delete(e.lastBlock, symbol)
		e.mu.Unlock()
	}

	stats := e.convergeRungs(ctx, pos, plan, ownedRungs, len(orders))

	e.mu.Lock()
	notified := e.laddered[key]
	if freshLadder && stats.created > 0 {
		e.laddered[key] = true
	}
	e.mu.Unlock()
	switch {
	case freshLadder && stats.created > 0 && !notified:
		e.notifier.Notify(fmt.Sprintf(
			"🪜 <b>%s</b> ladder laid • %d rungs • avg TP %s • stop %s",
			symbol, len(plan.Rungs), plan.AvgTarget().StringFixed(4), stopPrice.StringFixed(4)))
	case !freshLadder && stats.changed():
		// converged ladders produce nothing here, so the cadence is
		// bounded by actual drift, at most one message per sweep
		e.notifier.Notify(fmt.Sprintf(
			"🔧 <b>%s</b> ladder adjusted • %d created • %d cancelled • %d repriced",
			symbol, stats.created, stats.cancelled, stats.amended))
	}
	return nil
}

// ensureStop guarantees a protective stop exists and returns the stop
// price the planner should use. Stops are only ever tightened, never
// loosened.
func (e *Engine) ensureStop(ctx context.Context, pos gateway.Position, f gateway.Filters) decimal.Decimal {
	if !e.cfg.SafeMode {
		if pos.StopPrice.IsZero() {
			return e.synthStop(ctx, pos, f)
		}
		return pos.StopPrice
	}

	if pos.StopPrice.IsZero() {
		stop := e.synthStop(ctx, pos, f)
		e.execSetStop(ctx, pos, stop, "no protective stop on venue")
		return stop
	}
	if e.cfg.TightenStop {
		if stop := e.synthStop(ctx, pos, f); tighter(pos.Side, stop, pos.StopPrice) {
			e.execSetStop(ctx, pos, stop, "tightening stop")
			return stop
		}
	}
	return pos.StopPrice
}

// tighter reports whether candidate is closer to the market than
// current, in the direction that reduces risk.
func tighter(side gateway.PositionSide, candidate, current decimal.Decimal) bool {
	if side == gateway.Long {
		return candidate.GreaterThan(current)
	}
	return candidate.LessThan(current)
}

// convergeStats counts the mutations one converge pass issued; a
// fully converged ladder reports all zeros.
type convergeStats struct {
	created   int
	cancelled int
	amended   int
}

func (s convergeStats) changed() bool {
	return s.created+s.cancelled+s.amended > 0
}

// convergeRungs issues the minimal create/cancel/amend set to line up
// owned orders with the plan.
func (e *Engine) convergeRungs(ctx context.Context, pos gateway.Position, plan ladder.Plan, ownedRungs map[int][]gateway.Order, workingOrders int) convergeStats {
	symbol := pos.Symbol
	tol := decimal.NewFromInt(int64(e.cfg.PriceTolBps)).Div(decimal.NewFromInt(10000))
	side := gateway.OppositeSide(pos.Side)

	desired := make(map[int]ladder.Rung, len(plan.Rungs))
	for _, r := range plan.Rungs {
		desired[r.Index] = r
	}

	var stats convergeStats
	for _, rung := range plan.Rungs {
		existing := ownedRungs[rung.Index]
		if len(existing) == 0 {
			if workingOrders+stats.created >= e.cfg.MaxOpenOrders {
				blocksTotal.WithLabelValues("max_open_orders").Inc()
				e.log(symbol).Warnf("Rung %d skipped: %d working orders at cap", rung.Index, workingOrders+stats.created)
				continue
			}
			if e.execCreate(ctx, pos, side, rung) {
				stats.created++
			}
			continue
		}

		// duplicates for one rung index should not exist; keep the first
		for _, dup := range existing[1:] {
			if e.execCancel(ctx, symbol, dup, fmt.Sprintf("duplicate rung %d", rung.Index)) {
				stats.cancelled++
			}
		}
		o := existing[0]

		priceDrift := o.Price.Sign() > 0 &&
			o.Price.Sub(rung.Price).Abs().Div(o.Price).GreaterThan(tol)
		qtyDrift := !o.Quantity.Equal(rung.Quantity)
		switch {
		case !priceDrift && !qtyDrift:
			// converged, leave untouched
		case priceDrift && !qtyDrift:
			// single-field change: amend in place when the venue can
			if e.execAmendPrice(ctx, symbol, o, rung) {
				stats.amended++
			} else {
				if e.execCancel(ctx, symbol, o, fmt.Sprintf("reprice rung %d", rung.Index)) {
					stats.cancelled++
				}
				if e.execCreate(ctx, pos, side, rung) {
					stats.created++
				}
			}
		default:
			// price+quantity together is never amended non-atomically
			if e.execCancel(ctx, symbol, o, fmt.Sprintf("resize rung %d", rung.Index)) {
				stats.cancelled++
			}
			if e.execCreate(ctx, pos, side, rung) {
				stats.created++
			}
		}
	}

	// owned orders whose rung no longer exists (position shrank, rung
	// dropped below minimum)
	staleIdx := make([]int, 0)
	for idx := range ownedRungs {
		if _, ok := desired[idx]; !ok {
			staleIdx = append(staleIdx, idx)
		}
	}
	sort.Ints(staleIdx)
	for _, idx := range staleIdx {
		for _, o := range ownedRungs[idx] {
			if e.execCancel(ctx, symbol, o, fmt.Sprintf("rung %d no longer desired", idx)) {
				stats.cancelled++
			}
		}
	}
	return stats
}

// --- gateway mutations -------------------------------------------------

func (e *Engine) rungClientID(symbol string, index int) string {
	return ladder.Tag{
		Prefix:    e.cfg.TagPrefix,
		Scope:     e.cfg.AccountScope,
		Strategy:  e.cfg.Strategy,
		RungIndex: index,
	}.Format()
}

func (e *Engine) execCreate(ctx context.Context, pos gateway.Position, side string, rung ladder.Rung) bool {
	symbol := pos.Symbol
	detail := fmt.Sprintf("R%d %s @ %s", rung.Index, rung.Quantity, rung.Price)
	if e.cfg.DryRun {
		e.log(symbol).Infof("DRY create %s", detail)
		e.recordDryAction(symbol, "create", detail)
		return true
	}

	tif := gateway.TIFGoodTillCancel
	if e.cfg.PostOnly {
		tif = gateway.TIFPostOnly
	}
	req := gateway.CreateOrderRequest{
		Symbol:      symbol,
		Side:        side,
		Type:        gateway.TypeLimit,
		Quantity:    rung.Quantity,
		Price:       rung.Price,
		ReduceOnly:  true,
		ClientID:    e.rungClientID(symbol, rung.Index),
		TimeInForce: tif,
	}
	_, err := gateway.RetryResult(ctx, e.retry, func() (string, error) {
		return e.gw.CreateOrder(ctx, req)
	})
	if err != nil {
		// rejections re-derive from fresh data next sweep
		e.log(symbol).Errorf("Create rung %d failed: %v", rung.Index, err)
		return false
	}
	e.log(symbol).Infof("Created %s", detail)
	actionsTotal.WithLabelValues("create").Inc()
	e.recordAction(symbol, "create", detail)
	return true
}

func (e *Engine) execCancel(ctx context.Context, symbol string, o gateway.Order, why string) bool {
	detail := fmt.Sprintf("%s (%s @ %s): %s", o.OrderID, o.Quantity, o.Price, why)
	if e.cfg.DryRun {
		e.log(symbol).Infof("DRY cancel %s", detail)
		e.recordDryAction(symbol, "cancel", detail)
		return true
	}
	err := gateway.Retry(ctx, e.retry, func() error {
		return e.gw.CancelOrder(ctx, symbol, o.OrderID)
	})
	if err != nil {
		e.log(symbol).Errorf("Cancel failed: %v", err)
		return false
	}
	e.log(symbol).Infof("Cancelled %s", detail)
	actionsTotal.WithLabelValues("cancel").Inc()
	e.recordAction(symbol, "cancel", detail)
	return true
}

// execAmendPrice tries an in-place reprice. Returns false when the
// venue cannot amend and the caller should cancel+create.
func (e *Engine) execAmendPrice(ctx context.Context, symbol string, o gateway.Order, rung ladder.Rung) bool {
	detail := fmt.Sprintf("R%d %s -> %s", rung.Index, o.Price, rung.Price)
	if e.cfg.DryRun {
		e.log(symbol).Infof("DRY amend %s", detail)
		e.recordDryAction(symbol, "amend", detail)
		return true
	}
	err := gateway.Retry(ctx, e.retry, func() error {
		return e.gw.AmendOrder(ctx, gateway.AmendOrderRequest{
			Symbol:  symbol,
			OrderID: o.OrderID,
			Price:   rung.Price,
		})
	})
	if gateway.IsUnsupported(err) {
		return false
	}
	if err != nil {
		e.log(symbol).Errorf("Amend failed: %v", err)
		// treat as handled; next sweep re-diffs
		return true
	}
	e.log(symbol).Infof("Amended %s", detail)
	actionsTotal.WithLabelValues("amend").Inc()
	e.recordAction(symbol, "amend", detail)
	return true
}

func (e *Engine) execSetStop(ctx context.Context, pos gateway.Position, stop decimal.Decimal, why string) {
	symbol := pos.Symbol
	detail := fmt.Sprintf("stop %s: %s", stop, why)
	if e.cfg.DryRun {
		e.log(symbol).Infof("DRY set %s", detail)
		e.recordDryAction(symbol, "set_stop", detail)
		return
	}
	err := gateway.Retry(ctx, e.retry, func() error {
		return e.gw.SetTradingStop(ctx, symbol, pos.PositionIdx, stop)
	})
	if err != nil {
		e.log(symbol).Errorf("Set stop failed: %v", err)
		return
	}
	e.log(symbol).Infof("Set %s", detail)
	actionsTotal.WithLabelValues("set_stop").Inc()
	e.recordAction(symbol, "set_stop", detail)
	e.notifier.Notify(fmt.Sprintf("🛡 <b>%s</b> stop set @ %s (%s)", symbol, stop.StringFixed(4), why))
}

func (e *Engine) recordAction(symbol, kind, detail string) {
	if err := e.actions.Record(store.Action{Symbol: symbol, Kind: kind, Detail: detail}); err != nil {
		e.log(symbol).Warnf("Action not audited: %v", err)
	}
}

func (e *Engine) recordDryAction(symbol, kind, detail string) {
	if err := e.actions.Record(store.Action{Symbol: symbol, Kind: kind, Detail: detail, DryRun: true}); err != nil {
		e.log(symbol).Warnf("Action not audited: %v", err)
	}
}
