package ladder

import (
	"fmt"

	"github.com/shopspring/decimal"

	"exitguard/gateway"
)

// degenerateTicks is the synthetic risk distance, in ticks, used when
// entry and stop coincide and equal-R spacing would collapse.
const degenerateTicks = 5

var (
	one      = decimal.NewFromInt(1)
	bpsDenom = decimal.NewFromInt(10000)
)

// Rung is one take-profit level of a desired ladder.
type Rung struct {
	Index    int // 1-based, matches the R<index> tag slot
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Plan is the desired exit state for one position: reduce-only limit
// rungs plus the protective stop carried through from the caller.
type Plan struct {
	Symbol    string
	Side      gateway.PositionSide
	Rungs     []Rung
	StopPrice decimal.Decimal
}

// TotalQuantity returns the summed rung quantity. Always <= the
// position quantity it was planned from.
func (p Plan) TotalQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, r := range p.Rungs {
		total = total.Add(r.Quantity)
	}
	return total
}

// AvgTarget is the quantity-weighted average take-profit price, used
// in notifications. Zero when the plan has no rungs.
func (p Plan) AvgTarget() decimal.Decimal {
	total := p.TotalQuantity()
	if total.IsZero() {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, r := range p.Rungs {
		sum = sum.Add(r.Price.Mul(r.Quantity))
	}
	return sum.Div(total)
}

// Params steer a single planning pass. ATR is the precomputed Wilder
// ATR for the symbol; zero means unavailable and the planner falls
// back to fixed-bps spacing.
type Params struct {
	RungCount    int
	SpacingMode  string // config.Spacing* value
	RStart       float64
	RStep        float64
	FixedStepBps int
	ATR          decimal.Decimal
	ATRMult      float64
	QtySplit     string // config.Split* value
}

// Build computes the desired ladder for a position. It is pure: same
// inputs, same plan. Quantities are floored to the lot step with the
// remainder folded into the last rung, and rungs below the venue
// minimum are dropped without redistribution.
func Build(pos gateway.Position, stopPrice decimal.Decimal, f gateway.Filters, params Params) (Plan, error) {
	if params.RungCount < 1 {
		return Plan{}, fmt.Errorf("rung count must be >= 1, got %d", params.RungCount)
	}
	if pos.Quantity.Sign() <= 0 {
		return Plan{}, fmt.Errorf("position %s has no quantity", pos.Symbol)
	}
	if f.TickSize.Sign() <= 0 || f.QtyStep.Sign() <= 0 {
		return Plan{}, fmt.Errorf("invalid filters for %s: tick=%s step=%s",
			pos.Symbol, f.TickSize, f.QtyStep)
	}

	prices, err := targetPrices(pos, stopPrice, f, params)
	if err != nil {
		return Plan{}, err
	}
	quantities := splitQuantity(pos.Quantity, f.QtyStep, params.RungCount, params.QtySplit)

	plan := Plan{Symbol: pos.Symbol, Side: pos.Side, StopPrice: stopPrice}
	prev := decimal.Zero
	for i := 0; i < params.RungCount; i++ {
		qty := quantities[i]
		if f.MinQty.Sign() > 0 && qty.LessThan(f.MinQty) {
			continue
		}
		if qty.Sign() <= 0 {
			continue
		}
		price := roundToBook(prices[i], f.TickSize, pos.Side)
		// keep rungs strictly monotonic after rounding
		if len(plan.Rungs) > 0 {
			if pos.Side == gateway.Long && !price.GreaterThan(prev) {
				price = prev.Add(f.TickSize)
			}
			if pos.Side == gateway.Short && !price.LessThan(prev) {
				price = prev.Sub(f.TickSize)
			}
		}
		if price.Sign() <= 0 {
			continue
		}
		plan.Rungs = append(plan.Rungs, Rung{Index: i + 1, Price: price, Quantity: qty})
		prev = price
	}
	return plan, nil
}

// targetPrices returns RungCount raw (unrounded) target prices,
// nearest first.
func targetPrices(pos gateway.Position, stopPrice decimal.Decimal, f gateway.Filters, params Params) ([]decimal.Decimal, error) {
	entry := pos.AvgEntryPrice
	if entry.Sign() <= 0 {
		return nil, fmt.Errorf("position %s has no entry price", pos.Symbol)
	}

	mode := params.SpacingMode
	if mode == "atr" && params.ATR.Sign() <= 0 {
		mode = "fixed_bps"
	}

	offsets := make([]decimal.Decimal, params.RungCount)
	switch mode {
	case "equal_r":
		risk := entry.Sub(stopPrice).Abs()
		if risk.Sign() <= 0 {
			// degenerate stop at entry: synthesize a small risk unit so
			// the ladder still makes forward progress
			risk = f.TickSize.Mul(decimal.NewFromInt(degenerateTicks))
		}
		rStart := decimal.NewFromFloat(params.RStart)
		rStep := decimal.NewFromFloat(params.RStep)
		for i := range offsets {
			mult := rStart.Add(rStep.Mul(decimal.NewFromInt(int64(i))))
			offsets[i] = risk.Mul(mult)
		}
	case "fixed_bps":
		if params.FixedStepBps <= 0 {
			return nil, fmt.Errorf("fixed_bps spacing needs a positive step")
		}
		step := entry.Mul(decimal.NewFromInt(int64(params.FixedStepBps))).Div(bpsDenom)
		for i := range offsets {
			offsets[i] = step.Mul(decimal.NewFromInt(int64(i + 1)))
		}
	case "atr":
		span := params.ATR.Mul(decimal.NewFromFloat(params.ATRMult))
		n := decimal.NewFromInt(int64(params.RungCount))
		for i := range offsets {
			offsets[i] = span.Mul(decimal.NewFromInt(int64(i + 1))).Div(n)
		}
	default:
		return nil, fmt.Errorf("unknown spacing mode %q", params.SpacingMode)
	}

	prices := make([]decimal.Decimal, params.RungCount)
	for i, off := range offsets {
		if pos.Side == gateway.Long {
			prices[i] = entry.Add(off)
		} else {
			prices[i] = entry.Sub(off)
		}
	}
	return prices, nil
}

// splitQuantity divides qty across n rungs per the split policy,
// flooring each slice to the lot step. The rounding remainder is
// folded into the last rung so the total shortfall stays below one
// step.
func splitQuantity(qty, step decimal.Decimal, n int, split string) []decimal.Decimal {
	// Integer weight numerators over a shared denominator. Each slice
	// multiplies before dividing so exact ratios stay exact: 3 * 1/3
	// is 1, not 0.999... that would floor away a whole lot step.
	nums := make([]decimal.Decimal, n)
	var den decimal.Decimal
	switch split {
	case "linear":
		// 1, 2, ..., n: small slices close in, larger later
		den = decimal.NewFromInt(int64(n * (n + 1) / 2))
		for i := range nums {
			nums[i] = decimal.NewFromInt(int64(i + 1))
		}
	case "frontload":
		den = decimal.NewFromInt(int64(n * (n + 1) / 2))
		for i := range nums {
			nums[i] = decimal.NewFromInt(int64(n - i))
		}
	default: // equal
		den = decimal.NewFromInt(int64(n))
		for i := range nums {
			nums[i] = one
		}
	}

	out := make([]decimal.Decimal, n)
	assigned := decimal.Zero
	for i := 0; i < n-1; i++ {
		out[i] = floorToStep(qty.Mul(nums[i]).Div(den), step)
		assigned = assigned.Add(out[i])
	}
	out[n-1] = floorToStep(qty.Sub(assigned), step)
	return out
}

// roundToBook rounds a take-profit price to the tick grid, always
// toward the entry so the rounded target is never harder to reach
// than the raw one.
func roundToBook(price, tick decimal.Decimal, side gateway.PositionSide) decimal.Decimal {
	if side == gateway.Long {
		return floorToStep(price, tick)
	}
	return ceilToStep(price, tick)
}

// RoundStop rounds a protective stop price to the tick grid, away
// from the market so snapping never places the stop past the raw
// level: down for longs, up for shorts.
func RoundStop(price, tick decimal.Decimal, side gateway.PositionSide) decimal.Decimal {
	if tick.Sign() <= 0 {
		return price
	}
	if side == gateway.Long {
		return floorToStep(price, tick)
	}
	return ceilToStep(price, tick)
}

func floorToStep(x, step decimal.Decimal) decimal.Decimal {
	return x.Div(step).Floor().Mul(step)
}

func ceilToStep(x, step decimal.Decimal) decimal.Decimal {
	return x.Div(step).Ceil().Mul(step)
}
