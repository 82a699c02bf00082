package engine

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"exitguard/gateway"
)

// wilderATR computes the Wilder-smoothed average true range over the
// given candles (oldest first). Returns zero when there is not enough
// history for the period.
func wilderATR(klines []gateway.Kline, period int) decimal.Decimal {
	if period <= 0 || len(klines) < period+2 {
		return decimal.Zero
	}

	trs := make([]decimal.Decimal, len(klines))
	var prevClose decimal.Decimal
	for i, k := range klines {
		tr := k.High.Sub(k.Low)
		if i > 0 {
			hc := k.High.Sub(prevClose).Abs()
			lc := k.Low.Sub(prevClose).Abs()
			if hc.GreaterThan(tr) {
				tr = hc
			}
			if lc.GreaterThan(tr) {
				tr = lc
			}
		}
		if tr.Sign() < 0 {
			tr = decimal.Zero
		}
		trs[i] = tr
		prevClose = k.Close
	}

	// seed with the simple average of the first period, then smooth:
	// atr = (prev*(n-1) + tr) / n
	n := decimal.NewFromInt(int64(period))
	atr := decimal.Zero
	for i := 0; i < period; i++ {
		atr = atr.Add(trs[i])
	}
	atr = atr.Div(n)
	nMinus1 := decimal.NewFromInt(int64(period - 1))
	for i := period; i < len(trs); i++ {
		atr = atr.Mul(nMinus1).Add(trs[i]).Div(n)
	}
	return atr
}

// atrFor fetches recent candles and returns the symbol's ATR. A zero
// result (missing data, thin history) makes the planner fall back to
// fixed-bps spacing.
func (e *Engine) atrFor(ctx context.Context, symbol string) decimal.Decimal {
	klines, err := gateway.RetryResult(ctx, e.retry, func() ([]gateway.Kline, error) {
		return e.gw.Klines(ctx, symbol, e.cfg.ATRInterval, 200)
	})
	if err != nil {
		e.log(symbol).Warnf("ATR klines unavailable: %v", err)
		return decimal.Zero
	}
	atr := wilderATR(ensureKlinesSorted(klines), e.cfg.ATRLen)
	if atr.Sign() <= 0 {
		e.log(symbol).Debugf("ATR not computable from %d candles", len(klines))
	}
	return atr
}

// ensureKlinesSorted guards against venues returning newest-first.
func ensureKlinesSorted(klines []gateway.Kline) []gateway.Kline {
	if sort.SliceIsSorted(klines, func(i, j int) bool {
		return klines[i].Start.Before(klines[j].Start)
	}) {
		return klines
	}
	out := make([]gateway.Kline, len(klines))
	copy(out, klines)
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}
