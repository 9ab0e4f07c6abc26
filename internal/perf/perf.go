// Package perf derives performance metrics from a portfolio's trade history
// and current state. Everything here is a pure function of its inputs.
package perf

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/atmx/paper-engine/internal/model"
)

// TradingDaysPerYear annualises the per-trade return series.
const TradingDaysPerYear = 252

// sharpeEpsilon treats a standard deviation below it as zero, so a series of
// identical returns does not produce a huge ratio from rounding noise.
const sharpeEpsilon = 1e-12

var hundred = decimal.NewFromInt(100)

// ErrUnknownPeriod is returned for a stats window other than 1D/1W/1M/3M/1Y.
var ErrUnknownPeriod = errors.New("perf: unknown period")

// Calculate recomputes a portfolio's performance snapshot from scratch.
//
// Open positions are valued at cost basis, not at the live mark:
//
//	totalReturn = currentBalance + Σ(quantity × averagePrice) − initialBalance
//
// The Sharpe ratio is computed over the per-trade return series
// r_i = realizedPnL_i / initialBalance as mean×252 / (stddev×√252), and is
// 0 with fewer than two trades or a zero standard deviation.
func Calculate(trades []model.Trade, positions []model.Position, currentBalance, initialBalance decimal.Decimal) model.PerformanceSnapshot {
	var snap model.PerformanceSnapshot

	held := decimal.Zero
	for _, p := range positions {
		held = held.Add(p.Quantity.Mul(p.AveragePrice))
	}
	snap.TotalReturn = currentBalance.Add(held).Sub(initialBalance)
	if initialBalance.IsPositive() {
		snap.TotalReturnPercent = snap.TotalReturn.Div(initialBalance).Mul(hundred)
	}

	o := outcomes(trades)
	snap.TotalTrades = len(trades)
	snap.WinningTrades = o.wins
	snap.LosingTrades = o.losses
	snap.WinRate = o.winRate(len(trades))
	snap.AvgWin = o.avgWin()
	snap.AvgLoss = o.avgLoss()
	snap.SharpeRatio = Sharpe(trades, initialBalance)
	snap.MaxDrawdownPercent = MaxDrawdown(trades, initialBalance)
	return snap
}

// Sharpe returns the annualised Sharpe ratio of the per-trade return series.
func Sharpe(trades []model.Trade, initialBalance decimal.Decimal) float64 {
	if len(trades) < 2 || !initialBalance.IsPositive() {
		return 0
	}
	initial := initialBalance.InexactFloat64()
	returns := make([]float64, len(trades))
	for i, t := range trades {
		returns[i] = t.RealizedPnL.InexactFloat64() / initial
	}

	mean := stat.Mean(returns, nil)
	std := stat.StdDev(returns, nil)
	if math.IsNaN(std) || std < sharpeEpsilon {
		return 0
	}
	return (mean * TradingDaysPerYear) / (std * math.Sqrt(TradingDaysPerYear))
}

// MaxDrawdown returns the largest peak-to-trough decline, in percent, of the
// realized equity curve initialBalance + cumulative realizedPnL.
func MaxDrawdown(trades []model.Trade, initialBalance decimal.Decimal) decimal.Decimal {
	equity := initialBalance
	peak := initialBalance
	maxDD := decimal.Zero
	for _, t := range trades {
		equity = equity.Add(t.RealizedPnL)
		if equity.GreaterThan(peak) {
			peak = equity
			continue
		}
		if !peak.IsPositive() {
			continue
		}
		dd := peak.Sub(equity).Div(peak).Mul(hundred)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}
	return maxDD
}

// Period windows accepted by Stats.
var periods = map[string]time.Duration{
	"1D": 24 * time.Hour,
	"1W": 7 * 24 * time.Hour,
	"1M": 30 * 24 * time.Hour,
	"3M": 90 * 24 * time.Hour,
	"1Y": 365 * 24 * time.Hour,
}

// ParsePeriod returns the window length of a stats period.
func ParsePeriod(period string) (time.Duration, error) {
	w, ok := periods[strings.ToUpper(strings.TrimSpace(period))]
	if !ok {
		return 0, fmt.Errorf("%w: %q (expected 1D, 1W, 1M, 3M or 1Y)", ErrUnknownPeriod, period)
	}
	return w, nil
}

// Stats summarises trades executed within period before now.
// profitFactor is gross profit / |gross loss|, or 0 without losing trades.
func Stats(trades []model.Trade, period string, now time.Time) (model.TradingStats, error) {
	window, err := ParsePeriod(period)
	if err != nil {
		return model.TradingStats{}, err
	}
	since := now.Add(-window)

	var in []model.Trade
	for _, t := range trades {
		if !t.Timestamp.Before(since) && !t.Timestamp.After(now) {
			in = append(in, t)
		}
	}

	o := outcomes(in)
	stats := model.TradingStats{
		Period:      strings.ToUpper(strings.TrimSpace(period)),
		TotalTrades: len(in),
		TotalPnL:    o.grossProfit.Add(o.grossLoss),
		WinRate:     o.winRate(len(in)),
		AvgWin:      o.avgWin(),
		AvgLoss:     o.avgLoss(),
	}
	if o.grossLoss.IsNegative() {
		stats.ProfitFactor = o.grossProfit.Div(o.grossLoss.Abs())
	}
	return stats, nil
}

// tally accumulates winning and losing trades.
type tally struct {
	wins, losses int
	grossProfit  decimal.Decimal
	grossLoss    decimal.Decimal // ≤ 0
}

func outcomes(trades []model.Trade) tally {
	var o tally
	for _, t := range trades {
		switch {
		case t.RealizedPnL.IsPositive():
			o.wins++
			o.grossProfit = o.grossProfit.Add(t.RealizedPnL)
		case t.RealizedPnL.IsNegative():
			o.losses++
			o.grossLoss = o.grossLoss.Add(t.RealizedPnL)
		}
	}
	return o
}

func (o tally) winRate(total int) decimal.Decimal {
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(o.wins)).Div(decimal.NewFromInt(int64(total))).Mul(hundred)
}

func (o tally) avgWin() decimal.Decimal {
	if o.wins == 0 {
		return decimal.Zero
	}
	return o.grossProfit.Div(decimal.NewFromInt(int64(o.wins)))
}

func (o tally) avgLoss() decimal.Decimal {
	if o.losses == 0 {
		return decimal.Zero
	}
	return o.grossLoss.Div(decimal.NewFromInt(int64(o.losses)))
}
