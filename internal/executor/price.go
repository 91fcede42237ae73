package executor

import (
	"math"

	"signal-bridge/internal/instrument"
	"signal-bridge/internal/signal"
	"signal-bridge/pkg/market"
)

// Levels are the absolute prices derived from a signal and a fresh quote.
type Levels struct {
	Entry      float64
	TakeProfit float64
	StopLoss   float64 // 0 when the signal carried no stop distance
	Spread     float64
}

// computeLevels prices the order: entry at ask for a buy and bid for a sell,
// then the requested distances applied in the instrument's pip unit.
// Distances below the instrument minimum are a terminal validation
// rejection, not a retry candidate.
func computeLevels(sig signal.Signal, spec instrument.Spec, q market.Quote) (Levels, error) {
	if sig.TakeProfit < spec.MinDistancePips {
		return Levels{}, validationRejection(
			"take profit distance %.1f pips below minimum %.1f for %s",
			sig.TakeProfit, spec.MinDistancePips, spec.Symbol)
	}
	if sig.StopLoss > 0 && sig.StopLoss < spec.MinDistancePips {
		return Levels{}, validationRejection(
			"stop loss distance %.1f pips below minimum %.1f for %s",
			sig.StopLoss, spec.MinDistancePips, spec.Symbol)
	}

	var lv Levels
	lv.Spread = q.Spread()

	tpDist := spec.Distance(sig.TakeProfit)
	slDist := spec.Distance(sig.StopLoss)

	switch sig.Direction {
	case signal.DirectionBuy:
		lv.Entry = q.Ask
		lv.TakeProfit = lv.Entry + tpDist
		if sig.StopLoss > 0 {
			lv.StopLoss = lv.Entry - slDist
		}
	default:
		lv.Entry = q.Bid
		lv.TakeProfit = lv.Entry - tpDist
		if sig.StopLoss > 0 {
			lv.StopLoss = lv.Entry + slDist
		}
	}

	lv.Entry = roundTo(lv.Entry, spec.Decimals)
	lv.TakeProfit = roundTo(lv.TakeProfit, spec.Decimals)
	lv.StopLoss = roundTo(lv.StopLoss, spec.Decimals)

	// Post-rounding sanity: target beyond entry on the profitable side, stop
	// on the opposite side. Rounding at coarse pip sizes can collapse a
	// level onto the entry.
	minDist := spec.Distance(spec.MinDistancePips)
	if sig.Direction == signal.DirectionBuy {
		if lv.TakeProfit < lv.Entry+minDist {
			return Levels{}, validationRejection(
				"computed target %.5f not beyond minimum distance above entry %.5f", lv.TakeProfit, lv.Entry)
		}
		if lv.StopLoss != 0 && lv.StopLoss >= lv.Entry {
			return Levels{}, validationRejection(
				"computed stop %.5f not below entry %.5f for buy", lv.StopLoss, lv.Entry)
		}
	} else {
		if lv.TakeProfit > lv.Entry-minDist {
			return Levels{}, validationRejection(
				"computed target %.5f not beyond minimum distance below entry %.5f", lv.TakeProfit, lv.Entry)
		}
		if lv.StopLoss != 0 && lv.StopLoss <= lv.Entry {
			return Levels{}, validationRejection(
				"computed stop %.5f not above entry %.5f for sell", lv.StopLoss, lv.Entry)
		}
	}

	return lv, nil
}

func roundTo(v float64, decimals int) float64 {
	if v == 0 {
		return 0
	}
	pow := math.Pow(10, float64(decimals))
	return math.Round(v*pow) / pow
}
