package executor

import (
	"math"
	"testing"

	"signal-bridge/internal/instrument"
	"signal-bridge/internal/signal"
	"signal-bridge/pkg/market"
)

var eurusd = instrument.Spec{Symbol: "EURUSD", PipSize: 0.0001, Decimals: 5, MinDistancePips: 10}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestComputeLevelsBuy(t *testing.T) {
	sig := signal.Signal{
		Direction: signal.DirectionBuy, Instrument: "EURUSD",
		Size: 1, TakeProfit: 50, StopLoss: 30,
	}
	q := market.Quote{Instrument: "EURUSD", Bid: 1.09990, Ask: 1.10000}

	lv, err := computeLevels(sig, eurusd, q)
	if err != nil {
		t.Fatalf("computeLevels failed: %v", err)
	}
	if !almostEqual(lv.Entry, 1.10000) {
		t.Errorf("entry = %v, want ask 1.10000", lv.Entry)
	}
	if !almostEqual(lv.TakeProfit, 1.10500) {
		t.Errorf("take profit = %v, want 1.10500", lv.TakeProfit)
	}
	if !almostEqual(lv.StopLoss, 1.09700) {
		t.Errorf("stop loss = %v, want 1.09700", lv.StopLoss)
	}
	if !almostEqual(lv.Spread, 0.00010) {
		t.Errorf("spread = %v, want 0.00010", lv.Spread)
	}
}

func TestComputeLevelsSell(t *testing.T) {
	sig := signal.Signal{
		Direction: signal.DirectionSell, Instrument: "EURUSD",
		Size: 1, TakeProfit: 40, StopLoss: 20,
	}
	q := market.Quote{Instrument: "EURUSD", Bid: 1.09990, Ask: 1.10000}

	lv, err := computeLevels(sig, eurusd, q)
	if err != nil {
		t.Fatalf("computeLevels failed: %v", err)
	}
	if !almostEqual(lv.Entry, 1.09990) {
		t.Errorf("entry = %v, want bid 1.09990", lv.Entry)
	}
	if !almostEqual(lv.TakeProfit, 1.09590) {
		t.Errorf("take profit = %v, want 1.09590", lv.TakeProfit)
	}
	if !almostEqual(lv.StopLoss, 1.10190) {
		t.Errorf("stop loss = %v, want 1.10190", lv.StopLoss)
	}
}

func TestComputeLevelsNoStop(t *testing.T) {
	sig := signal.Signal{
		Direction: signal.DirectionBuy, Instrument: "EURUSD",
		Size: 1, TakeProfit: 50,
	}
	q := market.Quote{Instrument: "EURUSD", Bid: 1.09990, Ask: 1.10000}

	lv, err := computeLevels(sig, eurusd, q)
	if err != nil {
		t.Fatal(err)
	}
	if lv.StopLoss != 0 {
		t.Errorf("stop loss = %v, want 0 when signal carries none", lv.StopLoss)
	}
}

func TestComputeLevelsMinDistance(t *testing.T) {
	q := market.Quote{Instrument: "EURUSD", Bid: 1.09990, Ask: 1.10000}

	tp5 := signal.Signal{Direction: signal.DirectionBuy, Instrument: "EURUSD", Size: 1, TakeProfit: 5}
	if _, err := computeLevels(tp5, eurusd, q); !IsRejection(err) {
		t.Errorf("5-pip target on EURUSD: error = %v, want validation rejection", err)
	}

	sl5 := signal.Signal{Direction: signal.DirectionBuy, Instrument: "EURUSD", Size: 1, TakeProfit: 50, StopLoss: 5}
	if _, err := computeLevels(sl5, eurusd, q); !IsRejection(err) {
		t.Errorf("5-pip stop on EURUSD: error = %v, want validation rejection", err)
	}

	// Exactly at the minimum passes.
	tp10 := signal.Signal{Direction: signal.DirectionBuy, Instrument: "EURUSD", Size: 1, TakeProfit: 10}
	if _, err := computeLevels(tp10, eurusd, q); err != nil {
		t.Errorf("10-pip target rejected: %v", err)
	}
}

func TestComputeLevelsRounding(t *testing.T) {
	jpy := instrument.Spec{Symbol: "USDJPY", PipSize: 0.01, Decimals: 3, MinDistancePips: 10}
	sig := signal.Signal{Direction: signal.DirectionBuy, Instrument: "USDJPY", Size: 1, TakeProfit: 30}
	q := market.Quote{Instrument: "USDJPY", Bid: 151.0004, Ask: 151.0006}

	lv, err := computeLevels(sig, jpy, q)
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(lv.Entry, 151.001) {
		t.Errorf("entry = %v, want 151.001 after rounding to 3 decimals", lv.Entry)
	}
	if !almostEqual(lv.TakeProfit, 151.301) {
		t.Errorf("take profit = %v, want 151.301", lv.TakeProfit)
	}
}
