package signal

import (
	"errors"
	"testing"
)

func validSignal() Signal {
	return Signal{
		ID:         "sig-1",
		AccountID:  "acct-1",
		Direction:  "buy",
		Instrument: "EUR/USD",
		Size:       1.5,
		TakeProfit: 50,
	}
}

func TestNormalizeValid(t *testing.T) {
	got, err := Normalize(validSignal())
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if got.Direction != DirectionBuy {
		t.Errorf("direction = %q, want BUY", got.Direction)
	}
	if got.Instrument != "EURUSD" {
		t.Errorf("instrument = %q, want EURUSD", got.Instrument)
	}
	if got.Mode != ModeDemo {
		t.Errorf("mode = %q, want demo default", got.Mode)
	}
	if got.Synthetic {
		t.Error("explicit ID marked synthetic")
	}
}

func TestNormalizeDirectionFolding(t *testing.T) {
	tests := []struct {
		in   string
		want Direction
		ok   bool
	}{
		{"buy", DirectionBuy, true},
		{"BUY", DirectionBuy, true},
		{"long", DirectionBuy, true},
		{" LONG ", DirectionBuy, true},
		{"sell", DirectionSell, true},
		{"short", DirectionSell, true},
		{"hold", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		s := validSignal()
		s.Direction = Direction(tt.in)
		got, err := Normalize(s)
		if tt.ok {
			if err != nil {
				t.Errorf("Normalize(%q) failed: %v", tt.in, err)
				continue
			}
			if got.Direction != tt.want {
				t.Errorf("Normalize(%q) direction = %q, want %q", tt.in, got.Direction, tt.want)
			}
		} else if !errors.Is(err, ErrBadDirection) {
			t.Errorf("Normalize(%q) error = %v, want ErrBadDirection", tt.in, err)
		}
	}
}

func TestNormalizeRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Signal)
		want   error
	}{
		{"missing account", func(s *Signal) { s.AccountID = "" }, ErrMissingAccount},
		{"missing instrument", func(s *Signal) { s.Instrument = "  " }, ErrMissingSymbol},
		{"zero size", func(s *Signal) { s.Size = 0 }, ErrNonPositiveSize},
		{"negative size", func(s *Signal) { s.Size = -2 }, ErrNonPositiveSize},
		{"no take profit", func(s *Signal) { s.TakeProfit = 0 }, ErrNoTakeProfit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSignal()
			tt.mutate(&s)
			if _, err := Normalize(s); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNormalizeSynthesizesID(t *testing.T) {
	s := validSignal()
	s.ID = ""
	first, err := Normalize(s)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if first.ID == "" || !first.Synthetic {
		t.Fatalf("expected synthesized ID, got %q synthetic=%v", first.ID, first.Synthetic)
	}
	second, _ := Normalize(s)
	if first.ID == second.ID {
		t.Error("distinct alerts received the same synthesized ID")
	}
}

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct{ in, want string }{
		{"EUR/USD", "EURUSD"},
		{"eur-usd", "EURUSD"},
		{"Eur_Usd", "EURUSD"},
		{" btc usd ", "BTCUSD"},
		{"XAUUSD", "XAUUSD"},
	}
	for _, tt := range tests {
		if got := NormalizeSymbol(tt.in); got != tt.want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDedupKeys(t *testing.T) {
	a, _ := Normalize(validSignal())
	b, _ := Normalize(validSignal())
	if a.DedupKey() != b.DedupKey() {
		t.Error("identical signals produced different dedup keys")
	}
	b.AccountID = "acct-2"
	if a.DedupKey() == b.DedupKey() {
		t.Error("same signal ID on different accounts must not collide")
	}
	if a.FallbackKey() == b.FallbackKey() {
		t.Error("fallback keys must include the account")
	}
}
