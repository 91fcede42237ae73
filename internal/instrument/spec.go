// Package instrument owns the static specification table for tradable symbols.
// Price-level math everywhere in the pipeline resolves pip size, decimal
// precision and minimum distances from here and nowhere else.
package instrument

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"signal-bridge/internal/signal"
)

// Spec describes the pricing unit of one instrument.
type Spec struct {
	Symbol          string  `yaml:"symbol"`
	PipSize         float64 `yaml:"pip_size"`
	Decimals        int     `yaml:"decimals"`
	MinDistancePips float64 `yaml:"min_distance_pips"` // minimum TP/SL distance
}

// Distance converts a distance expressed in pips to price units.
func (s Spec) Distance(pips float64) float64 {
	return pips * s.PipSize
}

// defaultSpec is the conservative forex fallback for unrecognized symbols.
var defaultSpec = Spec{
	Symbol:          "",
	PipSize:         0.0001,
	Decimals:        5,
	MinDistancePips: 10,
}

// table is the authoritative built-in specification set.
var table = map[string]Spec{
	"EURUSD":  {Symbol: "EURUSD", PipSize: 0.0001, Decimals: 5, MinDistancePips: 10},
	"GBPUSD":  {Symbol: "GBPUSD", PipSize: 0.0001, Decimals: 5, MinDistancePips: 10},
	"AUDUSD":  {Symbol: "AUDUSD", PipSize: 0.0001, Decimals: 5, MinDistancePips: 10},
	"NZDUSD":  {Symbol: "NZDUSD", PipSize: 0.0001, Decimals: 5, MinDistancePips: 10},
	"USDCAD":  {Symbol: "USDCAD", PipSize: 0.0001, Decimals: 5, MinDistancePips: 10},
	"USDCHF":  {Symbol: "USDCHF", PipSize: 0.0001, Decimals: 5, MinDistancePips: 10},
	"USDJPY":  {Symbol: "USDJPY", PipSize: 0.01, Decimals: 3, MinDistancePips: 10},
	"EURJPY":  {Symbol: "EURJPY", PipSize: 0.01, Decimals: 3, MinDistancePips: 10},
	"GBPJPY":  {Symbol: "GBPJPY", PipSize: 0.01, Decimals: 3, MinDistancePips: 12},
	"XAUUSD":  {Symbol: "XAUUSD", PipSize: 0.1, Decimals: 2, MinDistancePips: 20},
	"XAGUSD":  {Symbol: "XAGUSD", PipSize: 0.01, Decimals: 3, MinDistancePips: 20},
	"US500":   {Symbol: "US500", PipSize: 1, Decimals: 1, MinDistancePips: 4},
	"US100":   {Symbol: "US100", PipSize: 1, Decimals: 1, MinDistancePips: 6},
	"DE40":    {Symbol: "DE40", PipSize: 1, Decimals: 1, MinDistancePips: 6},
	"BTCUSD":  {Symbol: "BTCUSD", PipSize: 1, Decimals: 1, MinDistancePips: 50},
	"ETHUSD":  {Symbol: "ETHUSD", PipSize: 0.1, Decimals: 2, MinDistancePips: 40},
	"USOIL":   {Symbol: "USOIL", PipSize: 0.01, Decimals: 3, MinDistancePips: 10},
	"NATGAS":  {Symbol: "NATGAS", PipSize: 0.001, Decimals: 4, MinDistancePips: 10},
	"EURGBP":  {Symbol: "EURGBP", PipSize: 0.0001, Decimals: 5, MinDistancePips: 10},
	"AUDNZD":  {Symbol: "AUDNZD", PipSize: 0.0001, Decimals: 5, MinDistancePips: 12},
}

var tableMu sync.RWMutex

// Lookup resolves the spec for a (possibly unnormalized) symbol. Unknown
// symbols fall back to the conservative forex default.
func Lookup(symbol string) Spec {
	key := signal.NormalizeSymbol(symbol)
	tableMu.RLock()
	defer tableMu.RUnlock()
	if spec, ok := table[key]; ok {
		return spec
	}
	spec := defaultSpec
	spec.Symbol = key
	return spec
}

// LoadOverrides merges specs from a YAML file into the table. Deployments use
// this to add venue-specific symbols without a rebuild.
func LoadOverrides(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read instrument overrides: %w", err)
	}
	var specs []Spec
	if err := yaml.Unmarshal(raw, &specs); err != nil {
		return 0, fmt.Errorf("parse instrument overrides: %w", err)
	}

	tableMu.Lock()
	defer tableMu.Unlock()
	n := 0
	for _, s := range specs {
		key := signal.NormalizeSymbol(s.Symbol)
		if key == "" || s.PipSize <= 0 {
			continue
		}
		s.Symbol = key
		if s.MinDistancePips <= 0 {
			s.MinDistancePips = defaultSpec.MinDistancePips
		}
		table[key] = s
		n++
	}
	return n, nil
}
