package broker

import "context"

// OrderRequest is one market order with attached price levels.
type OrderRequest struct {
	Epic        string  `json:"epic"`
	Direction   string  `json:"direction"` // BUY or SELL
	Size        float64 `json:"size"`
	ProfitLevel float64 `json:"profitLevel,omitempty"`
	StopLevel   float64 `json:"stopLevel,omitempty"`
}

// OrderResult is the broker's acknowledgement of a placed order.
type OrderResult struct {
	DealReference string  `json:"dealReference"`
	FillPrice     float64 `json:"level,omitempty"`
	Status        string  `json:"status,omitempty"`
}

// Position is one open position on the account.
type Position struct {
	DealID     string  `json:"dealId"`
	Epic       string  `json:"epic"`
	Direction  string  `json:"direction"`
	Size       float64 `json:"size"`
	OpenLevel  float64 `json:"level"`
	ProfitLoss float64 `json:"upl"`
}

// WorkingOrder is one pending (not yet triggered) order.
type WorkingOrder struct {
	DealID    string  `json:"dealId"`
	Epic      string  `json:"epic"`
	Direction string  `json:"direction"`
	Size      float64 `json:"orderSize"`
	Level     float64 `json:"orderLevel"`
}

// API is the broker surface the orchestrator depends on. The production
// implementation is *Client; tests substitute fakes.
type API interface {
	PlaceOrder(ctx context.Context, accountID string, req OrderRequest) (OrderResult, error)
	OpenPositions(ctx context.Context, accountID string) ([]Position, error)
	WorkingOrders(ctx context.Context, accountID string) ([]WorkingOrder, error)
}
