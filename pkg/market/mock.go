package market

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"
)

// NewMockDialer returns a Dialer that fabricates quotes around base prices,
// for development without feed credentials. Unknown instruments quote near
// 1.0 with a tight spread.
func NewMockDialer(base map[string]float64) Dialer {
	return func(ctx context.Context) (Transport, error) {
		return &mockTransport{
			base: base,
			out:  make(chan []byte, 16),
			stop: make(chan struct{}),
		}, nil
	}
}

type mockTransport struct {
	base map[string]float64
	out  chan []byte
	mu   sync.Mutex
	subs []string
	stop chan struct{}
	once sync.Once
}

func (t *mockTransport) ReadMessage() ([]byte, error) {
	select {
	case msg := <-t.out:
		return msg, nil
	case <-t.stop:
		return nil, ErrConnectionClosed
	}
}

func (t *mockTransport) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var req struct {
		Action      string   `json:"action"`
		Instrument  string   `json:"instrument"`
		Instruments []string `json:"instruments"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}

	switch req.Action {
	case "subscribe":
		t.mu.Lock()
		t.subs = append(t.subs, req.Instruments...)
		t.mu.Unlock()
	case "price":
		t.emit(req.Instrument)
	}
	return nil
}

func (t *mockTransport) emit(instrument string) {
	mid := t.base[instrument]
	if mid == 0 {
		mid = 1.0
	}
	mid *= 1 + (rand.Float64()-0.5)*0.0002
	half := mid * 0.0001

	msg, _ := json.Marshal(quoteMessage{
		Type:       "quote",
		Instrument: instrument,
		Bid:        mid - half,
		Ask:        mid + half,
		Timestamp:  time.Now().UnixMilli(),
	})
	select {
	case t.out <- msg:
	case <-t.stop:
	}
}

func (t *mockTransport) Close() error {
	t.once.Do(func() { close(t.stop) })
	return nil
}
