package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport adapts a gorilla websocket connection to the Transport
// interface. Writes are serialized; gorilla permits one concurrent writer.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
	stop    chan struct{}
}

// NewWebsocketDialer returns a Dialer for the streaming endpoint. A ping
// goroutine keeps each connection alive; pingInterval <= 0 disables it.
func NewWebsocketDialer(streamURL string, pingInterval time.Duration) Dialer {
	return func(ctx context.Context) (Transport, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, streamURL, nil)
		if err != nil {
			return nil, fmt.Errorf("dial market stream: %w", err)
		}

		t := &wsTransport{conn: conn, stop: make(chan struct{})}
		if pingInterval > 0 {
			go t.pingLoop(pingInterval)
		}
		return t, nil
	}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, msg, err := t.conn.ReadMessage()
	return msg, err
}

func (t *wsTransport) WriteJSON(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.stop)
		t.writeMu.Lock()
		// Ignore errors; connection may already be closed.
		_ = t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(time.Second))
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
