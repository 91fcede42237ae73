package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"signal-bridge/internal/account"
	"signal-bridge/internal/events"
	"signal-bridge/internal/idempotency"
	"signal-bridge/internal/monitor"
	"signal-bridge/internal/queue"
	"signal-bridge/pkg/db"
	"signal-bridge/pkg/market"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*Server, *db.Queries) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.NewInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatal(err)
	}
	queries := db.NewQueries(database.DB)

	q, err := queue.New(queue.Config{Size: 16, DuplicateWindow: time.Minute}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(q.Close)

	mkt := market.NewManager(market.ManagerConfig{}, market.NewMockDialer(nil), nil)
	t.Cleanup(mkt.CloseCurrent)

	s := NewServer(events.NewBus(), q, idempotency.NewStore(queries, 0),
		account.NewPolicyStore(queries), queries, monitor.NewPipelineMetrics(),
		mkt, SystemMeta{Version: "test", StartedAt: time.Now()}, testSecret)
	return s, queries
}

func postJSON(s *Server, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func validPayload() map[string]any {
	return map[string]any{
		"signal_id":            "sig-1",
		"account_id":           "acct-1",
		"direction":            "buy",
		"instrument":           "EUR/USD",
		"size":                 1.5,
		"take_profit_distance": 50,
		"stop_loss_distance":   30,
		"timeframe":            "15m",
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestWebhookAccepts(t *testing.T) {
	s, _ := newTestServer(t)

	w := postJSON(s, "/webhook", validPayload(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var res struct {
		Accepted bool   `json:"accepted"`
		JobID    string `json:"job_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Accepted || res.JobID == "" {
		t.Errorf("response = %+v", res)
	}
	if s.Queue.Len() != 1 {
		t.Errorf("queue depth = %d, want 1", s.Queue.Len())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	s, _ := newTestServer(t)

	if w := postJSON(s, "/webhook", validPayload(), nil); w.Code != http.StatusOK {
		t.Fatal(w.Body.String())
	}

	// Redelivery answers 200 so the platform stops retrying, but nothing is
	// queued twice.
	w := postJSON(s, "/webhook", validPayload(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d", w.Code)
	}
	var res struct {
		Accepted bool   `json:"accepted"`
		Reason   string `json:"reason"`
	}
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Accepted || res.Reason == "" {
		t.Errorf("duplicate response = %+v", res)
	}
	if s.Queue.Len() != 1 {
		t.Errorf("queue depth = %d after duplicate, want 1", s.Queue.Len())
	}
}

func TestWebhookAlreadyProcessed(t *testing.T) {
	s, _ := newTestServer(t)

	// An execution recorded in a previous process lifetime.
	if err := s.Idem.Record(context.Background(), "sig-1", "acct-1"); err != nil {
		t.Fatal(err)
	}

	w := postJSON(s, "/webhook", validPayload(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if s.Queue.Len() != 0 {
		t.Error("already-processed signal was queued")
	}
}

func TestWebhookRejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing account", func(p map[string]any) { delete(p, "account_id") }},
		{"bad direction", func(p map[string]any) { p["direction"] = "hold" }},
		{"zero size", func(p map[string]any) { p["size"] = 0 }},
		{"no target", func(p map[string]any) { p["take_profit_distance"] = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t)
			p := validPayload()
			tt.mutate(p)
			if w := postJSON(s, "/webhook", p, nil); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestWebhookDefaultSize(t *testing.T) {
	s, _ := newTestServer(t)
	s.DefaultSize = 2.5

	p := validPayload()
	delete(p, "size")
	if w := postJSON(s, "/webhook", p, nil); w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if s.Queue.Len() != 1 {
		t.Fatal("signal with defaulted size not queued")
	}
}

func TestWebhookQueueFull(t *testing.T) {
	s, _ := newTestServer(t)
	// Saturate the 16-slot queue with distinct signals.
	for i := 0; i < 16; i++ {
		p := validPayload()
		p["signal_id"] = string(rune('a' + i))
		p["account_id"] = "acct-" + string(rune('a'+i))
		if w := postJSON(s, "/webhook", p, nil); w.Code != http.StatusOK {
			t.Fatalf("fill %d: status %d", i, w.Code)
		}
	}

	p := validPayload()
	p["signal_id"] = "overflow"
	p["account_id"] = "acct-overflow"
	if w := postJSON(s, "/webhook", p, nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("overflow status = %d, want 503", w.Code)
	}
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", w.Code)
	}
}

func signToken(t *testing.T, secret string) string {
	t.Helper()
	claims := UserClaims{
		UserID: "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestMetricsWithToken(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret))
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestExecutionsEndpoint(t *testing.T) {
	s, queries := newTestServer(t)
	if err := queries.InsertExecution(context.Background(), db.Execution{
		ID: "exec-1", SignalID: "sig-1", AccountID: "acct-1",
		Instrument: "EURUSD", Direction: "BUY", Size: 1, EntryPrice: 1.1,
	}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/executions/acct-1", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret))
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var res struct {
		Executions []db.Execution `json:"executions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Executions) != 1 || res.Executions[0].ID != "exec-1" {
		t.Errorf("executions = %+v", res.Executions)
	}
}

func TestUpdatePolicyEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	body := map[string]any{
		"account_id":    "acct-1",
		"mode":          "sell-only",
		"exclusive":     true,
		"max_open_size": 3,
	}
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPut, "/api/policies", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret))
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	p := s.Policies.GetPolicy(context.Background(), "acct-1")
	if p.Mode != account.ModeSellOnly || !p.Exclusive || p.MaxOpenSize != 3 {
		t.Errorf("stored policy = %+v", p)
	}
}

func TestSystemStatus(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/system/status", nil)
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var res map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res["version"] != "test" {
		t.Errorf("version = %v", res["version"])
	}
}
