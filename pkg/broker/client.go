// Package broker wraps REST access to the trading API.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrTransient marks failures worth retrying: network errors, broker 5xx and
// session refresh failures. Callers test with errors.Is.
var ErrTransient = errors.New("transient broker failure")

// Config holds client credentials and environment selection.
type Config struct {
	LiveURL    string
	DemoURL    string
	APIKey     string
	Identifier string
	Password   string
	Demo       bool
	Timeout    time.Duration
}

// Client talks to the broker REST API. Session tokens are refreshed once on
// HTTP 401 before the failure surfaces as transient.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu            sync.Mutex
	clientToken   string // CST header
	securityToken string // X-SECURITY-TOKEN header
}

// New builds a REST client; cfg.Demo switches the base URL.
func New(cfg Config) *Client {
	base := cfg.LiveURL
	if cfg.Demo {
		base = cfg.DemoURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
		// Broker allows 10 req/s per session; stay under it.
		limiter: rate.NewLimiter(rate.Limit(8), 16),
	}
}

// login opens a session and captures both tokens from the response headers.
func (c *Client) login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"identifier": c.cfg.Identifier,
		"password":   c.cfg.Password,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/session", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CAP-API-KEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: session: %v", ErrTransient, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("%w: session status %d: %s", ErrTransient, res.StatusCode, payload)
	}

	c.mu.Lock()
	c.clientToken = res.Header.Get("CST")
	c.securityToken = res.Header.Get("X-SECURITY-TOKEN")
	c.mu.Unlock()
	return nil
}

func (c *Client) tokens() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientToken, c.securityToken
}

// do performs an authenticated request, refreshing the session exactly once
// when the broker answers 401.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	cst, sec := c.tokens()
	if cst == "" {
		if err := c.login(ctx); err != nil {
			return err
		}
		cst, sec = c.tokens()
	}

	status, err := c.send(ctx, method, path, cst, sec, body, out)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		// Token expired: one refresh-and-retry before giving up.
		if err := c.login(ctx); err != nil {
			return err
		}
		cst, sec = c.tokens()
		status, err = c.send(ctx, method, path, cst, sec, body, out)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			return fmt.Errorf("%w: still unauthorized after token refresh", ErrTransient)
		}
	}
	return nil
}

// send issues a single request. Broker 5xx and transport errors come back as
// transient; 4xx (other than 401, which the caller handles) are terminal.
func (c *Client) send(ctx context.Context, method, path, cst, sec string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CAP-API-KEY", c.cfg.APIKey)
	req.Header.Set("CST", cst)
	req.Header.Set("X-SECURITY-TOKEN", sec)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %s: %v", ErrTransient, method, path, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusUnauthorized:
		io.Copy(io.Discard, res.Body)
		return res.StatusCode, nil
	case res.StatusCode >= 500:
		payload, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return res.StatusCode, fmt.Errorf("%w: %s %s status %d: %s", ErrTransient, method, path, res.StatusCode, payload)
	case res.StatusCode >= 400:
		payload, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return res.StatusCode, fmt.Errorf("%s %s status %d: %s", method, path, res.StatusCode, payload)
	}

	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return res.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	} else {
		io.Copy(io.Discard, res.Body)
	}
	return res.StatusCode, nil
}

// PlaceOrder submits a market order with attached TP/SL levels.
func (c *Client) PlaceOrder(ctx context.Context, accountID string, req OrderRequest) (OrderResult, error) {
	var res OrderResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/positions", req, &res); err != nil {
		return OrderResult{}, err
	}
	if res.DealReference == "" {
		return OrderResult{}, fmt.Errorf("%w: empty deal reference", ErrTransient)
	}
	return res, nil
}

// OpenPositions lists the account's open positions.
func (c *Client) OpenPositions(ctx context.Context, accountID string) ([]Position, error) {
	var res struct {
		Positions []struct {
			Position Position `json:"position"`
		} `json:"positions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/positions", nil, &res); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(res.Positions))
	for _, p := range res.Positions {
		out = append(out, p.Position)
	}
	return out, nil
}

// WorkingOrders lists the account's pending orders.
func (c *Client) WorkingOrders(ctx context.Context, accountID string) ([]WorkingOrder, error) {
	var res struct {
		WorkingOrders []struct {
			WorkingOrderData WorkingOrder `json:"workingOrderData"`
		} `json:"workingOrders"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/workingorders", nil, &res); err != nil {
		return nil, err
	}
	out := make([]WorkingOrder, 0, len(res.WorkingOrders))
	for _, w := range res.WorkingOrders {
		out = append(out, w.WorkingOrderData)
	}
	return out, nil
}
