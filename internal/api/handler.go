// Package api is the HTTP front door: webhook intake plus read-only status
// endpoints. Intake must return quickly regardless of how long downstream
// processing takes; everything heavy happens behind the queue.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"signal-bridge/internal/account"
	"signal-bridge/internal/events"
	"signal-bridge/internal/idempotency"
	"signal-bridge/internal/monitor"
	"signal-bridge/internal/queue"
	"signal-bridge/internal/signal"
	"signal-bridge/pkg/db"
	"signal-bridge/pkg/market"
)

// Server wires HTTP endpoints around the intake queue.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	Queue     *queue.Queue
	Idem      *idempotency.Store
	Policies  *account.PolicyStore
	Queries   *db.Queries
	Metrics   *monitor.PipelineMetrics
	Market    *market.Manager
	JWTSecret string
	Meta      SystemMeta

	// DefaultSize is applied when an alert omits the order size. Zero keeps
	// size a required field.
	DefaultSize float64
}

// SystemMeta describes runtime status exposed on the status endpoint.
type SystemMeta struct {
	Demo       bool
	MockStream bool
	Version    string
	StartedAt  time.Time
}

// NewServer builds the router and registers all routes.
func NewServer(bus *events.Bus, q *queue.Queue, idem *idempotency.Store,
	policies *account.PolicyStore, queries *db.Queries, metrics *monitor.PipelineMetrics,
	mkt *market.Manager, meta SystemMeta, jwtSecret string) *Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())

	s := &Server{
		Router:    r,
		Bus:       bus,
		Queue:     q,
		Idem:      idem,
		Policies:  policies,
		Queries:   queries,
		Metrics:   metrics,
		Market:    mkt,
		JWTSecret: jwtSecret,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.POST("/webhook", s.webhook)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/metrics", s.getMetrics)
			protected.GET("/executions/:account", s.getExecutions)
			protected.PUT("/policies", s.updatePolicy)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// webhookPayload accepts the field spellings the charting platform emits.
type webhookPayload struct {
	SignalID   string            `json:"signal_id"`
	AccountID  string            `json:"account_id"`
	Direction  string            `json:"direction"`
	Instrument string            `json:"instrument"`
	Size       float64           `json:"size"`
	TakeProfit float64           `json:"take_profit_distance"`
	StopLoss   float64           `json:"stop_loss_distance"`
	Timeframe  string            `json:"timeframe"`
	MarketMode string            `json:"market_mode"`
	Meta       map[string]string `json:"meta"`
}

// webhook is the intake endpoint. Delivery is at-least-once; dedup is ours.
// Any syntactically valid signal that gets queued answers 200 regardless of
// eventual execution outcome.
func (s *Server) webhook(c *gin.Context) {
	var payload webhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"accepted": false, "reason": "invalid payload: " + err.Error()})
		return
	}

	if payload.Size == 0 && s.DefaultSize > 0 {
		payload.Size = s.DefaultSize
	}

	sig, err := signal.Normalize(signal.Signal{
		ID:         payload.SignalID,
		AccountID:  payload.AccountID,
		Direction:  signal.Direction(payload.Direction),
		Instrument: payload.Instrument,
		Size:       payload.Size,
		TakeProfit: payload.TakeProfit,
		StopLoss:   payload.StopLoss,
		Timeframe:  payload.Timeframe,
		Mode:       signal.MarketMode(payload.MarketMode),
		Meta:       payload.Meta,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"accepted": false, "reason": err.Error()})
		return
	}

	// Fast-path idempotency check before admission. The orchestrator checks
	// again under the account lock; this one just spares the queue.
	ctx, cancel := context.WithTimeout(c.Request.Context(), 50*time.Millisecond)
	defer cancel()
	if seen, err := s.Idem.Has(ctx, sig.ID, sig.AccountID); err == nil && seen {
		if s.Metrics != nil {
			s.Metrics.IncDuplicate()
		}
		c.JSON(http.StatusOK, gin.H{"accepted": false, "reason": "duplicate signal"})
		return
	}

	jobID, err := s.Queue.Enqueue(sig)
	switch {
	case errors.Is(err, queue.ErrDuplicate):
		if s.Metrics != nil {
			s.Metrics.IncDuplicate()
		}
		if s.Bus != nil {
			s.Bus.Publish(events.EventSignalDuplicate, sig)
		}
		c.JSON(http.StatusOK, gin.H{"accepted": false, "reason": "duplicate signal"})
	case errors.Is(err, queue.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"accepted": false, "reason": "intake saturated, retry"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"accepted": false, "reason": err.Error()})
	default:
		if s.Metrics != nil {
			s.Metrics.IncAccepted()
		}
		c.JSON(http.StatusOK, gin.H{"accepted": true, "job_id": jobID})
	}
}

func (s *Server) getSystemStatus(c *gin.Context) {
	hits, misses, reconnects, connState := s.Market.Stats()
	c.JSON(http.StatusOK, gin.H{
		"demo":        s.Meta.Demo,
		"mock_stream": s.Meta.MockStream,
		"version":     s.Meta.Version,
		"uptime":      time.Since(s.Meta.StartedAt).Round(time.Second).String(),
		"queue_depth": s.Queue.Len(),
		"idempotency": s.Idem.Size(),
		"market": gin.H{
			"connection": connState,
			"cache_hits": hits,
			"cache_miss": misses,
			"reconnects": reconnects,
		},
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pipeline":       s.Metrics.GetSnapshot(),
		"events_dropped": s.Bus.Dropped(),
	})
}

func (s *Server) getExecutions(c *gin.Context) {
	accountID := c.Param("account")
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}

	executions, err := s.Queries.ListExecutionsByAccount(c.Request.Context(), accountID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": executions})
}

func (s *Server) updatePolicy(c *gin.Context) {
	var p account.Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid policy: " + err.Error()})
		return
	}
	if err := s.Policies.Update(c.Request.Context(), p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": p.AccountID})
}
