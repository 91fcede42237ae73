package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"signal-bridge/internal/account"
	"signal-bridge/internal/api"
	"signal-bridge/internal/events"
	"signal-bridge/internal/executor"
	"signal-bridge/internal/idempotency"
	"signal-bridge/internal/instrument"
	"signal-bridge/internal/monitor"
	"signal-bridge/internal/queue"
	"signal-bridge/internal/recorder"
	"signal-bridge/pkg/broker"
	"signal-bridge/pkg/config"
	"signal-bridge/pkg/db"
	"signal-bridge/pkg/market"
)

const version = "1.2.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("🚀 signal bridge starting on port %s (demo=%v)", cfg.Port, cfg.BrokerDemo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}
	queries := db.NewQueries(database.DB)

	// Idempotency: durable table authoritative, mirror warmed from it.
	idemStore := idempotency.NewStore(queries, cfg.ProcessedSignals)
	if err := idemStore.WarmCache(ctx); err != nil {
		log.Fatalf("idempotency cache warmup failed: %v", err)
	}
	idemStore.StartSweeper(ctx, time.Hour)

	// Instrument table overrides
	if cfg.InstrumentsPath != "" {
		if n, err := instrument.LoadOverrides(cfg.InstrumentsPath); err != nil {
			log.Printf("instrument overrides not loaded: %v", err)
		} else {
			log.Printf("instrument table extended with %d overrides", n)
		}
	}

	// Account policies
	policies := account.NewPolicyStore(queries)
	if err := policies.LoadFile(cfg.PolicyPath); err != nil {
		log.Printf("policy file not loaded: %v", err)
	}

	// Market data
	var dial market.Dialer
	if cfg.UseMockStream {
		log.Println("⚠️ using mock market data stream")
		dial = market.NewMockDialer(map[string]float64{
			"EURUSD": 1.08, "GBPUSD": 1.27, "USDJPY": 151.0, "XAUUSD": 2350.0,
		})
	} else {
		streamURL := cfg.StreamLiveURL
		if cfg.BrokerDemo {
			streamURL = cfg.StreamDemoURL
		}
		dial = market.NewWebsocketDialer(streamURL, time.Duration(cfg.StreamPingSeconds)*time.Second)
	}
	quotes := market.NewManager(market.ManagerConfig{
		Freshness:      cfg.QuoteFreshness,
		IdleTimeout:    cfg.ConnIdleTimeout,
		MaxAttempts:    cfg.ConnMaxAttempts,
		MaxSpreadRatio: cfg.MaxSpreadRatio,
	}, dial, bus)
	quotes.StartIdleReaper(ctx)

	// Broker
	brokerClient := broker.New(broker.Config{
		LiveURL:    cfg.BrokerLiveURL,
		DemoURL:    cfg.BrokerDemoURL,
		APIKey:     cfg.BrokerAPIKey,
		Identifier: cfg.BrokerIdentifier,
		Password:   cfg.BrokerPassword,
		Demo:       cfg.BrokerDemo,
		Timeout:    cfg.BrokerTimeout,
	})

	// Outcome persistence, off the hot path
	outcomes := recorder.New(queries, 50, 500*time.Millisecond)
	defer outcomes.Close()

	metrics := monitor.NewPipelineMetrics()

	// Intake queue with WAL recovery
	walDir := ""
	if cfg.QueueWALEnabled {
		walDir = cfg.QueueWALPath
	}
	q, err := queue.New(queue.Config{
		Size:            cfg.QueueSize,
		DuplicateWindow: cfg.DuplicateWindow,
		MaxRetries:      cfg.QueueMaxRetries,
		RetryBase:       cfg.QueueRetryBase,
		WALDir:          walDir,
	}, bus)
	if err != nil {
		log.Fatalf("queue init failed: %v", err)
	}
	if err := q.Recover(); err != nil {
		log.Printf("queue WAL recovery failed: %v", err)
	}

	serializer := account.NewSerializer()
	orch := executor.New(executor.Config{
		Attempts:  cfg.ExecAttempts,
		Backoff:   cfg.ExecBackoff,
		QuoteWait: cfg.QuoteWaitTimeout,
	}, brokerClient, quotes, idemStore, policies, serializer, outcomes, bus, metrics)

	// Drain loop: dequeue order is FIFO, execution fans out to a bounded
	// worker pool so one account's backoff never stalls the others.
	var wg sync.WaitGroup
	workerSlots := make(chan struct{}, 8)
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Drain(ctx, func(job queue.Job) {
			workerSlots <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-workerSlots }()
				processJob(ctx, orch, q, metrics, job)
			}()
		})
	}()

	// HTTP front door
	server := api.NewServer(bus, q, idemStore, policies, queries, metrics, quotes, api.SystemMeta{
		Demo:       cfg.BrokerDemo,
		MockStream: cfg.UseMockStream,
		Version:    version,
		StartedAt:  time.Now(),
	}, cfg.JWTSecret)
	server.DefaultSize = cfg.DefaultOrderSize

	httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: server.Router}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()
	log.Printf("✅ webhook intake listening on :%s", cfg.Port)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}

	cancel()
	q.Close()
	wg.Wait()
	quotes.CloseCurrent()
	log.Println("✓ signal bridge stopped")
}

// processJob runs one dequeued signal through the orchestrator and decides
// its queue fate. Final outcomes complete the job; only failures the
// orchestrator reports as transient go back for a delayed redelivery.
func processJob(ctx context.Context, orch *executor.Orchestrator, q *queue.Queue,
	metrics *monitor.PipelineMetrics, job queue.Job) {
	start := time.Now()
	err := orch.Process(ctx, job.Signal)
	metrics.ExecLatency.Record(float64(time.Since(start).Milliseconds()))

	switch {
	case err == nil,
		errors.Is(err, executor.ErrDuplicateSignal),
		executor.IsRejection(err),
		executor.IsTerminal(err):
		q.Complete(job)
	default:
		q.RetryLater(job, err)
	}
}
