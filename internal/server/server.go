// Package server orchestrates all components: NATS client, backend catalog, health monitor,
// coordinator, deferred queue, optional outcome journal, dispatcher and HTTP status.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/analysis-coordinator/internal/config"
	"github.com/morezero/analysis-coordinator/pkg/backend"
	"github.com/morezero/analysis-coordinator/pkg/catalog"
	"github.com/morezero/analysis-coordinator/pkg/commsutil"
	"github.com/morezero/analysis-coordinator/pkg/coordination"
	"github.com/morezero/analysis-coordinator/pkg/coordinator"
	"github.com/morezero/analysis-coordinator/pkg/db"
	"github.com/morezero/analysis-coordinator/pkg/dispatcher"
	"github.com/morezero/analysis-coordinator/pkg/events"
	"github.com/morezero/analysis-coordinator/pkg/health"
	"github.com/morezero/analysis-coordinator/pkg/scheduler"
)

const logPrefix = "server:server"

// engineForServer is the part of the engine the HTTP handlers read.
type engineForServer interface {
	GetServiceHealth() map[string]health.Record
	GetStats() coordinator.Stats
}

// Server is the analysis-coordinator orchestrator.
type Server struct {
	cfg      *config.Config
	catalog  *catalog.Resolved
	nc       *comms.Conn
	pool     *pgxpool.Pool
	backends *backend.Pool

	engine     engineForServer
	lifecycle  *coordinator.Engine
	disp       *dispatcher.Dispatcher
	publisher  *events.CommsPublisher
	httpServer *http.Server

	subject  string
	sub      *comms.Subscription
	baseCtx  context.Context
	cancel   context.CancelFunc
	closeMu  sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	SetupLogging(cfg.LogLevel)

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting analysis-coordinator", logPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		s.Shutdown(ctx)
		return err
	}

	slog.Info(fmt.Sprintf("%s - Analysis-coordinator is ready", logPrefix))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer shutdownCancel()
	s.Shutdown(shutdownCtx)

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// SetupLogging installs the default text logger at the named level.
func SetupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// New connects to NATS (and Postgres when DATABASE_URL is set) and wires the engine.
// Nothing is subscribed or started until Start.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{cfg: cfg}

	// Step 1: Load and validate the backend catalog
	catCfg, err := catalog.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to load catalog: %w", logPrefix, err)
	}
	if err := catCfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s - invalid catalog: %w", logPrefix, err)
	}
	s.catalog = catalog.Resolve(catCfg)
	slog.Info(fmt.Sprintf("%s - Catalog %s@%s with %d backends", logPrefix, s.catalog.Name(), s.catalog.Version(), len(s.catalog.Names())))

	s.subject = cfg.CoordinatorSubject
	if s.subject == "" {
		s.subject = commsutil.SubjectCoordinator
	}
	slog.Info(fmt.Sprintf("%s - Coordinator subject: %s", logPrefix, s.subject))

	// Step 2: Connect to NATS
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}
	s.nc = nc
	slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", logPrefix, cfg.COMMSURL))

	// Step 3: Outcome journal (optional)
	var recorder coordinator.OutcomeRecorder
	if cfg.JournalEnabled() {
		repo, err := s.openJournal(ctx)
		if err != nil {
			nc.Close()
			return nil, err
		}
		recorder = repo
	} else {
		slog.Info(fmt.Sprintf("%s - DATABASE_URL not set, outcome journal disabled", logPrefix))
	}

	// Step 4: Health monitor publishing transitions to COMMS
	s.publisher = events.NewCommsPublisher(nc, &events.CommsPublisherOpts{GlobalSubject: cfg.HealthEventSubject})
	monitor := health.NewMonitor(s.catalog.Names(), health.Options{
		SweepInterval: cfg.HealthSweepInterval,
		Staleness:     cfg.HealthStaleness,
		Publishers:    []events.EventPublisher{s.publisher},
	})

	// Step 5: Coordinator, deferred queue, engine and dispatcher
	s.backends = backend.NewPool(cfg.COMMSName)
	coord := coordinator.New(s.catalog, monitor, backend.NewCommsBackend(nc, s.backends, s.catalog), coordinator.Options{
		Recorder:        recorder,
		CacheCapacity:   cfg.CacheCapacity,
		CacheDefaultTTL: cfg.CacheDefaultTTL,
		BackendTimeout:  cfg.BackendTimeout,
		Coalesce:        cfg.CoalesceRequests,
	})
	queue := scheduler.New(coord, scheduler.Options{
		Tick:       cfg.DispatchTick,
		OnComplete: s.publishCompletion,
	})
	s.lifecycle = coordinator.NewEngine(coord, queue)
	s.engine = s.lifecycle
	s.disp = dispatcher.NewDispatcher(s.lifecycle, dispatcher.Options{
		MaxQueueDepth:  cfg.QueueMaxDepth,
		RequestTimeout: cfg.RequestTimeout,
	})

	return s, nil
}

func (s *Server) openJournal(ctx context.Context) (*db.Repository, error) {
	if err := db.EnsureDatabase(ctx, s.cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("%s - failed to ensure database: %w", logPrefix, err)
	}
	pool, err := db.NewPool(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}

	if s.cfg.RunMigrations {
		migrations, err := db.LoadMigrations(s.cfg.MigrationPath)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if err := db.RunMigrations(ctx, pool, migrations); err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}

	s.pool = pool
	return db.NewRepository(pool), nil
}

// Start runs the engine, subscribes the coordinator subject and starts the HTTP server.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.lifecycle.Start(s.baseCtx)

	sub, err := s.nc.Subscribe(s.subject, s.handleMessage)
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, s.subject, err)
	}
	s.sub = sub
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, s.subject))

	httpAddr := s.cfg.HTTPAddr
	if httpAddr == "" {
		httpAddr = fmt.Sprintf(":%d", s.cfg.HTTPPort)
	}
	s.httpServer = &http.Server{Addr: httpAddr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP status server listening on %s", logPrefix, httpAddr))
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones, then releases connections.
// Deferred requests still queued are discarded.
func (s *Server) Shutdown(ctx context.Context) {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
	s.stopAccepting()
	s.lifecycle.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	s.backends.CloseAll()
	s.nc.Drain()
	if s.pool != nil {
		s.pool.Close()
	}
}

// handleMessage decodes one envelope and answers it on its own goroutine so a slow
// process call does not hold up the subscription.
func (s *Server) handleMessage(msg *comms.Msg) {
	var req dispatcher.CoordinatorRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to decode request: %v", logPrefix, err))
		s.respond(msg, &dispatcher.CoordinatorResponse{
			Ok: false,
			Error: &dispatcher.ErrorDetail{
				Code:    coordination.CodeMalformedRequest,
				Message: "Failed to decode request",
			},
		})
		return
	}

	if !s.acquire() {
		s.respond(msg, &dispatcher.CoordinatorResponse{
			ID: req.ID,
			Ok: false,
			Error: &dispatcher.ErrorDetail{
				Code:      coordination.CodeInternal,
				Message:   "Coordinator is shutting down",
				Retryable: true,
			},
		})
		return
	}
	go func() {
		defer s.inflight.Done()
		s.respond(msg, s.disp.Dispatch(s.baseCtx, &req))
	}()
}

// acquire registers one in-flight message. It fails once shutdown has begun, so
// no Add can race the final Wait.
func (s *Server) acquire() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closing {
		return false
	}
	s.inflight.Add(1)
	return true
}

// stopAccepting refuses further messages and waits for those in flight.
func (s *Server) stopAccepting() {
	s.closeMu.Lock()
	s.closing = true
	s.closeMu.Unlock()
	s.inflight.Wait()
}

func (s *Server) respond(msg *comms.Msg, resp *dispatcher.CoordinatorResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response: %v", logPrefix, err))
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to respond: %v", logPrefix, err))
	}
}

// publishCompletion forwards each drained deferred request to COMMS.
func (s *Server) publishCompletion(item scheduler.Item, resp *coordination.AggregatedResponse) {
	if resp == nil {
		return
	}
	event := &events.DeferredCompletedEvent{
		Seq:         item.Seq,
		RequestID:   resp.RequestID,
		Priority:    item.Request.Priority,
		EnqueuedAt:  item.EnqueuedAt,
		CompletedAt: time.Now().UTC(),
		Response:    resp,
	}
	if err := s.publisher.PublishDeferredCompleted(context.Background(), event); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish completion for %s: %v", logPrefix, resp.RequestID, err))
	}
}
