package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/adolago/tiara/internal/config"
	"github.com/adolago/tiara/internal/consensus"
	"github.com/adolago/tiara/internal/events"
	"github.com/adolago/tiara/internal/metrics"
	"github.com/adolago/tiara/internal/model"
	"github.com/adolago/tiara/internal/monitor"
	"github.com/adolago/tiara/internal/registry"
	"github.com/adolago/tiara/internal/rollback"
	"github.com/adolago/tiara/internal/scheduler"
	"github.com/adolago/tiara/internal/storage"
	"github.com/adolago/tiara/internal/tools"
)

func main() {
	configPath := flag.String("config", "", "path to the config file (default ./config/config.yaml)")
	flag.Parse()

	rt, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := rt.Config()

	logger, level, err := config.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	rt.OnChange(func(c *config.Config) {
		if config.SetLevel(level, c.Log) {
			logger.Info("Configuration applied", zap.String("log_level", c.Log.Level))
		}
	})

	if err := run(rt, logger); err != nil {
		logger.Fatal("Swarm daemon failed", zap.Error(err))
	}
	logger.Info("Swarm daemon shut down gracefully")
}

func run(rt *config.Runtime, logger *zap.Logger) error {
	cfg := rt.Config()

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(cfg.Metrics.Namespace, promRegistry)

	// Durable state
	if err := os.MkdirAll(filepath.Dir(cfg.Store.SQLite.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := storage.OpenSQLite(cfg.Store.SQLite.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	history, err := storage.NewAttemptHistory(logger, db)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, logger, cfg.Store, db)
	if err != nil {
		return err
	}
	defer store.Close()

	// Event bus
	nc, shutdownNATS, err := connectNATS(logger, cfg)
	if err != nil {
		return err
	}
	defer shutdownNATS()

	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}
	if err := events.EnsureStream(ctx, js, logger); err != nil {
		return err
	}
	publisher := events.NewPublisher(logger, js)
	gateway := events.NewGateway(logger, js, cfg.NATS.GatewayTimeout)
	alerts := monitor.NewAlertManager(logger, publisher, cfg.Monitor.MaxAlerts)

	// Coordination core
	engine := consensus.NewEngine(logger, cfg.Consensus, store,
		consensus.WithPublisher(publisher),
		consensus.WithAlerts(alerts),
		consensus.WithMetrics(collector))

	roster := registry.New(logger, store,
		registry.WithPublisher(publisher),
		registry.WithMetrics(collector),
		registry.WithDeregisterHook(engine.ForgetVoter))

	var dispatcher scheduler.Dispatcher = gateway
	if cfg.Tools.Enabled {
		invoker := tools.NewHTTPInvoker(logger, cfg.Tools.HTTPInvokerConfig, collector)
		dispatcher = tools.NewDispatcher(logger, invoker, cfg.Scheduler.DispatchTimeout)
		logger.Info("Dispatching through the tool layer", zap.Strings("tools", invoker.Tools()))
	}

	selector := scheduler.NewWeightedSelector(logger, cfg.Scheduler.Weights, cfg.Scheduler.MinReliability)
	orchestrator := scheduler.NewOrchestrator(logger, cfg.Scheduler.Config, roster, selector,
		scheduler.WithDispatcher(dispatcher),
		scheduler.WithConsensusGate(engine),
		scheduler.WithAttemptRecorder(history),
		scheduler.WithStore(store),
		scheduler.WithPublisher(publisher),
		scheduler.WithMetrics(collector))

	g, loadCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return roster.Load(loadCtx) })
	g.Go(func() error { return engine.Load(loadCtx) })
	g.Go(func() error { return orchestrator.Load(loadCtx) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	// Monitoring and recovery
	health := monitor.NewHealthMonitor(logger, cfg.Health, roster,
		monitor.WithLossReporter(orchestrator),
		monitor.WithHealthAlerts(alerts),
		monitor.WithHealthMetrics(collector))

	capture := func(context.Context) (*model.CoordinationState, error) {
		return &model.CoordinationState{
			Config:    rt.Settings(),
			Tasks:     orchestrator.Snapshot(),
			Agents:    roster.Snapshot(),
			Proposals: engine.Snapshot(),
		}, nil
	}
	restoration := rollback.NewRestoration(logger, map[rollback.Step]rollback.Restorer{
		rollback.StepConfig:        rollback.ConfigStep(rt),
		rollback.StepMemory:        rollback.MemoryStep(roster, orchestrator, engine),
		rollback.StepFilesystem:    rollback.FilesystemStep(cfg.Rollback.DataDir),
		rollback.StepExternalState: rollback.ExternalStateStep(store, 0),
	})
	recovery := rollback.NewManager(logger, cfg.Rollback, store, capture, restoration,
		rollback.WithFreezer(orchestrator),
		rollback.WithPublisher(publisher),
		rollback.WithAlerts(alerts),
		rollback.WithMetrics(collector))

	sampler := monitor.NewMetricsCollector(logger,
		monitor.HostProbe{DiskPath: cfg.Monitor.DiskPath, CPUWindow: cfg.Monitor.CPUWindow},
		orchestrator,
		monitor.WithSwarmHealth(health),
		monitor.WithSamplePublisher(publisher),
		monitor.WithSink(func(ctx context.Context, s model.MetricSample) {
			recovery.Observe(ctx, s)
		}))

	jobs := scheduler.NewCronScheduler(logger)
	for _, job := range []struct {
		name string
		spec string
		fn   scheduler.JobFunc
	}{
		{"health-sweep", cfg.Monitor.HealthSchedule, func(ctx context.Context) { health.Sweep(ctx) }},
		{"metrics-sample", cfg.Monitor.MetricsSchedule, func(ctx context.Context) { _, _ = sampler.Collect(ctx) }},
		{"proposal-expiry", cfg.Monitor.ExpirySchedule, func(ctx context.Context) { engine.ExpireDue(ctx) }},
		{"snapshot", cfg.Rollback.SnapshotSchedule, recovery.ScheduledSnapshot},
		{"alert-escalation", cfg.Monitor.EscalateSchedule, func(ctx context.Context) {
			alerts.Escalate(ctx, rt.Config().Monitor.EscalateAfter)
		}},
		{"attempt-history-prune", cfg.History.PruneSchedule, func(ctx context.Context) {
			cutoff := time.Now().Add(-rt.Config().History.Retention)
			if err := history.DeleteBefore(ctx, cutoff); err != nil {
				logger.Error("Failed to prune attempt history", zap.Error(err))
			}
		}},
	} {
		if err := jobs.AddJob(job.name, job.spec, job.fn); err != nil {
			return err
		}
	}

	// Start everything
	if err := orchestrator.Start(ctx); err != nil {
		return err
	}
	defer orchestrator.Stop()

	if err := gateway.Start(ctx, events.Handlers{Roster: roster, Results: orchestrator, Votes: engine}); err != nil {
		return err
	}
	defer gateway.Stop()

	control := events.NewControlServer(logger, nc, cfg.NATS.GatewayTimeout)
	if err := control.Start(ctx, events.Controls{Tasks: orchestrator, Agents: roster, Proposals: engine}); err != nil {
		return err
	}
	defer control.Stop()

	if err := jobs.Start(ctx); err != nil {
		return err
	}
	defer jobs.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if orchestrator.Frozen() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "frozen")
			return
		}
		fmt.Fprintf(w, "ok %.2f\n", health.SwarmHealth())
	})
	httpServer := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("Swarm daemon started",
		zap.String("swarm_id", cfg.App.SwarmID),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("metrics_addr", cfg.Metrics.Addr),
		zap.String("config_file", rt.ConfigFile()))

	// Wait for shutdown signal
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown", zap.Error(err))
	}
	if _, err := recovery.CreateSnapshot(shutdownCtx, map[string]string{"reason": "shutdown"}); err != nil {
		logger.Warn("Failed to take shutdown snapshot", zap.Error(err))
	}
	return nil
}

// openStore selects the document store backend. The SQLite backend shares
// db with the attempt history.
func openStore(ctx context.Context, logger *zap.Logger, cfg config.StoreConfig, db *sql.DB) (storage.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return storage.NewSQLiteStore(logger, db)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store := storage.NewRedisStore(logger, client, cfg.Redis.KeyPrefix+":")
		if err := store.Ping(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		return store, nil
	case "http":
		return storage.NewHTTPStore(logger, storage.HTTPStoreConfig{
			BaseURL: cfg.HTTP.BaseURL,
			Token:   cfg.HTTP.Token,
			Timeout: cfg.HTTP.Timeout,
		}), nil
	case "memory":
		return storage.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// connectNATS starts the embedded server when configured and connects to the bus
func connectNATS(logger *zap.Logger, cfg *config.Config) (*nats.Conn, func(), error) {
	url := cfg.NATS.URL
	var embedded *server.Server
	if cfg.NATS.Embedded {
		ns, err := server.NewServer(&server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.NATS.Port,
			JetStream: true,
			StoreDir:  cfg.NATS.StoreDir,
			NoSigs:    true,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, nil, fmt.Errorf("embedded NATS server not ready")
		}
		embedded = ns
		url = ns.ClientURL()
		logger.Info("Started embedded NATS server", zap.String("url", url))
	}

	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error", zap.String("subject", subject), zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var (
		nc  *nats.Conn
		err error
	)
	const maxRetries = 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(url, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...", zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, nil, fmt.Errorf("failed to connect to NATS after retries: %w", err)
	}
	logger.Info("Connected to NATS successfully", zap.String("url", nc.ConnectedUrl()))

	shutdown := func() {
		nc.Close()
		if embedded != nil {
			embedded.Shutdown()
			embedded.WaitForShutdown()
		}
	}
	return nc, shutdown, nil
}
