package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/pitchlens/inference-scheduler/internal/config"
	"github.com/pitchlens/inference-scheduler/pkg/agent"
	"github.com/pitchlens/inference-scheduler/pkg/api"
	"github.com/pitchlens/inference-scheduler/pkg/auth"
	"github.com/pitchlens/inference-scheduler/pkg/events"
	"github.com/pitchlens/inference-scheduler/pkg/jobstore"
	"github.com/pitchlens/inference-scheduler/pkg/logging"
	"github.com/pitchlens/inference-scheduler/pkg/metrics"
	"github.com/pitchlens/inference-scheduler/pkg/ratelimit"
	"github.com/pitchlens/inference-scheduler/pkg/registry"
	"github.com/pitchlens/inference-scheduler/pkg/scheduler"
	"github.com/pitchlens/inference-scheduler/pkg/scoring"
	"github.com/pitchlens/inference-scheduler/pkg/shutdown"
	"github.com/pitchlens/inference-scheduler/pkg/store"
	tlsutil "github.com/pitchlens/inference-scheduler/pkg/tls"
	"github.com/pitchlens/inference-scheduler/pkg/tracing"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./inference-scheduler.yaml)")
	generateCert := flag.Bool("generate-cert", false, "Generate a self-signed certificate at master.tls.cert_file and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("scheduler-master", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *generateCert {
		tc := cfg.Master.TLS
		if err := tlsutil.GenerateSelfSignedCert(tc.CertFile, tc.KeyFile, "scheduler-master", tc.Hosts...); err != nil {
			log.Fatalf("Failed to generate certificate: %v", err)
		}
		fmt.Printf("Certificate: %s\nKey: %s\n", tc.CertFile, tc.KeyFile)
		return
	}

	logger, err := cfg.Log.NewLogger("master")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error(fmt.Sprintf("[Master] %v", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info(fmt.Sprintf("[Master] Starting inference scheduler %s", version), map[string]interface{}{
		"listen_addr": cfg.Master.ListenAddr,
		"store":       cfg.Store.Type,
		"tls":         cfg.Master.TLS.Enabled,
	})

	sm := shutdown.New(cfg.Master.ShutdownTimeout)

	bus := events.NewBus(cfg.Master.EventBuffer, logger)

	collector := metrics.NewCollector()
	bus.OnDrop(collector.EventDropped)

	tracer := tracing.Noop(cfg.Tracing.ServiceName)
	if cfg.Tracing.Enabled {
		p, err := tracing.InitTracer(ctx, cfg.TracingConfig(version))
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		tracer = p
		sm.Register("tracer", tracer.Shutdown)
		logger.Info(fmt.Sprintf("[Master] Tracing to %s", cfg.Tracing.Endpoint))
	}

	reg := registry.New(cfg.RegistryConfig(), bus, logger)
	jobs := jobstore.New(bus, logger)
	collector.SetStateSource(func() (map[string]int, map[string]int) {
		return reg.StatusCounts(), jobs.StatusCounts()
	})

	// History is restored before the recorder subscribes so the replay is not written back
	st, err := store.NewStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	sm.Register("store", shutdown.CloseResource(st))
	nodes, restored, err := store.Restore(st, reg, jobs)
	if err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	logger.Info(fmt.Sprintf("[Master] Restored %d nodes and %d jobs from %s store", nodes, restored, cfg.Store.Type))
	bus.Subscribe("recorder", store.NewRecorder(st, logger).Handle)

	if cfg.Redis.Enabled {
		relay, err := events.NewRedisRelay(ctx, cfg.RedisOptions(), logger)
		if err != nil {
			return fmt.Errorf("connect redis relay: %w", err)
		}
		sm.Register("redis relay", shutdown.CloseResource(relay))
		bus.Subscribe("redis", relay.Handle)
		logger.Info(fmt.Sprintf("[Master] Relaying events to redis %s (%s)", cfg.Redis.Address, cfg.Redis.Channel))
	}

	// Closing the bus drains pending events to the recorder and relay, so it stops before them
	sm.Register("event bus", shutdown.CloseResource(bus))

	policy := scoring.NewPolicy(scoring.WithWeights(cfg.Scheduler.Weights))
	dispatcher := agent.NewHTTPDispatcher(cfg.Master.DispatchKey, cfg.Scheduler.DispatchTimeout, nil)
	sched := scheduler.New(cfg.SchedulerConfig(), reg, jobs, policy, dispatcher,
		scheduler.WithMetrics(collector),
		scheduler.WithTracer(tracer),
		scheduler.WithLogger(logger),
	)
	sched.Start(ctx)
	sm.Register("scheduler", func(context.Context) error {
		sched.Stop()
		return nil
	})

	hub := api.NewHub(bus, reg, jobs, logger)
	sm.Register("websocket hub", func(context.Context) error {
		hub.Close()
		return nil
	})

	opts := api.Options{Tracer: tracer}
	if len(cfg.Master.APIKeys) > 0 {
		opts.APIKeys = auth.NewAPIKeys(cfg.Master.APIKeys...)
	} else {
		logger.Warn("[Master] No api_keys configured, operator endpoints are unauthenticated")
	}
	if cfg.Master.Metrics {
		opts.Metrics = collector
	}
	if cfg.RateLimit.RPS > 0 {
		opts.Limiter = ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		go cleanupLimiters(ctx, opts.Limiter, logger)
	}

	handler := api.NewHandler(sched, reg, jobs, hub, logger)
	srv := &http.Server{
		Addr:              cfg.Master.ListenAddr,
		Handler:           api.NewRouter(handler, opts),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.Master.TLS.Enabled {
		tc := cfg.Master.TLS
		if tc.AutoGenerate {
			generated, err := tlsutil.EnsureServerCert(tc.CertFile, tc.KeyFile, "scheduler-master", tc.Hosts...)
			if err != nil {
				return fmt.Errorf("generate certificate: %w", err)
			}
			if generated {
				logger.Warn(fmt.Sprintf("[Master] Generated self-signed certificate %s", tc.CertFile))
			}
		}
		tlsConfig, err := tlsutil.ServerConfig(tc.CertFile, tc.KeyFile, tc.CAFile)
		if err != nil {
			return fmt.Errorf("load TLS config: %w", err)
		}
		srv.TLSConfig = tlsConfig
	}
	// Registered last so it is stopped first
	sm.Register("http server", shutdown.StopHTTPServer(srv))

	serveErr := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("[Master] Listening on %s", cfg.Master.ListenAddr))
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	waitCtx, stopWait := context.WithCancel(ctx)
	go func() {
		if err, ok := <-serveErr; ok {
			logger.Error(fmt.Sprintf("[Master] Server failed: %v", err))
		}
		stopWait()
	}()
	sm.Wait(waitCtx)

	logger.Info("[Master] Shutting down")
	cancel()
	return sm.Shutdown()
}

func cleanupLimiters(ctx context.Context, l *ratelimit.Limiter, logger *logging.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.CleanupOldLimiters(time.Hour); n > 0 {
				logger.Debug(fmt.Sprintf("[Master] Dropped %d idle rate limiters", n))
			}
		}
	}
}
