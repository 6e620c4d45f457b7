package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/pitchlens/inference-scheduler/internal/config"
	"github.com/pitchlens/inference-scheduler/pkg/agent"
	"github.com/pitchlens/inference-scheduler/pkg/auth"
	"github.com/pitchlens/inference-scheduler/pkg/logging"
	"github.com/pitchlens/inference-scheduler/pkg/models"
	"github.com/pitchlens/inference-scheduler/pkg/shutdown"
	tlsutil "github.com/pitchlens/inference-scheduler/pkg/tls"
	"github.com/pitchlens/inference-scheduler/pkg/tracing"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./inference-scheduler.yaml)")
	masterURL := flag.String("master", "", "Master URL (overrides agent.master_url)")
	nodeID := flag.String("node-id", "", "Node ID (overrides agent.node_id)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("scheduler-agent", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *masterURL != "" {
		cfg.Agent.MasterURL = *masterURL
	}
	if *nodeID != "" {
		cfg.Agent.NodeID = *nodeID
	}

	logger, err := cfg.Log.NewLogger("agent")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error(fmt.Sprintf("[Agent] %v", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ac := cfg.Agent
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if ac.Credential == "" {
		cred, err := auth.GenerateCredential()
		if err != nil {
			return err
		}
		ac.Credential = cred
		logger.Warn("[Agent] No credential configured, generated one for this process; set agent.credential to keep the node identity across restarts")
	}

	endpoint, err := advertiseURL(ac)
	if err != nil {
		return err
	}

	var client *agent.Client
	if ac.CAFile != "" {
		tlsConfig, err := tlsutil.ClientConfig(ac.CAFile)
		if err != nil {
			return fmt.Errorf("load CA: %w", err)
		}
		client = agent.NewClientWithTLS(ac.MasterURL, tlsConfig)
	} else {
		client = agent.NewClient(ac.MasterURL)
	}
	if ac.APIKey != "" {
		client.SetAPIKey(ac.APIKey)
	}

	name := ac.Name
	if name == "" {
		name, _ = os.Hostname()
	}
	runner := agent.NewRunner(agent.RunnerConfig{
		Registration: models.NodeRegistration{
			ID:         ac.NodeID,
			Name:       name,
			Location:   ac.Location,
			Endpoint:   endpoint,
			Credential: ac.Credential,
			Accelerators: []models.Accelerator{{
				DeviceName:    ac.DeviceName,
				MemoryTotalMB: ac.DeviceMemoryMB,
			}},
			Capabilities: ac.Capabilities,
			Priority:     ac.Priority,
		},
		HeartbeatInterval: ac.HeartbeatInterval,
	}, client, agent.NewSimulatedEngine(ac.FrameTime, ac.BatchSize, time.Now().UnixNano()), agent.SystemSampler{}, logger)

	sm := shutdown.New(cfg.Master.ShutdownTimeout)

	var tracer *tracing.Provider
	if cfg.Tracing.Enabled {
		tc := cfg.TracingConfig(version)
		tc.ServiceName += "-agent"
		tracer, err = tracing.InitTracer(ctx, tc)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		sm.Register("tracer", tracer.Shutdown)
	}

	var keys *auth.APIKeys
	if ac.DispatchKey != "" {
		keys = auth.NewAPIKeys(ac.DispatchKey)
	} else {
		logger.Warn("[Agent] No dispatch_key configured, the node endpoint accepts unauthenticated dispatches")
	}
	srv := &http.Server{
		Addr:              ac.ListenAddr,
		Handler:           agent.NewNodeHandler(runner, keys).Router(tracer),
		ReadHeaderTimeout: 15 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("[Agent] Node endpoint listening on %s (advertised as %s)", ac.ListenAddr, endpoint))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logger.Info(fmt.Sprintf("[Agent] Registering with master %s", ac.MasterURL), map[string]interface{}{
		"node_id":      ac.NodeID,
		"capabilities": ac.Capabilities,
		"device":       ac.DeviceName,
	})
	if err := runner.Register(ctx); err != nil {
		srv.Close()
		return fmt.Errorf("register: %w", err)
	}

	runDone := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(runDone)
	}()
	sm.Register("runner", func(sctx context.Context) error {
		cancel()
		select {
		case <-runDone:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	})
	sm.Register("node server", shutdown.StopHTTPServer(srv))

	waitCtx, stopWait := context.WithCancel(ctx)
	go func() {
		if err, ok := <-serveErr; ok {
			logger.Error(fmt.Sprintf("[Agent] Node server failed: %v", err))
		}
		stopWait()
	}()
	sm.Wait(waitCtx)

	logger.Info("[Agent] Shutting down")
	return sm.Shutdown()
}

// advertiseURL returns the endpoint the master should dispatch to. Without an explicit
// advertise_url it is derived from the hostname and the listen port.
func advertiseURL(ac config.AgentConfig) (string, error) {
	if ac.AdvertiseURL != "" {
		return ac.AdvertiseURL, nil
	}
	_, port, err := net.SplitHostPort(ac.ListenAddr)
	if err != nil {
		return "", fmt.Errorf("invalid agent.listen_addr %q: %w", ac.ListenAddr, err)
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}
