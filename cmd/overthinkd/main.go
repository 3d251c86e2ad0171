// Overthinkd is the multi-agent overthinking conversation daemon.
//
// It exposes the conversation API over HTTP and persists state either
// in-process or in NATS JetStream.
//
// Usage:
//
//	# Start with defaults (in-memory store, port 9090)
//	overthinkd
//
//	# Configure via file and environment
//	overthinkd -config /etc/overthinkd/config.yaml
//	STORE_BACKEND=nats STORE_URL=nats://localhost:4222 overthinkd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/amritessh/overthinkd/internal/anxiety"
	"github.com/amritessh/overthinkd/internal/config"
	"github.com/amritessh/overthinkd/internal/conversation"
	"github.com/amritessh/overthinkd/internal/coordinator"
	httpserver "github.com/amritessh/overthinkd/internal/http"
	"github.com/amritessh/overthinkd/internal/logging"
	"github.com/amritessh/overthinkd/internal/orchestrator"
	"github.com/amritessh/overthinkd/internal/protocol"
	"github.com/amritessh/overthinkd/internal/store"
	"github.com/amritessh/overthinkd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			fmt.Printf("overthinkd %s (commit %s, built %s)\n", version, gitCommit, buildDate)
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
			fmt.Fprintf(os.Stderr, "Usage:\n")
			fmt.Fprintf(os.Stderr, "  overthinkd           Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  overthinkd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting overthinkd",
		zap.String("version", version),
		zap.String("store_backend", cfg.Store.Backend))

	telCfg := telemetry.DefaultConfig()
	telCfg.Enabled = cfg.Telemetry.Enabled
	if cfg.Telemetry.Endpoint != "" {
		telCfg.Endpoint = cfg.Telemetry.Endpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	telCfg.Insecure = cfg.Telemetry.Insecure
	if cfg.Telemetry.SampleRate > 0 {
		telCfg.SampleRate = cfg.Telemetry.SampleRate
	}
	telCfg.ServiceVersion = version
	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()
	if tel.Degraded() {
		logger.Warn("telemetry degraded, continuing without export")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	st, nc, cleanup, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	convCfg := conversation.DefaultManagerConfig()
	convCfg.TTL = cfg.Store.TTL
	convCfg.LockTimeout = cfg.Store.LockTimeout
	convMgr, err := conversation.NewManager(convCfg, st, logger, reg)
	if err != nil {
		return fmt.Errorf("failed to build conversation manager: %w", err)
	}

	trackerCfg := anxiety.DefaultConfig()
	trackerCfg.HighThreshold = cfg.Anxiety.HighThreshold
	trackerCfg.VolatilityThreshold = cfg.Anxiety.VolatilityThreshold
	trackerCfg.SustainedHighMinutes = cfg.Anxiety.SustainedHighMinutes
	trackerCfg.PlateauMinutes = cfg.Anxiety.PlateauMinutes
	trackerCfg.AlertBuffer = cfg.Anxiety.AlertBuffer
	trackerCfg.AlertsPerSecond = cfg.Anxiety.AlertsPerSecond
	tracker, err := anxiety.NewTracker(trackerCfg, st, logger)
	if err != nil {
		return fmt.Errorf("failed to build tracker: %w", err)
	}
	defer func() { _ = tracker.Close() }()
	tracker.SetAnalyticsSink(convMgr)

	tracker.AddAlertFunc(func(a anxiety.Alert) {
		logger.Warn("anxiety alert",
			zap.String("type", string(a.Type)),
			zap.String("conversation_id", a.ConversationID),
			zap.Int("level", a.Level))
	})

	registry := protocol.NewRegistry(nil)
	if err := registerAgents(registry); err != nil {
		return fmt.Errorf("failed to register agents: %w", err)
	}

	proto, err := protocol.New(protocol.DefaultConfig(), registry, convMgr, nc, logger)
	if err != nil {
		return fmt.Errorf("failed to build protocol: %w", err)
	}

	coord, err := coordinator.New(coordinator.DefaultConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to build coordinator: %w", err)
	}

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.CollabTimeout = cfg.Turns.CollabTimeout
	orchCfg.MessageBudget = cfg.Turns.MessageBudget
	orchCfg.LongConversation = cfg.Turns.LongConversation
	orchCfg.LowEscalationRatio = cfg.Turns.LowEscalationRatio
	orchCfg.AgentTurnover = cfg.Turns.AgentTurnover
	gen := &orchestrator.TemplateGenerator{Registry: registry}
	orch, err := orchestrator.New(orchCfg, convMgr, tracker, proto, registry, coord, gen, logger)
	if err != nil {
		return fmt.Errorf("failed to build orchestrator: %w", err)
	}

	srv, err := httpserver.NewServer(orch, logger, &httpserver.Config{
		Host: "0.0.0.0",
		Port: cfg.Server.HTTPPort,
	}, reg)
	if err != nil {
		return fmt.Errorf("failed to build http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	return nil
}

// buildStore constructs the configured store backend. For the NATS backend
// an empty URL starts an embedded JetStream server. The returned connection
// is nil for the memory backend.
func buildStore(cfg *config.Config, logger *zap.Logger) (store.Store, *nats.Conn, func(), error) {
	if cfg.Store.Backend == "memory" {
		ms := store.NewMemoryStore()
		return ms, nil, func() { _ = ms.Close() }, nil
	}

	url := cfg.Store.URL
	var embedded *natsserver.Server
	if url == "" {
		var err error
		embedded, err = natsserver.NewServer(&natsserver.Options{
			Port:      -1,
			JetStream: true,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create embedded nats server: %w", err)
		}
		go embedded.Start()
		if !embedded.ReadyForConnections(10 * time.Second) {
			return nil, nil, nil, fmt.Errorf("embedded nats server not ready")
		}
		url = embedded.ClientURL()
		logger.Info("started embedded nats server", zap.String("url", url))
	}

	nc, err := nats.Connect(url)
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, nil, nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	ns, err := store.NewNATSStore(nc, logger)
	if err != nil {
		nc.Close()
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, nil, nil, fmt.Errorf("failed to initialize nats store: %w", err)
	}
	cleanup := func() {
		_ = ns.Close()
		nc.Close()
		if embedded != nil {
			embedded.Shutdown()
		}
	}
	return ns, nc, cleanup, nil
}

// registerAgents loads the static agent roster. One agent per category; the
// registry and adjacency table are fixed for the process lifetime.
func registerAgents(r *protocol.Registry) error {
	roster := []struct {
		cat  protocol.AgentCategory
		name string
	}{
		{protocol.CategoryIntake, "Dr. Intake McTherapy"},
		{protocol.CategoryCatastrophe, "Professor Catastrophe Von Doomsworth"},
		{protocol.CategoryTimelinePanic, "Dr. Ticktock McUrgency"},
		{protocol.CategoryProbability, "Dr. Probability McStatistics"},
		{protocol.CategorySocialAmplifier, "Professor Socially Anxious Amplifier"},
		{protocol.CategoryFalseComfort, "Dr. Comfort McBackstab"},
		{protocol.CategoryCoordinator, "The Overthinking Orchestra Conductor"},
	}
	for _, a := range roster {
		if err := r.Register(&protocol.Descriptor{
			ID:       string(a.cat),
			Name:     a.name,
			Category: a.cat,
		}); err != nil {
			return err
		}
	}
	return nil
}
