package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"gpu-node/internal/api"
	"gpu-node/internal/compute"
	"gpu-node/internal/config"
	"gpu-node/internal/db"
	"gpu-node/internal/observability"
	"gpu-node/internal/repository"
	"gpu-node/internal/service"
	"gpu-node/internal/session"
	"gpu-node/internal/signaling"
	"gpu-node/internal/webrtc"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		bootLog := observability.InitLogger("gpu-node", "info", true)
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}

	logger := observability.InitLogger("gpu-node", cfg.LogLevel, cfg.LogPretty)
	logger = logger.With().Str("node_id", cfg.NodeID).Logger()
	logger.Info().Str("backend", cfg.ModelBackend).Msg("starting gpu node")

	// Compute backend
	var backend compute.Backend
	switch cfg.ModelBackend {
	case "http":
		backend = compute.NewHTTPBackend(cfg.ModelEndpoint, cfg.ComputeBudget*2)
	case "amqp":
		amqpBackend, err := compute.NewAMQPBackend(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRoutingKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
		}
		defer amqpBackend.Close()
		backend = amqpBackend
	case "noop":
		backend = compute.Noop{}
	}
	monitor := compute.NewMonitor(backend, compute.DefaultUnavailableThreshold)

	// Shared compute worker pool
	pool := compute.NewPool(cfg.PoolSize, cfg.PoolQueueSize, logger)
	defer pool.Stop()

	// Session audit trail (optional)
	var audit session.Auditor
	if cfg.AuditEnabled {
		dbConn, err := db.ConnectPostgres(cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to audit database")
		}
		defer dbConn.Close()
		audit = repository.NewAuditStore(dbConn)
		logger.Info().Msg("session audit trail enabled")
	}

	// Registry, transport, service
	registry := session.NewRegistry(cfg.MaxSessions, cfg.IdleTimeout, cfg.NegotiationTimeout, audit, logger)
	streams := webrtc.NewStreamHandler(cfg, logger)
	svc := service.NewNodeService(cfg, registry, streams, monitor, pool, logger)

	// HTTP control surface
	handler := api.NewHandler(svc, logger)
	server := api.NewHTTPServer(cfg, api.SetupRoutes(handler, logger))

	// Orchestrator signaling
	orch := signaling.NewClient(cfg.OrchestratorURL, cfg.NodeID, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info().Str("addr", cfg.ServerAddress).Msg("control surface listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		registry.RunSweeper(groupCtx, cfg.SweepInterval)
		return nil
	})

	group.Go(func() error {
		if err := orch.Register(groupCtx, signaling.RegisterInfo{
			Status:  session.StatusOK,
			Address: cfg.ServerAddress,
			Backend: cfg.ModelBackend,
		}); err != nil {
			logger.Warn().Err(err).Msg("orchestrator registration failed")
		}
		orch.Run(groupCtx, cfg.HealthPushInterval, func() interface{} { return svc.Health() })
		return nil
	})

	group.Go(func() error {
		orch.PollOffers(groupCtx, cfg.OfferPollInterval, svc.CreateSession)
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		svc.Shutdown(shutdownCtx)
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("server exited gracefully")
}
