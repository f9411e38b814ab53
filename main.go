package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/agentrun/internal/adapter/llm"
	"github.com/xiaot623/agentrun/internal/approval"
	"github.com/xiaot623/agentrun/internal/config"
	"github.com/xiaot623/agentrun/internal/engine"
	"github.com/xiaot623/agentrun/internal/hub"
	"github.com/xiaot623/agentrun/internal/logger"
	"github.com/xiaot623/agentrun/internal/policy"
	"github.com/xiaot623/agentrun/internal/repository"
	"github.com/xiaot623/agentrun/internal/service"
	"github.com/xiaot623/agentrun/internal/telemetry"
	"github.com/xiaot623/agentrun/internal/tools"
	httptransport "github.com/xiaot623/agentrun/internal/transport/http"
	"github.com/xiaot623/agentrun/internal/transport/rpc"
	"github.com/xiaot623/agentrun/internal/transport/ws"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentrun: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting orchestrator",
		zap.String("version", version),
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("rpc_port", cfg.RPCPort),
		zap.String("database", cfg.DatabaseURL),
		zap.String("default_engine", cfg.DefaultEngine),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			log.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	metrics, err := telemetry.NewRunMetrics(telemetry.Meter(cfg.ServiceName))
	if err != nil {
		return err
	}

	store, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer store.Close()

	policyEngine, err := policy.NewEngineFromFile(ctx, cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("initialize policy engine: %w", err)
	}

	catalog, err := tools.LoadCatalog(cfg.ToolCatalogPath)
	if err != nil {
		return err
	}
	workspace, err := tools.NewWorkspace(cfg.WorkspaceDir)
	if err != nil {
		return fmt.Errorf("initialize workspace: %w", err)
	}

	llmClient := llm.NewLLMClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMTimeout, log)
	engines := engine.NewRegistry(
		engine.NewScripted("scripted", engine.DefaultScriptedOptions()),
		engine.NewScripted("echo", engine.ScriptedOptions{}),
		engine.NewLLM(llmClient, cfg.LLMModel),
	)

	svc := service.New(service.Deps{
		Store:   store,
		Engines: engines,
		Tools:   tools.NewWorkspaceRegistry(workspace),
		Catalog: catalog,
		Policy:  policyEngine,
		Gate:    approval.NewGate(store),
		Metrics: metrics,
		Logger:  log,
	}, cfg)

	wsServer := ws.NewServer(hub.NewHub(), log, ws.Options{
		PingInterval: cfg.WSPingInterval,
		WriteTimeout: cfg.WSWriteTimeout,
	})
	httpServer := httptransport.NewServer(svc, wsServer, httptransport.Options{
		MaxQuestionBytes: cfg.MaxQuestionBytes,
		Logger:           log,
	})
	rpcServer, err := rpc.NewServer(svc, log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		log.Info("http server listening", zap.String("addr", addr))
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.RPCPort)
		log.Info("rpc server listening", zap.String("addr", addr))
		if err := rpcServer.Start(addr); err != nil {
			return fmt.Errorf("rpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		svc.RunReaper(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown failed", zap.Error(err))
		}
		if err := rpcServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("rpc shutdown failed", zap.Error(err))
		}
		wsServer.Hub().CloseAll(ws.ReasonShutdown)
		if err := svc.Shutdown(shutdownCtx); err != nil {
			log.Warn("run shutdown incomplete", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}
