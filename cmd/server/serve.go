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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"agentflow/backend/internal/agent"
	"agentflow/backend/internal/api"
	"agentflow/backend/internal/auth"
	"agentflow/backend/internal/config"
	"agentflow/backend/internal/engine"
	"agentflow/backend/internal/live"
	"agentflow/backend/internal/logging"
	"agentflow/backend/internal/mcp"
	"agentflow/backend/internal/observability"
	"agentflow/backend/internal/reasoning"
	"agentflow/backend/internal/repository"
	"agentflow/backend/internal/router"
	"agentflow/backend/internal/services"
	devtls "agentflow/backend/internal/tls"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, live stream and MCP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(envFile, configFile)
			if err != nil {
				return fmt.Errorf("configuration loading failed: %w", err)
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Pretty)
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"db_driver", cfg.DB.Driver,
		"llm_provider", cfg.LLM.Provider,
		"okta_domain", cfg.Auth.OktaDomain,
	)
	if cfg.Auth.SwaggerClientID != "" && cfg.Auth.SwaggerClientID == cfg.Auth.ClientID {
		logger.Warn("Swagger client id matches the backend client id; PKCE login from the docs page will fail for a web app client")
	}

	// Repository
	var repo repository.Repository
	var pool *pgxpool.Pool
	switch cfg.DB.Driver {
	case "postgres":
		p, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer p.Close()
		pool = p
		pg := repository.NewPostgres(pool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
		repo = pg
		logger.Info("Database connected", "host", cfg.DB.Host, "database", cfg.DB.Name)
	default:
		repo = repository.NewMemory()
		logger.Warn("Using the in-memory repository; runs are lost on restart")
	}

	metrics, err := observability.NewMetrics(nil)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// Live events
	hub := live.NewHub(cfg.Live.BufferSize, logger)
	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	defer stopBridge()
	if pool != nil && cfg.Live.PGBridge {
		bridge := live.NewPGBridge(pool, hub, logger)
		go func() {
			if err := bridge.Run(bridgeCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("live bridge stopped", "error", err)
			}
		}()
	}

	// Reasoning, workers and routing
	factory, err := reasoning.ProviderFactory(cfg.LLM.Provider, cfg.LLM.APIKey, cfg.LLM.BaseURL)
	if err != nil {
		return err
	}
	completer := reasoning.NewLLMCompleter(factory, cfg.LLM.Model)

	execOpts := []agent.Option{
		agent.WithMetrics(metrics),
		agent.WithRetry(cfg.Engine.MaxRetries, cfg.Engine.RetryBaseDelay, cfg.Engine.RetryMaxDelay),
	}
	if cfg.Images.URL != "" {
		execOpts = append(execOpts, agent.WithImageGenerator(agent.NewHTTPImageClient(cfg.Images.URL)))
	}
	executor := agent.NewExecutor(completer, logger, execOpts...)
	rt := router.New(completer, logger,
		router.WithModel(cfg.LLM.Model),
		router.WithContextLimit(cfg.Engine.RoutingContext),
	)

	var workers services.WorkerRegistry
	if cfg.Workers.Source == "file" {
		reg, err := services.NewFileRegistry(cfg.Workers.File)
		if err != nil {
			return err
		}
		workers = reg
	} else {
		workers = services.NewStoreRegistry(repo)
	}

	// Engine and services
	processes := services.NewProcessService(repo)
	engineOpts := []engine.Option{
		engine.WithIterationThreshold(cfg.Engine.IterationThreshold),
		engine.WithMaxSteps(cfg.Engine.MaxSteps),
		engine.WithSummaryLimit(cfg.Engine.SummaryLimit),
		engine.WithRoutingContext(cfg.Engine.RoutingContext),
		engine.WithFailOnRejection(cfg.Engine.FailOnRejection),
		engine.WithPreAnalysis(cfg.Engine.PreAnalysis),
		engine.WithPublisher(hub),
		engine.WithMetrics(metrics),
	}
	if cfg.Engine.Rehydrate {
		engineOpts = append(engineOpts, engine.WithRehydrator(processes))
	}
	eng := engine.New(repo, executor, rt, logger, engineOpts...)
	if cfg.Engine.FailInterrupted {
		n, err := eng.FailInterrupted(ctx)
		if err != nil {
			return fmt.Errorf("failed to settle interrupted runs: %w", err)
		}
		if n > 0 {
			logger.Warn("Marked interrupted runs as failed", "count", n)
		}
	}

	runs := services.NewRunService(repo, eng, processes, workers, rt, logger)
	approvals := services.NewApprovalService(repo, runs, logger,
		cfg.Approvals.Timeout, services.TimeoutPolicy(cfg.Approvals.OnTimeout))
	if err := approvals.StartSweeper(cfg.Approvals.SweepSchedule); err != nil {
		return err
	}

	logger.Info("Service layer initialized")

	// HTTP
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(cfg.Telemetry.ServiceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			kv := []interface{}{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency.String()}
			if v.Error != nil {
				kv = append(kv, "error", v.Error.Error())
			}
			logger.Debug("request", kv...)
			return nil
		},
	}))

	authz, err := auth.New(ctx, cfg, repo, logger)
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}
	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	api.NewServer(runs, approvals, processes, hub, repo, logger).
		Register(e, echo.WrapMiddleware(authz.RequireAuth))
	api.RegisterDocs(e, cfg.Auth.OktaDomain, cfg.Auth.SwaggerClientID)
	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(runs, approvals, api.Version)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer(), authz.RequireAuth)
	e.Any("/mcp", echo.WrapHandler(mcpHandlers))
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))
	logger.Info("MCP protocol handlers mounted")

	// Live streams stay open, so there is no write timeout.
	server := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     e,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			generated, err := devtls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
			if err != nil {
				serverErrors <- err
				return
			}
			if generated {
				logger.Warn("Generated a self-signed certificate", "cert_file", cfg.TLS.CertFile)
			}
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			return
		}
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownWait)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
		if err := server.Close(); err != nil {
			logger.Error("Server close error", "error", err)
		}
	}
	approvals.StopSweeper(shutdownCtx)
	if err := eng.Close(shutdownCtx); err != nil {
		logger.Warn("Runs still active at shutdown", "error", err)
	}
	stopBridge()

	logger.Info("Server stopped gracefully")
	return nil
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.DB.MaxConns > 0 {
		poolConfig.MaxConns = cfg.DB.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}
