package main

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flowforge/flowforge/internal/common/config"
	"github.com/flowforge/flowforge/internal/common/httpmw"
	"github.com/flowforge/flowforge/internal/common/logger"
	"github.com/flowforge/flowforge/internal/common/retry"
	"github.com/flowforge/flowforge/internal/envelope"
	"github.com/flowforge/flowforge/internal/health"
	"github.com/flowforge/flowforge/internal/metrics"
	"github.com/flowforge/flowforge/internal/streaming"
	"github.com/flowforge/flowforge/internal/workflow/engine"
	"github.com/flowforge/flowforge/internal/workflow/handlers"
	"github.com/flowforge/flowforge/internal/workflow/models"
	"github.com/flowforge/flowforge/internal/workflow/service"
)

const serverName = "flowforge"

// App holds the assembled services and the HTTP router.
type App struct {
	Router *gin.Engine

	service *service.Service
	engine  *engine.Engine
	hub     *streaming.Hub

	transport *Transport
	logger    *logger.Logger
}

// buildServices wires the orchestrator: schema registry, workflow
// definitions, metrics, workflow service, state machine, and the HTTP
// surface.
func buildServices(cfg *config.Config, storage *Storage, transport *Transport, log *logger.Logger) (*App, error) {
	defs, err := models.LoadDefinitions(cfg.Workflows.DefinitionsPath)
	if err != nil {
		return nil, err
	}
	registry := envelope.NewDefaultRegistry()
	m := metrics.New()

	svc := service.New(service.Deps{
		Repo:     storage.Repo,
		Defs:     defs,
		MsgBus:   transport.MsgBus,
		Store:    transport.Store,
		Registry: registry,
		Events:   transport.EventBus,
		Metrics:  m,
		Dispatch: cfg.Dispatch,
		Retry: retry.Policy{
			Base:        time.Duration(cfg.Retry.BaseMs) * time.Millisecond,
			Cap:         time.Duration(cfg.Retry.CapMs) * time.Millisecond,
			MaxAttempts: cfg.Retry.MaxAttempts,
			Jitter:      cfg.Retry.Jitter,
		},
		Logger: log,
	})

	eng := engine.New(storage.Repo, defs, transport.EventBus, svc, log)
	hub := streaming.NewHub(log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.TraceID())
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.OtelTracing(serverName))

	handlers.RegisterWorkflowRoutes(router, svc, log)
	streaming.RegisterStreamRoutes(router, streaming.NewWSHandler(hub, log))
	health.RegisterHealthRoutes(router, health.NewHandlers(storage.Repo, transport.Store, transport.MsgBus, log))
	router.GET("/metrics", gin.WrapH(m.Handler()))

	return &App{
		Router:    router,
		service:   svc,
		engine:    eng,
		hub:       hub,
		transport: transport,
		logger:    log,
	}, nil
}

// Start brings the background services up. The state machine subscribes
// first so no lifecycle event published by the workflow service is missed;
// the service's group subscription then replays any results left pending
// by a previous run before taking new traffic.
func (a *App) Start(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	if err := a.service.Start(ctx); err != nil {
		a.engine.Stop()
		return err
	}
	a.logger.Info("FlowForge services started")
	return nil
}

// RunHub drives the streaming hub until ctx is cancelled.
func (a *App) RunHub(ctx context.Context) error {
	return a.hub.Run(ctx, a.transport.EventBus)
}

// Stop halts background services in reverse start order. The hub stops via
// context cancellation in main.
func (a *App) Stop() {
	a.service.Stop()
	a.engine.Stop()
	a.logger.Info("FlowForge services stopped")
}
