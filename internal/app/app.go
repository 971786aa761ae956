package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/sparkjar/crew-api/internal/common"
	"github.com/sparkjar/crew-api/internal/handlers"
	"github.com/sparkjar/crew-api/internal/interfaces"
	"github.com/sparkjar/crew-api/internal/services/auth"
	"github.com/sparkjar/crew-api/internal/services/crews"
	"github.com/sparkjar/crew-api/internal/services/dispatch"
	"github.com/sparkjar/crew-api/internal/services/engine"
	"github.com/sparkjar/crew-api/internal/services/schemas"
	"github.com/sparkjar/crew-api/internal/services/secrets"
	"github.com/sparkjar/crew-api/internal/services/vectorize"
	"github.com/sparkjar/crew-api/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Core services
	AuthService    *auth.Service
	SchemaRegistry *schemas.Registry
	SecretService  *secrets.Service
	Registry       *dispatch.Registry
	RemoteClient   *dispatch.RemoteClient
	Dispatcher     *dispatch.Dispatcher
	Engine         *engine.Engine

	// Vectorization
	EmbeddingClient *vectorize.HTTPEmbeddingClient
	VectorPipeline  *vectorize.Pipeline
	Sweeper         *vectorize.Sweeper

	// HTTP handlers
	APIHandler    *handlers.APIHandler
	JobHandler    *handlers.JobHandler
	SearchHandler *handlers.SearchHandler
	SchemaHandler *handlers.SchemaHandler

	cancelCtx context.CancelFunc
}

// New creates and wires the application
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config: config,
		Logger: logger,
	}

	// Storage
	storageManager, err := storage.NewManager(logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.StorageManager = storageManager

	// Auth
	a.AuthService, err = auth.NewService(logger, &config.Auth)
	if err != nil {
		_ = storageManager.Close()
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	// Schema registry and secrets
	a.SchemaRegistry = schemas.NewRegistry(storageManager.SchemaStorage(), logger)
	a.SecretService = secrets.NewService(storageManager.SecretStorage(), logger)

	// Crew handlers and dispatch
	a.Registry = dispatch.NewRegistry(logger)
	a.Registry.Register("hello_crew", crews.NewHelloCrew(logger))
	a.Registry.RegisterGeneric(crews.NewGenericCrew(a.SecretService, logger))

	if config.Dispatch.UseRemoteCrews {
		a.RemoteClient = dispatch.NewRemoteClient(logger, &config.Dispatch, a.AuthService)
	}
	var remote interfaces.RemoteCrewClient
	if a.RemoteClient != nil {
		remote = a.RemoteClient
	}
	a.Dispatcher = dispatch.NewDispatcher(logger, &config.Dispatch, &config.Engine, a.Registry, remote)

	// Engine
	a.Engine = engine.New(logger, config, storageManager, a.Dispatcher)

	// Vectorization
	a.EmbeddingClient = vectorize.NewHTTPEmbeddingClient(logger, &config.Embedding)
	a.VectorPipeline = vectorize.NewPipeline(logger, config, storageManager, a.EmbeddingClient)
	a.Sweeper = vectorize.NewSweeper(logger, config, storageManager, a.VectorPipeline)

	// HTTP handlers
	a.APIHandler = handlers.NewAPIHandler(storageManager, a.SchemaRegistry, a.EmbeddingClient, logger)
	a.JobHandler = handlers.NewJobHandler(storageManager.JobStorage(), storageManager.EventStorage(), a.SchemaRegistry, logger)
	a.SearchHandler = handlers.NewSearchHandler(a.VectorPipeline, logger)
	a.SchemaHandler = handlers.NewSchemaHandler(storageManager.SchemaStorage(), logger)

	return a, nil
}

// Start launches the background services
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancelCtx = cancel

	a.Engine.Start(runCtx)

	if a.Config.Vectorize.Enabled {
		if err := a.Sweeper.Start(); err != nil {
			return fmt.Errorf("failed to start vectorization sweep: %w", err)
		}
	}
	return nil
}

// Close stops background services and releases resources
func (a *App) Close() {
	if a.cancelCtx != nil {
		a.cancelCtx()
	}
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}
	if a.Engine != nil {
		a.Engine.Stop()
	}
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Storage close failed")
		}
	}
	a.Logger.Info().Msg("Application closed")
}
