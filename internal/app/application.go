package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"proctorhub/internal/api"
	"proctorhub/internal/config"
	"proctorhub/internal/database"
	"proctorhub/internal/hub"
	"proctorhub/internal/lifecycle"
	"proctorhub/internal/pipeline"
	"proctorhub/internal/registry"
	"proctorhub/internal/relay"
	"proctorhub/internal/rooms"
	"proctorhub/internal/session"
	"proctorhub/internal/websocket"
	pkgdatabase "proctorhub/pkg/database"
)

// Application wires all components and owns their lifecycles.
// Initialization order follows the dependency graph:
// Database → Sessions → Registry → Rooms → Relay → Lifecycle →
// Pipeline → Hub → Transport → API → HTTP.
type Application struct {
	config     *config.Config
	dbManager  *database.Manager
	sessions   *session.Store
	registry   *registry.Registry
	rooms      *rooms.Router
	hub        *hub.Hub
	httpServer *http.Server
}

// NewApplication builds the full component graph. The database schema is
// migrated and validated before anything touches it.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dbConfig := &pkgdatabase.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
		MigrationsPath:  cfg.Database.MigrationsPath,
	}

	dbManager, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	migrationManager := pkgdatabase.NewMigrationManager(dbManager.GetDB(), dbConfig.MigrationsPath)
	if err := migrationManager.ApplyMigrations(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	validator := pkgdatabase.NewSchemaValidator(dbManager.GetDB())
	if err := validator.ValidateTablesExist(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	if err := validator.ValidateIndexes(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	log.Println("Database schema ready")

	sessions := session.NewStore(dbManager)
	if err := sessions.LoadSessions(context.Background()); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	connRegistry := registry.NewRegistry()
	roomRouter := rooms.NewRouter(connRegistry)
	sigRelay := relay.NewRelay(connRegistry)
	controller := lifecycle.NewController(sessions, roomRouter)
	eventPipeline := pipeline.NewPipeline(sessions, dbManager, roomRouter, controller)

	messageHub := hub.NewHub(connRegistry, roomRouter, sigRelay, sessions, eventPipeline, controller)

	wsHandler := websocket.NewHandler(messageHub, &websocket.Config{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		BufferSize:   cfg.WebSocket.BufferSize,
	})
	apiServer := api.NewServer(sessions, controller, eventPipeline, dbManager,
		connRegistry, cfg.HTTP.PublicURL, wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		dbManager:  dbManager,
		sessions:   sessions,
		registry:   connRegistry,
		rooms:      roomRouter,
		hub:        messageHub,
		httpServer: httpServer,
	}, nil
}

// Start launches the hub and the HTTP server.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting proctorhub on %s", app.httpServer.Addr)

	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		_ = app.hub.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("proctorhub started")
		return nil
	case <-ctx.Done():
		_ = app.hub.Stop()
		return ctx.Err()
	}
}

// Stop shuts components down in reverse dependency order:
// HTTP → Hub → Database.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down proctorhub")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	if err := app.hub.Stop(); err != nil {
		log.Printf("Hub shutdown error: %v", err)
	}

	if err := app.dbManager.Close(); err != nil {
		log.Printf("Database shutdown error: %v", err)
	}

	log.Printf("proctorhub shutdown complete")
	return nil
}

// GetAddr returns the server's listen address.
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}
