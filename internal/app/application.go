package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"duet/internal/api"
	"duet/internal/auth"
	"duet/internal/calls"
	"duet/internal/config"
	"duet/internal/database"
	"duet/internal/hub"
	"duet/internal/relay"
	"duet/internal/upload"
	"duet/internal/websocket"
	pkgdatabase "duet/pkg/database"
)

// Application owns every component and their start/stop order
type Application struct {
	config      *config.Config
	dbManager   *database.Manager
	registry    *websocket.Registry
	callTable   *calls.Table
	relay       *relay.Relay
	hub         *hub.Hub
	apiServer   *api.Server
	maintenance *Maintenance
	httpServer  *http.Server
	listener    net.Listener
}

// NewApplication builds the component graph in dependency order:
// Database → Auth → Registry/Calls → Relay → Hub → Uploads → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Open the message store and bring the schema up to date
	dbManager, err := database.NewManager(DatabaseConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	if err := dbManager.ApplyMigrations(); err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	log.Println("Database migrations applied successfully")

	// STEP 2: Hash the configured users and prepare login tokens
	credentials := make([]auth.Credential, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		credentials = append(credentials, auth.Credential{Name: u.Name, Password: u.Password, DisplayName: u.DisplayName})
	}
	directory, err := auth.NewDirectory(credentials, 0)
	if err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to build user directory: %w", err)
	}
	tokens, err := auth.NewTokenManager(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL)
	if err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to initialize tokens: %w", err)
	}
	if cfg.Auth.TokenSecret == "" {
		log.Println("No token secret configured, tokens will not survive a restart")
	}

	// STEP 3: Connection registry and call table
	registry := websocket.NewRegistry()
	callTable := calls.NewTable()

	// STEP 4: Message relay
	messageRelay := relay.NewRelay(registry, dbManager, directory, relay.Config{
		HistoryLimit:       cfg.Chat.HistoryLimit,
		MaxMessageBytes:    cfg.Chat.MaxMessageBytes,
		RateLimitPerMinute: cfg.Chat.RateLimitPerMinute,
	})

	// STEP 5: Hub
	messageHub := hub.NewHub(registry, callTable, messageRelay, directory, tokens, hub.Config{
		RequireToken:  cfg.Auth.RequireToken,
		CloseReplaced: cfg.WebSocket.CloseReplaced,
	})

	// STEP 6: Upload storage
	uploads, err := upload.NewStore(cfg.Upload.Dir, cfg.Upload.MaxBytes)
	if err != nil {
		dbManager.Close()
		return nil, err
	}

	// STEP 7: WebSocket handler
	wsHandler := websocket.NewHandler(messageHub, websocket.Options{
		BufferSize:   cfg.WebSocket.BufferSize,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		PingInterval: cfg.WebSocket.PingInterval,
	})

	// STEP 8: API server and HTTP listener config
	apiServer := api.NewServer(api.Dependencies{
		Users:     directory,
		Tokens:    tokens,
		Presence:  messageHub,
		History:   messageRelay,
		Uploads:   uploads,
		Store:     dbManager,
		WebSocket: http.HandlerFunc(wsHandler.HandleWebSocket),
	}, api.Options{
		CORSOrigin:   cfg.HTTP.CORSOrigin,
		RequireToken: cfg.Auth.RequireToken,
	})

	httpServer := &http.Server{
		Addr:         cfg.Address(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	// STEP 9: Maintenance schedule
	maintenance, err := NewMaintenance(cfg.Maintenance.Schedule, messageRelay, messageHub)
	if err != nil {
		dbManager.Close()
		return nil, err
	}

	return &Application{
		config:      cfg,
		dbManager:   dbManager,
		registry:    registry,
		callTable:   callTable,
		relay:       messageRelay,
		hub:         messageHub,
		apiServer:   apiServer,
		maintenance: maintenance,
		httpServer:  httpServer,
	}, nil
}

// DatabaseConfig maps the service configuration onto the store settings
func DatabaseConfig(cfg *config.Config) *pkgdatabase.Config {
	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.ConnMaxLifetime = cfg.Database.Timeout
	dbConfig.ConnMaxIdleTime = cfg.Database.Timeout / 3
	return dbConfig
}

// Start starts the hub, the maintenance schedule and the HTTP server.
// It returns once the listener is bound; serve errors go to the returned channel.
func (app *Application) Start(ctx context.Context) (<-chan error, error) {
	log.Printf("Starting duet on %s", app.httpServer.Addr)

	// STEP 1: Hub first so no connection is accepted before it dispatches
	if err := app.hub.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start hub: %w", err)
	}

	// STEP 2: Bind the listener
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.hub.Stop()
		return nil, fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	// STEP 3: Housekeeping
	app.maintenance.Start()

	// STEP 4: Serve
	serveErr := make(chan error, 1)
	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(serveErr)
	}()

	log.Printf("duet started, serving %d users", len(app.config.Users))
	return serveErr, nil
}

// Stop shuts down in reverse order: HTTP → maintenance → hub → database
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down duet")

	// STEP 1: Stop accepting requests
	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	// STEP 2: Stop housekeeping
	app.maintenance.Stop(ctx)

	// STEP 3: Close websocket connections
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		log.Printf("Hub shutdown error: %v", err)
	}

	// STEP 4: Give disconnect handling a moment, then close the store
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
	}
	if err := app.dbManager.Close(); err != nil {
		log.Printf("Database shutdown error: %v", err)
	}

	log.Printf("duet shutdown complete")
	return nil
}

// GetAddr returns the bound listener address once started, else the configured one
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}
