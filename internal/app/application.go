package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chatrelay/internal/api"
	"chatrelay/internal/assistant"
	"chatrelay/internal/auth"
	"chatrelay/internal/config"
	"chatrelay/internal/conversation"
	"chatrelay/internal/database"
	"chatrelay/internal/gateway"
	"chatrelay/internal/quota"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/router"
	"chatrelay/internal/websocket"
	dbconfig "chatrelay/pkg/database"
)

// Application owns every component and their lifecycle.
// Initialization order: Database → Store/Quota → RateLimit → Registry →
// Router → Gateway → Auth → Handlers → HTTP
type Application struct {
	cfg *config.Config
	log zerolog.Logger

	dbManager   *database.Manager
	memoryStore *ratelimit.MemoryStore
	redisClient redis.UniversalClient
	registry    *websocket.Registry
	rooms       *router.Router
	gateway     *gateway.Gateway
	apiServer   *api.Server
	httpServer  *http.Server

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
	stopOnce sync.Once
	stopErr  error
}

// NewApplication wires all components. Nothing runs until Start.
func NewApplication(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{cfg: cfg, log: log.With().Str("component", "app").Logger(), serveErr: make(chan error, 1)}

	// STEP 1: Database and schema
	dbCfg := cfg.Database
	dbManager, err := database.NewManager(&dbCfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	app.dbManager = dbManager

	if err := dbconfig.NewMigrationManager(dbManager.GetDB(), log).ApplyMigrations(); err != nil {
		app.closeResources()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := dbconfig.NewSchemaValidator(dbManager.GetDB()).Validate(); err != nil {
		app.closeResources()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	// STEP 2: Conversations and quota
	store := conversation.NewStore(dbManager, cfg.Limits.Store(), cfg.Limits.DefaultModel, log)
	ledger := quota.NewLedger(dbManager, cfg.Quota.Ledger(), log)

	// STEP 3: Rate limit counters
	var counters ratelimit.Store
	switch cfg.RateLimit.Backend {
	case config.BackendRedis:
		client, err := ratelimit.NewRedisClient(ctx, cfg.RateLimit.RedisURL)
		if err != nil {
			app.closeResources()
			return nil, err
		}
		app.redisClient = client
		counters = ratelimit.NewRedisStore(client, cfg.RateLimit.KeyPrefix)
	default:
		app.memoryStore = ratelimit.NewMemoryStore()
		counters = app.memoryStore
	}
	limiter := ratelimit.NewLimiter(counters, log).WithFailClosed(cfg.RateLimit.FailClosed)
	policies := cfg.RateLimit.Policies
	policies.Normalize()

	// STEP 4: Connections, rooms and the message gateway
	app.registry = websocket.NewRegistry(log)
	app.rooms = router.NewRouter(app.registry, store, log)
	app.gateway = gateway.NewGateway(store, ledger, app.rooms, log)
	if cfg.Assistant.Enabled {
		app.gateway.WithResponder(assistant.NewOpenAIResponder(cfg.Assistant, log), cfg.Assistant)
	}

	// STEP 5: Authentication
	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Leeway)
	if err != nil {
		app.closeResources()
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}
	authenticator := auth.NewAuthenticator(verifier, dbManager, log)

	// STEP 6: Transports
	wsHandler := websocket.NewHandler(websocket.HandlerDeps{
		Registry:      app.registry,
		Rooms:         app.rooms,
		Gateway:       app.gateway,
		Authenticator: authenticator,
		Limiter:       limiter,
		Policies:      policies,
		Users:         dbManager,
	}, cfg.WebSocket, log)

	app.apiServer = api.NewServer(api.Deps{
		Conversations: store,
		Gateway:       app.gateway,
		Quota:         ledger,
		Authenticator: authenticator,
		Limiter:       limiter,
		Policies:      policies,
		Users:         dbManager,
		Health:        dbManager,
		Connections:   app.registry,
		WebSocket:     wsHandler.HandleWebSocket,
	}, cfg.API, log)

	app.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return app, nil
}

// Start launches the background components and begins serving. The
// listener is bound before Start returns.
func (app *Application) Start(ctx context.Context) error {
	if err := app.gateway.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	app.registry.Start(ctx)
	if app.memoryStore != nil {
		app.memoryStore.Start(ctx, app.cfg.RateLimit.CleanupInterval)
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.gateway.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.mu.Lock()
	app.listener = listener
	app.mu.Unlock()

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	app.log.Info().Str("addr", listener.Addr().String()).Msg("ChatRelay started")
	return nil
}

// Run starts the application and blocks until ctx is cancelled or the
// server fails, then shuts down within the configured timeout.
func (app *Application) Run(ctx context.Context) error {
	if err := app.Start(ctx); err != nil {
		app.closeResources()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err := <-app.serveErr:
			return err
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return app.Stop(shutdownCtx)
	})
	return g.Wait()
}

// Stop shuts down in reverse dependency order:
// HTTP → Connections → Gateway → Router → Counters → Database
func (app *Application) Stop(ctx context.Context) error {
	app.stopOnce.Do(func() {
		app.log.Info().Msg("Shutting down ChatRelay")

		var errs []error
		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		app.registry.Stop()
		if err := app.gateway.Stop(); err != nil && !errors.Is(err, gateway.ErrGatewayNotRunning) {
			errs = append(errs, fmt.Errorf("gateway shutdown: %w", err))
		}
		app.rooms.Stop()
		if err := app.closeResources(); err != nil {
			errs = append(errs, err)
		}

		app.stopErr = errors.Join(errs...)
		if app.stopErr != nil {
			app.log.Error().Err(app.stopErr).Msg("Shutdown completed with errors")
		} else {
			app.log.Info().Msg("ChatRelay shutdown complete")
		}
	})
	return app.stopErr
}

func (app *Application) closeResources() error {
	var errs []error
	if app.memoryStore != nil {
		app.memoryStore.Stop()
	}
	if app.redisClient != nil {
		if err := app.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if app.dbManager != nil {
		if err := app.dbManager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Handler returns the HTTP handler serving REST and websocket routes
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Addr returns the bound listener address once started, or the configured
// address before that.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}
