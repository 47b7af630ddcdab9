// Package server wires the proxy together: storage, token services, the
// refresh scheduler, the cleanup janitor, and the HTTP and gRPC servers.
// It also handles graceful shutdown on SIGINT/SIGTERM/SIGQUIT.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/oauthproxy/internal/common"
	"github.com/dmitrijs2005/oauthproxy/internal/cryptox"
	"github.com/dmitrijs2005/oauthproxy/internal/logging"
	"github.com/dmitrijs2005/oauthproxy/internal/server/config"
	"github.com/dmitrijs2005/oauthproxy/internal/server/guard"
	"github.com/dmitrijs2005/oauthproxy/internal/server/httpapi"
	"github.com/dmitrijs2005/oauthproxy/internal/server/idempotency"
	"github.com/dmitrijs2005/oauthproxy/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/oauthproxy/internal/server/scheduler"
	"github.com/dmitrijs2005/oauthproxy/internal/server/services"
	"github.com/dmitrijs2005/oauthproxy/internal/server/upstream"
	"github.com/redis/go-redis/v9"

	gs "github.com/dmitrijs2005/oauthproxy/internal/server/grpc"
)

type App struct {
	config      *config.Config
	logger      logging.Logger
	db          *sql.DB
	redis       redis.UniversalClient
	repomanager repomanager.RepositoryManager

	credentials *services.CredentialService
	tokens      *services.ProxyTokenService
	scheduler   *scheduler.Scheduler
	janitor     *services.Janitor
	http        *httpapi.Server
}

func NewApp(c *config.Config) (*App, error) {

	logger := logging.NewJSONLogger(os.Stdout, c.LogLevel)

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	rm := repomanager.NewPostgresRepositoryManager()

	key, err := cryptox.ParseKey(c.TokenEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("token encryption key: %w", err)
	}
	cipher, err := cryptox.NewTokenCipher(key)
	common.WipeByteArray(key)
	if err != nil {
		return nil, fmt.Errorf("token cipher: %w", err)
	}
	states, err := guard.NewStateCodec(c.ProxyTokenSecrets, c.StateTTL)
	if err != nil {
		return nil, fmt.Errorf("state codec: %w", err)
	}

	provider := upstream.NewClient(c)
	creds := services.NewCredentialService(db, rm, cipher, provider, logger)
	bridge := services.NewBridgeService(db, rm, c.AuthCodeTTL, logger)
	tokens, err := services.NewProxyTokenService(db, rm, c.ProxyTokenSecrets, c.ProxyTokenTTL, logger)
	if err != nil {
		return nil, fmt.Errorf("proxy token service: %w", err)
	}

	app := &App{
		config:      c,
		logger:      logger,
		db:          db,
		repomanager: rm,
		credentials: creds,
		tokens:      tokens,
	}

	var store idempotency.Store
	switch c.IdempotencyBackend {
	case "redis":
		app.redis = redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		store = idempotency.NewRedisStore(app.redis, c.IdempotencyTTL)
	default:
		store = idempotency.NewPostgresStore(db, rm, c.IdempotencyTTL)
	}

	app.scheduler = scheduler.New(creds, provider, scheduler.OptionsFromConfig(c), logger)
	app.janitor = services.NewJanitor(tokens, store, c.CleanupInterval, logger)

	handler := httpapi.NewHandler(httpapi.Deps{
		Config:      c,
		Provider:    provider,
		Credentials: creds,
		Bridge:      bridge,
		Tokens:      tokens,
		Redirects:   guard.NewRedirectGuard(c.AllowedRedirectURIs, c.TrustedRedirectHosts),
		States:      states,
		Idempotency: idempotency.New(store, cipher, logger),
		Health:      app.health,
		Logger:      logger,
	})
	app.http = httpapi.NewServer(c.EndpointAddrHTTP, logger, handler.Routes())

	return app, nil
}

func (app *App) health(ctx context.Context) error {
	if err := app.db.PingContext(ctx); err != nil {
		return err
	}
	if app.redis != nil {
		return app.redis.Ping(ctx).Err()
	}
	return nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {

	s := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.tokens, app.credentials, app.config.BrokerSecret)

	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	if err := app.http.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// Run migrates the schema, starts background jobs and both servers, and
// blocks until a signal or a server failure.
func (app *App) Run(ctx context.Context) error {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	if err := app.repomanager.RunMigrations(ctx, app.db); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	app.initSignalHandler(cancelFunc)

	if err := app.scheduler.Start(ctx); err != nil {
		return err
	}
	app.janitor.Start(ctx)

	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Wait()

	app.logger.Info(context.Background(), "Stopping background jobs...")
	app.scheduler.Stop()
	app.janitor.Stop()

	return app.close()
}

func (app *App) close() error {
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error(context.Background(), "redis close", "error", err)
		}
	}
	return app.db.Close()
}

// Migrate applies pending schema migrations.
func (app *App) Migrate(ctx context.Context) error {
	return app.repomanager.RunMigrations(ctx, app.db)
}

// Sweep runs one refresh sweep of kind in the foreground.
func (app *App) Sweep(ctx context.Context, kind scheduler.Kind) (*scheduler.SweepReport, error) {
	return app.scheduler.Sweep(ctx, kind)
}

// Cleanup removes expired bridge, proxy token and idempotency records once.
func (app *App) Cleanup(ctx context.Context) (services.CleanupCounts, error) {
	return app.janitor.RunOnce(ctx)
}

// Close releases the database and Redis connections.
func (app *App) Close() error {
	return app.close()
}
