package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"tradebridge/internal/apikey"
	"tradebridge/internal/auth"
	"tradebridge/internal/broker"
	"tradebridge/internal/config"
	"tradebridge/internal/connection"
	"tradebridge/internal/db"
	"tradebridge/internal/maintenance"
	"tradebridge/internal/masterdata"
	"tradebridge/internal/observability"
	"tradebridge/internal/security"
	"tradebridge/internal/session"
	"tradebridge/internal/user"
)

const apiKeyRetention = 30 * 24 * time.Hour

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Addr    string
	Handler http.Handler
	// Sweeper is only started by long-running servers; serverless
	// deployments rely on the cron cleanup endpoint instead.
	Sweeper *maintenance.Sweeper
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(observability.SentryOptions{
		DSN:         cfg.SentryDSN,
		Environment: cfg.AppEnv,
		Release:     cfg.SentryRelease,
	}); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err})
	}

	ctx := context.Background()
	database, err := db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		return nil, err
	}

	if options.RunMigrations || cfg.RunMigrations {
		if err := db.RunMigrations(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	c, err := wire(cfg, database, logger)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	return &Runtime{
		Addr:    ":" + cfg.Port,
		Handler: routes(cfg, c, logger),
		Sweeper: maintenance.NewSweeper(c.sessions, cfg.SessionSweepInterval, logger),
		Close: func() error {
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
}

type components struct {
	database *sql.DB
	sessions *session.Store

	guard       *auth.Guard
	auth        *auth.Handler
	connections *connection.Handler
	apiKeys     *apikey.Handler
	instruments *masterdata.Handler
	cleanup     *maintenance.CleanupHandler
	admin       *maintenance.AdminHandler
}

func wire(cfg *config.Config, database *sql.DB, logger *observability.Logger) (*components, error) {
	cipher, err := security.NewCipher(cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("init credential cipher: %w", err)
	}
	signer, err := apikey.NewSigner(cfg.AppKey)
	if err != nil {
		return nil, fmt.Errorf("init api key signer: %w", err)
	}

	sessions := session.NewStore(session.NewPostgresRepository(database), logger)
	authService := auth.NewService(user.NewRepository(database), sessions, security.NewHasher(cfg.BcryptCost), logger).
		WithSessionTTL(cfg.SessionTTL)

	capacity := uint64(0)
	if cfg.CacheCapacity > 0 {
		capacity = uint64(cfg.CacheCapacity)
	}
	keyService := apikey.NewService(apikey.NewPostgresRepository(database), signer, cipher, logger, apikey.CacheOptions{
		TTL:      cfg.CacheTTL,
		Capacity: capacity,
	})
	guard := auth.NewGuard(authService, cfg.SessionCookieName).WithAPIKeys(keyService)

	catalog := masterdata.NewCatalog(masterdata.Config{
		URL:    cfg.MasterDataURL,
		MaxAge: cfg.MasterDataRefresh,
	}, logger)

	authHandler := auth.NewHandler(authService, guard, auth.CookieConfig{
		Name:   cfg.SessionCookieName,
		Secure: cfg.SessionCookieSecure,
	})
	authHandler.OnLogin(catalog.TriggerRefresh)

	angel := broker.NewAngel(broker.AngelConfig{
		BaseURL:        cfg.AngelBaseURL,
		ClientLocalIP:  cfg.AngelClientLocalIP,
		ClientPublicIP: cfg.AngelClientPublicIP,
		MACAddress:     cfg.AngelMACAddress,
		Timeout:        cfg.BrokerHTTPTimeout,
		TokenTTL:       cfg.BrokerTokenTTL,
	}, logger).WithSymbols(catalog)

	registry := broker.NewRegistry()
	registry.Register(broker.AngelInfo(), angel)

	manager := connection.NewManager(connection.NewPostgresRepository(database), registry, cipher, logger)

	return &components{
		database:    database,
		sessions:    sessions,
		guard:       guard,
		auth:        authHandler,
		connections: connection.NewHandler(manager),
		apiKeys:     apikey.NewHandler(keyService),
		instruments: masterdata.NewHandler(catalog),
		cleanup:     maintenance.NewCleanupHandler(sessions, keyService, logger, cfg.CronSecret, apiKeyRetention),
		admin:       maintenance.NewAdminHandler(authService, cfg.AdminSecret),
	}, nil
}
