package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"directory-auth/internal/audit"
	"directory-auth/internal/auth"
	"directory-auth/internal/config"
	"directory-auth/internal/credential"
	"directory-auth/internal/db"
	"directory-auth/internal/directory"
	"directory-auth/internal/maintenance"
	"directory-auth/internal/observability"
	"directory-auth/internal/store/memory"
	"directory-auth/internal/store/postgres"
	"directory-auth/internal/store/redis"
	"directory-auth/internal/token"
)

type Options struct {
	LoadDotEnv bool
}

type Runtime struct {
	Handler http.Handler
	Config  *config.Config
	Logger  *observability.Logger
	Worker  *maintenance.Worker
	Close   func() error
}

type stores struct {
	users       auth.UserStore
	credentials auth.CredentialStore
	tokens      auth.TokenStore
	audit       audit.Store
}

func Build(options Options) (*Runtime, error) {
	cfg, err := config.Load(config.Options{LoadDotEnv: options.LoadDotEnv})
	if err != nil {
		return nil, err
	}
	return BuildWithConfig(context.Background(), cfg)
}

// BuildWithConfig wires every component from an already loaded config. On
// error everything opened so far is closed again.
func BuildWithConfig(ctx context.Context, cfg *config.Config) (rt *Runtime, err error) {
	logger, err := observability.NewLogger(cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	if err := observability.InitSentry(observability.SentryOptions{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Env,
		Release:     cfg.SentryRelease,
		SampleRate:  cfg.SentrySampleRate,
	}); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		observability.FlushSentry()
		_ = logger.Sync()
		return errors.Join(errs...)
	}
	defer func() {
		if err != nil {
			_ = closeAll()
		}
	}()

	metrics := observability.NewMetrics()

	var (
		pool *pgxpool.Pool
		st   stores
	)
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pool, err = postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
			MaxConns:        int32(cfg.DBPool.MaxConns),
			MinConns:        int32(cfg.DBPool.MinConns),
			MaxConnLifetime: cfg.DBPool.MaxConnLifetime,
			MaxConnIdleTime: cfg.DBPool.MaxConnIdleTime,
		})
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() error { pool.Close(); return nil })

		if cfg.RunMigrations {
			applied, err := db.RunMigrations(ctx, pool)
			if err != nil {
				return nil, fmt.Errorf("run migrations: %w", err)
			}
			logger.Info("migrations_applied", map[string]any{"versions": applied})
		}

		st = stores{
			users:       postgres.NewUserStore(pool),
			credentials: postgres.NewCredentialStore(pool),
			tokens:      postgres.NewTokenStore(pool, cfg.CleanupBatchSize),
			audit:       postgres.NewAuditStore(pool),
		}
	default:
		logger.Warn("memory_store_enabled", map[string]any{"note": "state is lost on restart"})
		st = stores{
			users:       memory.NewUserStore(),
			credentials: memory.NewCredentialStore(),
			tokens:      memory.NewTokenStore(),
			audit:       memory.NewAuditStore(),
		}
	}

	auditStore := st.audit
	if len(cfg.KafkaBrokers) > 0 {
		sink, err := audit.DialKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("init audit kafka sink: %w", err)
		}
		closers = append(closers, sink.Close)
		auditStore = audit.Multi(st.audit, sink)
	}
	emitter := audit.NewEmitter(auditStore, logger, audit.WithEmitterMetrics(metrics))

	authService, err := auth.NewService(auth.Deps{
		Users:       st.users,
		Credentials: st.credentials,
		Tokens:      st.tokens,
		Manager:     credential.NewManager(credential.NewBcryptHasher(cfg.BcryptCost), credential.WithPolicy(cfg.Lockout)),
		Issuer: token.NewIssuer(cfg.SigningKeys,
			token.WithIssuerName(cfg.Issuer),
			token.WithTTL(token.KindAccess, cfg.AccessTTL),
			token.WithTTL(token.KindRefresh, cfg.RefreshTTL),
		),
		Audit:   emitter,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("init auth service: %w", err)
	}

	directoryService := directory.NewService(st.users, authService, emitter, logger)
	if err := directoryService.BootstrapAdmin(ctx, directory.BootstrapInput{
		Email:      cfg.Admin.Email,
		Password:   cfg.Admin.Password,
		Name:       cfg.Admin.Name,
		EmployeeID: cfg.Admin.EmployeeID,
	}); err != nil {
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	var (
		limitBackend auth.LimitBackend
		redisClient  *goredis.Client
		cleanerOpts  []maintenance.Option
	)
	switch cfg.RateLimitBackend {
	case config.StoreRedis:
		redisClient, err = redis.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		closers = append(closers, redisClient.Close)
		limitBackend = redis.NewLoginLimiter(redisClient, cfg.RateLimitMax, cfg.RateLimitWindow)
	case config.StorePostgres:
		limiter := postgres.NewLoginLimiter(pool, cfg.RateLimitMax, cfg.RateLimitWindow)
		limitBackend = limiter
		cleanerOpts = append(cleanerOpts, maintenance.WithStaleLimits(limiter, 24*time.Hour))
	default:
		limitBackend = auth.NewMemoryLimitBackend(cfg.RateLimitMax, cfg.RateLimitWindow)
	}

	cleaner := maintenance.NewCleaner(authService, logger, cfg.RevokedRetention, cleanerOpts...)

	authHandler := auth.NewHandler(authService)
	loginLimiter := auth.NewLoginRateLimiter(limitBackend, logger, metrics)
	cleanupHandler := maintenance.NewCleanupHandler(cleaner, cfg.CronSecret)
	directoryHandler := directory.NewHandler(directoryService)

	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.Handle("GET /auth/me", auth.Middleware(authService, http.HandlerFunc(authHandler.Me)))
	mux.Handle("POST /auth/password", auth.Middleware(authService, http.HandlerFunc(authHandler.ChangePassword)))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(healthChecks(pool, redisClient)))
	mux.Handle("GET /metrics", metrics.Handler())
	directoryHandler.Register(mux, cfg.AdminAPIKey)

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Config:  cfg,
		Logger:  logger,
		Worker:  maintenance.NewWorker(cleaner, cfg.CleanupInterval),
		Close:   closeAll,
	}, nil
}

type healthCheck func(ctx context.Context) error

func healthChecks(pool *pgxpool.Pool, client *goredis.Client) map[string]healthCheck {
	checks := map[string]healthCheck{}
	if pool != nil {
		checks["database"] = pool.Ping
	}
	if client != nil {
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	return checks
}

func healthHandler(checks map[string]healthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		failed := map[string]string{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				failed[name] = "unavailable"
			}
		}
		if len(failed) > 0 {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["checks"] = failed
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
