package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"estate-auth/internal/account"
	"estate-auth/internal/admin"
	"estate-auth/internal/audit"
	"estate-auth/internal/auth"
	"estate-auth/internal/config"
	"estate-auth/internal/db"
	"estate-auth/internal/identity"
	"estate-auth/internal/observability"
	"estate-auth/internal/store"
	"estate-auth/internal/threat"
	"estate-auth/internal/token"
)

type Options struct {
	LoadDotEnv bool
	// RunMigrations forces migrations regardless of configuration.
	RunMigrations bool
}

type Runtime struct {
	Config  *config.Config
	Handler http.Handler
	Logger  *observability.Logger
	Close   func() error
}

func Build(ctx context.Context, options Options) (*Runtime, error) {
	cfg, err := config.Load(config.Options{LoadDotEnv: options.LoadDotEnv})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)

	if err := observability.InitSentry(cfg.App.SentryDSN, cfg.App.Env, cfg.App.Release); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	proxies, err := observability.NewTrustedProxies(cfg.App.TrustedProxies)
	if err != nil {
		return nil, err
	}

	database, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	if options.RunMigrations || cfg.App.RunMigrations {
		if err := db.RunMigrations(ctx, database, logger); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	ttlStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	closeAll := func() error {
		observability.FlushSentry()
		storeErr := ttlStore.Close()
		if err := database.Close(); err != nil {
			return err
		}
		return storeErr
	}

	auditLog := audit.NewLog(ttlStore, logger)
	ledger := threat.NewLedger(ttlStore, auditLog, logger)
	scanner := threat.NewScanner(ledger, auditLog, logger)

	accounts := account.NewRepository(database)
	tokens := token.NewService(ttlStore, accounts, cfg.Token.Secret)
	tokens.WithLifetimes(cfg.Token.AccessTTL, cfg.Token.RefreshTTL)

	permissions, err := auth.NewPermissions(auditLog)
	if err != nil {
		_ = closeAll()
		return nil, err
	}

	registry := identity.DefaultRegistry()
	bridge := identity.NewBridge(accounts, registry, auditLog, logger)
	flow := identity.NewFlow(ttlStore, registry, bridge, oauth2Credentials(cfg.OAuth2))

	authService := auth.NewService(accounts, tokens, ledger, auditLog, logger)
	if err := authService.BootstrapAdmin(ctx, cfg.Admin.Email, cfg.Admin.Password); err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	middleware := auth.NewMiddleware(tokens, scanner, ledger, auditLog, logger)
	router := newRouter(routes{
		middleware:  middleware,
		permissions: permissions,
		auth:        auth.NewHandler(authService),
		oauth2:      auth.NewOAuth2Handler(flow, authService, cfg.OAuth2.SuccessRedirect),
		admin:       admin.NewHandler(auditLog, ledger, logger),
		loginLimit:  auth.LoginRateLimit(cfg.Login.RateLimitMax, cfg.Login.RateLimitWindow),
		health:      healthHandler(accounts, ttlStore),
	})

	logger.Info("app_ready", map[string]any{
		"env":              cfg.App.Env,
		"store":            cfg.Store.Backend,
		"oauth2_providers": flow.Enabled(),
	})

	return &Runtime{
		Config:  cfg,
		Handler: wrap(router, proxies, logger),
		Logger:  logger,
		Close:   closeAll,
	}, nil
}

// wrap resolves the client address before anything else reads it.
func wrap(router http.Handler, proxies *observability.TrustedProxies, logger *observability.Logger) http.Handler {
	return observability.ClientIPMiddleware(proxies,
		observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, router)))
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	database, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.MaxOpenConns)
	database.SetMaxIdleConns(cfg.MaxIdleConns)
	database.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return database, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *observability.Logger) (store.TTLStore, error) {
	if cfg.Backend == "memory" {
		logger.Warn("store_in_memory", map[string]any{"note": "security state is per-instance and lost on restart"})
		return store.NewMemory(time.Minute), nil
	}

	redisStore, err := store.NewRedis(ctx, store.RedisConfig{
		Addr:            cfg.RedisAddr,
		Password:        cfg.RedisPassword,
		DB:              cfg.RedisDB,
		Prefix:          cfg.Prefix,
		OpTimeout:       cfg.OpTimeout,
		BreakerFailures: cfg.BreakerFailures,
		BreakerOpen:     cfg.BreakerOpen,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return redisStore, nil
}

func oauth2Credentials(cfg config.OAuth2Config) map[string]identity.Credentials {
	creds := make(map[string]identity.Credentials)
	for id, p := range map[string]config.ProviderConfig{
		identity.ProviderGoogle:   cfg.Google,
		identity.ProviderGitHub:   cfg.GitHub,
		identity.ProviderFacebook: cfg.Facebook,
	} {
		if !p.Enabled() {
			continue
		}
		creds[id] = identity.Credentials{ClientID: p.ClientID, ClientSecret: p.ClientSecret, RedirectURL: p.RedirectURL}
	}
	return creds
}

type pinger interface {
	Ping(ctx context.Context) error
}

func healthHandler(database pinger, ttlStore store.TTLStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]string{"database": "ok", "store": "ok"}
		status := http.StatusOK
		if err := database.Ping(ctx); err != nil {
			checks["database"] = "unavailable"
			status = http.StatusServiceUnavailable
		}
		if err := ttlStore.Ping(ctx); err != nil {
			checks["store"] = "unavailable"
			status = http.StatusServiceUnavailable
		}

		body := map[string]any{"status": "ok", "checks": checks, "time": time.Now().UTC().Format(time.RFC3339)}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

type routes struct {
	middleware  *auth.Middleware
	permissions *auth.Permissions
	auth        *auth.Handler
	oauth2      *auth.OAuth2Handler
	admin       *admin.Handler
	loginLimit  func(http.Handler) http.Handler
	health      http.HandlerFunc
}

func newRouter(rt routes) http.Handler {
	r := chi.NewRouter()
	r.Use(rt.middleware.Guard)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	})

	r.Get("/health", rt.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.With(rt.loginLimit).Post("/register", rt.auth.Register)
		r.With(rt.loginLimit).Post("/login", rt.auth.Login)
		r.Post("/refresh", rt.auth.Refresh)

		r.Group(func(r chi.Router) {
			r.Use(rt.middleware.Authenticate)
			r.With(rt.permissions.Require(auth.PermProfileRead)).Get("/me", rt.auth.Me)
			r.With(rt.permissions.Require(auth.PermSessionsManage)).Post("/logout", rt.auth.Logout)
			r.With(rt.permissions.Require(auth.PermSessionsManage)).Post("/logout-all", rt.auth.LogoutAll)
		})
	})

	r.Route("/oauth2", func(r chi.Router) {
		r.Get("/providers", rt.oauth2.Providers)
		r.With(rt.loginLimit).Get("/authorize/{provider}", rt.oauth2.Authorize)
		r.Get("/callback/{provider}", rt.oauth2.Callback)
	})

	r.Route("/admin/security", func(r chi.Router) {
		r.Use(rt.middleware.Authenticate)

		r.Group(func(r chi.Router) {
			r.Use(rt.permissions.Require(auth.PermSecurityRead))
			r.Get("/events", rt.admin.RecentEvents)
			r.Get("/users/{userID}/actions", rt.admin.UserActions)
			r.Get("/users/{userID}/events", rt.admin.UserSecurityEvents)
			r.Get("/ips/{ip}", rt.admin.IPStatus)
		})

		r.Group(func(r chi.Router) {
			r.Use(rt.permissions.Require(auth.PermSecurityManage))
			r.Post("/blocks", rt.admin.BlockIP)
			r.Delete("/blocks/{ip}", rt.admin.UnblockIP)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
