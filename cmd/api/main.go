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

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/praxisworks/gatewarden/internal/api"
	"github.com/praxisworks/gatewarden/internal/audit"
	"github.com/praxisworks/gatewarden/internal/auth"
	"github.com/praxisworks/gatewarden/internal/authz"
	"github.com/praxisworks/gatewarden/internal/breach"
	"github.com/praxisworks/gatewarden/internal/config"
	"github.com/praxisworks/gatewarden/internal/crypto"
	"github.com/praxisworks/gatewarden/internal/ephemeral"
	"github.com/praxisworks/gatewarden/internal/metrics"
	"github.com/praxisworks/gatewarden/internal/notify"
	"github.com/praxisworks/gatewarden/internal/oauth"
	"github.com/praxisworks/gatewarden/internal/ratelimit"
	"github.com/praxisworks/gatewarden/internal/storage"
	"github.com/praxisworks/gatewarden/pkg/logger"
)

func main() {
	// Local env files are for development; production relies on real
	// environment variables.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log := logger.Setup(cfg.Env)
	log.Info("application_startup", "env", cfg.Env)

	if err := cfg.Validate(); err != nil {
		log.Error("config_invalid", "error", err)
		os.Exit(1)
	}

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			TracesSampleRate: 1.0,
			Environment:      cfg.Env,
		})
		if err != nil {
			log.Error("sentry_init_failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
			log.Info("sentry_initialized")
		}
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database_pool_create_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Error("database_ping_failed", "error", err)
		os.Exit(1)
	}
	log.Info("database_connected")

	store := storage.NewPostgres(pool)

	var eph ephemeral.Store
	if cfg.RedisURL != "" {
		eph, err = ephemeral.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			log.Error("redis_connect_failed", "error", err)
			os.Exit(1)
		}
		log.Info("ephemeral_store_ready", "backend", "redis")
	} else {
		if cfg.Env == "production" {
			log.Warn("redis_url_missing", "details", "in-memory store loses sessions on restart and cannot be shared across replicas")
		}
		eph = ephemeral.NewMemoryStore()
		log.Info("ephemeral_store_ready", "backend", "memory")
	}
	defer eph.Close()

	hasher, err := auth.NewArgon2idHasher()
	if err != nil {
		log.Error("hasher_init_failed", "error", err)
		os.Exit(1)
	}

	box, err := crypto.NewSecretBox(cfg.EncryptionKey)
	if err != nil {
		log.Error("secretbox_init_failed", "error", err)
		os.Exit(1)
	}

	blacklist := auth.NewBlacklist(eph)
	minter, err := auth.NewMinter(cfg.JWTSecret, cfg.TokenIssuer, auth.TokenTTLs{
		Access:       cfg.AccessTokenTTL,
		Refresh:      cfg.RefreshTokenTTL,
		PreAuth:      cfg.PreAuthTTL,
		OAuthAccess:  cfg.OAuthAccessTTL,
		OAuthRefresh: cfg.RefreshTokenTTL,
	}, blacklist)
	if err != nil {
		log.Error("minter_init_failed", "error", err)
		os.Exit(1)
	}

	var breachChecker auth.BreachChecker
	if cfg.EnableBreachCheck {
		breachChecker = breach.NewClient()
	}
	policy := auth.NewPasswordPolicy(cfg.MinPasswordScore, breachChecker, log)

	auditor := audit.NewRecorder(store, log)
	defer auditor.Close()

	var mail notify.EmailSender
	if cfg.EmailServiceURL != "" {
		mail = notify.NewHTTPMailer(cfg.EmailServiceURL)
	} else {
		log.Warn("email_service_url_missing", "details", "emails are logged, not delivered")
		mail = &notify.DevMailer{Logger: log}
	}

	totp := auth.NewTOTPEngine(box, store, cfg.TokenIssuer, auditor, log)

	authService := auth.NewService(auth.Config{
		SkipLoginCode:   cfg.SkipLoginCode,
		LoginCodeTTL:    cfg.LoginCodeTTL,
		VerificationTTL: cfg.VerificationTTL,
		ResetTTL:        cfg.ResetTTL,
		PreAuthTTL:      cfg.PreAuthTTL,
		TOTPIssuer:      cfg.TokenIssuer,
	}, store, eph, hasher, policy, minter, blacklist, totp, mail, auditor, log)

	m := metrics.New()
	authzEngine := authz.NewEngine(store, eph, auditor, m, log)
	authService.SetAuthzInvalidator(authzEngine)

	scopes, err := oauthScopes(ctx, store)
	if err != nil {
		log.Error("scope_catalog_load_failed", "error", err)
		os.Exit(1)
	}
	oauthServer := oauth.NewServer(oauth.Config{
		PublicURL: cfg.PublicURL,
		Scopes:    scopes,
	}, store, eph, minter, blacklist, hasher, auditor, log)

	server := api.NewServer(api.Deps{
		Config:    cfg,
		Logger:    log,
		Metrics:   m,
		Auth:      authService,
		Authz:     authzEngine,
		OAuth:     oauthServer,
		Verifier:  minter,
		Limiter:   ratelimit.New(eph, log),
		DB:        store,
		Ephemeral: eph,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server_listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("server_startup_failed", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		log.Info("shutdown_signal_received", "signal", sig)

		// 20s covers in-flight requests; anything slower gets cut off.
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error("graceful_shutdown_failed", "error", err)
			if err := srv.Close(); err != nil {
				log.Error("server_force_close_failed", "error", err)
			}
		}
		log.Info("server_shutdown_complete")
	}
}

// oauthScopes derives the advertised OAuth scope catalog from the
// permission catalog, so the discovery document reflects what resource
// servers actually check.
func oauthScopes(ctx context.Context, store *storage.Postgres) ([]string, error) {
	perms, err := store.ListPermissions(ctx)
	if err != nil {
		return nil, err
	}
	scopes := make([]string, 0, len(perms))
	for _, p := range perms {
		scopes = append(scopes, p.Name)
	}
	return scopes, nil
}
