// Package api is the HTTP boundary: routing, middleware, decoding, and
// the mapping from domain errors onto the wire vocabulary. No business
// rules live here.
package api

import (
	"context"
	"log/slog"
	"net/http"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/praxisworks/gatewarden/internal/api/middleware"
	"github.com/praxisworks/gatewarden/internal/auth"
	"github.com/praxisworks/gatewarden/internal/authz"
	"github.com/praxisworks/gatewarden/internal/config"
	"github.com/praxisworks/gatewarden/internal/ephemeral"
	"github.com/praxisworks/gatewarden/internal/metrics"
	"github.com/praxisworks/gatewarden/internal/oauth"
	"github.com/praxisworks/gatewarden/internal/ratelimit"
)

// Global per-IP flood gate, separate from the per-endpoint budgets.
const (
	ipThrottleRPS   = 20
	ipThrottleBurst = 50
)

// Pinger is the persistent-store health probe. *pgxpool.Pool implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps carries everything the HTTP layer is wired with.
type Deps struct {
	Config    config.Config
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Auth      *auth.Service
	Authz     *authz.Engine
	OAuth     *oauth.Server
	Verifier  middleware.TokenVerifier
	Limiter   *ratelimit.Limiter
	DB        Pinger
	Ephemeral ephemeral.Store
}

// Server owns the router. Build one with NewServer and mount Handler.
type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	auth     *auth.Service
	authz    *authz.Engine
	oauth    *oauth.Server
	verifier middleware.TokenVerifier
	limiter  *ratelimit.Limiter

	db  Pinger
	eph ephemeral.Store

	router chi.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		logger:   d.Logger,
		metrics:  d.Metrics,
		auth:     d.Auth,
		authz:    d.Authz,
		oauth:    d.OAuth,
		verifier: d.Verifier,
		limiter:  d.Limiter,
		db:       d.DB,
		eph:      d.Ephemeral,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Observe(s.metrics))
	r.Use(middleware.PanicRecovery(s.logger))
	r.Use(middleware.NewIPThrottle(ipThrottleRPS, ipThrottleBurst, s.logger).Middleware)
	r.Use(middleware.CORS(s.cfg.AllowedCORSOrigins))

	limit := func(endpoint string, rule config.RateLimit) func(http.Handler) http.Handler {
		return middleware.EndpointLimit(s.limiter, s.metrics, endpoint, ratelimit.Rule(rule))
	}

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	// Account lifecycle. These are unauthenticated and carry the strict
	// per-endpoint budgets.
	r.With(limit("register", s.cfg.RateLimits.Register)).Post("/register", s.handleRegister)
	r.Post("/verify-code", s.handleVerifyCode)
	r.With(limit("resend_verification", s.cfg.RateLimits.ResendCode)).Post("/resend-verification", s.handleResendVerification)
	r.With(limit("login", s.cfg.RateLimits.Login)).Post("/login", s.handleLogin)
	r.Post("/refresh", s.handleRefresh)
	r.Post("/logout", s.handleLogout)
	r.With(limit("password_reset", s.cfg.RateLimits.PasswordReset)).Post("/request-password-reset", s.handleRequestPasswordReset)
	r.Post("/reset-password", s.handleResetPassword)

	// OAuth protocol endpoints authenticate the client themselves, not
	// through bearer middleware.
	r.Get("/.well-known/oauth-authorization-server", s.handleOAuthMetadata)
	r.Post("/oauth/token", s.handleOAuthToken)
	r.Post("/oauth/revoke", s.handleOAuthRevoke)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(s.verifier, s.logger))

		r.Post("/2fa/setup", s.handleTOTPSetup)
		r.Post("/2fa/verify", s.handleTOTPVerify)
		r.Post("/2fa/disable", s.handleTOTPDisable)

		r.Post("/authorization/check", s.handleAuthorizationCheck)
		r.Get("/permissions", s.handleListPermissions)

		r.Route("/organizations", func(r chi.Router) {
			r.Post("/", s.handleCreateOrganization)
			r.Get("/", s.handleListOrganizations)
			r.Route("/{orgID}", func(r chi.Router) {
				r.Delete("/", s.handleDeleteOrganization)
				r.Post("/members", s.handleAddMember)
				r.Get("/members", s.handleListMembers)
				r.Delete("/members/{userID}", s.handleRemoveMember)
				r.Post("/groups", s.handleCreateGroup)
				r.Get("/groups", s.handleListGroups)
			})
		})

		r.Route("/groups/{groupID}", func(r chi.Router) {
			r.Delete("/", s.handleDeleteGroup)
			r.Post("/members", s.handleAddGroupMember)
			r.Delete("/members/{userID}", s.handleRemoveGroupMember)
			r.Get("/permissions", s.handleListGroupPermissions)
			r.Post("/permissions", s.handleGrantPermission)
			r.Delete("/permissions/{permission}", s.handleRevokePermission)
		})

		r.Get("/oauth/authorize", s.handleOAuthAuthorize)
		r.Post("/oauth/authorize", s.handleOAuthAuthorize)
		r.Post("/oauth/clients", s.handleRegisterOAuthClient)
		r.Get("/oauth/clients", s.handleListOAuthClients)
	})

	return r
}
