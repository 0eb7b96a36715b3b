package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/nexushq/nexus/pkg/auth"
	"github.com/nexushq/nexus/pkg/batch"
	"github.com/nexushq/nexus/pkg/log"
	"github.com/nexushq/nexus/pkg/metrics"
	"github.com/nexushq/nexus/pkg/session"
	"github.com/nexushq/nexus/pkg/storage"
	"github.com/nexushq/nexus/pkg/transfer"
	"github.com/nexushq/nexus/pkg/vault"
)

// Config holds the API server dependencies.
type Config struct {
	Auth      *auth.Service
	Sessions  *session.Manager
	Store     storage.Store
	Vault     *vault.Vault
	Batch     *batch.Executor
	Transfers *transfer.Engine

	// AllowedOrigins is the browser-origin allow list. Empty disables the
	// origin check.
	AllowedOrigins []string
}

// Server is the HTTP control-plane surface. All state mutation flows
// through it; it owns no domain logic of its own and translates between
// HTTP and the service layer.
type Server struct {
	auth       *auth.Service
	sessions   *session.Manager
	store      storage.Store
	vault      *vault.Vault
	batch      *batch.Executor
	transfers  *transfer.Engine
	origins    []string
	router     chi.Router
	httpServer *http.Server
	logger     zerolog.Logger
}

// NewServer creates the API server and builds its route table.
func NewServer(cfg Config) *Server {
	s := &Server{
		auth:      cfg.Auth,
		sessions:  cfg.Sessions,
		store:     cfg.Store,
		vault:     cfg.Vault,
		batch:     cfg.Batch,
		transfers: cfg.Transfers,
		origins:   cfg.AllowedOrigins,
		logger:    log.WithComponent("api"),
	}
	s.router = s.routes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// routes builds the route table. Probe endpoints sit outside the session
// middleware so scrapes never allocate sessions.
func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(s.checkOrigin)

	r.Get("/healthz", metrics.LivenessHandler())
	r.Get("/readyz", metrics.ReadyHandler())
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.withSession)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", s.handleLogin)
			r.Post("/login/2fa", s.handleTwoFactor)
			r.Post("/logout", s.handleLogout)

			r.Route("/passkey", func(r chi.Router) {
				r.Get("/has-configured", s.handlePasskeyHasConfigured)
				r.Post("/authentication-options", s.handlePasskeyAuthenticationOptions)
				r.Post("/authenticate", s.handlePasskeyAuthenticate)

				r.Group(func(r chi.Router) {
					r.Use(s.requireAuth)
					r.Post("/registration-options", s.handlePasskeyRegistrationOptions)
					r.Post("/register", s.handlePasskeyRegister)
				})
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requireAuth)
				r.Get("/me", s.handleMe)
				r.Get("/passkeys", s.handlePasskeyList)
				r.Delete("/passkeys/{passkeyID}", s.handlePasskeyRemove)
				r.Route("/2fa", func(r chi.Router) {
					r.Post("/setup", s.handleTOTPSetup)
					r.Post("/enable", s.handleTOTPEnable)
					r.Post("/disable", s.handleTOTPDisable)
				})
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Route("/connections", func(r chi.Router) {
				r.Post("/", s.handleConnectionCreate)
				r.Get("/", s.handleConnectionList)
				r.Get("/{connectionID}", s.handleConnectionGet)
				r.Put("/{connectionID}", s.handleConnectionUpdate)
				r.Delete("/{connectionID}", s.handleConnectionDelete)
			})

			r.Route("/batch", func(r chi.Router) {
				r.Post("/", s.handleBatchSubmit)
				r.Get("/", s.handleBatchList)
				r.Get("/{taskID}", s.handleBatchGet)
				r.Post("/{taskID}/cancel", s.handleBatchCancel)
				r.Delete("/{taskID}", s.handleBatchDelete)
			})

			r.Route("/transfers", func(r chi.Router) {
				r.Post("/send", s.handleTransferSubmit)
				r.Get("/status", s.handleTransferList)
				r.Get("/status/{taskID}", s.handleTransferGet)
				r.Post("/cancel/{taskID}", s.handleTransferCancel)
			})
		})
	})

	return r
}

// Start begins serving on the given address. It blocks until the listener
// fails or Stop is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("API server listening")
	metrics.UpdateComponent("api", true, "serving")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		metrics.UpdateComponent("api", false, err.Error())
		return fmt.Errorf("failed to serve API: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info().Msg("stopping API server")
	metrics.UpdateComponent("api", false, "shutting down")
	return s.httpServer.Shutdown(ctx)
}
