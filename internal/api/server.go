package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dyadlabs/dyad-server/internal/config"
	"github.com/dyadlabs/dyad-server/internal/kvstore"
	"github.com/dyadlabs/dyad-server/internal/push"
	"github.com/dyadlabs/dyad-server/internal/ratelimit"
	"github.com/dyadlabs/dyad-server/internal/storage"
	"github.com/dyadlabs/dyad-server/internal/store"
)

// Rate-limit scope names. Registered against config maxima at startup.
const (
	ScopeDefault       = "default"
	ScopeAuth          = "auth"
	ScopeConversations = "conversations"
	ScopeAudio         = "audio"
)

// SessionService mints and validates session tokens.
type SessionService interface {
	SessionIssuer
	SessionVerifier
}

// Deps bundles everything the HTTP layer is wired against.
type Deps struct {
	DB       *store.Store
	KV       kvstore.Store
	Sessions SessionService
	Identity IdentityVerifier
	Ladder   AbuseLadder
	Limiter  *ratelimit.Limiter
	Quota    QuotaGate
	Files    storage.AudioStore
	Pipeline Enqueuer
	Hub      *push.Hub
	Version  string
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, deps Deps, log zerolog.Logger) *Server {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(Metrics)
	r.Use(CORS)

	health := NewHealthHandler(deps.DB, deps.KV, deps.Version, time.Now())
	auth := NewAuthHandler(deps.DB, deps.Identity, deps.Sessions, deps.Ladder, log)
	conversations := NewConversationHandler(deps.DB, deps.Quota, deps.Files, deps.Pipeline, log)
	me := NewMeHandler(deps.DB)
	ws := NewPushHandler(deps.Hub)

	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", health.ServeHTTP)

		// Identity exchange runs unauthenticated behind the tight auth scope.
		r.Group(func(r chi.Router) {
			r.Use(RateLimit(deps.Limiter, ScopeAuth))
			auth.Routes(r)
		})

		// Websocket upgrade authenticates in-band via the first frame.
		ws.Routes(r)

		// Session-authenticated API
		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(deps.Sessions))

			r.Group(func(r chi.Router) {
				r.Use(RateLimit(deps.Limiter, ScopeDefault))
				me.Routes(r)
			})
			r.Group(func(r chi.Router) {
				r.Use(rateLimitByRoute(deps.Limiter))
				conversations.Routes(r)
			})
		})
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

// rateLimitByRoute puts audio uploads in their own scope; everything else
// under the conversation API shares the conversations scope.
func rateLimitByRoute(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	conversations := RateLimit(limiter, ScopeConversations)
	audio := RateLimit(limiter, ScopeAudio)
	return func(next http.Handler) http.Handler {
		convNext := conversations(next)
		audioNext := audio(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/audio") {
				audioNext.ServeHTTP(w, r)
				return
			}
			convNext.ServeHTTP(w, r)
		})
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
