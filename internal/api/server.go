package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/parleo/parleo/internal/api/middleware"
	"github.com/parleo/parleo/internal/call"
	"github.com/parleo/parleo/internal/config"
	"github.com/parleo/parleo/internal/database"
	"github.com/parleo/parleo/internal/ice"
	"github.com/parleo/parleo/internal/media"
	"github.com/parleo/parleo/internal/signaling"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	cfg    *config.Config
	logger *slog.Logger

	calls  *call.Service
	medias *media.Service
	icep   *ice.Provider
	hub    *signaling.Hub
	tokens database.PushTokenRepository

	metrics http.Handler
	secret  []byte

	limiter       *middleware.IPRateLimiter
	uploadLimiter *middleware.IPRateLimiter
}

// Deps carries everything the HTTP surface needs.
type Deps struct {
	Config  *config.Config
	Logger  *slog.Logger
	Calls   *call.Service
	Media   *media.Service
	ICE     *ice.Provider
	Hub     *signaling.Hub
	Tokens  database.PushTokenRepository
	Metrics http.Handler
	Secret  []byte
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(d Deps) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		cfg:           d.Config,
		logger:        d.Logger.With("subsystem", "api"),
		calls:         d.Calls,
		medias:        d.Media,
		icep:          d.ICE,
		hub:           d.Hub,
		tokens:        d.Tokens,
		metrics:       d.Metrics,
		secret:        d.Secret,
		limiter:       middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		uploadLimiter: middleware.NewIPRateLimiter(middleware.UploadRateLimitConfig()),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter janitors.
func (s *Server) Close() {
	s.limiter.Stop()
	s.uploadLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders(false))
	r.Use(middleware.CORS([]string{"*"}))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	auth := middleware.RequireAuth(s.secret)

	// WebSocket surfaces. The signaling socket authenticates via the token
	// query parameter; rate limiting would only punish reconnect storms.
	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Get("/ws/calls", s.handleCallSocket)
	})

	// Signed upload target. The HMAC in the URL is the authorization.
	r.Put("/upload/{uploadID}", s.handleUpload)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.limiter))
		r.Use(auth)

		r.Route("/calls", func(r chi.Router) {
			r.Get("/current", s.handleCurrentCall)
			r.Delete("/current", s.handleCallTeardown)
			r.Get("/history", s.handleCallHistory)
			r.Get("/missed/count", s.handleMissedCount)
			r.Post("/missed/viewed", s.handleMissedViewed)
			r.Post("/{callID}/end", s.handleEndCall)
			r.Post("/{callID}/heartbeat", s.handleCallHeartbeat)
		})

		r.Get("/ice", s.handleICE)

		r.Route("/media", func(r chi.Router) {
			r.With(middleware.RateLimit(s.uploadLimiter)).Post("/", s.handleMediaInitiate)
			r.Route("/{uploadID}", func(r chi.Router) {
				r.Post("/confirm", s.handleMediaConfirm)
			})
			r.Route("/attachments/{id}", func(r chi.Router) {
				r.Get("/", s.handleMediaGet)
				r.Delete("/", s.handleMediaDelete)
			})
		})

		r.Route("/push-tokens", func(r chi.Router) {
			r.Post("/", s.handlePushTokenRegister)
			r.Delete("/{token}", s.handlePushTokenDelete)
		})
	})
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCallSocket upgrades the authenticated signaling connection.
func (s *Server) handleCallSocket(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	s.hub.ServeWS(w, r, userID)
}

// handleICE hands the caller fresh STUN/TURN servers with time-limited
// TURN credentials.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	writeJSON(w, http.StatusOK, s.icep.ForUser(userID))
}
