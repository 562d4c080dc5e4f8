package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/formguard/internal/api/handler"
	"github.com/xela07ax/formguard/internal/engine"
	"github.com/xela07ax/formguard/internal/infra"
	"github.com/xela07ax/formguard/internal/infra/auth"
)

type Server struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    *infra.Config

	// Интерфейс для проверки токенов (RS256). nil - админские ручки не поднимаются.
	authValidator auth.TokenValidator

	sessionHandler *handler.SessionHandler // /v1/sessions
	entryHandler   *handler.EntryHandler   // /v1/entries
	adminHandler   *handler.AdminHandler   // /v1/stats, /v1/rules, /v1/audit
}

// NewServer инициализирует HTTP API со всеми зависимостями
func NewServer(
	cfg *infra.Config,
	logger *zap.Logger,
	validator auth.TokenValidator,
	sessionH *handler.SessionHandler,
	entryH *handler.EntryHandler,
	adminH *handler.AdminHandler,
) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		logger:         logger.Named("http-api"),
		cfg:            cfg,
		authValidator:  validator,
		sessionHandler: sessionH,
		entryHandler:   entryH,
		adminHandler:   adminH,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(engine.TracingMiddleware)
	if s.cfg.Server.RateLimit > 0 {
		r.Use(RateLimit(rate.Limit(s.cfg.Server.RateLimit), s.cfg.Server.RateBurst))
	}

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Mount("/v1/sessions", s.sessionHandler.Routes())
	r.Mount("/v1/entries", s.entryHandler.Routes())
	r.Get("/v1/stats", s.adminHandler.GetStats)
	r.Get("/v1/rules", s.adminHandler.GetRules)

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	if s.authValidator == nil {
		s.logger.Warn("auth public key is not configured, admin routes are disabled")
		return
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, "", s.logger))
		r.Get("/v1/audit", s.adminHandler.GetLogs)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.cfg.Auth.AdminScope, s.logger))
		r.Put("/v1/rules", s.adminHandler.UpdateRules)
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// RateLimit - общий лимит на инстанс. Лишние запросы получают 429 сразу, без ожидания.
func RateLimit(limit rate.Limit, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(limit, max(burst, 1))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
