package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/util"
)

// requireHTTPS rejects requests that did not arrive over TLS.
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			writeError(w, http.StatusUpgradeRequired, codeInvalidData, "https required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter builds the chi router with the full middleware stack.
func NewRouter(authHandler *AuthHandler, cfg *config.Config, healthCheck func(r *http.Request) map[string]string) chi.Router {
	router := chi.NewRouter()

	if cfg.Server.EnableTLS {
		router.Use(requireHTTPS)
	}

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(loggerMiddleware)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Device-Fingerprint"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	limiter := newIPRateLimiter(rate.Limit(10), 20)
	router.Use(limiter.Limit)

	router.Get("/health", HealthCheck(healthCheck))

	authHandler.RegisterRoutes(router)

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, codeInvalidData, "endpoint not found")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, codeInvalidData, "method not allowed")
	})

	return router
}

func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			util.Info("http request",
				util.String("method", r.Method),
				util.String("path", r.URL.Path),
				util.String("remote_addr", r.RemoteAddr),
				util.Int("status", ww.Status()),
				util.Duration("duration", time.Since(start)))
		}()
		next.ServeHTTP(ww, r)
	})
}
