// Package web provides the operator HTTP API.
//
// Every route is a thin adapter over core.Service: decode the request, call
// the service with request metadata attached to the context, and encode the
// result or a mapped error as JSON.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/config"
	"github.com/JonMunkholm/ingestflow/internal/core"
	"github.com/JonMunkholm/ingestflow/internal/web/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// MaxBodySize bounds JSON, mapping table and catalog request bodies (10MB).
const MaxBodySize = 10 << 20

// Server is the HTTP server for the operator API.
type Server struct {
	service *core.Service
	cfg     config.ServerConfig
	router  *chi.Mux
	server  *http.Server
	limiter *rateLimiter
}

// NewServer creates a new Server instance.
func NewServer(service *core.Service, srv config.ServerConfig, sec config.SecurityConfig) *Server {
	s := &Server{
		service: service,
		cfg:     srv,
		router:  chi.NewRouter(),
	}
	s.setupMiddleware(sec)
	s.setupRoutes(sec)
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware(sec config.SecurityConfig) {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(sec.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	if s.cfg.RequestTimeout > 0 {
		s.router.Use(chimw.Timeout(s.cfg.RequestTimeout))
	}
	s.router.Use(securityHeaders)

	if sec.RateLimitPerMinute > 0 {
		s.limiter = newRateLimiter(sec.RateLimitPerMinute, time.Minute)
		s.router.Use(s.limiter.middleware)
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes(sec config.SecurityConfig) {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(&sec))

		// File lifecycle
		r.Get("/files", s.handleListFiles)
		r.Get("/files/stats", s.handleFileStats)
		r.Get("/files/*", s.handleGetFile)
		r.Post("/discover", s.handleDiscover)
		r.Post("/process", s.handleProcess)
		r.Post("/move", s.handleMove)
		r.Post("/archive", s.handleArchive)
		r.Post("/reprocess", s.handleReprocess)
		r.Post("/reset-stuck", s.handleResetStuck)
		r.Get("/profile", s.handleProfile)

		// Mappings
		r.Get("/mappings", s.handleListMappings)
		r.Post("/mappings/suggest", s.handleSuggestMappings)
		r.Post("/mappings/import", s.handleImportMappings)
		r.Post("/mappings/approve", s.handleApproveMappings)
		r.Post("/mappings/{id}/approve", s.handleApproveMapping)
		r.Delete("/mappings/{id}", s.handleDeleteMapping)
		r.Get("/mappings/source-fields", s.handleSourceFields)
		r.Post("/mappings/preview", s.handlePreview)
		r.Get("/mappings/coverage", s.handleCoverage)
		r.Get("/synonyms", s.handleListSynonyms)
		r.Put("/synonyms", s.handleSaveSynonyms)
		r.Get("/prompts", s.handleListPrompts)
		r.Put("/prompts/{id}", s.handleSavePrompt)

		// Target schemas, tenants and rules
		r.Get("/schemas", s.handleListSchemas)
		r.Put("/schemas", s.handleSaveSchema)
		r.Get("/schemas/{entity}", s.handleGetSchema)
		r.Post("/schemas/{entity}/columns", s.handleAddColumn)
		r.Delete("/schemas/{entity}", s.handleDropSchema)
		r.Get("/tenants", s.handleListTenants)
		r.Put("/tenants", s.handleSaveTenant)
		r.Get("/rules", s.handleListRules)
		r.Put("/rules", s.handleSaveRule)
		r.Post("/rules/{id}/active", s.handleSetRuleActive)
		r.Delete("/rules/{id}", s.handleDeleteRule)
		r.Post("/catalog", s.handleApplyCatalog)

		// Transform
		r.Post("/transform", s.handleRunTransform)
		r.Get("/watermarks", s.handleWatermarks)
		r.Get("/batches", s.handleListBatches)
		r.Get("/batches/{id}", s.handleGetBatch)
		r.Get("/quarantine/{entity}", s.handleQuarantine)
		r.Get("/targets/{entity}/rows", s.handleTargetRows)

		// Jobs
		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs/{name}/run", s.handleRunJob)
		r.Post("/jobs/{name}/suspend", s.handleSuspendJob)
		r.Post("/jobs/{name}/resume", s.handleResumeJob)

		// Audit log
		r.Get("/audit-log", s.handleAuditLog)
		r.Get("/audit-log/export", s.handleAuditLogExport)
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	slog.Info("starting server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.stop()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"jobs":   s.service.JobLimiterStatus(),
	})
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Prevent MIME type sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")

		// The API serves no documents
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(w, r)
	})
}

// rateLimiter implements a fixed window rate limiter per IP.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // requests per window
	window   time.Duration // time window
	done     chan struct{}
	once     sync.Once
}

type visitor struct {
	tokens    int
	lastReset time.Time
}

// newRateLimiter creates a rate limiter with the specified rate per window.
func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
		done:     make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// cleanup removes stale visitor entries every window until stop.
func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
		}
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastReset) > rl.window*2 {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *rateLimiter) stop() {
	rl.once.Do(func() { close(rl.done) })
}

// allow checks if the request should be allowed and consumes a token if so.
func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		rl.visitors[ip] = &visitor{
			tokens:    rl.rate - 1, // consume one token
			lastReset: time.Now(),
		}
		return true
	}

	// Reset tokens if window has passed
	if time.Since(v.lastReset) > rl.window {
		v.tokens = rl.rate - 1
		v.lastReset = time.Now()
		return true
	}

	if v.tokens <= 0 {
		return false
	}

	v.tokens--
	return true
}

// middleware returns an HTTP middleware that rate limits by IP. RemoteAddr
// has already been rewritten by TrustedRealIP.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
				Error:   "rate limit exceeded",
				Message: "Too many requests",
				Action:  "Wait a minute and try again",
				Code:    "REQ429",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON with the given status.
// Logs encoding errors since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
