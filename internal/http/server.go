// Package http is the thin web layer over the ledger core: JSON
// handlers that authenticate, call the service layer and translate its
// error taxonomy to status codes. No ledger logic lives here.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coinquilini/internal/auth"
	"coinquilini/internal/services"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinquilini_http_requests_total",
		Help: "HTTP requests by method, path pattern and status code.",
	}, []string{"method", "path", "status"})

	expensesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinquilini_expenses_created_total",
		Help: "Expenses recorded through the API.",
	})
)

type Server struct {
	http.Server
	ledger        *services.LedgerService
	authenticator *auth.Service
	rateLimiter   *rateLimiter
	shutdownOnce  sync.Once
}

// Simple in-memory rate limiter
type rateLimiter struct {
	mu           sync.Mutex
	clients      map[string]*clientInfo
	stopCleanup  chan struct{}
	shutdownOnce sync.Once
}

type clientInfo struct {
	lastRequest time.Time
	requests    int
}

func newRateLimiter() *rateLimiter {
	rl := &rateLimiter{
		clients:     make(map[string]*clientInfo),
		stopCleanup: make(chan struct{}),
	}
	go rl.startCleanup()
	return rl
}

// startCleanup runs periodic cleanup to remove stale client entries.
func (rl *rateLimiter) startCleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanupStaleEntries()
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *rateLimiter) cleanupStaleEntries() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-10 * time.Minute)
	for ip, client := range rl.clients {
		if client.lastRequest.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

func (rl *rateLimiter) stop() {
	rl.shutdownOnce.Do(func() {
		if rl.stopCleanup != nil {
			close(rl.stopCleanup)
		}
	})
}

func (rl *rateLimiter) allow(clientIP string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	client, exists := rl.clients[clientIP]

	if !exists {
		rl.clients[clientIP] = &clientInfo{
			lastRequest: now,
			requests:    1,
		}
		return true
	}

	// Reset counter if more than 1 minute has passed
	if now.Sub(client.lastRequest) > time.Minute {
		client.requests = 1
		client.lastRequest = now
		return true
	}

	// Allow up to 60 requests per minute
	client.requests++
	client.lastRequest = now

	return client.requests <= 60
}

// NewServer configures routes, returning a ready-to-run http.Server.
func NewServer(addr string, ledger *services.LedgerService, authenticator *auth.Service) *Server {
	mux := http.NewServeMux()

	s := &Server{
		Server: http.Server{
			Addr:    addr,
			Handler: mux,
		},
		ledger:        ledger,
		authenticator: authenticator,
		rateLimiter:   newRateLimiter(),
	}

	mux.HandleFunc("/healthz", handleHealth)
	mux.HandleFunc("/readyz", handleReady)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("POST /login", s.withSecurityHeaders(s.handleLogin))

	mux.HandleFunc("GET /apartments", s.withSecurityHeaders(s.handleListApartments))
	mux.HandleFunc("POST /apartments", s.withSecurityHeaders(s.handleCreateApartment))
	mux.HandleFunc("DELETE /apartments/{id}", s.withSecurityHeaders(s.handleDeleteApartment))

	mux.HandleFunc("GET /apartments/{id}/tenants", s.withSecurityHeaders(s.handleListTenants))
	mux.HandleFunc("POST /apartments/{id}/tenants", s.withSecurityHeaders(s.handleCreateTenant))
	mux.HandleFunc("DELETE /tenants/{id}", s.withSecurityHeaders(s.handleDeleteTenant))

	mux.HandleFunc("POST /expenses", s.withSecurityHeaders(s.handleCreateExpense))
	mux.HandleFunc("DELETE /expenses/{id}", s.withSecurityHeaders(s.handleDeleteExpense))
	mux.HandleFunc("POST /expenses/{id}/involved/{tenant}", s.withSecurityHeaders(s.handleAddInvolved))
	mux.HandleFunc("DELETE /expenses/{id}/involved/{tenant}", s.withSecurityHeaders(s.handleRemoveInvolved))

	mux.HandleFunc("GET /apartments/{id}/balances", s.withSecurityHeaders(s.handleBalances))
	mux.HandleFunc("GET /apartments/{id}/total", s.withSecurityHeaders(s.handleTotal))

	return s
}

// Shutdown gracefully shuts down the server and cleanup routines.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		if s.rateLimiter != nil {
			s.rateLimiter.stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})

	return shutdownErr
}

// withSecurityHeaders adds security headers, rate limiting and request
// logging to responses.
func (s *Server) withSecurityHeaders(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Extract client IP (considering proxies)
		clientIP := r.Header.Get("X-Forwarded-For")
		if clientIP == "" {
			clientIP = r.Header.Get("X-Real-IP")
		}
		if clientIP == "" {
			clientIP = r.RemoteAddr
		}

		requestID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		slog.InfoContext(ctx, "Request started",
			"request_id", requestID,
			"method", r.Method,
			"url", r.URL.Path,
			"client_ip", clientIP)

		// Rate limit mutations only
		if r.Method != http.MethodGet && !s.rateLimiter.allow(clientIP) {
			slog.WarnContext(ctx, "Rate limit exceeded", "client_ip", clientIP, "method", r.Method, "url", r.URL.Path)
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(rw, r)

		duration := time.Since(start)
		requestsTotal.WithLabelValues(r.Method, r.Pattern, strconv.Itoa(rw.statusCode)).Inc()
		slog.InfoContext(ctx, "Request completed",
			"request_id", requestID,
			"method", r.Method,
			"url", r.URL.Path,
			"status", rw.statusCode,
			"duration_ms", duration.Milliseconds(),
			"client_ip", clientIP)
	}
}

type requestIDKey struct{}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
