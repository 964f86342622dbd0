// Package api exposes the scan validation engine over REST/JSON for the
// entry-control terminals and the rules-service callback.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scanpoint/backend/internal/hotcache"
	"github.com/scanpoint/backend/internal/metrics"
	"github.com/scanpoint/backend/internal/middleware"
	"github.com/scanpoint/backend/internal/offline"
	"github.com/scanpoint/backend/internal/scan"
	"github.com/scanpoint/backend/internal/store"
	"github.com/scanpoint/backend/internal/websocket"
)

// Deps bundles the collaborators of the HTTP surface.
type Deps struct {
	Validator *scan.Validator
	Offline   *offline.Store
	Store     store.ScanStore
	Cache     *hotcache.Cache
	Feed      *websocket.ScanFeed
	Limiter   *middleware.RateLimiter
	Met       *metrics.Metrics

	MaxScansPerTicket int
}

// Server is the REST gateway of the scan service.
type Server struct {
	validator *scan.Validator
	offline   *offline.Store
	store     store.ScanStore
	cache     *hotcache.Cache
	feed      *websocket.ScanFeed
	limiter   *middleware.RateLimiter
	met       *metrics.Metrics

	maxScansPerTicket int

	logger       *log.Logger
	httpSrv      *http.Server
	shuttingDown atomic.Bool
}

// NewServer wires the REST gateway.
func NewServer(deps Deps) *Server {
	if deps.MaxScansPerTicket <= 0 {
		deps.MaxScansPerTicket = 5
	}
	return &Server{
		validator:         deps.Validator,
		offline:           deps.Offline,
		store:             deps.Store,
		cache:             deps.Cache,
		feed:              deps.Feed,
		limiter:           deps.Limiter,
		met:               deps.Met,
		maxScansPerTicket: deps.MaxScansPerTicket,
		logger:            log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS Middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Device-ID")
			if req.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	// Refuse new work while draining
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if s.shuttingDown.Load() {
				writeError(w, http.StatusServiceUnavailable, "SERVICE_SHUTTING_DOWN", "service is shutting down", nil)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}

	// --- Validation ---
	r.HandleFunc("/api/scans/validate", s.handleValidate).Methods("POST")
	r.HandleFunc("/api/scans/validate-offline", s.handleValidateOffline).Methods("POST")

	// --- History & stats ---
	r.HandleFunc("/api/scans/history/ticket/{ticketId}", s.handleTicketHistory).Methods("GET")
	r.HandleFunc("/api/scans/ticket/{ticketId}/logs", s.handleTicketLogs).Methods("GET")
	r.HandleFunc("/api/scans/stats/event/{eventId}", s.handleEventStats).Methods("GET")
	r.HandleFunc("/api/scans/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/api/scans/health", s.handleHealth).Methods("GET")

	// --- Sessions ---
	r.HandleFunc("/api/scans/sessions", s.handleCreateSession).Methods("POST")
	r.HandleFunc("/api/scans/sessions/active", s.handleActiveSessions).Methods("GET")
	r.HandleFunc("/api/scans/sessions/{uid}/end", s.handleEndSession).Methods("POST")

	// --- Rules-service callback ---
	r.HandleFunc("/api/internal/scan-confirmation", s.handleScanConfirmation).Methods("POST")

	// --- Live feed & metrics ---
	if s.feed != nil {
		r.HandleFunc("/api/scans/live", s.feed.HandleWebSocket)
	}
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return r
}

// Start listens on the given port and blocks until the server stops.
func (s *Server) Start(port string) error {
	s.httpSrv = &http.Server{
		Addr:         ":" + port,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Printf("listening on %s", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests. New requests get 503.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
