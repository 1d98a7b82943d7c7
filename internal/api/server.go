// Package api provides the local companion HTTP server for FieldLedger.
// It fronts the on-device store and sync engine for the CLI and any
// local UI; it is not the remote finance API.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fieldledger/fieldledger/internal/app/approval"
	"github.com/fieldledger/fieldledger/internal/app/expense"
	"github.com/fieldledger/fieldledger/internal/app/jobs"
	appsync "github.com/fieldledger/fieldledger/internal/app/sync"
	"github.com/fieldledger/fieldledger/internal/domain"
)

// Version is the API-reported build version.
const Version = "0.1.0"

// Server is the FieldLedger local HTTP API server.
type Server struct {
	expenses       *expense.Service
	machine        *approval.Machine
	processor      *appsync.Processor
	monitor        *appsync.Monitor
	jobs           *jobs.Cache
	log            zerolog.Logger
	metricsEnabled bool
}

// NewServer creates a new API server over the wired application services.
func NewServer(expenses *expense.Service, machine *approval.Machine, processor *appsync.Processor, monitor *appsync.Monitor, jobCache *jobs.Cache, log zerolog.Logger) *Server {
	return &Server{
		expenses:  expenses,
		machine:   machine,
		processor: processor,
		monitor:   monitor,
		jobs:      jobCache,
		log:       log.With().Str("component", "api").Logger(),
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(time.Minute))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	})

	r.Get("/api/status", s.handleStatus)

	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version": Version,
		})
	})

	r.Route("/api/expenses", func(r chi.Router) {
		r.Get("/", s.handleListExpenses)
		r.Post("/", s.handleCreateExpense)
		r.Get("/{id}", s.handleGetExpense)
		r.Post("/{id}/submit", s.handleSubmit)
		r.Post("/{id}/approve", s.handleApprove)
		r.Post("/{id}/reject", s.handleReject)
		r.Post("/{id}/resubmit", s.handleResubmit)
		r.Post("/submit-batch", s.handleBatchSubmit)
	})

	r.Route("/api/sync", func(r chi.Router) {
		r.Post("/run", s.handleSyncRun)
		r.Get("/status", s.handleSyncStatus)
		r.Post("/resync/{id}", s.handleResync)
		r.Post("/purge", s.handlePurge)
	})

	r.Get("/api/jobs/recent", s.handleRecentJobs)

	// Prometheus metrics endpoint
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// principal extracts the acting principal from request headers. The
// daemon binds to loopback; identity headers are a convenience for the
// CLI, and privileged transitions re-verify the role remotely anyway.
func principal(r *http.Request) domain.Principal {
	return domain.Principal{
		UserID: r.Header.Get("X-User-Id"),
		Role:   domain.Role(r.Header.Get("X-User-Role")),
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response classified by error kind.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForKind(domain.KindOf(err)), map[string]interface{}{
		"error": map[string]interface{}{
			"message": err.Error(),
			"kind":    string(domain.KindOf(err)),
		},
	})
}

func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidationFailed:
		return http.StatusBadRequest
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindPreconditionFailed:
		return http.StatusConflict
	case domain.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
