// Package api exposes the engine over HTTP: the event-stream query surface,
// conversation management, raw search, and operational endpoints.
package api

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/inquesthq/inquest/internal/circuit"
	"github.com/inquesthq/inquest/internal/gate"
	"github.com/inquesthq/inquest/internal/metrics"
	"github.com/inquesthq/inquest/internal/pipeline"
	"github.com/inquesthq/inquest/internal/search"
	"github.com/inquesthq/inquest/internal/store"
)

// Store is the persistence surface the handlers use.
type Store interface {
	Ping(ctx context.Context) error
	CreateConversation(ctx context.Context, title string) (string, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListConversations(ctx context.Context) ([]store.Conversation, error)
	GetMessages(ctx context.Context, conversationID string) ([]store.Message, error)
	DeleteConversation(ctx context.Context, id string) error
	DocumentCount(ctx context.Context) (int64, error)
	UsageSummary(ctx context.Context, days int) ([]store.UsageDay, error)
}

// Searcher is the retrieval surface.
type Searcher interface {
	Search(ctx context.Context, terms string, limit int) ([]search.Hit, error)
}

// PipelineRunner runs one invocation.
type PipelineRunner interface {
	Run(ctx context.Context, req pipeline.Request, emit pipeline.EmitFunc) (*pipeline.Result, error)
}

// Investigator runs and stops auto sessions.
type Investigator interface {
	Run(ctx context.Context, conversationID, clientIP string, maxQueries int, emit pipeline.EmitFunc) error
	Stop(ctx context.Context, conversationID string) (bool, error)
}

// Admitter gates invocations.
type Admitter interface {
	Admit(ctx context.Context, ip string) (gate.Admission, error)
}

// PoolHealth reports local model pool state.
type PoolHealth interface {
	Workers() int
	HealthyWorkers() int
	QueueDepth() int
}

// BreakerStatus reports external client circuit state.
type BreakerStatus interface {
	BreakerStatus() circuit.Status
}

// Services bundles every collaborator the router needs; constructed once at
// startup and passed by reference.
type Services struct {
	Store        Store
	Search       Searcher
	Pipeline     PipelineRunner
	Investigator Investigator
	Gate         Admitter
	Pool         PoolHealth
	External     BreakerStatus
	Version      string
}

// Router dispatches the HTTP surface.
type Router struct {
	mux          *http.ServeMux
	store        Store
	search       Searcher
	pipeline     PipelineRunner
	investigator Investigator
	gate         Admitter
	pool         PoolHealth
	external     BreakerStatus
	version      string
	startTime    time.Time
}

// NewRouter wires all routes.
func NewRouter(svc *Services) *Router {
	rt := &Router{
		mux:          http.NewServeMux(),
		store:        svc.Store,
		search:       svc.Search,
		pipeline:     svc.Pipeline,
		investigator: svc.Investigator,
		gate:         svc.Gate,
		pool:         svc.Pool,
		external:     svc.External,
		version:      svc.Version,
		startTime:    time.Now(),
	}

	rt.mux.HandleFunc("GET /ask", rt.handleAsk)
	rt.mux.HandleFunc("POST /auto/start", rt.handleAutoStart)
	rt.mux.HandleFunc("POST /auto/stop", rt.handleAutoStop)
	rt.mux.HandleFunc("GET /search", rt.handleSearch)
	rt.mux.HandleFunc("GET /conversations", rt.handleListConversations)
	rt.mux.HandleFunc("POST /conversations", rt.handleCreateConversation)
	rt.mux.HandleFunc("GET /conversations/{id}/messages", rt.handleGetMessages)
	rt.mux.HandleFunc("DELETE /conversations/{id}", rt.handleDeleteConversation)
	rt.mux.HandleFunc("GET /health", rt.handleHealth)
	rt.mux.HandleFunc("GET /stats", rt.handleStats)
	rt.mux.HandleFunc("GET /usage", rt.handleUsage)
	rt.mux.Handle("GET /metrics", promhttp.Handler())

	return rt
}

// Handler returns the full middleware-wrapped handler.
func (rt *Router) Handler() http.Handler {
	return ErrorHandler(rt.mux)
}

// handleHealth reports component liveness. GET /health
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	healthy := true
	dbStatus := "ok"
	if err := rt.store.Ping(ctx); err != nil {
		healthy = false
		dbStatus = "unavailable"
		log.Warn().Err(err).Msg("Health check: database ping failed")
	}

	workers := rt.pool.HealthyWorkers()
	poolStatus := "ok"
	if workers == 0 {
		healthy = false
		poolStatus = "no_workers"
	} else if workers < rt.pool.Workers() {
		poolStatus = "degraded"
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}
	writeJSON(w, status, map[string]any{
		"status":   overall,
		"version":  rt.version,
		"database": dbStatus,
		"pool": map[string]any{
			"status":          poolStatus,
			"healthy_workers": workers,
			"queue_depth":     rt.pool.QueueDepth(),
		},
		"external_breaker": rt.external.BreakerStatus(),
	})
}

// handleStats reports runtime and host statistics. GET /stats
func (rt *Router) handleStats(w http.ResponseWriter, r *http.Request) {
	metrics.Get().SetPoolGauges(rt.pool.QueueDepth(), rt.pool.HealthyWorkers())

	docCount, err := rt.store.DocumentCount(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("Stats: document count failed")
		docCount = -1
	}

	stats := map[string]any{
		"version":        rt.version,
		"uptime_seconds": int64(time.Since(rt.startTime).Seconds()),
		"pid":            os.Getpid(),
		"documents":      docCount,
		"pool": map[string]int{
			"workers":         rt.pool.Workers(),
			"healthy_workers": rt.pool.HealthyWorkers(),
			"queue_depth":     rt.pool.QueueDepth(),
		},
	}

	if percents, err := cpu.PercentWithContext(r.Context(), 0, false); err == nil && len(percents) > 0 {
		stats["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		stats["memory"] = map[string]any{
			"total":        vm.Total,
			"used":         vm.Used,
			"used_percent": vm.UsedPercent,
		}
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleUsage reports daily external spend. GET /usage?days=
func (rt *Router) handleUsage(w http.ResponseWriter, r *http.Request) {
	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 365 {
			writeErrorResponse(w, http.StatusBadRequest, "invalid_query", "days must be between 1 and 365")
			return
		}
		days = n
	}
	summary, err := rt.store.UsageSummary(r.Context(), days)
	if err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "store_unavailable",
			sanitizeErrorForClient(err, "Could not load usage"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": summary})
}
