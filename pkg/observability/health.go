package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CheckFunc reports on one dependency; nil means the dependency can serve
type CheckFunc func(ctx context.Context) error

// HealthStatus is the aggregate answer for one health check
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// HealthChecker checks the durable store plus any registered dependencies.
// The store is the hard requirement: reconciliation cannot run without it,
// so readiness follows the same answer.
type HealthChecker struct {
	dbPool *pgxpool.Pool
	checks map[string]CheckFunc
}

// NewHealthChecker creates a health checker over the transaction store
func NewHealthChecker(dbPool *pgxpool.Pool) *HealthChecker {
	return &HealthChecker{
		dbPool: dbPool,
		checks: make(map[string]CheckFunc),
	}
}

// RegisterCheck adds a named dependency check. Register before serving;
// the map is not guarded.
func (h *HealthChecker) RegisterCheck(name string, fn CheckFunc) {
	h.checks[name] = fn
}

// Check runs every registered check and folds the answers into one status
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	checks := make(map[string]string)
	overallStatus := "healthy"

	if h.dbPool != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		if err := h.dbPool.Ping(dbCtx); err != nil {
			checks["transaction_store"] = "unhealthy: " + err.Error()
			overallStatus = "unhealthy"
		} else {
			checks["transaction_store"] = "healthy"
		}
	} else {
		checks["transaction_store"] = "not configured"
	}

	for name, fn := range h.checks {
		if err := fn(ctx); err != nil {
			checks[name] = "unhealthy: " + err.Error()
			overallStatus = "unhealthy"
		} else {
			checks[name] = "healthy"
		}
	}

	return HealthStatus{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Checks:    checks,
	}
}

// HealthHandler returns an HTTP handler for health checks
func (h *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if status.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		json.NewEncoder(w).Encode(status)
	}
}

// ReadyHandler reports whether the service can take traffic. Readiness only
// gates on the transaction store; a degraded side dependency still serves.
func (h *HealthChecker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.dbPool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := h.dbPool.Ping(ctx); err != nil {
				http.Error(w, "store unreachable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	}
}
