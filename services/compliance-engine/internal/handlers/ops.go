// Package handlers exposes the operational HTTP surface: health, metrics,
// scheduler status and on-demand chain verification.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"cattlesense/services/compliance-engine/internal/apperr"
	"cattlesense/services/compliance-engine/internal/logging"
	"cattlesense/services/compliance-engine/internal/scheduler"
	"cattlesense/services/compliance-engine/internal/traceability"
)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// TaskRunner is the part of the scheduler the handler drives.
type TaskRunner interface {
	Tasks() []scheduler.TaskStatus
	RunNow(ctx context.Context, taskID string) error
}

// ChainVerifier walks one livestock's traceability chain.
type ChainVerifier interface {
	Verify(ctx context.Context, livestockID string) (traceability.Report, error)
}

// OpsHandler serves the operational endpoints
type OpsHandler struct {
	serviceName string
	store       HealthChecker
	tasks       TaskRunner
	chains      ChainVerifier
	gatherer    prometheus.Gatherer
	logger      *zap.Logger
}

func NewOpsHandler(serviceName string, store HealthChecker, tasks TaskRunner, chains ChainVerifier, gatherer prometheus.Gatherer, logger *zap.Logger) *OpsHandler {
	return &OpsHandler{
		serviceName: serviceName,
		store:       store,
		tasks:       tasks,
		chains:      chains,
		gatherer:    gatherer,
		logger:      logger.Named("http"),
	}
}

// RegisterRoutes registers every operational route
func (h *OpsHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	schedulerRouter := router.PathPrefix("/scheduler").Subrouter()
	schedulerRouter.HandleFunc("/tasks", h.handleListTasks).Methods("GET")
	schedulerRouter.HandleFunc("/tasks/{id}/execute", h.handleExecuteTask).Methods("POST")

	router.HandleFunc("/livestock/{id}/verify", h.handleVerifyChain).Methods("GET")
}

func (h *OpsHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "healthy", http.StatusOK
	if h.store != nil {
		if err := h.store.Health(ctx); err != nil {
			h.logger.Warn("Health check failed", zap.Error(err))
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
	}

	h.writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"service":   h.serviceName,
		"timestamp": time.Now().UTC(),
	})
}

func (h *OpsHandler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.tasks.Tasks())
}

func (h *OpsHandler) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]

	found := false
	for _, t := range h.tasks.Tasks() {
		if t.ID == taskID {
			found = true
			break
		}
	}
	if !found {
		h.writeError(w, http.StatusNotFound, "Task not found")
		return
	}

	if err := h.tasks.RunNow(r.Context(), taskID); err != nil {
		h.logger.Error("Failed to execute task", zap.String("task_id", taskID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *OpsHandler) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	livestockID := mux.Vars(r)["id"]

	report, err := h.chains.Verify(r.Context(), livestockID)
	if err != nil {
		h.logger.Error("Failed to verify chain", logging.Livestock(livestockID), zap.Error(err))
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	code := http.StatusOK
	if !report.Valid {
		code = http.StatusConflict
	}
	h.writeJSON(w, code, report)
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindChainConflict:
		return http.StatusConflict
	case apperr.KindReferenceDataUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *OpsHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func (h *OpsHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}
