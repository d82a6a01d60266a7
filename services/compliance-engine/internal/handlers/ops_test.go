package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cattlesense/services/compliance-engine/internal/apperr"
	"cattlesense/services/compliance-engine/internal/metrics"
	"cattlesense/services/compliance-engine/internal/scheduler"
	"cattlesense/services/compliance-engine/internal/traceability"
)

type stubHealth struct{ err error }

func (s stubHealth) Health(context.Context) error { return s.err }

type stubTasks struct {
	ran []string
	err error
}

func (s *stubTasks) Tasks() []scheduler.TaskStatus {
	return []scheduler.TaskStatus{{ID: scheduler.ChainAuditTaskID, Name: "Chain Audit", Enabled: true}}
}

func (s *stubTasks) RunNow(_ context.Context, id string) error {
	s.ran = append(s.ran, id)
	return s.err
}

type stubChains map[string]traceability.Report

func (s stubChains) Verify(_ context.Context, id string) (traceability.Report, error) {
	report, ok := s[id]
	if !ok {
		return traceability.Report{}, apperr.NotFound("livestock %s not found", id)
	}
	return report, nil
}

func newRouter(health error, tasks *stubTasks) *mux.Router {
	reg := prometheus.NewRegistry()
	metrics.NewCollector(reg).RecordChainConflict()

	chains := stubChains{
		"lv-1": {LivestockID: "lv-1", Valid: true, Length: 3, BrokenIndex: -1},
		"lv-2": {LivestockID: "lv-2", Valid: false, Length: 3, BrokenIndex: 1, Reason: "hash mismatch"},
	}
	h := NewOpsHandler("compliance-engine", stubHealth{health}, tasks, chains, reg, zap.NewNop())
	router := mux.NewRouter()
	h.RegisterRoutes(router)
	return router
}

func serve(router http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	t.Run("Healthy store", func(t *testing.T) {
		rec := serve(newRouter(nil, &stubTasks{}), http.MethodGet, "/health")
		assert.Equal(t, http.StatusOK, rec.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, "compliance-engine", body["service"])
	})

	t.Run("Unreachable store", func(t *testing.T) {
		rec := serve(newRouter(errors.New("dial tcp: refused"), &stubTasks{}), http.MethodGet, "/health")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	rec := serve(newRouter(nil, &stubTasks{}), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "amu_compliance_chain_conflicts_total"))
}

func TestSchedulerRoutes(t *testing.T) {
	t.Run("Lists tasks", func(t *testing.T) {
		rec := serve(newRouter(nil, &stubTasks{}), http.MethodGet, "/scheduler/tasks")
		assert.Equal(t, http.StatusOK, rec.Code)

		var tasks []scheduler.TaskStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
		require.Len(t, tasks, 1)
		assert.Equal(t, scheduler.ChainAuditTaskID, tasks[0].ID)
	})

	t.Run("Executes a known task", func(t *testing.T) {
		tasks := &stubTasks{}
		rec := serve(newRouter(nil, tasks), http.MethodPost, "/scheduler/tasks/chain_audit/execute")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"chain_audit"}, tasks.ran)
	})

	t.Run("Unknown task is not found", func(t *testing.T) {
		tasks := &stubTasks{}
		rec := serve(newRouter(nil, tasks), http.MethodPost, "/scheduler/tasks/nope/execute")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Empty(t, tasks.ran)
	})

	t.Run("Failing task is a server error", func(t *testing.T) {
		tasks := &stubTasks{err: errors.New("1 of 4 audited chains failed verification")}
		rec := serve(newRouter(nil, tasks), http.MethodPost, "/scheduler/tasks/chain_audit/execute")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "failed verification")
	})
}

func TestVerifyChain(t *testing.T) {
	router := newRouter(nil, &stubTasks{})

	rec := serve(router, http.MethodGet, "/livestock/lv-1/verify")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(router, http.MethodGet, "/livestock/lv-2/verify")
	assert.Equal(t, http.StatusConflict, rec.Code)
	var report traceability.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.BrokenIndex)

	rec = serve(router, http.MethodGet, "/livestock/lv-9/verify")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(apperr.Validation("bad")))
	assert.Equal(t, http.StatusForbidden, statusFor(apperr.Forbidden("no")))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("plain")))
}
