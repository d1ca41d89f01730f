package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborwatch/harborwatch/internal/config"
	"github.com/harborwatch/harborwatch/internal/models"
	"github.com/harborwatch/harborwatch/internal/observability"
	"github.com/harborwatch/harborwatch/internal/remediation"
)

type stubControl struct {
	err error
}

func (s *stubControl) RestartContainer(_ context.Context, _ int, _ string) error { return s.err }

func (s *stubControl) StopContainer(_ context.Context, _ int, _ string) error { return s.err }

func (s *stubControl) StartContainer(_ context.Context, _ int, _ string) error { return s.err }

type stubAudit struct{}

func (stubAudit) Write(_ context.Context, _ *models.AuditEntry) error { return nil }

func newTestServer(t *testing.T, cfg config.APIConfig, control *stubControl, checks []DependencyCheck) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := observability.NewNoopLogger()
	actStore := remediation.NewStore(sqlx.NewDb(db, "sqlmock"))
	actions := remediation.NewService(actStore, control, stubAudit{}, nil, nil, logger)
	health := NewHealthChecker(checks, nil, logger)

	return NewServer(cfg, Stores{}, actions, actStore, health, nil, nil, nil, logger), mock
}

func doRequest(s *Server, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func actionRow(id uuid.UUID, status models.ActionStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "insight_id", "endpoint_id", "container_id", "container_name",
		"action_type", "rationale", "status", "approved_by", "approved_at",
		"rejected_by", "rejected_at", "rejection_reason", "executed_at",
		"completed_at", "execution_result", "execution_duration_ms", "created_at",
	}).AddRow(
		id.String(), nil, 1, "c1", "web",
		string(models.ActionRestartContainer), "high cpu", string(status), nil, nil,
		nil, nil, nil, nil,
		nil, nil, nil, time.Now(),
	)
}

func expectTransition(mock sqlmock.Sqlmock, id uuid.UUID, next models.ActionStatus) {
	mock.ExpectExec("UPDATE actions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM actions WHERE id").
		WithArgs(id).
		WillReturnRows(actionRow(id, next))
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, config.APIConfig{}, &stubControl{}, nil)

	w := doRequest(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestReadinessRedaction(t *testing.T) {
	checks := []DependencyCheck{
		{
			Name: "database",
			URL:  "postgres://harborwatch@db.internal:5432/harborwatch",
			Ping: func(context.Context) error { return nil },
		},
		{
			Name: "redis",
			URL:  "redis://cache.internal:6379",
			Ping: func(context.Context) error { return errors.New("dial tcp: connection refused") },
		},
	}
	s, _ := newTestServer(t, config.APIConfig{}, &stubControl{}, checks)

	t.Run("public route hides urls and errors", func(t *testing.T) {
		w := doRequest(s, http.MethodGet, "/health/ready", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		body := w.Body.String()
		assert.Contains(t, body, `"status":"unhealthy"`)
		assert.Contains(t, body, `"redis":{"status":"unhealthy"}`)
		assert.NotContains(t, body, "db.internal")
		assert.NotContains(t, body, "cache.internal")
		assert.NotContains(t, body, "connection refused")
	})

	t.Run("detail route keeps them", func(t *testing.T) {
		w := doRequest(s, http.MethodGet, "/health/ready/detail", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		body := w.Body.String()
		assert.Contains(t, body, "db.internal")
		assert.Contains(t, body, "connection refused")
	})
}

func TestReadinessSingleFailureIsUnhealthy(t *testing.T) {
	// One dead dependency among healthy ones is enough: the instance cannot
	// do its job with the database down even when the upstream answers.
	checks := []DependencyCheck{
		{Name: "appDb", Ping: func(context.Context) error { return errors.New("dial tcp: connection refused") }},
		{Name: "portainer", Ping: func(context.Context) error { return nil }},
	}
	s, _ := newTestServer(t, config.APIConfig{}, &stubControl{}, checks)

	w := doRequest(s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `"status":"unhealthy"`)
	assert.Contains(t, body, `"portainer":{"status":"healthy"}`)
}

func TestReadinessUnhealthy(t *testing.T) {
	checks := []DependencyCheck{
		{Name: "database", Ping: func(context.Context) error { return errors.New("down") }},
	}
	s, _ := newTestServer(t, config.APIConfig{}, &stubControl{}, checks)

	w := doRequest(s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdminToken(t *testing.T) {
	cfg := config.APIConfig{AdminToken: "sekrit"}
	id := uuid.New()

	t.Run("missing token rejected", func(t *testing.T) {
		s, _ := newTestServer(t, cfg, &stubControl{}, nil)
		w := doRequest(s, http.MethodPost, "/api/remediation/actions/"+id.String()+"/approve", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("header token accepted", func(t *testing.T) {
		s, mock := newTestServer(t, cfg, &stubControl{}, nil)
		expectTransition(mock, id, models.ActionApproved)

		w := doRequest(s, http.MethodPost, "/api/remediation/actions/"+id.String()+"/approve",
			map[string]string{"X-Admin-Token": "sekrit"})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("bearer token accepted", func(t *testing.T) {
		s, mock := newTestServer(t, cfg, &stubControl{}, nil)
		expectTransition(mock, id, models.ActionApproved)

		w := doRequest(s, http.MethodPost, "/api/remediation/actions/"+id.String()+"/approve",
			map[string]string{"Authorization": "Bearer sekrit"})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("reads stay open", func(t *testing.T) {
		s, mock := newTestServer(t, cfg, &stubControl{}, nil)
		mock.ExpectQuery("SELECT (.+) FROM actions ORDER BY").
			WillReturnRows(actionRow(id, models.ActionPending))

		w := doRequest(s, http.MethodGet, "/api/remediation/actions", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestExecuteAction(t *testing.T) {
	id := uuid.New()

	t.Run("success", func(t *testing.T) {
		s, mock := newTestServer(t, config.APIConfig{}, &stubControl{}, nil)
		expectTransition(mock, id, models.ActionExecuting)
		expectTransition(mock, id, models.ActionCompleted)

		w := doRequest(s, http.MethodPost, "/api/remediation/actions/"+id.String()+"/execute", nil)
		assert.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Success  bool   `json:"success"`
			ActionID string `json:"actionId"`
			Status   string `json:"status"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.True(t, body.Success)
		assert.Equal(t, id.String(), body.ActionID)
		assert.Equal(t, "completed", body.Status)
	})

	t.Run("upstream failure maps to 502", func(t *testing.T) {
		s, mock := newTestServer(t, config.APIConfig{}, &stubControl{err: errors.New("endpoint unreachable")}, nil)
		expectTransition(mock, id, models.ActionExecuting)
		expectTransition(mock, id, models.ActionFailed)

		w := doRequest(s, http.MethodPost, "/api/remediation/actions/"+id.String()+"/execute", nil)
		assert.Equal(t, http.StatusBadGateway, w.Code)

		body := w.Body.String()
		assert.Contains(t, body, `"error":"upstream execution failed"`)
		assert.Contains(t, body, `"status":"failed"`)
		assert.Contains(t, body, id.String())
	})

	t.Run("unapproved action maps to 409", func(t *testing.T) {
		s, mock := newTestServer(t, config.APIConfig{}, &stubControl{}, nil)
		mock.ExpectExec("UPDATE actions").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM actions WHERE id").
			WithArgs(id).
			WillReturnRows(actionRow(id, models.ActionPending))

		w := doRequest(s, http.MethodPost, "/api/remediation/actions/"+id.String()+"/execute", nil)
		assert.Equal(t, http.StatusConflict, w.Code)

		body := w.Body.String()
		assert.Contains(t, body, `"error":"invalid state transition"`)
		assert.Contains(t, body, `"currentStatus":"pending"`)
	})

	t.Run("missing action maps to 404", func(t *testing.T) {
		s, mock := newTestServer(t, config.APIConfig{}, &stubControl{}, nil)
		mock.ExpectExec("UPDATE actions").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM actions WHERE id").
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		w := doRequest(s, http.MethodPost, "/api/remediation/actions/"+id.String()+"/execute", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("malformed id maps to 400", func(t *testing.T) {
		s, _ := newTestServer(t, config.APIConfig{}, &stubControl{}, nil)
		w := doRequest(s, http.MethodPost, "/api/remediation/actions/not-a-uuid/execute", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestCreateActionValidation(t *testing.T) {
	s, _ := newTestServer(t, config.APIConfig{}, &stubControl{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/remediation/actions",
		strings.NewReader(`{"endpoint_id":1,"container_id":"c1","action_type":"DELETE_EVERYTHING"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unknown action_type")
}
