package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	ok := CheckFunc(func(context.Context) error { return nil })
	down := CheckFunc(func(context.Context) error { return errors.New("connection refused") })

	rec := httptest.NewRecorder()
	HealthHandler(map[string]HealthChecker{"db": ok, "redis": ok})(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	HealthHandler(map[string]HealthChecker{"db": ok, "minio": down})(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "connection refused", body.Checks["minio"].Message)
	assert.Equal(t, "healthy", body.Checks["db"].Status)
}

func TestMetricsMiddleware(t *testing.T) {
	m := NewMetrics()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("ok"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/good", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/bad", nil))

	snap := m.Snapshot(map[string]Gauge{"pool_pending": func() int64 { return 4 }})
	assert.EqualValues(t, 2, snap["requests_total"])
	assert.EqualValues(t, 1, snap["requests_success"])
	assert.EqualValues(t, 1, snap["requests_failed"])
	assert.EqualValues(t, 0, snap["requests_in_progress"])
	assert.EqualValues(t, 4, snap["pool_pending"])
}

func TestValidateStruct(t *testing.T) {
	type upload struct {
		PatientID string `validate:"required"`
		Type      string `validate:"required,scan_type"`
		Priority  string `validate:"omitempty,priority"`
	}
	assert.NoError(t, ValidateStruct(upload{PatientID: "p1", Type: "X-Ray", Priority: "urgent"}))

	err := ValidateStruct(upload{Type: "sonar", Priority: "asap"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "patientid failed required")
	assert.Contains(t, err.Error(), "type failed scan_type")
	assert.Contains(t, err.Error(), "priority failed priority")
}

func TestSanitizeAndLimit(t *testing.T) {
	assert.Equal(t, "left lung", SanitizeString(" left\x00 lung\x07 "))
	assert.Equal(t, 20, ValidateLimit(0))
	assert.Equal(t, 100, ValidateLimit(1000))
	assert.Equal(t, 7, ValidateLimit(7))
}
