package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"packplanner/internal/config"
	"packplanner/internal/observability"
	"packplanner/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	status    worker.Status
	history   []worker.RunRecord
	triggered int
}

func (f *fakeWorker) GetStatus() worker.Status        { return f.status }
func (f *fakeWorker) GetHistory() []worker.RunRecord { return f.history }
func (f *fakeWorker) GetInstance() string            { return "summary-1" }
func (f *fakeWorker) TriggerManualRun()              { f.triggered++ }
func (f *fakeWorker) Pause(context.Context)          { f.status.IsPaused = true }
func (f *fakeWorker) Resume(context.Context)         { f.status.IsPaused = false }

func newWorkerAdminRouter(w WorkerController, cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := NewWorkerAdminHandlerWithLogger(cfg, w, observability.NewLogger(&config.OpenTelemetryConfig{EnableLogging: false}))
	router := gin.New()
	router.GET("/details", handler.GetWorkerDetails)
	router.GET("/status", handler.GetWorkerStatus)
	router.POST("/pause", handler.PauseWorker)
	router.POST("/resume", handler.ResumeWorker)
	router.POST("/trigger", handler.TriggerWorkerRun)
	router.GET("/configz", handler.GetConfigz)
	return router
}

func doRequest(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestWorkerAdminHandler_PauseResumeTrigger(t *testing.T) {
	fw := &fakeWorker{status: worker.Status{IsRunning: true}}
	router := newWorkerAdminRouter(fw, &config.Config{})

	w := doRequest(router, "POST", "/pause")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, fw.status.IsPaused)

	w = doRequest(router, "GET", "/status")
	require.Equal(t, http.StatusOK, w.Code)
	var status worker.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.True(t, status.IsPaused)
	assert.True(t, status.IsRunning)

	w = doRequest(router, "POST", "/resume")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, fw.status.IsPaused)

	w = doRequest(router, "POST", "/trigger")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, fw.triggered)
}

func TestWorkerAdminHandler_DetailsLimitsHistory(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fw := &fakeWorker{}
	for i := 0; i < 5; i++ {
		fw.history = append(fw.history, worker.RunRecord{StartTime: start.Add(time.Duration(i) * time.Minute), Summarized: i, Status: "Success"})
	}
	router := newWorkerAdminRouter(fw, &config.Config{})

	w := doRequest(router, "GET", "/details?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Instance string             `json:"instance"`
		History  []worker.RunRecord `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "summary-1", body.Instance)
	require.Len(t, body.History, 2)
	assert.Equal(t, 3, body.History[0].Summarized)
	assert.Equal(t, 4, body.History[1].Summarized)
}

func TestWorkerAdminHandler_NoWorker(t *testing.T) {
	router := newWorkerAdminRouter(nil, &config.Config{})
	for _, tc := range []struct{ method, path string }{
		{"GET", "/details"}, {"GET", "/status"}, {"POST", "/pause"}, {"POST", "/resume"}, {"POST", "/trigger"},
	} {
		w := doRequest(router, tc.method, tc.path)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, tc.path)
	}
}

func TestWorkerAdminHandler_ConfigzRedactsSecrets(t *testing.T) {
	cfg := &config.Config{}
	cfg.Database.URL = "postgres://planner:hunter2@db:5432/planner"
	cfg.Redis.URL = "redis://:s3cret@cache:6379/0"
	cfg.Reasoning.APIKey = "sk-abcdefghijklmnop"
	cfg.Server.SessionSecret = "cookie-secret"
	cfg.OpenTelemetry.Headers = map[string]string{"authorization": "Bearer xyz"}

	w := doRequest(newWorkerAdminRouter(&fakeWorker{}, cfg), "GET", "/configz")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	for _, secret := range []string{"hunter2", "s3cret", "sk-abcdefghijklmnop", "cookie-secret", "Bearer xyz"} {
		assert.NotContains(t, body, secret)
	}
	assert.Contains(t, body, "db:5432")
	assert.Equal(t, "cookie-secret", cfg.Server.SessionSecret, "the live config is untouched")
	assert.Equal(t, "Bearer xyz", cfg.OpenTelemetry.Headers["authorization"])
}

func TestNewWorkerRouter(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.SessionSecret = "test-secret"
	router := NewWorkerRouter(cfg, &fakeWorker{}, observability.NewLogger(&config.OpenTelemetryConfig{EnableLogging: false}))

	w := doRequest(router, "GET", "/v1/health")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, "GET", "/v1/version")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"service":"worker"`)

	w = doRequest(router, "POST", "/v1/admin/worker/trigger")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(router, "GET", "/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/v1/admin/worker/configz")
}
