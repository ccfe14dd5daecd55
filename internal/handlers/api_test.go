package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/explico/internal/models"
	"github.com/ternarybob/explico/internal/queue"
	"github.com/ternarybob/explico/internal/testutil"
)

func TestHealthHandlerReportsOK(t *testing.T) {
	jobs := testutil.NewFakeJobStorage()
	jobs.Seed(&models.Job{JobID: "job-1", Status: models.JobStatusQueued})
	q := testutil.NewFakeQueue()
	require.NoError(t, q.PublishLo(context.Background(), &queue.Message{JobID: "job-1"}))

	h := NewAPIHandler(jobs, q)
	rec := getPath(h.HealthHandler, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, decodeBody(rec, &body))
	assert.Equal(t, true, body["ok"])

	depth, ok := body["queue_depth"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), depth["lo"])
}

func TestVersionHandler(t *testing.T) {
	h := NewAPIHandler(testutil.NewFakeJobStorage(), testutil.NewFakeQueue())

	rec := getPath(h.VersionHandler, "/version")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, decodeBody(rec, &body))
	assert.Contains(t, body, "version")
	assert.Contains(t, body, "build")
}

func TestNotFoundHandler(t *testing.T) {
	h := NewAPIHandler(testutil.NewFakeJobStorage(), testutil.NewFakeQueue())

	req := httptest.NewRequest("GET", "/jobs-typo", nil)
	rec := httptest.NewRecorder()
	h.NotFoundHandler(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]interface{}
	require.NoError(t, decodeBody(rec, &body))
	assert.Equal(t, "/jobs-typo", body["path"])
}
