package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/explico/internal/common"
	"github.com/ternarybob/explico/internal/models"
)

func TestCacheLookupMiss(t *testing.T) {
	svc, _, _ := newTestIntake(t)
	h := NewCacheHandler(svc, common.GetLogger())

	rec := getPath(h.CacheLookupHandler, "/nup/0609.012097.00016/2026-69/cache")
	require.Equal(t, http.StatusOK, rec.Code)

	var body models.CacheLookup
	require.NoError(t, decodeBody(rec, &body))
	assert.False(t, body.Hit)
	assert.Empty(t, body.JobID)
}

func TestCacheLookupHit(t *testing.T) {
	svc, jobs, _ := newTestIntake(t)
	h := NewCacheHandler(svc, common.GetLogger())

	// Drive a row to done through the real admission path so the dedup key
	// matches what the lookup recomputes.
	resp, err := svc.Admit(context.Background(), &models.EnqueueRequest{NUP: "0609.1/2026-69"})
	require.NoError(t, err)
	row := jobs.Get(resp.JobID)
	now := time.Now().UTC()
	row.Status = models.JobStatusDone
	row.FinishedAt = &now
	jobs.Seed(row)

	rec := getPath(h.CacheLookupHandler, "/nup/0609.1/2026-69/cache")
	require.Equal(t, http.StatusOK, rec.Code)

	var body models.CacheLookup
	require.NoError(t, decodeBody(rec, &body))
	assert.True(t, body.Hit)
	assert.Equal(t, resp.JobID, body.JobID)
	require.NotNil(t, body.FinishedAt)
}

func TestCacheLookupScopeIsPartOfTheKey(t *testing.T) {
	svc, jobs, _ := newTestIntake(t)
	h := NewCacheHandler(svc, common.GetLogger())

	resp, err := svc.Admit(context.Background(), &models.EnqueueRequest{NUP: "0609.1/2026-69", Scope: "unit-a"})
	require.NoError(t, err)
	row := jobs.Get(resp.JobID)
	now := time.Now().UTC()
	row.Status = models.JobStatusDone
	row.FinishedAt = &now
	jobs.Seed(row)

	hit := getPath(h.CacheLookupHandler, "/nup/0609.1/2026-69/cache?scope=unit-a")
	var hitBody models.CacheLookup
	require.NoError(t, decodeBody(hit, &hitBody))
	assert.True(t, hitBody.Hit)

	miss := getPath(h.CacheLookupHandler, "/nup/0609.1/2026-69/cache?scope=unit-b")
	var missBody models.CacheLookup
	require.NoError(t, decodeBody(miss, &missBody))
	assert.False(t, missBody.Hit)
}

func TestCacheLookupBadPaths(t *testing.T) {
	svc, _, _ := newTestIntake(t)
	h := NewCacheHandler(svc, common.GetLogger())

	tests := []struct {
		name string
		path string
		want int
	}{
		{"no cache suffix", "/nup/0609.1/2026-69", http.StatusNotFound},
		{"empty nup", "/nup//cache", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := getPath(h.CacheLookupHandler, tt.path)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
