//go:build !integration && !e2e
// +build !integration,!e2e

package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/piximg-go/internal/repository"
	"github.com/user/piximg-go/tests/testutil"
)

func newStatusHandler(t *testing.T) *StatusHandler {
	t.Helper()
	db := testutil.NewTestDB(t)
	return NewStatusHandler(db, repository.NewJobRepository(db), repository.NewTokenRepository(db, db))
}

func TestStatusHandler_Healthz(t *testing.T) {
	h := newStatusHandler(t)
	c, w := testutil.NewTestContext()
	c.Request = httptest.NewRequest("GET", "/healthz", nil)

	h.Healthz(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestStatusHandler_Status(t *testing.T) {
	h := newStatusHandler(t)
	c, w := testutil.NewTestContext()
	c.Request = httptest.NewRequest("GET", "/status", nil)

	h.Status(c)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["ok"])
	data, ok := resp["data"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, data, "jobs")
	assert.Contains(t, data, "tokens_enabled")
	assert.Contains(t, data, "uptime_seconds")
}

func TestStatusHandler_Docs(t *testing.T) {
	h := newStatusHandler(t)
	c, w := testutil.NewTestContext()

	h.Docs(c)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data, ok := resp["data"].(map[string]any)
	require.True(t, ok)
	endpoints, ok := data["endpoints"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, endpoints)

	paths := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		entry, ok := e.(map[string]any)
		require.True(t, ok)
		assert.NotEmpty(t, entry["method"])
		assert.NotEmpty(t, entry["description"])
		paths = append(paths, entry["path"].(string))
	}
	assert.Contains(t, paths, "/random")
	assert.Contains(t, paths, "/images")
}

func TestStatusHandler_Wtf(t *testing.T) {
	h := newStatusHandler(t)
	c, w := testutil.NewTestContext()

	h.Wtf(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/docs")
	assert.Contains(t, w.Body.String(), "/random")
}
