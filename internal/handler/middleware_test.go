package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCORSMiddlewareSetsHeadersAndShortCircuitsPreflight(t *testing.T) {
	var handlerRan bool
	wrapped := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerRan = true
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	require.True(t, handlerRan)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	handlerRan = false
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("OPTIONS", "/status", nil))
	assert.False(t, handlerRan)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestGlobalLoggingMiddlewarePreservesStatusCode(t *testing.T) {
	wrapped := GlobalLoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/stats", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
