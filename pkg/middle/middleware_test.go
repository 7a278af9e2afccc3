package middle

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestIDAssigned(t *testing.T) {
	var seen string
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}), RequestIDMiddleware(zap.NewNop()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.True(t, strings.HasPrefix(seen, "req-"))
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
}

func TestRequestIDPropagated(t *testing.T) {
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), RequestIDMiddleware(zap.NewNop()))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-upstream")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-upstream", rec.Header().Get(RequestIDHeader))
}

func TestLoggingRecoversPanic(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)

	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), RequestIDMiddleware(log), LoggingMiddleware(log))

	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/x", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	errs := logs.FilterMessage("Internal Server Error").All()
	require.Len(t, errs, 1)
	assert.Equal(t, "boom", errs[0].ContextMap()["panic"])
	assert.NotEmpty(t, errs[0].ContextMap()["request_id"])

	done := logs.FilterMessage("Request completed").All()
	require.Len(t, done, 1)
	assert.EqualValues(t, http.StatusInternalServerError, done[0].ContextMap()["status"])
}

func TestLoggingCapturesStatus(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	h := LoggingMiddleware(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Run not found", http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/runs/none", nil))

	done := logs.FilterMessage("Request completed").All()
	require.Len(t, done, 1)
	assert.EqualValues(t, http.StatusNotFound, done[0].ContextMap()["status"])
	assert.Equal(t, "/runs/none", done[0].ContextMap()["path"])
}
