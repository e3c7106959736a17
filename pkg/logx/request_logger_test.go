package logx

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnonymizeIP(t *testing.T) {
	tests := map[string]string{
		"203.0.113.77:5555":         "203.0.113.0",
		"203.0.113.77":              "203.0.113.0",
		"[2001:db8:1:2:3:4:5:6]:80": "2001:db8:1:2::",
		"127.0.0.1:9000":            "127.0.0.1",
		"not an ip":                 "unknown_ip",
	}
	for in, want := range tests {
		assert.Equal(t, want, anonymizeIP(in), in)
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("debug", FormatJSON, &buf)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(logger))
	r.Get("/teapot", func(w http.ResponseWriter, r *http.Request) {
		// handlers log through the request-scoped logger
		zerolog.Ctx(r.Context()).Info().Msg("brewing")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	})

	req := httptest.NewRequest(http.MethodGet, "/teapot", nil)
	req.RemoteAddr = "198.51.100.23:4000"
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTeapot, rec.Code)

	dec := json.NewDecoder(&buf)
	var handlerLine, requestLine map[string]any
	require.NoError(t, dec.Decode(&handlerLine))
	require.NoError(t, dec.Decode(&requestLine))

	assert.Equal(t, "brewing", handlerLine["message"])
	assert.NotEmpty(t, handlerLine["request_id"])

	assert.Equal(t, "warn", requestLine["level"])
	assert.Equal(t, "Request completed", requestLine["message"])
	assert.Equal(t, float64(http.StatusTeapot), requestLine["status"])
	assert.Equal(t, float64(len("short and stout")), requestLine["bytes"])
	assert.Equal(t, "198.51.100.0", requestLine["remote_ip"])
	assert.Equal(t, "GET", requestLine["method"])
	assert.Equal(t, "http", requestLine["component"])
}
