package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/triage/internal/apperr"
)

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestOK(t *testing.T) {
	rec := httptest.NewRecorder()
	OK(rec, map[string]string{"hello": "world"})

	assert.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, 200, env.Code)
	assert.Equal(t, "success", env.Msg)
}

func TestFail_KindMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{apperr.E(apperr.Validation, "bad input"), http.StatusBadRequest},
		{apperr.E(apperr.NotFound, "missing"), http.StatusNotFound},
		{apperr.E(apperr.Conflict, "not pausable"), http.StatusConflict},
		{apperr.E(apperr.TransientBackend, "backend down"), http.StatusServiceUnavailable},
		{apperr.E(apperr.Storage, "db down"), http.StatusServiceUnavailable},
		{apperr.E(apperr.PermanentBackend, "rejected"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		Fail(rec, tc.err)
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())

		env := decodeEnvelope(t, rec)
		assert.Equal(t, tc.status, env.Code, "code mirrors the HTTP status")
		assert.Equal(t, tc.err.Error(), env.Msg)
	}
}

func TestFail_InternalMasksDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	Fail(rec, errors.New("pq: secret connection string leaked"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "internal server error", env.Msg)
	assert.NotContains(t, rec.Body.String(), "secret")
}

func TestHealth_DegradedWithoutStorage(t *testing.T) {
	s := NewServer(Deps{
		DBCheck: func(ctx context.Context) error { return nil },
		// Blobs left nil: the object store was unreachable at boot.
	})

	rec := httptest.NewRecorder()
	s.health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code, "degraded mode still answers 200")
	env := decodeEnvelope(t, rec)
	data, ok := env.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "degraded", data["status"])

	components, ok := data["components"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ok", components["database"])
	assert.Equal(t, "unavailable", components["storage"])
}

func TestHealthDB_Failure(t *testing.T) {
	s := NewServer(Deps{
		DBCheck: func(ctx context.Context) error { return errors.New("connection refused") },
	})

	rec := httptest.NewRecorder()
	s.healthDB(rec, httptest.NewRequest(http.MethodGet, "/api/health/db", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
