package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/triage/internal/apperr"
)

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dropper.exe")
	require.NoError(t, os.WriteFile(path, []byte("MZ fake sample"), 0o644))
	return path
}

func TestSubmitFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tasks/create/file/", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		f, header, err := r.FormFile("file")
		require.NoError(t, err)
		f.Close()
		assert.Equal(t, "dropper.exe", header.Filename)
		assert.Equal(t, "1", r.FormValue("timeout"))

		fmt.Fprint(w, `{"error":false,"data":{"task_id":101}}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	id, err := client.SubmitFile(context.Background(), writeSample(t), map[string]string{"timeout": "1"})
	require.NoError(t, err)
	assert.Equal(t, 101, id)
}

func TestSubmitFile_TaskIDsVariant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":false,"data":{"task_ids":[777,778]}}`)
	}))
	defer srv.Close()

	id, err := NewClient(srv.URL).SubmitFile(context.Background(), writeSample(t), nil)
	require.NoError(t, err)
	assert.Equal(t, 777, id)
}

func TestSubmitFile_BackendRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":true,"error_value":"machine does not exist"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).SubmitFile(context.Background(), writeSample(t), nil)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.PermanentBackend))
	assert.Contains(t, err.Error(), "machine does not exist")
}

func TestSubmitFile_502IsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).SubmitFile(context.Background(), writeSample(t), nil)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.TransientBackend))
}

func TestSubmitFile_HTMLBodyIsTransient(t *testing.T) {
	// A proxy error page with a 200 status must not fail the sub-task.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>gateway error</body></html>")
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).SubmitFile(context.Background(), writeSample(t), nil)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.TransientBackend))
}

func TestGetTaskStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks/status/42/", r.URL.Path)
		fmt.Fprint(w, `{"error":false,"data":"reported"}`)
	}))
	defer srv.Close()

	status, err := NewClient(srv.URL).GetTaskStatus(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "reported", status)
}

func TestGetReport_RetriesWhileStillAnalyzed(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			fmt.Fprint(w, `{"error":true,"error_value":"The task is still being analyzed"}`)
			return
		}
		fmt.Fprint(w, `{"info":{"score":7.5},"signatures":[]}`)
	}))
	defer srv.Close()

	report, err := NewClient(srv.URL).GetReport(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	info, ok := report["info"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 7.5, info["score"])
}

func TestGetReport_OtherEnvelopeErrorFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"error":true,"error_value":"report missing"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).GetReport(context.Background(), 42)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHealthCheck(t *testing.T) {
	cases := []struct {
		status int
		ok     bool
	}{
		{http.StatusOK, true},
		{http.StatusNotFound, true},
		{http.StatusBadGateway, false},
		{http.StatusInternalServerError, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		err := NewClient(srv.URL).HealthCheck(context.Background())
		if tc.ok {
			assert.NoError(t, err, "status %d", tc.status)
		} else {
			assert.Error(t, err, "status %d", tc.status)
		}
		srv.Close()
	}
}

func TestHealthCheck_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	err := NewClient(srv.URL).HealthCheck(context.Background())
	assert.Error(t, err)
}
