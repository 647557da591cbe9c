package extractor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/triage/internal/apperr"
)

const testSHA = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.exe")
	require.NoError(t, os.WriteFile(path, []byte("MZ fake pe"), 0o644))
	return path
}

func TestSubmitPE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/preprocess_pe", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, testSHA, r.FormValue("task_id"))
		assert.Equal(t, "1", r.FormValue("label"))
		f, header, err := r.FormFile("file")
		require.NoError(t, err)
		f.Close()
		assert.Equal(t, "sample.exe", header.Filename)

		fmt.Fprint(w, `{"message":"task created"}`)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).SubmitPE(context.Background(), writeSample(t), testSHA, 1)
	require.NoError(t, err)
}

func TestSubmitPE_AlreadyExistsIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Task already exists"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).SubmitPE(context.Background(), writeSample(t), testSHA, 0)
	assert.NoError(t, err, "resubmitting the same sha256 is idempotent")
}

func TestSubmitPE_OtherBadRequestIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not a PE file"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).SubmitPE(context.Background(), writeSample(t), testSHA, 0)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.PermanentBackend))
}

func TestSubmitPE_503IsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).SubmitPE(context.Background(), writeSample(t), testSHA, 0)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.TransientBackend))
}

func TestGetTaskStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/task/"+testSHA, r.URL.Path)
		fmt.Fprint(w, `{"status":"completed","message":"done"}`)
	}))
	defer srv.Close()

	doc, err := NewClient(srv.URL).GetTaskStatus(context.Background(), testSHA)
	require.NoError(t, err)
	assert.Equal(t, "completed", doc["status"])
}

func TestGetTaskStatus_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).GetTaskStatus(context.Background(), testSHA)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
}

func TestGetResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/result/"+testSHA, r.URL.Path)
		fmt.Fprint(w, `{"message":"ok","result_files":{"cfg":"cfg.json","features":"features.bin"}}`)
	}))
	defer srv.Close()

	doc, err := NewClient(srv.URL).GetResult(context.Background(), testSHA)
	require.NoError(t, err)
	files, ok := doc["result_files"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "cfg.json", files["cfg"])
}

func TestDownloadResultFile(t *testing.T) {
	payload := []byte("graph bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/download/"+testSHA+"/cfg.json", r.URL.Path)
		w.Write(payload)
	}))
	defer srv.Close()

	body, size, err := NewClient(srv.URL).DownloadResultFile(context.Background(), testSHA, "cfg.json")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, int64(len(payload)), size)
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/system/status", r.URL.Path)
		fmt.Fprint(w, `{"status":"running","queue_depth":3}`)
	}))
	defer srv.Close()

	assert.NoError(t, NewClient(srv.URL).HealthCheck(context.Background()))
}
