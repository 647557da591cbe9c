package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/triage/internal/extractor"
)

func TestStoreArtifactsFailedDownloadAbortsFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := &ExtractorFetcher{}
	client := extractor.NewClient(srv.URL)

	stored, err := f.storeArtifacts(context.Background(), client, "abc123", map[string]interface{}{
		"result_files": map[string]interface{}{"cfg": "cfg.json"},
	})
	require.Error(t, err, "a lost artifact must fail the fetch so the next tick retries")
	assert.Nil(t, stored)
}

func TestStoreArtifactsWithoutFileListing(t *testing.T) {
	f := &ExtractorFetcher{}
	client := extractor.NewClient("http://127.0.0.1:1")

	stored, err := f.storeArtifacts(context.Background(), client, "abc123", map[string]interface{}{
		"message": "ok",
	})
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestStoreArtifactsSkipsUnusableEntries(t *testing.T) {
	f := &ExtractorFetcher{}
	// The client must never be reached for entries without a file name.
	client := extractor.NewClient("http://127.0.0.1:1")

	stored, err := f.storeArtifacts(context.Background(), client, "abc123", map[string]interface{}{
		"result_files": map[string]interface{}{
			"cfg":   3.0,
			"graph": "",
		},
	})
	require.NoError(t, err)
	assert.Empty(t, stored)
}
