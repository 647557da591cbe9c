// Package extractor implements the FeatureExtractor backend client.
//
// The backend keys tasks by sample sha256, so re-submitting the same
// sample is idempotent: a 400 carrying "already exist" means the task
// is already queued and counts as a successful submission.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"firestige.xyz/triage/internal/apperr"
	"firestige.xyz/triage/internal/backend"
)

const previewLen = 200

// Client talks to one FeatureExtractor instance.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

func NewClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// SubmitPE uploads a PE sample for feature extraction. taskID is the
// sample sha256; label is the operator-assigned classification hint.
func (c *Client) SubmitPE(ctx context.Context, filePath, taskID string, label int) error {
	f, err := os.Open(filePath)
	if err != nil {
		return apperr.Wrap(apperr.PermanentBackend, "failed to open sample file", err)
	}
	defer f.Close()

	var buf strings.Builder
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return apperr.Wrap(apperr.Internal, "failed to build multipart form", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return apperr.Wrap(apperr.Internal, "failed to copy sample into form", err)
	}
	if err := w.WriteField("task_id", taskID); err != nil {
		return apperr.Wrap(apperr.Internal, "failed to write task_id field", err)
	}
	if err := w.WriteField("label", strconv.Itoa(label)); err != nil {
		return apperr.Wrap(apperr.Internal, "failed to write label field", err)
	}
	if err := w.Close(); err != nil {
		return apperr.Wrap(apperr.Internal, "failed to finalize multipart form", err)
	}

	url := c.baseURL + "/preprocess_pe"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(buf.String()))
	if err != nil {
		return apperr.Wrap(apperr.PermanentBackend, "failed to build submit request", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Wrap(backend.ClassifyTransportError(err), "sample submission failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Wrap(apperr.TransientBackend, "failed to read submit response", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	preview := apperr.Preview(string(raw), previewLen)
	if resp.StatusCode == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(preview), "already exist") {
		// Idempotent hit: the backend already has this task.
		return nil
	}
	return apperr.Ef(backend.ClassifyHTTPStatus(resp.StatusCode),
		"extractor submission failed: status=%d, body_preview=%s", resp.StatusCode, preview)
}

// GetTaskStatus returns the raw task status document. A 404 means the
// task is unknown or was evicted after failure.
func (c *Client) GetTaskStatus(ctx context.Context, taskID string) (map[string]interface{}, error) {
	raw, status, err := c.get(ctx, fmt.Sprintf("%s/task/%s", c.baseURL, taskID))
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, apperr.Ef(apperr.NotFound, "extractor task %s not found", taskID)
	}
	if status < 200 || status > 299 {
		return nil, apperr.Ef(backend.ClassifyHTTPStatus(status),
			"extractor status query failed: status=%d, body_preview=%s",
			status, apperr.Preview(string(raw), previewLen))
	}
	return decodeObject(raw)
}

// GetResult returns the result document listing artifact file names.
func (c *Client) GetResult(ctx context.Context, taskID string) (map[string]interface{}, error) {
	raw, status, err := c.get(ctx, fmt.Sprintf("%s/result/%s", c.baseURL, taskID))
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, apperr.Ef(apperr.NotFound, "extractor result %s not found", taskID)
	}
	if status < 200 || status > 299 {
		return nil, apperr.Ef(backend.ClassifyHTTPStatus(status),
			"extractor result query failed: status=%d, body_preview=%s",
			status, apperr.Preview(string(raw), previewLen))
	}
	return decodeObject(raw)
}

// DownloadResultFile streams one result artifact. The caller owns the
// returned reader.
func (c *Client) DownloadResultFile(ctx context.Context, taskID, fileName string) (io.ReadCloser, int64, error) {
	url := fmt.Sprintf("%s/download/%s/%s", c.baseURL, taskID, fileName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.Internal, "failed to build download request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, apperr.Wrap(backend.ClassifyTransportError(err), "artifact download failed", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, 0, apperr.Ef(backend.ClassifyHTTPStatus(resp.StatusCode),
			"artifact download failed: status=%d", resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

// GetSystemStatus returns the backend's status document, used as the
// health probe for this family.
func (c *Client) GetSystemStatus(ctx context.Context) (map[string]interface{}, error) {
	raw, status, err := c.get(ctx, c.baseURL+"/system/status")
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, apperr.Ef(apperr.TransientBackend,
			"extractor system status returned %d", status)
	}
	return decodeObject(raw)
}

// HealthCheck probes the instance through its system status endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.GetSystemStatus(ctx)
	return err
}

func (c *Client) get(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.Internal, "failed to build request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, apperr.Wrap(backend.ClassifyTransportError(err), "request failed", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.TransientBackend, "failed to read response", err)
	}
	return raw, resp.StatusCode, nil
}

func decodeObject(raw []byte) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apperr.Ef(apperr.TransientBackend,
			"failed to decode extractor response: %v (body: %s)", err, apperr.Preview(string(raw), previewLen))
	}
	return doc, nil
}
