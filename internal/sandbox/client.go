// Package sandbox implements the DynamicSandbox backend client.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"firestige.xyz/triage/internal/apperr"
	"firestige.xyz/triage/internal/backend"
	"firestige.xyz/triage/internal/log"
)

const (
	previewLen = 200

	// Report fetch retries while the backend is still rendering.
	reportMaxAttempts    = 20
	reportInitialBackoff = 1500 * time.Millisecond
	reportBackoffFactor  = 1.3
	reportMaxBackoff     = 6 * time.Second
)

// Client talks to one DynamicSandbox instance. Submissions can carry
// large samples, so the HTTP client has no overall timeout; individual
// calls bound themselves through ctx.
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

// envelope is the backend's response wrapper. data is a task payload on
// submit and a bare status string on status queries.
type envelope struct {
	Error      bool            `json:"error"`
	Data       json.RawMessage `json:"data"`
	Errors     []interface{}   `json:"errors"`
	ErrorValue string          `json:"error_value"`
}

type taskData struct {
	TaskID  *int   `json:"task_id"`
	TaskIDs []int  `json:"task_ids"`
	Message string `json:"message"`
}

func (e *envelope) errorMessage() string {
	var parts []string
	if e.ErrorValue != "" {
		parts = append(parts, e.ErrorValue)
	}
	for _, item := range e.Errors {
		switch v := item.(type) {
		case string:
			parts = append(parts, v)
		case map[string]interface{}:
			var kv []string
			for k, val := range v {
				kv = append(kv, fmt.Sprintf("%s: %v", k, val))
			}
			parts = append(parts, strings.Join(kv, ", "))
		default:
			parts = append(parts, fmt.Sprintf("%v", v))
		}
	}
	if len(parts) == 0 {
		return "backend returned an unspecified error"
	}
	return strings.Join(parts, " | ")
}

// SubmitFile uploads a sample for analysis and returns the backend task
// id. options are forwarded verbatim as extra form fields.
func (c *Client) SubmitFile(ctx context.Context, filePath string, options map[string]string) (int, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return 0, apperr.Wrap(apperr.PermanentBackend, "failed to open sample file", err)
	}
	defer f.Close()

	body, contentType, err := buildMultipart(f, filepath.Base(filePath), options)
	if err != nil {
		return 0, err
	}

	url := c.baseURL + "/tasks/create/file/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return 0, apperr.Wrap(apperr.PermanentBackend, "failed to build submit request", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, apperr.Wrap(backend.ClassifyTransportError(err), "sample submission failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, apperr.Wrap(apperr.TransientBackend, "failed to read submit response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, apperr.Ef(backend.ClassifyHTTPStatus(resp.StatusCode),
			"backend returned status %d: %s", resp.StatusCode, apperr.Preview(string(raw), previewLen))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// HTML error pages behind a proxy come back as 200 sometimes.
		return 0, apperr.Ef(apperr.TransientBackend,
			"failed to decode submit response: %v (body: %s)", err, apperr.Preview(string(raw), previewLen))
	}
	if env.Error {
		return 0, apperr.Ef(apperr.PermanentBackend,
			"submission rejected: %s", env.errorMessage())
	}

	var data taskData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return 0, apperr.Ef(apperr.PermanentBackend,
			"submit response missing task data: %s", apperr.Preview(string(raw), previewLen))
	}
	if data.TaskID != nil {
		return *data.TaskID, nil
	}
	if len(data.TaskIDs) > 0 {
		return data.TaskIDs[0], nil
	}
	return 0, apperr.E(apperr.PermanentBackend, "backend did not return a task id")
}

func buildMultipart(r io.Reader, fileName string, options map[string]string) (io.Reader, string, error) {
	var buf strings.Builder
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.Internal, "failed to build multipart form", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, "", apperr.Wrap(apperr.Internal, "failed to copy sample into form", err)
	}
	for k, v := range options {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", apperr.Wrap(apperr.Internal, "failed to write form field", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", apperr.Wrap(apperr.Internal, "failed to finalize multipart form", err)
	}
	return strings.NewReader(buf.String()), w.FormDataContentType(), nil
}

// GetTaskStatus returns the backend status string for a task.
func (c *Client) GetTaskStatus(ctx context.Context, taskID int) (string, error) {
	url := fmt.Sprintf("%s/tasks/status/%d/", c.baseURL, taskID)
	raw, status, err := c.get(ctx, url)
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return "", apperr.Ef(backend.ClassifyHTTPStatus(status),
			"status query returned %d: %s", status, apperr.Preview(string(raw), previewLen))
	}

	var env struct {
		Error      bool    `json:"error"`
		Data       *string `json:"data"`
		ErrorValue string  `json:"error_value"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", apperr.Ef(apperr.TransientBackend,
			"failed to decode status response: %v (body: %s)", err, apperr.Preview(string(raw), previewLen))
	}
	if env.Error {
		return "", apperr.Ef(apperr.TransientBackend, "status query failed: %s", env.ErrorValue)
	}
	if env.Data == nil {
		return "", apperr.E(apperr.TransientBackend, "status response has no data")
	}
	return *env.Data, nil
}

// GetReport fetches the full analysis report. The backend answers with
// an error envelope while the report is still rendering; those are
// retried on a short backoff before giving up.
func (c *Client) GetReport(ctx context.Context, taskID int) (map[string]interface{}, error) {
	url := fmt.Sprintf("%s/tasks/get/report/%d/", c.baseURL, taskID)
	logger := log.GetLogger().WithField("external_task_id", taskID)

	backoff := reportInitialBackoff
	for attempt := 1; ; attempt++ {
		raw, status, err := c.get(ctx, url)
		if err != nil {
			return nil, err
		}
		if status < 200 || status > 299 {
			return nil, apperr.Ef(backend.ClassifyHTTPStatus(status),
				"report query returned %d: %s", status, apperr.Preview(string(raw), previewLen))
		}

		var report map[string]interface{}
		if err := json.Unmarshal(raw, &report); err != nil {
			return nil, apperr.Ef(apperr.TransientBackend,
				"failed to decode report: %v (body: %s)", err, apperr.Preview(string(raw), previewLen))
		}

		if isErr, _ := report["error"].(bool); isErr {
			errMsg, _ := report["error_value"].(string)
			if strings.Contains(errMsg, "still being analyzed") && attempt < reportMaxAttempts {
				logger.Debugf("report not ready, retrying in %s (attempt %d/%d)",
					backoff, attempt, reportMaxAttempts)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(backoff):
				}
				backoff = time.Duration(float64(backoff) * reportBackoffFactor)
				if backoff > reportMaxBackoff {
					backoff = reportMaxBackoff
				}
				continue
			}
			return nil, apperr.Ef(apperr.TransientBackend, "report fetch failed: %s", errMsg)
		}
		return report, nil
	}
}

// HealthCheck probes the instance with a status query for an id that
// never exists. Any answer, including 404, means the service is up.
func (c *Client) HealthCheck(ctx context.Context) error {
	url := c.baseURL + "/tasks/status/99999/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "failed to build health check request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.TransientBackend, "health check failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if (resp.StatusCode >= 200 && resp.StatusCode <= 299) || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return apperr.Ef(apperr.TransientBackend, "health check returned status %d", resp.StatusCode)
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
