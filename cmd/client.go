package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/airframesio/csv-importer/cmd/supervisor"
	"github.com/airframesio/csv-importer/cmd/upload"
)

// APIError is a non-2xx answer from the server
type APIError struct {
	Status  int
	Message string
	Missing []int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Temporary reports whether retrying the same request can succeed
func (e *APIError) Temporary() bool {
	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}

// apiClient talks to a running server
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(server string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(server, "/"),
		http: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e errorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error, Missing: e.Missing}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

func jsonBody(v any) (io.Reader, http.Header, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return bytes.NewReader(data), http.Header{"Content-Type": {"application/json"}}, nil
}

func (c *apiClient) initUpload(ctx context.Context, req upload.InitRequest) (*SessionResponse, error) {
	body, header, err := jsonBody(req)
	if err != nil {
		return nil, err
	}
	var session SessionResponse
	if err := c.do(ctx, http.MethodPost, "/api/uploads", body, header, &session); err != nil {
		return nil, err
	}
	if session.Session == nil {
		return nil, errors.New("server returned an empty session")
	}
	return &session, nil
}

func (c *apiClient) putChunk(ctx context.Context, id string, index int, data []byte, checksum string) (*upload.ChunkReceipt, error) {
	header := http.Header{"Content-Type": {"application/octet-stream"}}
	if checksum != "" {
		header.Set(checksumHeader, checksum)
	}
	var receipt upload.ChunkReceipt
	path := fmt.Sprintf("/api/uploads/%s/chunks/%d", id, index)
	if err := c.do(ctx, http.MethodPut, path, bytes.NewReader(data), header, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (c *apiClient) completeUpload(ctx context.Context, id string) (*upload.Assembled, error) {
	var assembled upload.Assembled
	if err := c.do(ctx, http.MethodPost, "/api/uploads/"+id+"/complete", nil, nil, &assembled); err != nil {
		return nil, err
	}
	return &assembled, nil
}

func (c *apiClient) startImport(ctx context.Context, req ImportRequest) (string, error) {
	body, header, err := jsonBody(req)
	if err != nil {
		return "", err
	}
	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/imports", body, header, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// Status fetches a job snapshot
func (c *apiClient) Status(ctx context.Context, id string) (supervisor.Job, error) {
	var resp JobResponse
	if err := c.do(ctx, http.MethodGet, "/api/imports/"+id, nil, nil, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return supervisor.Job{}, fmt.Errorf("%w: %s", supervisor.ErrUnknownJob, id)
		}
		return supervisor.Job{}, err
	}
	return resp.Job, nil
}
