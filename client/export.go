package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ExportRequest describes one export submission.
type ExportRequest struct {
	Wallet    string   `json:"wallet"`
	StartDate string   `json:"start_date"` // "2006-01-02" or RFC 3339
	EndDate   string   `json:"end_date"`
	MinUSD    float64  `json:"min_usd,omitempty"`
	MaxUSD    *float64 `json:"max_usd,omitempty"`
	Types     []string `json:"types,omitempty"`
	TokenMint string   `json:"token_mint,omitempty"`
	Async     bool     `json:"async,omitempty"`
}

// Job is the server's view of an export job.
type Job struct {
	ID          string    `json:"id"`
	Wallet      string    `json:"wallet"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Status      string    `json:"status"`
	Pages       int       `json:"pages"`
	RawRecords  int       `json:"raw_records"`
	Rows        int       `json:"rows"`
	Capped      bool      `json:"capped"`
	Truncated   bool      `json:"truncated"`
	ErrorKind   *string   `json:"error_kind,omitempty"`
	HasArtifact bool      `json:"has_artifact"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ExportResult is the outcome of a synchronous export: the CSV bytes
// plus the outcome flags the server reports in response headers.
type ExportResult struct {
	Filename  string
	CSV       []byte
	Rows      int
	Pages     int
	Capped    bool
	Truncated bool
	// Partial is set when the server delivered a partial export; it
	// names the failure kind reported by the server.
	Partial string
}

// Client is the HTTP client for the solexport service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new export service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		// Synchronous exports page through the upstream API, so the
		// default timeout is generous.
		httpClient = &http.Client{Timeout: 15 * time.Minute}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Export runs a synchronous export and returns the CSV.
func (c *Client) Export(ctx context.Context, req ExportRequest) (*ExportResult, error) {
	req.Async = false

	resp, err := c.postExport(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	result := &ExportResult{
		CSV:       data,
		Filename:  filenameFromDisposition(resp.Header.Get("Content-Disposition")),
		Capped:    resp.Header.Get("X-Export-Capped") == "true",
		Truncated: resp.Header.Get("X-Export-Truncated") == "true",
		Partial:   resp.Header.Get("X-Export-Error"),
	}
	result.Rows, _ = strconv.Atoi(resp.Header.Get("X-Export-Rows"))
	result.Pages, _ = strconv.Atoi(resp.Header.Get("X-Export-Pages"))

	c.logger.Debug("export finished",
		"wallet", req.Wallet,
		"rows", result.Rows,
		"partial", result.Partial,
	)

	return result, nil
}

// StartExport submits an asynchronous export and returns the created job.
func (c *Client) StartExport(ctx context.Context, req ExportRequest) (*Job, error) {
	req.Async = true

	resp, err := c.postExport(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, c.parseErrorResponse(resp)
	}

	var job Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("async export started", "wallet", req.Wallet, "job_id", job.ID)
	return &job, nil
}

// GetJob retrieves the status of an export job.
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	u := fmt.Sprintf("%s/api/v1/exports/%s", c.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var job Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &job, nil
}

// ListJobs retrieves export jobs, newest first. An empty wallet lists
// jobs across all wallets.
func (c *Client) ListJobs(ctx context.Context, wallet string, limit, offset int) ([]*Job, error) {
	u, err := url.Parse(c.baseURL + "/api/v1/exports")
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	q := u.Query()
	if wallet != "" {
		q.Set("wallet", wallet)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var listResp struct {
		Jobs []*Job `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return listResp.Jobs, nil
}

// DownloadJob fetches the CSV artifact of a finished job.
func (c *Client) DownloadJob(ctx context.Context, id string) ([]byte, error) {
	u := fmt.Sprintf("%s/api/v1/exports/%s/download", c.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return data, nil
}

func (c *Client) postExport(ctx context.Context, exportReq ExportRequest) (*http.Response, error) {
	body, err := json.Marshal(exportReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/exports", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}

// filenameFromDisposition extracts the filename from a
// Content-Disposition header; empty when absent.
func filenameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}
