// Package convert drives the remote PDF-to-markdown conversion service:
// batch submission, upload, polling, and bundle retrieval.
package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/paperflow-io/paperflow/internal/errs"
	"github.com/paperflow-io/paperflow/internal/model"
)

// Item states reported by the service. Anything else is in progress.
const (
	StateDone   = "done"
	StateFailed = "failed"
)

// FileRef names one PDF in a conversion batch. DataID is the caller's
// identifier and comes back verbatim in status reports.
type FileRef struct {
	Name   string `json:"name"`
	DataID string `json:"data_id"`
}

// UploadSlot pairs a submitted file with its presigned upload URL.
type UploadSlot struct {
	FileRef
	URL string
}

// ItemStatus is one file's progress within a batch.
type ItemStatus struct {
	DataID     string `json:"data_id"`
	FileName   string `json:"file_name"`
	State      string `json:"state"`
	FullZipURL string `json:"full_zip_url"`
	ErrMsg     string `json:"err_msg"`
}

// Terminal reports whether the item has reached a final state.
func (s ItemStatus) Terminal() bool {
	return s.State == StateDone || s.State == StateFailed
}

// Client speaks the conversion service's batch API.
type Client struct {
	baseURL      string
	token        string
	modelVersion string
	httpClient   *http.Client
}

// NewClient creates a conversion API client from config.
func NewClient(cfg model.ConvertConfig, httpClient *http.Client) (*Client, error) {
	if cfg.Token == "" {
		return nil, errs.Configf("conversion service token is required")
	}
	return &Client{
		baseURL:      cfg.BaseURL,
		token:        cfg.Token,
		modelVersion: cfg.ModelVersion,
		httpClient:   httpClient,
	}, nil
}

// RequestBatch registers files for conversion and returns the batch id plus
// one presigned upload URL per file, in submission order.
func (c *Client) RequestBatch(ctx context.Context, files []FileRef) (string, []UploadSlot, error) {
	payload := struct {
		Files        []FileRef `json:"files"`
		ModelVersion string    `json:"model_version,omitempty"`
	}{Files: files, ModelVersion: c.modelVersion}

	var resp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			BatchID  string   `json:"batch_id"`
			FileURLs []string `json:"file_urls"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/api/v4/file-urls/batch", payload, &resp); err != nil {
		return "", nil, err
	}
	if resp.Code != 0 {
		return "", nil, fmt.Errorf("batch request rejected: code %d: %s", resp.Code, resp.Msg)
	}
	if len(resp.Data.FileURLs) != len(files) {
		return "", nil, fmt.Errorf("batch request returned %d upload URLs for %d files", len(resp.Data.FileURLs), len(files))
	}

	slots := make([]UploadSlot, len(files))
	for i, f := range files {
		slots[i] = UploadSlot{FileRef: f, URL: resp.Data.FileURLs[i]}
	}
	return resp.Data.BatchID, slots, nil
}

// BatchStatus fetches the per-file progress of a batch.
func (c *Client) BatchStatus(ctx context.Context, batchID string) ([]ItemStatus, error) {
	var resp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			ExtractResult []ItemStatus `json:"extract_result"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/api/v4/extract-results/batch/"+batchID, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("status request rejected: code %d: %s", resp.Code, resp.Msg)
	}
	return resp.Data.ExtractResult, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Transientf("convert api", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return errs.Transientf("convert api", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("convert api: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Transientf("read body", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
