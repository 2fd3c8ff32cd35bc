package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/cre-docs/backend/internal/models"
)

// apiClient talks to the backend's session API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string, hc *http.Client) *apiClient {
	return &apiClient{base: strings.TrimRight(base, "/"), http: hc}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (c *apiClient) uploadFile(ctx context.Context, path string) (*models.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	var info models.FileInfo
	if err := c.do(ctx, http.MethodPost, "/api/files/upload", writer.FormDataContentType(), body, &info); err != nil {
		return nil, fmt.Errorf("upload %s: %w", path, err)
	}
	return &info, nil
}

func (c *apiClient) createSession(ctx context.Context) (*models.ProcessSession, error) {
	var sess models.ProcessSession
	if err := c.do(ctx, http.MethodPost, "/api/sessions", "", nil, &sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &sess, nil
}

func (c *apiClient) startProcessing(ctx context.Context, sessionID string, fileIDs []string) (*models.ProcessSession, error) {
	data, err := json.Marshal(map[string][]string{"fileIds": fileIDs})
	if err != nil {
		return nil, err
	}
	var sess models.ProcessSession
	if err := c.do(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/process", "application/json", bytes.NewReader(data), &sess); err != nil {
		return nil, fmt.Errorf("start processing: %w", err)
	}
	return &sess, nil
}

func (c *apiClient) status(ctx context.Context, sessionID string) (*models.ProcessSession, error) {
	var sess models.ProcessSession
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+sessionID+"/status", "", nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *apiClient) results(ctx context.Context, sessionID string) ([]models.ProcessingResult, error) {
	var results []models.ProcessingResult
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+sessionID+"/results", "", nil, &results); err != nil {
		return nil, fmt.Errorf("fetch results: %w", err)
	}
	return results, nil
}

func (c *apiClient) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			if apiErr.Details != "" {
				return fmt.Errorf("%s (HTTP %d): %s", apiErr.Message, resp.StatusCode, apiErr.Details)
			}
			return fmt.Errorf("%s (HTTP %d)", apiErr.Message, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d for %s %s", resp.StatusCode, method, path)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
