// Package aiclient talks to the AI/OCR service over HTTP. It implements
// processing.RemoteClient.
package aiclient

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

	"go.uber.org/zap"

	"github.com/cre-docs/backend/internal/models"
	"github.com/cre-docs/backend/internal/polling"
	"github.com/cre-docs/backend/internal/processing"
)

// Service endpoints.
const (
	PathClassify = "/api/classify"
	PathRegions  = "/api/regions/suggest"
	PathExtract  = "/api/extract"
	PathValidate = "/api/validate"
	PathQuality  = "/api/quality-score"
	PathJobs     = "/api/jobs/"
)

// Job statuses reported by GET /api/jobs/:id.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusError     = "error"
)

const maxResponseBytes = 32 << 20

// ServiceError is a failure reported by the AI service. Its message is the
// service's own error text when it sent one.
type ServiceError struct {
	Path       string
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	return e.Message
}

// envelope is the response wrapper used by every endpoint.
type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	JobID   string          `json:"jobId,omitempty"`
}

// jobState is the data of a GET /api/jobs/:id response.
type jobState struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	Progress float64         `json:"progress"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Client implements processing.RemoteClient against the AI service.
type Client struct {
	baseURL      string
	http         *http.Client
	timeout      time.Duration
	scheduler    *polling.Scheduler
	pollInterval time.Duration
	maxAttempts  int
	logger       *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds every request. Zero means no per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithJobPolling sets how asynchronous jobs are awaited. Non-positive values
// keep the scheduler defaults.
func WithJobPolling(s *polling.Scheduler, interval time.Duration, maxAttempts int) Option {
	return func(c *Client) {
		if s != nil {
			c.scheduler = s
		}
		c.pollInterval = interval
		c.maxAttempts = maxAttempts
	}
}

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.scheduler == nil {
		c.scheduler = polling.New(polling.WithLogger(c.logger))
	}
	return c
}

var _ processing.RemoteClient = (*Client)(nil)

type classifyResponse struct {
	DocumentType string  `json:"documentType"`
	Confidence   float64 `json:"confidence"`
}

// ClassifyDocument determines the document type of the file at ref.
func (c *Client) ClassifyDocument(ctx context.Context, ref string) (*processing.Classification, error) {
	var out classifyResponse
	if err := c.call(ctx, PathClassify, map[string]any{"fileRef": ref}, &out); err != nil {
		return nil, err
	}
	return &processing.Classification{
		DocumentType: models.ParseDocumentType(out.DocumentType),
		Confidence:   out.Confidence,
	}, nil
}

// SuggestRegions proposes the page regions to extract for docType.
func (c *Client) SuggestRegions(ctx context.Context, ref string, docType models.DocumentType) (*processing.RegionSuggestion, error) {
	var out processing.RegionSuggestion
	body := map[string]any{"fileRef": ref, "documentType": docType}
	if err := c.call(ctx, PathRegions, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExtractData extracts field values from the given regions. The service may
// run extraction as a job, which is polled until it settles.
func (c *Client) ExtractData(ctx context.Context, ref string, regions []models.Region) (*processing.Extraction, error) {
	var out processing.Extraction
	body := map[string]any{"fileRef": ref, "regions": nonNilRegions(regions)}
	if err := c.call(ctx, PathExtract, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidateData checks extracted data against the rules for docType.
func (c *Client) ValidateData(ctx context.Context, data models.ExtractedData, docType models.DocumentType) (*processing.ValidationResult, error) {
	var out processing.ValidationResult
	body := map[string]any{"extractedData": data, "documentType": docType}
	if err := c.call(ctx, PathValidate, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CalculateQualityScore scores the extraction given its validation outcome.
func (c *Client) CalculateQualityScore(ctx context.Context, data models.ExtractedData, validation *processing.ValidationResult) (*processing.QualityScore, error) {
	var out processing.QualityScore
	body := map[string]any{"extractedData": data, "validation": validation}
	if err := c.call(ctx, PathQuality, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call posts body to path and decodes the envelope data into out. A 202 with
// a job id is awaited before decoding the job result.
func (c *Client) call(ctx context.Context, path string, body, out any) error {
	start := time.Now()
	env, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		c.logger.Warn("ai service call failed", zap.String("path", path), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return err
	}

	data := env.Data
	if env.JobID != "" {
		data, err = c.awaitJob(ctx, path, env.JobID)
		if err != nil {
			return err
		}
	}
	c.logger.Debug("ai service call complete", zap.String("path", path), zap.Duration("elapsed", time.Since(start)))

	if len(data) == 0 || string(data) == "null" {
		return &ServiceError{Path: path, Message: fmt.Sprintf("%s returned no data", path)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// awaitJob polls the job until it completes or fails and returns its result.
func (c *Client) awaitJob(ctx context.Context, path, jobID string) (json.RawMessage, error) {
	log := c.logger.With(zap.String("jobId", jobID), zap.String("path", path))
	log.Info("awaiting ai job")

	poll := func(ctx context.Context) (any, error) {
		env, err := c.do(ctx, http.MethodGet, PathJobs+jobID, nil)
		if err != nil {
			return nil, err
		}
		var state jobState
		if err := json.Unmarshal(env.Data, &state); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", jobID, err)
		}
		return &state, nil
	}

	data, err := c.scheduler.Await(ctx, "job:"+jobID, poll, polling.Options{
		Interval:    c.pollInterval,
		MaxAttempts: c.maxAttempts,
		OnUpdate: func(data any) {
			state := data.(*jobState)
			log.Debug("ai job update", zap.String("status", state.Status), zap.Float64("progress", state.Progress))
		},
		ShouldStop: func(data any) bool {
			status := data.(*jobState).Status
			return status == JobStatusCompleted || status == JobStatusError
		},
	})
	if err != nil {
		var exceeded *polling.AttemptsExceededError
		if errors.As(err, &exceeded) {
			return nil, &ServiceError{Path: path, Message: fmt.Sprintf("job %s did not finish after %d status checks", jobID, exceeded.MaxAttempts)}
		}
		var pollErr *polling.PollFunctionError
		if errors.As(err, &pollErr) {
			return nil, pollErr.Err
		}
		return nil, err
	}

	state := data.(*jobState)
	if state.Status == JobStatusError {
		msg := state.Error
		if msg == "" {
			msg = fmt.Sprintf("job %s failed", jobID)
		}
		return nil, &ServiceError{Path: path, Message: msg}
	}
	return state.Result, nil
}

// do sends one request and unwraps the envelope.
func (c *Client) do(ctx context.Context, method, path string, body any) (*envelope, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := env.Error
		if decodeErr != nil || msg == "" {
			msg = fmt.Sprintf("AI service returned HTTP %d for %s", resp.StatusCode, path)
		}
		return nil, &ServiceError{Path: path, StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, decodeErr)
	}
	if resp.StatusCode == http.StatusAccepted && env.JobID != "" {
		return &env, nil
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = fmt.Sprintf("AI service reported failure for %s", path)
		}
		return nil, &ServiceError{Path: path, StatusCode: resp.StatusCode, Message: msg}
	}
	return &env, nil
}

func nonNilRegions(regions []models.Region) []models.Region {
	if regions == nil {
		return []models.Region{}
	}
	return regions
}
