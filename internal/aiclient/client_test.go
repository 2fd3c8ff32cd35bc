package aiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cre-docs/backend/internal/models"
	"github.com/cre-docs/backend/internal/polling"
	"github.com/cre-docs/backend/internal/processing"
)

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func newTestClient(t *testing.T, h http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	log := zaptest.NewLogger(t)
	opts = append([]Option{
		WithLogger(log),
		WithJobPolling(polling.New(polling.WithLogger(log)), 5*time.Millisecond, 5),
	}, opts...)
	return New(srv.URL+"/", opts...)
}

func TestClient_FullPipeline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(PathClassify, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gs://b/doc.pdf", body["fileRef"])
		writeJSON(t, w, http.StatusOK, map[string]any{
			"success": true,
			"data":    map[string]any{"documentType": "rent_roll", "confidence": 0.94},
		})
	})
	mux.HandleFunc(PathRegions, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "rent_roll", body["documentType"])
		writeJSON(t, w, http.StatusOK, map[string]any{
			"success": true,
			"data":    map[string]any{"regions": []map[string]any{{"page": 1, "field": "unit"}}},
		})
	})
	mux.HandleFunc(PathExtract, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{
			"success": true,
			"data":    map[string]any{"extractedData": map[string]any{"unit": "101"}},
		})
	})
	mux.HandleFunc(PathValidate, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{
			"success": true,
			"data":    map[string]any{"errors": []string{}, "warnings": []string{"rent missing"}},
		})
	})
	mux.HandleFunc(PathQuality, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"overall": 0.88}})
	})

	client := newTestClient(t, mux)
	orch := processing.New(client, processing.WithLogger(zaptest.NewLogger(t)))

	result, err := orch.Process(context.Background(), models.Document{ID: "d1", Ref: "gs://b/doc.pdf"})
	require.NoError(t, err)
	assert.Equal(t, models.DocumentTypeRentRoll, result.DocumentType)
	assert.Equal(t, 0.94, result.Confidence)
	assert.Equal(t, "101", result.ExtractedData["unit"])
	assert.Equal(t, []string{"rent missing"}, result.Warnings)
	require.NotNil(t, result.QualityScore)
	assert.Equal(t, 0.88, *result.QualityScore)
}

func TestClient_UnknownDocumentType(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{
			"success": true,
			"data":    map[string]any{"documentType": "brochure", "confidence": 0.3},
		})
	}))

	res, err := client.ClassifyDocument(context.Background(), "ref")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentTypeUnknown, res.DocumentType)
}

func TestClient_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    any
		wantMsg string
	}{
		{
			name:    "failure envelope",
			status:  http.StatusOK,
			body:    map[string]any{"success": false, "error": "Could not read document"},
			wantMsg: "Could not read document",
		},
		{
			name:    "failure envelope without message",
			status:  http.StatusOK,
			body:    map[string]any{"success": false},
			wantMsg: "AI service reported failure for /api/classify",
		},
		{
			name:    "http error with message",
			status:  http.StatusBadGateway,
			body:    map[string]any{"success": false, "error": "OCR backend unavailable"},
			wantMsg: "OCR backend unavailable",
		},
		{
			name:    "http error without body",
			status:  http.StatusInternalServerError,
			body:    "boom",
			wantMsg: "AI service returned HTTP 500 for /api/classify",
		},
		{
			name:    "success without data",
			status:  http.StatusOK,
			body:    map[string]any{"success": true},
			wantMsg: "/api/classify returned no data",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(t, w, tt.status, tt.body)
			}))

			_, err := client.ClassifyDocument(context.Background(), "ref")
			require.Error(t, err)
			var svcErr *ServiceError
			require.ErrorAs(t, err, &svcErr)
			assert.Equal(t, tt.wantMsg, err.Error())
		})
	}
}

func TestClient_Timeout(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}), WithTimeout(20*time.Millisecond))

	_, err := client.ClassifyDocument(context.Background(), "ref")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func extractionJobServer(t *testing.T, final map[string]any, pendingPolls int32) (http.Handler, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc(PathExtract, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusAccepted, map[string]any{"success": true, "jobId": "j1"})
	})
	mux.HandleFunc(PathJobs+"j1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		if polls.Add(1) <= pendingPolls {
			writeJSON(t, w, http.StatusOK, map[string]any{
				"success": true,
				"data":    map[string]any{"id": "j1", "status": JobStatusRunning, "progress": 50},
			})
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]any{"success": true, "data": final})
	})
	return mux, &polls
}

func TestClient_ExtractionJob(t *testing.T) {
	ctx := context.Background()

	t.Run("completes", func(t *testing.T) {
		h, polls := extractionJobServer(t, map[string]any{
			"id":     "j1",
			"status": JobStatusCompleted,
			"result": map[string]any{"extractedData": map[string]any{"unit": "101"}},
		}, 2)
		client := newTestClient(t, h)

		res, err := client.ExtractData(ctx, "ref", nil)
		require.NoError(t, err)
		assert.Equal(t, "101", res.ExtractedData["unit"])
		assert.Equal(t, int32(3), polls.Load())
	})

	t.Run("job error", func(t *testing.T) {
		h, _ := extractionJobServer(t, map[string]any{
			"id":     "j1",
			"status": JobStatusError,
			"error":  "table not found",
		}, 0)
		client := newTestClient(t, h)

		_, err := client.ExtractData(ctx, "ref", nil)
		require.Error(t, err)
		assert.Equal(t, "table not found", err.Error())
	})

	t.Run("never finishes", func(t *testing.T) {
		h, polls := extractionJobServer(t, nil, 1000)
		client := newTestClient(t, h)

		_, err := client.ExtractData(ctx, "ref", nil)
		require.Error(t, err)
		assert.Equal(t, "job j1 did not finish after 5 status checks", err.Error())
		assert.Equal(t, int32(5), polls.Load())
	})

	t.Run("cancelled", func(t *testing.T) {
		h, _ := extractionJobServer(t, nil, 1000)
		client := newTestClient(t, h)

		ctx, cancel := context.WithTimeout(ctx, 12*time.Millisecond)
		defer cancel()
		_, err := client.ExtractData(ctx, "ref", nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
