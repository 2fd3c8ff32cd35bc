package processing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cre-docs/backend/internal/models"
	"github.com/cre-docs/backend/internal/processing"
	"github.com/cre-docs/backend/internal/testutil"
)

var stageOrder = []string{
	models.StageClassification,
	models.StageRegions,
	models.StageExtraction,
	models.StageValidation,
	models.StageQuality,
}

func newOrchestrator(t *testing.T, client processing.RemoteClient, opts ...processing.Option) *processing.Orchestrator {
	t.Helper()
	opts = append([]processing.Option{processing.WithLogger(zaptest.NewLogger(t))}, opts...)
	return processing.New(client, opts...)
}

func TestProcess_RentRollScenario(t *testing.T) {
	client := testutil.NewMockClient()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := newOrchestrator(t, client,
		processing.WithClock(func() time.Time { return fixed }),
		processing.WithIDGenerator(func() string { return "result-1" }),
	)

	result, err := o.Process(context.Background(), models.Document{ID: "doc1", Ref: "https://x/doc1.pdf"})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "result-1", result.ID)
	assert.Equal(t, "doc1", result.FileID)
	assert.Equal(t, models.DocumentTypeRentRoll, result.DocumentType)
	assert.InDelta(t, 0.94, result.Confidence, 1e-9)
	require.NotNil(t, result.QualityScore)
	assert.InDelta(t, 0.88, *result.QualityScore, 1e-9)
	assert.Len(t, result.Warnings, 1)
	assert.Len(t, result.Errors, 0)
	assert.Len(t, result.Regions, 2)
	assert.Equal(t, "101", result.ExtractedData["unit"])
	assert.Equal(t, fixed, result.CreatedAt)

	for _, step := range o.Steps() {
		assert.Equal(t, models.StepStatusCompleted, step.Status, step.ID)
		assert.Equal(t, 100, step.Progress, step.ID)
		assert.NotEmpty(t, step.Message, step.ID)
		assert.Empty(t, step.Error, step.ID)
	}

	stored, ok := o.Result("doc1")
	require.True(t, ok)
	assert.Same(t, result, stored)
	assert.Len(t, o.Results(), 1)
	assert.False(t, o.IsProcessing())
	assert.Empty(t, o.CurrentStep())
	assert.Equal(t, stageOrder, client.Calls())
}

func TestProcess_StageFailure(t *testing.T) {
	for k, failing := range stageOrder {
		t.Run(failing, func(t *testing.T) {
			client := testutil.NewMockClient()
			client.FailStage(failing, errors.New("service unavailable"))
			o := newOrchestrator(t, client)

			result, err := o.Process(context.Background(), models.Document{ID: "doc1", Ref: "https://x/doc1.pdf"})
			require.Error(t, err)
			assert.Nil(t, result)

			var stageErr *processing.StageFailureError
			require.ErrorAs(t, err, &stageErr)
			assert.Equal(t, failing, stageErr.Stage)
			assert.Equal(t, failing, processing.FailedStage(err))

			steps := o.Steps()
			require.Len(t, steps, len(stageOrder))
			for i, step := range steps {
				switch {
				case i < k:
					assert.Equal(t, models.StepStatusCompleted, step.Status, step.ID)
					assert.Equal(t, 100, step.Progress, step.ID)
				case i == k:
					assert.Equal(t, models.StepStatusError, step.Status, step.ID)
					assert.Equal(t, "service unavailable", step.Error)
					assert.NotEmpty(t, step.Message)
				default:
					assert.Equal(t, models.StepStatusPending, step.Status, step.ID)
					assert.Equal(t, 0, step.Progress, step.ID)
				}
			}

			_, ok := o.Result("doc1")
			assert.False(t, ok, "no result should be written for a failed run")
			assert.False(t, o.IsProcessing())
			assert.Equal(t, stageOrder[:k+1], client.Calls(), "later stages must not run")
		})
	}
}

func TestProcess_EmptyErrorMessageStillReported(t *testing.T) {
	client := testutil.NewMockClient()
	client.FailStage(models.StageExtraction, errors.New(""))
	o := newOrchestrator(t, client)

	_, err := o.Process(context.Background(), models.Document{ID: "doc1", Ref: "s3://bucket/doc1.pdf"})
	require.Error(t, err)

	for _, step := range o.Steps() {
		if step.ID == models.StageExtraction {
			assert.Equal(t, models.StepStatusError, step.Status)
			assert.Equal(t, "Data extraction failed", step.Error)
		}
	}
}

func TestProcess_InvalidInput(t *testing.T) {
	tests := []struct {
		name  string
		doc   models.Document
		field string
	}{
		{name: "missing ref", doc: models.Document{ID: "doc1"}, field: "ref"},
		{name: "blank ref", doc: models.Document{ID: "doc1", Ref: "   "}, field: "ref"},
		{name: "missing id", doc: models.Document{Ref: "https://x/doc1.pdf"}, field: "id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := testutil.NewMockClient()
			o := newOrchestrator(t, client)

			_, err := o.Process(context.Background(), tt.doc)
			require.Error(t, err)
			assert.True(t, processing.IsInvalidInput(err))

			var inputErr *processing.InvalidInputError
			require.ErrorAs(t, err, &inputErr)
			assert.Equal(t, tt.field, inputErr.Field)

			assert.Empty(t, client.Calls(), "no remote call before validation")
			assert.False(t, o.IsProcessing())
			for _, step := range o.Steps() {
				assert.Equal(t, models.StepStatusPending, step.Status)
			}
		})
	}
}

func TestProcess_SingleActiveStepDuringRun(t *testing.T) {
	client := testutil.NewMockClient()
	o := newOrchestrator(t, client)

	var checked int
	client.OnCall(func(stage string) {
		snap := o.Snapshot()
		assert.True(t, snap.IsProcessing)
		assert.Equal(t, stage, snap.CurrentStep)

		active := 0
		seenActive := false
		for _, step := range snap.Steps {
			switch {
			case step.Status == models.StepStatusProcessing:
				active++
				seenActive = true
				assert.Equal(t, stage, step.ID)
			case !seenActive:
				assert.Equal(t, models.StepStatusCompleted, step.Status, step.ID)
			default:
				assert.Equal(t, models.StepStatusPending, step.Status, step.ID)
			}
		}
		assert.Equal(t, 1, active)
		checked++
	})

	_, err := o.Process(context.Background(), models.Document{ID: "doc1", Ref: "https://x/doc1.pdf"})
	require.NoError(t, err)
	assert.Equal(t, len(stageOrder), checked)
}

func TestProcess_ResetsStepsOnEachRun(t *testing.T) {
	client := testutil.NewMockClient()
	client.FailStage(models.StageRegions, errors.New("boom"))
	o := newOrchestrator(t, client)

	_, err := o.Process(context.Background(), models.Document{ID: "doc1", Ref: "https://x/doc1.pdf"})
	require.Error(t, err)

	updates, cancel := o.Subscribe()
	defer cancel()
	_, _ = o.Process(context.Background(), models.Document{ID: "doc1", Ref: "https://x/doc1.pdf"})

	var first models.Snapshot
	select {
	case first = <-updates:
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}
	assert.True(t, first.IsProcessing)
	for _, step := range first.Steps {
		assert.Equal(t, models.StepStatusPending, step.Status, step.ID)
		assert.Equal(t, 0, step.Progress, step.ID)
		assert.Empty(t, step.Error, step.ID)
	}
}

func TestProcessMultiple_PartialFailure(t *testing.T) {
	client := testutil.NewMockClient()
	client.FailStageFor("https://x/d1.pdf", models.StageClassification, errors.New("unreadable PDF"))
	o := newOrchestrator(t, client)

	report := o.ProcessMultiple(context.Background(), []models.Document{
		{ID: "d1", Ref: "https://x/d1.pdf"},
		{ID: "d2", Ref: "https://x/d2.pdf"},
	})

	require.Len(t, report.Results, 1)
	assert.Equal(t, "d2", report.Results[0].FileID)
	require.Contains(t, report.Failures, "d1")
	assert.Equal(t, models.StageClassification, processing.FailedStage(report.Failures["d1"]))

	_, ok := o.Result("d1")
	assert.False(t, ok)
	_, ok = o.Result("d2")
	assert.True(t, ok)

	// d2 only starts once d1 has settled.
	want := append([]string{models.StageClassification}, stageOrder...)
	assert.Equal(t, want, client.Calls())
}

func TestProcessMultiple_CancelledContext(t *testing.T) {
	client := testutil.NewMockClient()
	o := newOrchestrator(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := o.ProcessMultiple(ctx, []models.Document{
		{ID: "d1", Ref: "https://x/d1.pdf"},
		{ID: "d2", Ref: "https://x/d2.pdf"},
	})
	assert.Empty(t, report.Results)
	assert.Len(t, report.Failures, 2)
	assert.ErrorIs(t, report.Failures["d1"], context.Canceled)
	assert.Empty(t, client.Calls())
}

func TestProcess_ConcurrentCallsAreSerialised(t *testing.T) {
	client := testutil.NewMockClient()
	o := newOrchestrator(t, client)

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	client.OnCall(func(stage string) {
		mu.Lock()
		defer mu.Unlock()
		switch stage {
		case models.StageClassification:
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
		case models.StageQuality:
			inFlight--
		}
	})

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := o.Process(context.Background(), models.Document{ID: id, Ref: "https://x/" + id + ".pdf"})
			assert.NoError(t, err)
		}(id)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runs did not finish")
	}

	assert.Equal(t, 1, maxInFlight)
	assert.Len(t, o.Results(), 3)
	assert.Len(t, client.Calls(), 3*len(stageOrder))
}

func TestRetry_NotSupported(t *testing.T) {
	o := newOrchestrator(t, testutil.NewMockClient())
	err := o.Retry(context.Background(), "doc1")
	assert.ErrorIs(t, err, processing.ErrRetryNotSupported)
}

func TestClearResults(t *testing.T) {
	o := newOrchestrator(t, testutil.NewMockClient())
	_, err := o.Process(context.Background(), models.Document{ID: "doc1", Ref: "https://x/doc1.pdf"})
	require.NoError(t, err)

	o.ClearResults()
	o.ClearResults()

	assert.Empty(t, o.Results())
	for _, step := range o.Steps() {
		assert.Equal(t, models.StepStatusPending, step.Status)
		assert.Equal(t, 0, step.Progress)
	}
	assert.Equal(t, 0, o.Snapshot().ResultCount)
}

func TestSubscribe_ProgressIsMonotonic(t *testing.T) {
	o := newOrchestrator(t, testutil.NewMockClient())
	updates, cancel := o.Subscribe()

	_, err := o.Process(context.Background(), models.Document{ID: "doc1", Ref: "https://x/doc1.pdf"})
	require.NoError(t, err)
	cancel()

	last := map[string]int{}
	var snaps []models.Snapshot
	for snap := range updates {
		snaps = append(snaps, snap)
		for _, step := range snap.Steps {
			if snap.IsProcessing {
				assert.GreaterOrEqual(t, step.Progress, last[step.ID], step.ID)
			}
			last[step.ID] = step.Progress
		}
	}

	require.NotEmpty(t, snaps)
	final := snaps[len(snaps)-1]
	assert.False(t, final.IsProcessing)
	assert.Equal(t, 1, final.ResultCount)
	for _, step := range final.Steps {
		assert.Equal(t, 100, step.Progress)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	results []*models.ProcessingResult
	err     error
}

func (s *recordingSink) SaveResult(ctx context.Context, r *models.ProcessingResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return s.err
}

func TestProcess_ResultSink(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	o := newOrchestrator(t, testutil.NewMockClient(), processing.WithResultSink(sink))

	result, err := o.Process(context.Background(), models.Document{ID: "doc1", Ref: "https://x/doc1.pdf"})
	require.NoError(t, err, "sink failures must not fail the run")

	require.Len(t, sink.results, 1)
	assert.Equal(t, result.ID, sink.results[0].ID)
}
