package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/cre-docs/backend/internal/models"
	"github.com/cre-docs/backend/internal/processing"
)

// MockClient implements processing.RemoteClient with canned responses.
// Failures are keyed by stage id, optionally restricted to one document ref
// for the stages that receive one (classification, regions, extraction).
type MockClient struct {
	Classification *processing.Classification
	Regions        []models.Region
	Extracted      models.ExtractedData
	Validation     *processing.ValidationResult
	Quality        *processing.QualityScore

	mu       sync.Mutex
	failures map[string]failure
	calls    []string
	hook     func(stage string)
}

type failure struct {
	ref string
	err error
}

// NewMockClient returns a client answering the rent roll scenario:
// rent_roll at 0.94, two regions, one field, one warning and a 0.88 score.
func NewMockClient() *MockClient {
	return &MockClient{
		Classification: &processing.Classification{DocumentType: models.DocumentTypeRentRoll, Confidence: 0.94},
		Regions: []models.Region{
			{"page": 1, "x": 10, "y": 20, "width": 300, "height": 40, "field": "unit"},
			{"page": 1, "x": 10, "y": 80, "width": 300, "height": 40, "field": "rent"},
		},
		Extracted:  models.ExtractedData{"unit": "101"},
		Validation: &processing.ValidationResult{Errors: []string{}, Warnings: []string{"rent missing for unit 101"}},
		Quality:    &processing.QualityScore{Overall: 0.88},
		failures:   make(map[string]failure),
	}
}

// FailStage makes stage fail with err for every document.
func (m *MockClient) FailStage(stage string, err error) {
	m.FailStageFor("", stage, err)
}

// FailStageFor makes stage fail with err for the document with the given ref.
func (m *MockClient) FailStageFor(ref, stage string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[stage+"|"+ref] = failure{ref: ref, err: err}
}

// OnCall registers a hook run at the start of every stage call.
func (m *MockClient) OnCall(hook func(stage string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

// Calls returns the stage ids called so far, in order.
func (m *MockClient) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *MockClient) record(stage, ref string) error {
	m.mu.Lock()
	m.calls = append(m.calls, stage)
	hook := m.hook
	f, ok := m.failures[stage+"|"+ref]
	if !ok {
		f, ok = m.failures[stage+"|"]
	}
	m.mu.Unlock()

	if hook != nil {
		hook(stage)
	}
	if ok {
		if f.err == nil {
			return errors.New(stage + " failed")
		}
		return f.err
	}
	return nil
}

func (m *MockClient) ClassifyDocument(ctx context.Context, ref string) (*processing.Classification, error) {
	if err := m.record(models.StageClassification, ref); err != nil {
		return nil, err
	}
	return m.Classification, nil
}

func (m *MockClient) SuggestRegions(ctx context.Context, ref string, docType models.DocumentType) (*processing.RegionSuggestion, error) {
	if err := m.record(models.StageRegions, ref); err != nil {
		return nil, err
	}
	return &processing.RegionSuggestion{Regions: m.Regions}, nil
}

func (m *MockClient) ExtractData(ctx context.Context, ref string, regions []models.Region) (*processing.Extraction, error) {
	if err := m.record(models.StageExtraction, ref); err != nil {
		return nil, err
	}
	return &processing.Extraction{ExtractedData: m.Extracted}, nil
}

func (m *MockClient) ValidateData(ctx context.Context, data models.ExtractedData, docType models.DocumentType) (*processing.ValidationResult, error) {
	if err := m.record(models.StageValidation, ""); err != nil {
		return nil, err
	}
	return m.Validation, nil
}

func (m *MockClient) CalculateQualityScore(ctx context.Context, data models.ExtractedData, validation *processing.ValidationResult) (*processing.QualityScore, error) {
	if err := m.record(models.StageQuality, ""); err != nil {
		return nil, err
	}
	return m.Quality, nil
}

var _ processing.RemoteClient = (*MockClient)(nil)
