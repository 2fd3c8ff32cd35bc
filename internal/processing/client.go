package processing

import (
	"context"

	"github.com/cre-docs/backend/internal/models"
)

// Classification is the outcome of the classification stage.
type Classification struct {
	DocumentType models.DocumentType `json:"documentType"`
	Confidence   float64             `json:"confidence"`
}

// RegionSuggestion is the outcome of the region suggestion stage.
type RegionSuggestion struct {
	Regions []models.Region `json:"regions"`
}

// Extraction is the outcome of the extraction stage.
type Extraction struct {
	ExtractedData models.ExtractedData `json:"extractedData"`
}

// ValidationResult is the outcome of the validation stage.
type ValidationResult struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// QualityScore is the outcome of the quality scoring stage.
type QualityScore struct {
	Overall float64 `json:"overall"`
}

// RemoteClient is the AI/OCR service consumed by the orchestrator. Every
// method returns an error whose message is suitable for direct display.
// Payloads are passed from one stage to the next without inspection.
type RemoteClient interface {
	ClassifyDocument(ctx context.Context, ref string) (*Classification, error)
	SuggestRegions(ctx context.Context, ref string, docType models.DocumentType) (*RegionSuggestion, error)
	ExtractData(ctx context.Context, ref string, regions []models.Region) (*Extraction, error)
	ValidateData(ctx context.Context, data models.ExtractedData, docType models.DocumentType) (*ValidationResult, error)
	CalculateQualityScore(ctx context.Context, data models.ExtractedData, validation *ValidationResult) (*QualityScore, error)
}

// ResultSink receives every result the orchestrator stores.
type ResultSink interface {
	SaveResult(ctx context.Context, result *models.ProcessingResult) error
}
