package models

import "time"

// ProcessingResult is the aggregated outcome of a completed run for one document.
type ProcessingResult struct {
	ID            string        `json:"id" msgpack:"id"`
	FileID        string        `json:"fileId" msgpack:"fileId"`
	DocumentType  DocumentType  `json:"documentType" msgpack:"documentType"`
	Confidence    float64       `json:"confidence" msgpack:"confidence"`
	ExtractedData ExtractedData `json:"extractedData" msgpack:"extractedData"`
	Regions       []Region      `json:"regions" msgpack:"regions"`
	QualityScore  *float64      `json:"qualityScore,omitempty" msgpack:"qualityScore,omitempty"`
	Errors        []string      `json:"errors" msgpack:"errors"`
	Warnings      []string      `json:"warnings" msgpack:"warnings"`
	CreatedAt     time.Time     `json:"createdAt" msgpack:"createdAt"`
}

// Snapshot is a point-in-time copy of an orchestrator's run state.
type Snapshot struct {
	Steps        []ProcessingStep `json:"steps"`
	CurrentStep  string           `json:"currentStep,omitempty"`
	IsProcessing bool             `json:"isProcessing"`
	ResultCount  int              `json:"resultCount"`
}
