package models

// StepStatus represents the status of a processing step.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusProcessing StepStatus = "processing"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusError      StepStatus = "error"
)

// Stage identifiers, in pipeline order.
const (
	StageClassification = "classification"
	StageRegions        = "regions"
	StageExtraction     = "extraction"
	StageValidation     = "validation"
	StageQuality        = "quality"
)

// ProcessingStep represents one stage of the pipeline.
type ProcessingStep struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Status   StepStatus `json:"status"`
	Progress int        `json:"progress"` // 0-100
	Message  string     `json:"message,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// NewProcessingStep creates a step in pending status.
func NewProcessingStep(id, name string) ProcessingStep {
	return ProcessingStep{
		ID:     id,
		Name:   name,
		Status: StepStatusPending,
	}
}

// DefaultSteps returns the five pipeline steps, all pending.
func DefaultSteps() []ProcessingStep {
	return []ProcessingStep{
		NewProcessingStep(StageClassification, "Document Classification"),
		NewProcessingStep(StageRegions, "Region Suggestion"),
		NewProcessingStep(StageExtraction, "Data Extraction"),
		NewProcessingStep(StageValidation, "Data Validation"),
		NewProcessingStep(StageQuality, "Quality Scoring"),
	}
}
