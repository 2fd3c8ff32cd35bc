package models

import "time"

// FileInfo represents metadata about an uploaded document.
type FileInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType,omitempty"`
	PageCount   int       `json:"pageCount,omitempty"`
	Ref         string    `json:"ref"` // fetchable content reference handed to the AI service
	UploadedAt  time.Time `json:"uploadedAt"`
	Status      string    `json:"status"` // "uploaded", "processing", "processed", "error"
}
