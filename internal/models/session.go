package models

import "time"

// ProcessSession describes a processing session and its live run state.
type ProcessSession struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	LastAccessed time.Time `json:"lastAccessed"`
	FileIDs      []string  `json:"fileIds,omitempty"` // documents of the current or last run
	Snapshot
	Failures      map[string]string `json:"failures,omitempty"` // fileId -> error of the last run
	CompletedRuns int               `json:"completedRuns"`
}
