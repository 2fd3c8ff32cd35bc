// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/cre-docs/backend/internal/models"
	"github.com/cre-docs/backend/internal/processing"
	"github.com/cre-docs/backend/internal/resultstore"
	"github.com/cre-docs/backend/internal/upload"
)

// UploadHandler handles file upload operations
type UploadHandler interface {
	HandleUploadFile(c echo.Context) error
	HandleUploadChunk(c echo.Context) error
	HandleCompleteUpload(c echo.Context) error
	HandleUploadJobStatus(c echo.Context) error
	HandleGetRecentFiles(c echo.Context) error
	HandleGetFile(c echo.Context) error
	HandleGetFileContent(c echo.Context) error
	HandleDeleteFile(c echo.Context) error
	HandleRenameFile(c echo.Context) error
}

// SessionHandler handles processing session operations
type SessionHandler interface {
	HandleCreateSession(c echo.Context) error
	HandleSessionStatus(c echo.Context) error
	HandleStartProcessing(c echo.Context) error
	HandleProgressStream(c echo.Context) error
	HandleGetResults(c echo.Context) error
	HandleGetResult(c echo.Context) error
	HandleGetResultsMsgpack(c echo.Context) error
	HandleClearResults(c echo.Context) error
	HandleRetry(c echo.Context) error
	HandleSessionKeepAlive(c echo.Context) error
	HandleDeleteSession(c echo.Context) error
}

// HistoryHandler handles queries against the persisted result history
type HistoryHandler interface {
	HandleListHistory(c echo.Context) error
	HandleHistorySummary(c echo.Context) error
	HandleGetHistoryResult(c echo.Context) error
	HandleDeleteSessionHistory(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// SessionManager defines the interface for session management
// This allows mocking in tests
type SessionManager interface {
	Create() (*models.ProcessSession, error)
	Get(id string) (*models.ProcessSession, bool)
	Orchestrator(id string) (*processing.Orchestrator, bool)
	Touch(id string) bool
	StartRun(id string, docs []models.Document) error
	Delete(id string) error
	Count() int
}

// UploadJobs defines the async upload job operations used by handlers
type UploadJobs interface {
	StartJob(uploadID, fileName string, totalChunks int, originalSize, compressedSize int64, encoding string) upload.Job
	GetJob(id string) (upload.Job, bool)
}

// ResultHistory defines the persisted result queries used by handlers
type ResultHistory interface {
	Get(ctx context.Context, id string) (*resultstore.Record, error)
	List(ctx context.Context, q resultstore.Query) ([]*resultstore.Record, error)
	Summary(ctx context.Context) ([]resultstore.TypeSummary, error)
	DeleteSession(ctx context.Context, sessionID string) (int64, error)
}
