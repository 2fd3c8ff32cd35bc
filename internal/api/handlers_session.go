// handlers_session.go - Processing session handlers
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/cre-docs/backend/internal/models"
	"github.com/cre-docs/backend/internal/processing"
	"github.com/cre-docs/backend/internal/storage"
)

// Progress stream timing.
const (
	progressPollInterval = 100 * time.Millisecond
	progressStreamLimit  = 5 * time.Minute
)

// SessionHandlerImpl implements the SessionHandler interface
type SessionHandlerImpl struct {
	store      storage.Store
	sessionMgr SessionManager
	logger     *zap.Logger
}

// NewSessionHandler creates a new session handler instance
func NewSessionHandler(store storage.Store, sessionMgr SessionManager, log *zap.Logger) SessionHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionHandlerImpl{
		store:      store,
		sessionMgr: sessionMgr,
		logger:     log,
	}
}

// HandleCreateSession starts a new processing session
func (h *SessionHandlerImpl) HandleCreateSession(c echo.Context) error {
	sess, err := h.sessionMgr.Create()
	if err != nil {
		return fromDomainError("failed to create session", err)
	}
	return c.JSON(http.StatusCreated, sess)
}

// HandleSessionStatus returns the current state of a session
func (h *SessionHandlerImpl) HandleSessionStatus(c echo.Context) error {
	id := c.Param("sessionId")
	if id == "" {
		return NewValidationError("sessionId")
	}

	sess, ok := h.sessionMgr.Get(id)
	if !ok {
		return NewNotFoundError("session", id)
	}

	// Touch session to prevent cleanup while being viewed
	h.sessionMgr.Touch(id)

	return c.JSON(http.StatusOK, sess)
}

// HandleStartProcessing runs the given uploaded files through the pipeline
func (h *SessionHandlerImpl) HandleStartProcessing(c echo.Context) error {
	id := c.Param("sessionId")
	if id == "" {
		return NewValidationError("sessionId")
	}

	var req startProcessingRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}

	fileIDs := req.normalizeFileIDs()
	if len(fileIDs) == 0 {
		return NewValidationError("fileId or fileIds")
	}

	docs, err := h.resolveDocuments(fileIDs)
	if err != nil {
		return err
	}

	if err := h.sessionMgr.StartRun(id, docs); err != nil {
		return fromDomainError("failed to start processing", err)
	}

	sess, ok := h.sessionMgr.Get(id)
	if !ok {
		return NewNotFoundError("session", id)
	}
	return c.JSON(http.StatusAccepted, sess)
}

// HandleProgressStream streams session progress via SSE until the run ends
func (h *SessionHandlerImpl) HandleProgressStream(c echo.Context) error {
	id := c.Param("sessionId")
	if id == "" {
		return NewValidationError("sessionId")
	}

	orch, ok := h.sessionMgr.Orchestrator(id)
	if !ok {
		return NewNotFoundError("session", id)
	}
	updates, cancel := orch.Subscribe()
	defer cancel()

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	// The stream may outlive the server's write timeout.
	if err := http.NewResponseController(c.Response()).SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", zap.Error(err))
	}

	sess, ok := h.sessionMgr.Get(id)
	if !ok {
		h.sendSSEError(c, "session not found")
		return nil
	}
	h.sendSSEData(c, sess)
	if !sess.IsProcessing {
		return nil
	}

	// Snapshots wake the stream immediately; the ticker catches the end of
	// the run, which publishes no snapshot of its own.
	ticker := time.NewTicker(progressPollInterval)
	defer ticker.Stop()

	timeout := time.NewTimer(progressStreamLimit)
	defer timeout.Stop()

	ctx := c.Request().Context()
	last := sess
	for {
		select {
		case <-updates:
		case <-ticker.C:
		case <-timeout.C:
			h.sendSSEError(c, "stream timeout")
			return nil
		case <-ctx.Done():
			return nil
		}

		sess, ok := h.sessionMgr.Get(id)
		if !ok {
			h.sendSSEError(c, "session not found")
			return nil
		}
		if sameProgress(last, sess) {
			continue
		}
		h.sendSSEData(c, sess)
		last = sess

		if !sess.IsProcessing {
			return nil
		}
	}
}

// HandleGetResults returns every stored result of the session
func (h *SessionHandlerImpl) HandleGetResults(c echo.Context) error {
	orch, err := h.orchestrator(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sortedResults(orch))
}

// HandleGetResult returns the result for one file
func (h *SessionHandlerImpl) HandleGetResult(c echo.Context) error {
	orch, err := h.orchestrator(c)
	if err != nil {
		return err
	}

	fileID := c.Param("fileId")
	result, ok := orch.Result(fileID)
	if !ok {
		return NewNotFoundError("result", fileID)
	}
	return c.JSON(http.StatusOK, result)
}

// HandleGetResultsMsgpack returns the session results in MessagePack format
func (h *SessionHandlerImpl) HandleGetResultsMsgpack(c echo.Context) error {
	orch, err := h.orchestrator(c)
	if err != nil {
		return err
	}

	data, err := msgpack.Marshal(map[string]any{
		"sessionId": c.Param("sessionId"),
		"results":   sortedResults(orch),
	})
	if err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}

	return c.Blob(http.StatusOK, "application/msgpack", data)
}

// HandleClearResults empties the session results and resets its steps
func (h *SessionHandlerImpl) HandleClearResults(c echo.Context) error {
	orch, err := h.orchestrator(c)
	if err != nil {
		return err
	}
	orch.ClearResults()
	return c.NoContent(http.StatusNoContent)
}

// HandleRetry asks for a file to be reprocessed
func (h *SessionHandlerImpl) HandleRetry(c echo.Context) error {
	orch, err := h.orchestrator(c)
	if err != nil {
		return err
	}

	fileID := c.Param("fileId")
	if fileID == "" {
		return NewValidationError("fileId")
	}
	if err := orch.Retry(c.Request().Context(), fileID); err != nil {
		return fromDomainError("retry failed", err)
	}
	return c.NoContent(http.StatusAccepted)
}

// HandleSessionKeepAlive extends session lifetime for active viewing
func (h *SessionHandlerImpl) HandleSessionKeepAlive(c echo.Context) error {
	id := c.Param("sessionId")
	if id == "" {
		return NewValidationError("sessionId")
	}

	if ok := h.sessionMgr.Touch(id); !ok {
		return NewNotFoundError("session", id)
	}

	return c.NoContent(http.StatusNoContent)
}

// HandleDeleteSession removes a session
func (h *SessionHandlerImpl) HandleDeleteSession(c echo.Context) error {
	id := c.Param("sessionId")
	if id == "" {
		return NewValidationError("sessionId")
	}

	if err := h.sessionMgr.Delete(id); err != nil {
		return fromDomainError("failed to delete session", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Request/Response types

type startProcessingRequest struct {
	FileID  string   `json:"fileId"`
	FileIDs []string `json:"fileIds"`
}

func (r *startProcessingRequest) normalizeFileIDs() []string {
	if len(r.FileIDs) > 0 {
		return r.FileIDs
	}
	if r.FileID != "" {
		return []string{r.FileID}
	}
	return nil
}

// Helper methods

func (h *SessionHandlerImpl) orchestrator(c echo.Context) (*processing.Orchestrator, error) {
	id := c.Param("sessionId")
	if id == "" {
		return nil, NewValidationError("sessionId")
	}

	orch, ok := h.sessionMgr.Orchestrator(id)
	if !ok {
		return nil, NewNotFoundError("session", id)
	}
	h.sessionMgr.Touch(id)
	return orch, nil
}

// resolveDocuments maps file ids to documents carrying their content refs.
func (h *SessionHandlerImpl) resolveDocuments(fileIDs []string) ([]models.Document, error) {
	docs := make([]models.Document, 0, len(fileIDs))
	seen := make(map[string]bool, len(fileIDs))
	for _, fid := range fileIDs {
		if seen[fid] {
			continue
		}
		seen[fid] = true

		info, err := h.store.Get(fid)
		if err != nil {
			return nil, NewNotFoundError("file", fid)
		}
		docs = append(docs, models.Document{ID: info.ID, Name: info.Name, Ref: info.Ref})
	}
	return docs, nil
}

func sortedResults(orch *processing.Orchestrator) []*models.ProcessingResult {
	results := orch.Results()
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results
}

// sameProgress reports whether two session views would render identically.
func sameProgress(a, b *models.ProcessSession) bool {
	if a.IsProcessing != b.IsProcessing || a.CurrentStep != b.CurrentStep ||
		a.ResultCount != b.ResultCount || a.CompletedRuns != b.CompletedRuns || len(a.Steps) != len(b.Steps) ||
		len(a.Failures) != len(b.Failures) {
		return false
	}
	for i := range a.Steps {
		if a.Steps[i] != b.Steps[i] {
			return false
		}
	}
	return true
}

func (h *SessionHandlerImpl) sendSSEData(c echo.Context, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to encode SSE payload", zap.Error(err))
		return
	}
	fmt.Fprintf(c.Response(), "data: %s\n\n", jsonData)
	c.Response().Flush()
}

func (h *SessionHandlerImpl) sendSSEError(c echo.Context, message string) {
	h.sendSSEData(c, map[string]string{"error": message})
}
