// handlers_history.go - Persisted result history handlers
package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/cre-docs/backend/internal/models"
	"github.com/cre-docs/backend/internal/resultstore"
)

// Limits for GET /api/history.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// HistoryHandlerImpl implements the HistoryHandler interface
type HistoryHandlerImpl struct {
	history ResultHistory
	logger  *zap.Logger
}

// NewHistoryHandler creates a new history handler instance
func NewHistoryHandler(history ResultHistory, log *zap.Logger) HistoryHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &HistoryHandlerImpl{
		history: history,
		logger:  log,
	}
}

// HandleListHistory returns stored results, newest first
func (h *HistoryHandlerImpl) HandleListHistory(c echo.Context) error {
	q := resultstore.Query{
		SessionID:    c.QueryParam("sessionId"),
		FileID:       c.QueryParam("fileId"),
		DocumentType: models.DocumentType(c.QueryParam("documentType")),
		Limit:        defaultHistoryLimit,
	}

	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return NewValidationError("limit")
		}
		q.Limit = min(limit, maxHistoryLimit)
	}

	records, err := h.history.List(c.Request().Context(), q)
	if err != nil {
		return NewInternalError("failed to list results", err)
	}
	if records == nil {
		records = []*resultstore.Record{}
	}

	return c.JSON(http.StatusOK, records)
}

// HandleHistorySummary returns per document type aggregates
func (h *HistoryHandlerImpl) HandleHistorySummary(c echo.Context) error {
	summary, err := h.history.Summary(c.Request().Context())
	if err != nil {
		return NewInternalError("failed to summarise results", err)
	}
	if summary == nil {
		summary = []resultstore.TypeSummary{}
	}
	return c.JSON(http.StatusOK, summary)
}

// HandleGetHistoryResult returns one stored result
func (h *HistoryHandlerImpl) HandleGetHistoryResult(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	rec, err := h.history.Get(c.Request().Context(), id)
	if err != nil {
		return fromDomainError("failed to load result", err)
	}
	return c.JSON(http.StatusOK, rec)
}

// HandleDeleteSessionHistory purges the stored results of one session
func (h *HistoryHandlerImpl) HandleDeleteSessionHistory(c echo.Context) error {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		return NewValidationError("sessionId")
	}

	n, err := h.history.DeleteSession(c.Request().Context(), sessionID)
	if err != nil {
		return NewInternalError("failed to delete results", err)
	}

	h.logger.Info("session history deleted", zap.String("sessionId", sessionID), zap.Int64("deleted", n))
	return c.JSON(http.StatusOK, map[string]int64{"deleted": n})
}
