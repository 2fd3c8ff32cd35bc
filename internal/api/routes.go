// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/cre-docs/backend/internal/storage"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Store             storage.Store
	Sessions          SessionManager
	Uploads           UploadJobs
	History           ResultHistory
	Version           string
	AllowFileDeletion bool
	Logger            *zap.Logger
}

// Handlers holds all handler instances
type Handlers struct {
	Health    HealthHandler
	Upload    UploadHandler
	Session   SessionHandler
	History   HistoryHandler
	WebSocket *WebSocketHandler

	allowFileDeletion bool
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handlers{
		Health:            NewHealthHandler(deps.Version, deps.Sessions),
		Upload:            NewUploadHandler(deps.Store, deps.Uploads, log.Named("upload")),
		Session:           NewSessionHandler(deps.Store, deps.Sessions, log.Named("session")),
		WebSocket:         NewWebSocketHandler(deps.Sessions, log.Named("ws")),
		allowFileDeletion: deps.AllowFileDeletion,
	}
	if deps.History != nil {
		h.History = NewHistoryHandler(deps.History, log.Named("history"))
	}
	return h
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	apiGroup := e.Group("/api")

	// Health check
	apiGroup.GET("/health", handlers.Health.HandleHealth)

	// File management
	files := apiGroup.Group("/files")
	files.POST("/upload", handlers.Upload.HandleUploadFile)
	files.POST("/upload/chunk", handlers.Upload.HandleUploadChunk)
	files.POST("/upload/complete", handlers.Upload.HandleCompleteUpload)
	files.GET("/upload/:jobId/status", handlers.Upload.HandleUploadJobStatus)
	files.GET("/recent", handlers.Upload.HandleGetRecentFiles)
	files.GET("/:id", handlers.Upload.HandleGetFile)
	files.GET("/:id/content", handlers.Upload.HandleGetFileContent)
	files.PUT("/:id", handlers.Upload.HandleRenameFile)

	// Conditional delete based on config
	if handlers.allowFileDeletion {
		files.DELETE("/:id", handlers.Upload.HandleDeleteFile)
	}

	// Processing sessions
	sessions := apiGroup.Group("/sessions")
	sessions.POST("", handlers.Session.HandleCreateSession)
	sessions.GET("/:sessionId/status", handlers.Session.HandleSessionStatus)
	sessions.POST("/:sessionId/process", handlers.Session.HandleStartProcessing)
	sessions.GET("/:sessionId/progress", handlers.Session.HandleProgressStream)
	sessions.GET("/:sessionId/results", handlers.Session.HandleGetResults)
	sessions.GET("/:sessionId/results/msgpack", handlers.Session.HandleGetResultsMsgpack)
	sessions.GET("/:sessionId/results/:fileId", handlers.Session.HandleGetResult)
	sessions.DELETE("/:sessionId/results", handlers.Session.HandleClearResults)
	sessions.POST("/:sessionId/retry/:fileId", handlers.Session.HandleRetry)
	sessions.POST("/:sessionId/keepalive", handlers.Session.HandleSessionKeepAlive)
	sessions.DELETE("/:sessionId", handlers.Session.HandleDeleteSession)

	// WebSocket endpoint
	apiGroup.GET("/ws/sessions/:sessionId", handlers.WebSocket.HandleWebSocket)

	// Result history
	if handlers.History != nil {
		history := apiGroup.Group("/history")
		history.GET("", handlers.History.HandleListHistory)
		history.GET("/summary", handlers.History.HandleHistorySummary)
		history.GET("/:id", handlers.History.HandleGetHistoryResult)
		history.DELETE("/sessions/:sessionId", handlers.History.HandleDeleteSessionHistory)
	}
}

// MiddlewareConfig configures SetupMiddleware
type MiddlewareConfig struct {
	Development    bool
	RequestLogging bool
	RequestTimeout time.Duration // 0 disables the timeout middleware
	BodyLimit      string
	EnableCORS     bool
	AllowOrigins   string // comma separated
	Logger         *zap.Logger
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, cfg MiddlewareConfig) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	// Use custom error handler
	e.HTTPErrorHandler = NewErrorHandler(cfg.Development, log)

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			if !cfg.RequestLogging {
				return true
			}
			path := c.Request().URL.Path
			return strings.HasSuffix(path, "/status") ||
				strings.HasSuffix(path, "/progress") ||
				path == "/api/health"
		},
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogError:     true,
		HandleError:  true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remoteIp", v.RemoteIP),
			}
			if v.Error != nil {
				log.Warn("request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			log.Info("request", fields...)
			return nil
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 4 * 1024,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			log.Error("panic recovered",
				zap.String("path", c.Request().URL.Path),
				zap.Error(err),
				zap.ByteString("stack", stack),
			)
			return err
		},
	}))

	if cfg.RequestTimeout > 0 {
		e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
			Timeout: cfg.RequestTimeout,
			Skipper: func(c echo.Context) bool {
				path := c.Request().URL.Path
				return strings.Contains(path, "/upload") ||
					strings.HasSuffix(path, "/progress") ||
					strings.HasSuffix(path, "/content") ||
					strings.HasPrefix(path, "/api/ws/") ||
					c.Request().Header.Get("Accept") == "text/event-stream"
			},
			ErrorMessage: "Request timeout",
		}))
	}

	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}

	if cfg.EnableCORS {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: parseOrigins(cfg.AllowOrigins),
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}
}

func parseOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
