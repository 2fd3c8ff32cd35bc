package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cre-docs/backend/internal/aiclient"
	"github.com/cre-docs/backend/internal/api"
	"github.com/cre-docs/backend/internal/config"
	"github.com/cre-docs/backend/internal/polling"
	"github.com/cre-docs/backend/internal/resultstore"
	"github.com/cre-docs/backend/internal/session"
	"github.com/cre-docs/backend/internal/storage"
	"github.com/cre-docs/backend/internal/upload"
	"github.com/cre-docs/backend/pkg/logger"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Default to a config file next to the executable
	exePath, err := os.Executable()
	if err != nil {
		fmt.Printf("Failed to get executable path: %v\n", err)
		os.Exit(1)
	}
	configPath := flag.String("config", filepath.Join(filepath.Dir(exePath), "config.yaml"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Advanced.LogLevel, cfg.Advanced.Development)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath, log); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.AppConfig, configPath string, log *zap.Logger) error {
	// Ensure all data directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	fileStore, err := newFileStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}

	results, err := resultstore.Open(cfg.Storage.ResultsDatabase, resultstore.Options{
		Threads:     cfg.Advanced.DuckDBThreads,
		MemoryLimit: cfg.Advanced.DuckDBMemoryLimit,
		Logger:      log.Named("results"),
	})
	if err != nil {
		return fmt.Errorf("open results database: %w", err)
	}
	defer results.Close()

	scheduler := polling.New(polling.WithLogger(log.Named("polling")))
	defer scheduler.StopAll()

	client := aiclient.New(cfg.Processing.AIServiceURL,
		aiclient.WithTimeout(cfg.RequestTimeout()),
		aiclient.WithLogger(log.Named("aiclient")),
		aiclient.WithJobPolling(scheduler, cfg.JobPollInterval(), cfg.Processing.JobMaxAttempts),
	)

	sessionMgr := session.NewManager(client,
		session.WithLogger(log.Named("session")),
		session.WithMaxSessions(cfg.Processing.MaxSessions),
		session.WithSinkFactory(results.ForSession),
	)
	defer sessionMgr.Close()

	uploadMgr := upload.NewManager(cfg.Storage.TempDirectory, fileStore, log.Named("upload"))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	api.SetupMiddleware(e, api.MiddlewareConfig{
		Development:    cfg.Advanced.Development,
		RequestLogging: cfg.Advanced.EnableRequestLogging,
		RequestTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		BodyLimit:      cfg.Server.BodyLimit,
		EnableCORS:     cfg.Server.EnableCORS,
		AllowOrigins:   cfg.Server.AllowOrigins,
		Logger:         log.Named("http"),
	})
	api.RegisterRoutes(e, api.NewHandlers(&api.Dependencies{
		Store:             fileStore,
		Sessions:          sessionMgr,
		Uploads:           uploadMgr,
		History:           results,
		Version:           Version,
		AllowFileDeletion: cfg.Security.AllowFileDeletion,
		Logger:            log,
	}))

	// Configure server with settings from config
	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	printBanner(cfg, configPath)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server listening", zap.String("addr", s.Addr), zap.String("aiService", cfg.Processing.AIServiceURL))
		if err := e.StartServer(s); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Background cleanup of idle sessions and finished upload jobs
	g.Go(func() error {
		ticker := time.NewTicker(cfg.CleanupInterval())
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				sessions := sessionMgr.CleanupOldSessions(cfg.SessionTimeout())
				jobs := uploadMgr.CleanupOldJobs(cfg.SessionTimeout())
				if sessions > 0 || jobs > 0 {
					log.Info("cleanup", zap.Int("sessions", sessions), zap.Int("uploadJobs", jobs))
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newFileStore(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) (storage.Store, error) {
	opts := []storage.Option{
		storage.WithLogger(log.Named("storage")),
		storage.WithAllowedExtensions(cfg.AllowedExtensions()),
	}

	switch cfg.Storage.Backend {
	case config.BackendGCS:
		store, err := storage.NewGCSStore(ctx, cfg.Storage.GCSBucket, cfg.Storage.GCSPrefix, cfg.Storage.TempDirectory, opts...)
		if err != nil {
			return nil, err
		}
		if err := store.Reindex(ctx); err != nil {
			return nil, fmt.Errorf("index bucket %s: %w", cfg.Storage.GCSBucket, err)
		}
		return store, nil
	default:
		opts = append(opts, storage.WithPublicBaseURL(cfg.Server.PublicBaseURL))
		return storage.NewLocalStore(cfg.GetUploadDir(), opts...)
	}
}

func printBanner(cfg *config.AppConfig, configPath string) {
	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           CRE Document Processing Server                  ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("║  Storage:    %-45s║\n", cfg.Storage.Backend)
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:    %-46s║\n", configPath)
	fmt.Printf("║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Printf("║  AI:        %-46s║\n", cfg.Processing.AIServiceURL)
	fmt.Printf("║  Data Dir:  %-46s║\n", cfg.GetDataDir())
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
}
