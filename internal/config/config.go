// Package config provides YAML-based configuration with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendLocal = "local"
	BackendGCS   = "gcs"
)

// AppConfig is the root configuration structure
type AppConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Processing ProcessingConfig `yaml:"processing"`
	Security   SecurityConfig   `yaml:"security"`
	Advanced   AdvancedConfig   `yaml:"advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int    `yaml:"port"`
	BindAddress  string `yaml:"bindAddress"`
	EnableCORS   bool   `yaml:"enableCors"`
	AllowOrigins string `yaml:"allowOrigins"`
	ReadTimeout  int    `yaml:"readTimeoutSeconds"`
	WriteTimeout int    `yaml:"writeTimeoutSeconds"`
	IdleTimeout  int    `yaml:"idleTimeoutSeconds"`
	BodyLimit    string `yaml:"bodyLimit"`

	// PublicBaseURL is the address the AI service reaches this server on.
	// When set, local file refs are served from /api/files/{id}/content.
	PublicBaseURL string `yaml:"publicBaseUrl"`
}

// StorageConfig contains file storage settings
type StorageConfig struct {
	Backend          string `yaml:"backend"`
	DataDirectory    string `yaml:"dataDirectory"`
	UploadsDirectory string `yaml:"uploadsDirectory"`
	TempDirectory    string `yaml:"tempDirectory"`
	ResultsDatabase  string `yaml:"resultsDatabase"`
	GCSBucket        string `yaml:"gcsBucket"`
	GCSPrefix        string `yaml:"gcsPrefix"`
	MaxUploadSize    string `yaml:"maxUploadSize"`
}

// ProcessingConfig contains AI service and session settings
type ProcessingConfig struct {
	AIServiceURL           string `yaml:"aiServiceUrl"`
	RequestTimeoutSeconds  int    `yaml:"requestTimeoutSeconds"`
	JobPollIntervalMs      int    `yaml:"jobPollIntervalMs"`
	JobMaxAttempts         int    `yaml:"jobMaxAttempts"`
	SessionTimeoutMinutes  int    `yaml:"sessionTimeoutMinutes"`
	CleanupIntervalMinutes int    `yaml:"cleanupIntervalMinutes"`
	MaxSessions            int    `yaml:"maxSessions"`
}

// SecurityConfig contains security settings
type SecurityConfig struct {
	AllowFileDeletion bool   `yaml:"allowFileDeletion"`
	AllowedFileTypes  string `yaml:"allowedFileTypes"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogLevel             string `yaml:"logLevel"`
	Development          bool   `yaml:"development"`
	EnableRequestLogging bool   `yaml:"enableRequestLogging"`
	DuckDBThreads        int    `yaml:"duckdbThreads"`
	DuckDBMemoryLimit    string `yaml:"duckdbMemoryLimit"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8089,
			BindAddress:  "0.0.0.0",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  120,
			BodyLimit:    "200M",
		},
		Storage: StorageConfig{
			Backend:          BackendLocal,
			DataDirectory:    "./data",
			UploadsDirectory: "./data/uploads",
			TempDirectory:    "./data/temp",
			ResultsDatabase:  "./data/results.duckdb",
			GCSPrefix:        "uploads/",
			MaxUploadSize:    "200M",
		},
		Processing: ProcessingConfig{
			AIServiceURL:           "http://localhost:8000",
			RequestTimeoutSeconds:  120,
			JobPollIntervalMs:      2000,
			JobMaxAttempts:         30,
			SessionTimeoutMinutes:  30,
			CleanupIntervalMinutes: 5,
			MaxSessions:            50,
		},
		Security: SecurityConfig{
			AllowFileDeletion: true,
			AllowedFileTypes:  ".pdf,.xlsx,.xls,.csv",
		},
		Advanced: AdvancedConfig{
			LogLevel:             "info",
			EnableRequestLogging: true,
			DuckDBThreads:        2,
			DuckDBMemoryLimit:    "512MB",
		},
	}
}

// LoadConfig loads configuration from a YAML file, creating it with defaults
// if it does not exist. A .env file next to the config is loaded first so its
// values take part in the environment overrides.
func LoadConfig(configPath string) (*AppConfig, error) {
	configDir := filepath.Dir(configPath)
	if err := loadDotEnv(filepath.Join(configDir, ".env")); err != nil {
		return nil, err
	}

	config := DefaultConfig()
	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.applyEnvironmentOverrides()
	config.resolvePaths(configDir)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save saves the configuration to a YAML file
func (c *AppConfig) Save(configPath string) error {
	output, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# CRE document processing backend configuration\n# This file is auto-generated on first run\n\n")
	if err := os.WriteFile(configPath, append(header, output...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks values that have no usable fallback.
func (c *AppConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Storage.Backend {
	case BackendLocal:
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return errors.New("storage backend gcs requires gcsBucket")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Processing.AIServiceURL == "" {
		return errors.New("processing.aiServiceUrl is required")
	}
	if c.Processing.CleanupIntervalMinutes <= 0 || c.Processing.SessionTimeoutMinutes <= 0 {
		return errors.New("processing.cleanupIntervalMinutes and sessionTimeoutMinutes must be positive")
	}
	return nil
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
		c.Storage.UploadsDirectory = filepath.Join(dataDir, "uploads")
		c.Storage.TempDirectory = filepath.Join(dataDir, "temp")
		c.Storage.ResultsDatabase = filepath.Join(dataDir, "results.duckdb")
	}

	if base := os.Getenv("PUBLIC_BASE_URL"); base != "" {
		c.Server.PublicBaseURL = base
	}

	if url := os.Getenv("AI_SERVICE_URL"); url != "" {
		c.Processing.AIServiceURL = url
	}

	if backend := os.Getenv("STORAGE_BACKEND"); backend != "" {
		c.Storage.Backend = strings.ToLower(backend)
	}

	if bucket := os.Getenv("GCS_BUCKET"); bucket != "" {
		c.Storage.GCSBucket = bucket
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Advanced.LogLevel = level
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	for _, p := range []*string{
		&c.Storage.DataDirectory,
		&c.Storage.UploadsDirectory,
		&c.Storage.TempDirectory,
		&c.Storage.ResultsDatabase,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
}

// GetDataDir returns the absolute data directory path
func (c *AppConfig) GetDataDir() string {
	return c.Storage.DataDirectory
}

// GetUploadDir returns the absolute uploads directory path
func (c *AppConfig) GetUploadDir() string {
	return c.Storage.UploadsDirectory
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// RequestTimeout is the per-call timeout for the AI service.
func (c *AppConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Processing.RequestTimeoutSeconds) * time.Second
}

// JobPollInterval is the interval between AI job status polls.
func (c *AppConfig) JobPollInterval() time.Duration {
	return time.Duration(c.Processing.JobPollIntervalMs) * time.Millisecond
}

// SessionTimeout is how long an idle session is kept.
func (c *AppConfig) SessionTimeout() time.Duration {
	return time.Duration(c.Processing.SessionTimeoutMinutes) * time.Minute
}

// CleanupInterval is how often idle sessions and finished upload jobs are swept.
func (c *AppConfig) CleanupInterval() time.Duration {
	return time.Duration(c.Processing.CleanupIntervalMinutes) * time.Minute
}

// AllowedExtensions returns the lower-cased allowed upload extensions.
func (c *AppConfig) AllowedExtensions() []string {
	var exts []string
	for _, ext := range strings.Split(c.Security.AllowedFileTypes, ",") {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	return exts
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		c.Storage.UploadsDirectory,
		c.Storage.TempDirectory,
	}
	if c.Storage.ResultsDatabase != "" {
		dirs = append(dirs, filepath.Dir(c.Storage.ResultsDatabase))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
