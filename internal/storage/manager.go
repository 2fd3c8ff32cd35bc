// Package storage keeps uploaded documents on the local filesystem or in a
// Google Cloud Storage bucket and hands out the content references the AI
// service fetches them from.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cre-docs/backend/internal/models"
)

var (
	// ErrNotFound is returned for unknown file ids.
	ErrNotFound = errors.New("file not found")
	// ErrUnsupportedType is returned for uploads whose extension is not allowed.
	ErrUnsupportedType = errors.New("unsupported file type")
)

// File statuses.
const (
	StatusUploaded = "uploaded"
)

// Store defines the interface for file storage.
type Store interface {
	Save(ctx context.Context, name string, r io.Reader) (*models.FileInfo, error)
	Get(id string) (*models.FileInfo, error)
	List(limit int) ([]*models.FileInfo, error)
	Delete(ctx context.Context, id string) error
	Rename(id string, newName string) (*models.FileInfo, error)
	Open(ctx context.Context, id string) (io.ReadCloser, error)
	SaveChunk(uploadID string, chunkIndex int, r io.Reader) error
	CompleteChunkedUpload(ctx context.Context, uploadID string, name string, totalChunks int) (*models.FileInfo, error)
	// AssembleChunks writes the staged chunks to w in order and drops them.
	AssembleChunks(uploadID string, totalChunks int, w io.Writer) (int64, error)
}

type settings struct {
	logger        *zap.Logger
	publicBaseURL string
	allowed       []string
}

// Option configures a store.
type Option func(*settings)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPublicBaseURL makes local refs HTTP URLs under base
// (base + "/api/files/{id}/content") instead of file:// URLs.
func WithPublicBaseURL(base string) Option {
	return func(s *settings) { s.publicBaseURL = strings.TrimRight(base, "/") }
}

// WithAllowedExtensions restricts uploads to the given extensions (".pdf").
// An empty list allows everything.
func WithAllowedExtensions(exts []string) Option {
	return func(s *settings) { s.allowed = exts }
}

func newSettings(opts []Option) settings {
	s := settings{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func (s settings) checkName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty file name", ErrUnsupportedType)
	}
	if len(s.allowed) == 0 {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, a := range s.allowed {
		if ext == a {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// LocalStore implements Store using the local filesystem.
type LocalStore struct {
	settings
	chunks chunkStager

	mu        sync.RWMutex
	uploadDir string
	files     map[string]*models.FileInfo
}

// NewLocalStore creates a new LocalStore.
func NewLocalStore(uploadDir string, opts ...Option) (*LocalStore, error) {
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}

	return &LocalStore{
		settings:  newSettings(opts),
		chunks:    chunkStager{dir: filepath.Join(uploadDir, "chunks")},
		uploadDir: uploadDir,
		files:     make(map[string]*models.FileInfo),
	}, nil
}

// Save saves a file to the local filesystem. PDFs are validated and their
// page count recorded; an invalid PDF is not kept.
func (s *LocalStore) Save(ctx context.Context, name string, r io.Reader) (*models.FileInfo, error) {
	if err := s.checkName(name); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	path := filepath.Join(s.uploadDir, id)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating file: %w", err)
	}
	size, err := io.Copy(f, r)
	f.Close()
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing file: %w", err)
	}

	return s.register(id, name, path, size)
}

// register validates the stored file at path and records its metadata.
func (s *LocalStore) register(id, name, path string, size int64) (*models.FileInfo, error) {
	info := &models.FileInfo{
		ID:          id,
		Name:        name,
		Size:        size,
		ContentType: contentType(name),
		Ref:         s.ref(id, path),
		UploadedAt:  time.Now(),
		Status:      StatusUploaded,
	}

	if isPDF(name) {
		pages, err := ValidatePDFFile(path)
		if err != nil {
			os.Remove(path)
			return nil, err
		}
		info.PageCount = pages
	}

	s.mu.Lock()
	s.files[id] = info
	s.mu.Unlock()

	s.logger.Info("file stored",
		zap.String("fileId", id),
		zap.String("name", name),
		zap.Int64("size", size),
		zap.Int("pages", info.PageCount),
	)
	return info, nil
}

func (s *LocalStore) ref(id, path string) string {
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/api/files/" + url.PathEscape(id) + "/content"
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

// Get retrieves file metadata by ID.
func (s *LocalStore) Get(id string) (*models.FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return info, nil
}

// List returns the most recent files.
func (s *LocalStore) List(limit int) ([]*models.FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return recent(s.files, limit), nil
}

func recent(files map[string]*models.FileInfo, limit int) []*models.FileInfo {
	list := make([]*models.FileInfo, 0, len(files))
	for _, info := range files {
		list = append(list, info)
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].UploadedAt.After(list[j].UploadedAt)
	})

	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}

// Delete removes a file from storage.
func (s *LocalStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	path := filepath.Join(s.uploadDir, id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting file: %w", err)
	}

	delete(s.files, id)
	return nil
}

// Rename updates the display name of a file.
func (s *LocalStore) Rename(id string, newName string) (*models.FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	info.Name = newName
	return info, nil
}

// Open returns the content of a file.
func (s *LocalStore) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	path, err := s.GetFilePath(id)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// GetFilePath returns the absolute path to a file.
func (s *LocalStore) GetFilePath(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.files[id]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return filepath.Join(s.uploadDir, id), nil
}

// SaveChunk saves a single chunk to a temporary location.
func (s *LocalStore) SaveChunk(uploadID string, chunkIndex int, r io.Reader) error {
	return s.chunks.save(uploadID, chunkIndex, r)
}

// AssembleChunks writes the staged chunks to w and discards them.
func (s *LocalStore) AssembleChunks(uploadID string, totalChunks int, w io.Writer) (int64, error) {
	n, err := s.chunks.assemble(uploadID, totalChunks, w)
	if err != nil {
		return 0, err
	}
	s.chunks.discard(uploadID)
	return n, nil
}

// CompleteChunkedUpload assembles all chunks into a final file.
func (s *LocalStore) CompleteChunkedUpload(ctx context.Context, uploadID string, name string, totalChunks int) (*models.FileInfo, error) {
	if err := s.checkName(name); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	finalPath := filepath.Join(s.uploadDir, id)

	out, err := os.Create(finalPath)
	if err != nil {
		return nil, fmt.Errorf("creating final file: %w", err)
	}
	size, err := s.chunks.assemble(uploadID, totalChunks, out)
	out.Close()
	if err != nil {
		os.Remove(finalPath)
		return nil, err
	}
	s.chunks.discard(uploadID)

	return s.register(id, name, finalPath, size)
}
