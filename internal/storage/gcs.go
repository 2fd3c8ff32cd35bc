package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/cre-docs/backend/internal/models"
)

const (
	uploadRetries = 4
	uploadTimeout = 50 * time.Second

	metaName      = "name"
	metaPageCount = "pageCount"
)

// object is the subset of object attributes the store relies on.
type object struct {
	Name        string
	Size        int64
	ContentType string
	Metadata    map[string]string
	Created     time.Time
}

// bucket is the set of bucket operations used by GCSStore.
type bucket interface {
	Upload(ctx context.Context, obj object, r io.Reader) error
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Remove(ctx context.Context, name string) error
	List(ctx context.Context, prefix string) ([]object, error)
	URI(name string) string
}

// gcsBucket implements bucket on a Cloud Storage bucket.
type gcsBucket struct {
	name   string
	handle *storage.BucketHandle
}

func (b *gcsBucket) Upload(ctx context.Context, obj object, r io.Reader) error {
	w := b.handle.Object(obj.Name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = obj.ContentType
	w.Metadata = obj.Metadata

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("io.Copy to GCS failed: %w", err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			// The object was written by an earlier attempt.
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func (b *gcsBucket) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := b.handle.Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, b.URI(name))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get GCS object reader for %s: %w", b.URI(name), err)
	}
	return r, nil
}

func (b *gcsBucket) Remove(ctx context.Context, name string) error {
	err := b.handle.Object(name).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("deleting %s: %w", b.URI(name), err)
	}
	return nil
}

func (b *gcsBucket) List(ctx context.Context, prefix string) ([]object, error) {
	it := b.handle.Objects(ctx, &storage.Query{Prefix: prefix})
	var objects []object
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing gs://%s/%s: %w", b.name, prefix, err)
		}
		objects = append(objects, object{
			Name:        attrs.Name,
			Size:        attrs.Size,
			ContentType: attrs.ContentType,
			Metadata:    attrs.Metadata,
			Created:     attrs.Created,
		})
	}
	return objects, nil
}

func (b *gcsBucket) URI(name string) string {
	return "gs://" + b.name + "/" + name
}

// GCSStore implements Store on a Cloud Storage bucket. Uploads are spooled
// to a local temp directory so PDFs can be validated before they are sent.
type GCSStore struct {
	settings
	bucket  bucket
	prefix  string
	tempDir string
	chunks  chunkStager
	backoff time.Duration

	mu    sync.RWMutex
	files map[string]*models.FileInfo
}

// NewGCSStore connects to bucketName with application default credentials.
func NewGCSStore(ctx context.Context, bucketName, prefix, tempDir string, opts ...Option) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return newGCSStore(&gcsBucket{name: bucketName, handle: client.Bucket(bucketName)}, prefix, tempDir, opts...)
}

func newGCSStore(b bucket, prefix, tempDir string, opts ...Option) (*GCSStore, error) {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &GCSStore{
		settings: newSettings(opts),
		bucket:   b,
		prefix:   prefix,
		tempDir:  tempDir,
		chunks:   chunkStager{dir: filepath.Join(tempDir, "chunks")},
		backoff:  time.Second,
		files:    make(map[string]*models.FileInfo),
	}, nil
}

// Reindex rebuilds the in-memory index from the objects under the prefix.
func (s *GCSStore) Reindex(ctx context.Context) error {
	objects, err := s.bucket.List(ctx, s.prefix)
	if err != nil {
		return err
	}

	files := make(map[string]*models.FileInfo, len(objects))
	for _, obj := range objects {
		id := strings.TrimPrefix(obj.Name, s.prefix)
		if id == "" || strings.Contains(id, "/") {
			continue
		}
		name := obj.Metadata[metaName]
		if name == "" {
			name = id
		}
		info := &models.FileInfo{
			ID:          id,
			Name:        name,
			Size:        obj.Size,
			ContentType: obj.ContentType,
			Ref:         s.bucket.URI(obj.Name),
			UploadedAt:  obj.Created,
			Status:      StatusUploaded,
		}
		info.PageCount, _ = strconv.Atoi(obj.Metadata[metaPageCount])
		files[id] = info
	}

	s.mu.Lock()
	s.files = files
	s.mu.Unlock()

	s.logger.Info("storage index rebuilt", zap.Int("files", len(files)))
	return nil
}

// Save spools r to disk, validates PDFs and uploads the file.
func (s *GCSStore) Save(ctx context.Context, name string, r io.Reader) (*models.FileInfo, error) {
	if err := s.checkName(name); err != nil {
		return nil, err
	}

	spool, err := os.CreateTemp(s.tempDir, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("creating spool file: %w", err)
	}
	defer os.Remove(spool.Name())

	size, err := io.Copy(spool, r)
	spool.Close()
	if err != nil {
		return nil, fmt.Errorf("writing spool file: %w", err)
	}
	return s.publish(ctx, name, spool.Name(), size)
}

func (s *GCSStore) publish(ctx context.Context, name, localPath string, size int64) (*models.FileInfo, error) {
	id := uuid.New().String()
	info := &models.FileInfo{
		ID:          id,
		Name:        name,
		Size:        size,
		ContentType: contentType(name),
		Ref:         s.bucket.URI(s.prefix + id),
		UploadedAt:  time.Now(),
		Status:      StatusUploaded,
	}

	if isPDF(name) {
		pages, err := ValidatePDFFile(localPath)
		if err != nil {
			return nil, err
		}
		info.PageCount = pages
	}

	obj := object{
		Name:        s.prefix + id,
		ContentType: info.ContentType,
		Metadata: map[string]string{
			metaName:      name,
			metaPageCount: strconv.Itoa(info.PageCount),
		},
	}
	if err := s.upload(ctx, obj, localPath); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.files[id] = info
	s.mu.Unlock()

	s.logger.Info("file stored",
		zap.String("fileId", id),
		zap.String("ref", info.Ref),
		zap.Int64("size", size),
		zap.Int("pages", info.PageCount),
	)
	return info, nil
}

// upload sends localPath to obj with exponential backoff between attempts.
func (s *GCSStore) upload(ctx context.Context, obj object, localPath string) error {
	backoff := s.backoff
	var lastErr error

	for i := 0; i < uploadRetries; i++ {
		err := func() error {
			f, err := os.Open(localPath)
			if err != nil {
				return fmt.Errorf("could not open local file %s: %w", localPath, err)
			}
			defer f.Close()

			writeCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
			defer cancel()
			return s.bucket.Upload(writeCtx, obj, f)
		}()
		if err == nil {
			return nil
		}

		lastErr = err
		s.logger.Warn("upload failed, will retry",
			zap.String("object", obj.Name),
			zap.Int("attempt", i+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("upload for %s failed after all retries: %w", obj.Name, lastErr)
}

// Get retrieves file metadata by ID.
func (s *GCSStore) Get(id string) (*models.FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return info, nil
}

// List returns the most recent files.
func (s *GCSStore) List(limit int) ([]*models.FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return recent(s.files, limit), nil
}

// Delete removes the object and its metadata.
func (s *GCSStore) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	if err := s.bucket.Remove(ctx, s.prefix+id); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.files, id)
	s.mu.Unlock()
	return nil
}

// Rename updates the display name of a file. The object itself keeps the
// name it was uploaded with.
func (s *GCSStore) Rename(id string, newName string) (*models.FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	info.Name = newName
	return info, nil
}

// Open streams the object content.
func (s *GCSStore) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	if _, err := s.Get(id); err != nil {
		return nil, err
	}
	return s.bucket.Open(ctx, s.prefix+id)
}

// SaveChunk stages a chunk on local disk.
func (s *GCSStore) SaveChunk(uploadID string, chunkIndex int, r io.Reader) error {
	return s.chunks.save(uploadID, chunkIndex, r)
}

// AssembleChunks writes the staged chunks to w and discards them.
func (s *GCSStore) AssembleChunks(uploadID string, totalChunks int, w io.Writer) (int64, error) {
	n, err := s.chunks.assemble(uploadID, totalChunks, w)
	if err != nil {
		return 0, err
	}
	s.chunks.discard(uploadID)
	return n, nil
}

// CompleteChunkedUpload assembles the staged chunks and uploads the result.
func (s *GCSStore) CompleteChunkedUpload(ctx context.Context, uploadID string, name string, totalChunks int) (*models.FileInfo, error) {
	if err := s.checkName(name); err != nil {
		return nil, err
	}

	spool, err := os.CreateTemp(s.tempDir, "assembled-*")
	if err != nil {
		return nil, fmt.Errorf("creating spool file: %w", err)
	}
	defer os.Remove(spool.Name())

	size, err := s.chunks.assemble(uploadID, totalChunks, spool)
	spool.Close()
	if err != nil {
		return nil, err
	}

	info, err := s.publish(ctx, name, spool.Name(), size)
	if err != nil {
		return nil, err
	}
	s.chunks.discard(uploadID)
	return info, nil
}

var (
	_ Store = (*LocalStore)(nil)
	_ Store = (*GCSStore)(nil)
)
