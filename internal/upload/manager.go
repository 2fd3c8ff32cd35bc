// Package upload assembles chunked uploads in the background and reports
// staged progress that clients poll.
package upload

import (
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cre-docs/backend/internal/models"
	"github.com/cre-docs/backend/pkg/logger"
)

// Status represents the upload processing status.
type Status string

const (
	StatusProcessing    Status = "processing"
	StatusAssembling    Status = "assembling"
	StatusDecompressing Status = "decompressing"
	StatusValidating    Status = "validating"
	StatusComplete      Status = "complete"
	StatusError         Status = "error"
)

// Done reports whether the status is terminal.
func (s Status) Done() bool {
	return s == StatusComplete || s == StatusError
}

// Job represents an async upload processing job.
type Job struct {
	ID             string           `json:"id"`
	UploadID       string           `json:"uploadId"`
	FileName       string           `json:"fileName"`
	TotalChunks    int              `json:"totalChunks"`
	OriginalSize   int64            `json:"originalSize"`
	CompressedSize int64            `json:"compressedSize"`
	Encoding       string           `json:"encoding"`
	Status         Status           `json:"status"`
	Progress       float64          `json:"progress"`
	Stage          string           `json:"stage"`         // Current stage description
	StageProgress  float64          `json:"stageProgress"` // Progress within current stage
	FileInfo       *models.FileInfo `json:"fileInfo,omitempty"`
	Error          string           `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty"`
}

// Store defines the interface needed from storage layer.
type Store interface {
	Save(ctx context.Context, name string, r io.Reader) (*models.FileInfo, error)
	CompleteChunkedUpload(ctx context.Context, uploadID string, name string, totalChunks int) (*models.FileInfo, error)
	AssembleChunks(uploadID string, totalChunks int, w io.Writer) (int64, error)
}

// Manager handles async upload processing.
type Manager struct {
	jobs    map[string]*Job
	mu      sync.RWMutex
	tempDir string
	store   Store
	logger  *zap.Logger
}

// NewManager creates a new upload processing manager. tempDir holds
// assembled archives while they are decompressed.
func NewManager(tempDir string, store Store, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		jobs:    make(map[string]*Job),
		tempDir: tempDir,
		store:   store,
		logger:  log,
	}
}

// StartJob begins async processing of an upload.
func (m *Manager) StartJob(uploadID, fileName string, totalChunks int, originalSize, compressedSize int64, encoding string) Job {
	job := &Job{
		ID:             uuid.New().String(),
		UploadID:       uploadID,
		FileName:       fileName,
		TotalChunks:    totalChunks,
		OriginalSize:   originalSize,
		CompressedSize: compressedSize,
		Encoding:       encoding,
		Status:         StatusProcessing,
		Stage:          "preparing",
		CreatedAt:      time.Now(),
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	snapshot := *job
	m.mu.Unlock()

	go m.processJob(job)

	return snapshot
}

// GetJob returns a copy of the job with the given ID.
func (m *Manager) GetJob(id string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

func isGzip(encoding string) bool {
	return encoding == "gzip" || encoding == "binary-gzip"
}

// processJob handles the actual async processing.
func (m *Manager) processJob(job *Job) {
	ctx := context.Background()
	log := m.logger.With(zap.String("jobId", logger.ShortID(job.ID)), zap.String("file", job.FileName))
	log.Info("upload job started", zap.Int("chunks", job.TotalChunks), zap.String("encoding", job.Encoding))

	var (
		info *models.FileInfo
		err  error
	)
	if isGzip(job.Encoding) {
		info, err = m.processCompressed(ctx, job)
	} else {
		m.updateJobStatus(job, StatusAssembling, "assembling chunks", 0)
		m.updateJobStatus(job, StatusValidating, "validating document", 0)
		info, err = m.store.CompleteChunkedUpload(ctx, job.UploadID, job.FileName, job.TotalChunks)
		if err != nil {
			err = fmt.Errorf("failed to store upload: %w", err)
		}
	}
	if err != nil {
		m.markJobError(job, err.Error())
		return
	}

	m.markJobComplete(job, info)
	log.Info("upload job complete", zap.String("fileId", info.ID), zap.Int64("size", info.Size))
}

// processCompressed assembles the gzip archive, inflates it and stores the result.
func (m *Manager) processCompressed(ctx context.Context, job *Job) (*models.FileInfo, error) {
	m.updateJobStatus(job, StatusAssembling, "assembling chunks", 0)

	archive, err := os.CreateTemp(m.tempDir, "upload-*.gz")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(archive.Name())
	defer archive.Close()

	size, err := m.store.AssembleChunks(job.UploadID, job.TotalChunks, archive)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble chunks: %w", err)
	}
	m.updateJobStatus(job, StatusAssembling, "assembling chunks", 100)
	m.logger.Debug("chunks assembled", zap.String("jobId", logger.ShortID(job.ID)), zap.Int64("bytes", size))

	if _, err := archive.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	m.updateJobStatus(job, StatusDecompressing, "decompressing file", 0)
	inflated, err := os.CreateTemp(m.tempDir, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(inflated.Name())
	defer inflated.Close()

	if err := m.decompressWithProgress(job, archive, inflated); err != nil {
		return nil, fmt.Errorf("failed to decompress upload: %w", err)
	}
	m.updateJobStatus(job, StatusDecompressing, "decompressing file", 100)

	if _, err := inflated.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	m.updateJobStatus(job, StatusValidating, "validating document", 0)
	info, err := m.store.Save(ctx, job.FileName, inflated)
	if err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}
	return info, nil
}

// decompressWithProgress inflates a gzip stream from src into dst.
func (m *Manager) decompressWithProgress(job *Job, src io.Reader, dst io.Writer) error {
	br := bufio.NewReader(src)
	magic, err := br.Peek(2)
	if err != nil {
		return err
	}
	if magic[0] != 0x1f || magic[1] != 0x8b {
		return errors.New("not a gzip file")
	}

	reader, err := gzip.NewReader(br)
	if err != nil {
		return err
	}
	defer reader.Close()

	buf := make([]byte, 1024*1024)
	var written int64
	lastProgressUpdate := time.Now()

	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("write error: %w", err)
			}
			written += int64(n)

			if job.OriginalSize > 0 && time.Since(lastProgressUpdate) > 100*time.Millisecond {
				progress := float64(written) / float64(job.OriginalSize) * 100
				if progress > 99 {
					progress = 99
				}
				m.updateJobStatus(job, StatusDecompressing, "decompressing file", progress)
				lastProgressUpdate = time.Now()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				return fmt.Errorf("read error: %w", readErr)
			}
			break
		}
	}

	if job.OriginalSize > 0 && written != job.OriginalSize {
		return fmt.Errorf("decompressed size mismatch: got %d bytes, expected %d bytes", written, job.OriginalSize)
	}
	return nil
}

// updateJobStatus updates job progress (thread-safe).
func (m *Manager) updateJobStatus(job *Job, status Status, stage string, stageProgress float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job.Status = status
	job.Stage = stage
	job.StageProgress = stageProgress

	// Assembling: 0-40%, Decompressing: 40-80%, Validating: 80-100%
	switch status {
	case StatusAssembling:
		job.Progress = stageProgress * 0.4
	case StatusDecompressing:
		job.Progress = 40 + stageProgress*0.4
	case StatusValidating:
		job.Progress = 80 + stageProgress*0.2
	case StatusComplete:
		job.Progress = 100
	}
}

// markJobComplete marks job as complete (thread-safe).
func (m *Manager) markJobComplete(job *Job, info *models.FileInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job.Status = StatusComplete
	job.Stage = "complete"
	job.Progress = 100
	job.FileInfo = info
	now := time.Now()
	job.CompletedAt = &now
}

// markJobError marks job as failed (thread-safe).
func (m *Manager) markJobError(job *Job, errMsg string) {
	m.mu.Lock()
	job.Status = StatusError
	job.Error = errMsg
	now := time.Now()
	job.CompletedAt = &now
	m.mu.Unlock()

	m.logger.Warn("upload job failed", zap.String("jobId", logger.ShortID(job.ID)), zap.String("error", errMsg))
}

// CleanupOldJobs removes finished jobs older than maxAge.
func (m *Manager) CleanupOldJobs(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for id, job := range m.jobs {
		if job.Status.Done() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed
}
