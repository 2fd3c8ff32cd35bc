package upload_test

import (
	"bytes"
	"compress/gzip"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cre-docs/backend/internal/testutil"
	"github.com/cre-docs/backend/internal/upload"
)

func waitForJob(t *testing.T, m *upload.Manager, id string) upload.Job {
	t.Helper()
	var job upload.Job
	require.Eventually(t, func() bool {
		var ok bool
		job, ok = m.GetJob(id)
		return ok && job.Status.Done()
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestManager_PlainUpload(t *testing.T) {
	store := testutil.NewMockStorage()
	m := upload.NewManager(t.TempDir(), store, zaptest.NewLogger(t))

	require.NoError(t, store.SaveChunk("u1", 0, bytes.NewReader([]byte("unit,"))))
	require.NoError(t, store.SaveChunk("u1", 1, bytes.NewReader([]byte("rent"))))

	started := m.StartJob("u1", "rent_roll.csv", 2, 9, 9, "")
	assert.Equal(t, upload.StatusProcessing, started.Status)

	job := waitForJob(t, m, started.ID)
	require.Equal(t, upload.StatusComplete, job.Status, job.Error)
	assert.Equal(t, float64(100), job.Progress)
	require.NotNil(t, job.FileInfo)
	assert.Equal(t, "rent_roll.csv", job.FileInfo.Name)

	data, err := store.GetFileData(job.FileInfo.ID)
	require.NoError(t, err)
	assert.Equal(t, "unit,rent", string(data))
}

func TestManager_GzipUpload(t *testing.T) {
	store := testutil.NewMockStorage()
	m := upload.NewManager(t.TempDir(), store, zaptest.NewLogger(t))

	original := testutil.MinimalPDF(2)
	compressed := gzipBytes(t, original)
	mid := len(compressed) / 2
	require.NoError(t, store.SaveChunk("u2", 0, bytes.NewReader(compressed[:mid])))
	require.NoError(t, store.SaveChunk("u2", 1, bytes.NewReader(compressed[mid:])))

	started := m.StartJob("u2", "memo.pdf", 2, int64(len(original)), int64(len(compressed)), "gzip")
	job := waitForJob(t, m, started.ID)
	require.Equal(t, upload.StatusComplete, job.Status, job.Error)
	assert.NotNil(t, job.CompletedAt)

	data, err := store.GetFileData(job.FileInfo.ID)
	require.NoError(t, err)
	assert.Equal(t, original, data)
}

func TestManager_Errors(t *testing.T) {
	t.Run("size mismatch", func(t *testing.T) {
		store := testutil.NewMockStorage()
		m := upload.NewManager(t.TempDir(), store, zaptest.NewLogger(t))
		require.NoError(t, store.SaveChunk("u3", 0, bytes.NewReader(gzipBytes(t, []byte("abc")))))

		job := waitForJob(t, m, m.StartJob("u3", "a.csv", 1, 10, 0, "gzip").ID)
		assert.Equal(t, upload.StatusError, job.Status)
		assert.Contains(t, job.Error, "size mismatch")
		assert.Equal(t, 0, store.GetFileCount())
	})

	t.Run("not gzip", func(t *testing.T) {
		store := testutil.NewMockStorage()
		m := upload.NewManager(t.TempDir(), store, zaptest.NewLogger(t))
		require.NoError(t, store.SaveChunk("u4", 0, bytes.NewReader([]byte("plain text"))))

		job := waitForJob(t, m, m.StartJob("u4", "a.csv", 1, 0, 0, "binary-gzip").ID)
		assert.Equal(t, upload.StatusError, job.Status)
		assert.Contains(t, job.Error, "not a gzip file")
	})

	t.Run("missing chunk", func(t *testing.T) {
		store := testutil.NewMockStorage()
		m := upload.NewManager(t.TempDir(), store, zaptest.NewLogger(t))
		require.NoError(t, store.SaveChunk("u5", 0, bytes.NewReader([]byte("x"))))

		job := waitForJob(t, m, m.StartJob("u5", "a.csv", 3, 0, 0, "").ID)
		assert.Equal(t, upload.StatusError, job.Status)
		assert.Contains(t, job.Error, "missing chunk 1")
	})

	t.Run("store rejects", func(t *testing.T) {
		store := testutil.NewMockStorage()
		store.SaveErr = errors.New("disk full")
		m := upload.NewManager(t.TempDir(), store, zaptest.NewLogger(t))
		require.NoError(t, store.SaveChunk("u6", 0, bytes.NewReader([]byte("x"))))

		job := waitForJob(t, m, m.StartJob("u6", "a.csv", 1, 0, 0, "").ID)
		assert.Equal(t, upload.StatusError, job.Status)
		assert.Contains(t, job.Error, "disk full")
	})
}

func TestManager_GetJobUnknown(t *testing.T) {
	m := upload.NewManager(t.TempDir(), testutil.NewMockStorage(), nil)
	_, ok := m.GetJob("nope")
	assert.False(t, ok)
}

func TestManager_CleanupOldJobs(t *testing.T) {
	store := testutil.NewMockStorage()
	m := upload.NewManager(t.TempDir(), store, zaptest.NewLogger(t))
	require.NoError(t, store.SaveChunk("u7", 0, bytes.NewReader([]byte("x"))))

	job := waitForJob(t, m, m.StartJob("u7", "a.csv", 1, 0, 0, "").ID)

	assert.Equal(t, 0, m.CleanupOldJobs(time.Hour))
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, m.CleanupOldJobs(time.Millisecond))

	_, ok := m.GetJob(job.ID)
	assert.False(t, ok)
}
