package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// chunkStager keeps the parts of a chunked upload on local disk until they
// are assembled.
type chunkStager struct {
	dir string
}

func (c chunkStager) uploadDir(uploadID string) (string, error) {
	if uploadID == "" || strings.ContainsAny(uploadID, `/\`) || uploadID == "." || uploadID == ".." {
		return "", fmt.Errorf("invalid upload id %q", uploadID)
	}
	return filepath.Join(c.dir, uploadID), nil
}

func (c chunkStager) save(uploadID string, chunkIndex int, r io.Reader) error {
	if chunkIndex < 0 {
		return fmt.Errorf("invalid chunk index %d", chunkIndex)
	}
	chunkDir, err := c.uploadDir(uploadID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(chunkDir, 0755); err != nil {
		return fmt.Errorf("creating chunk directory: %w", err)
	}

	path := filepath.Join(chunkDir, fmt.Sprintf("chunk_%d", chunkIndex))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating chunk file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("writing chunk: %w", err)
	}
	return nil
}

// assemble concatenates chunks 0..totalChunks-1 into w.
func (c chunkStager) assemble(uploadID string, totalChunks int, w io.Writer) (int64, error) {
	if totalChunks < 1 {
		return 0, fmt.Errorf("invalid chunk count %d", totalChunks)
	}
	chunkDir, err := c.uploadDir(uploadID)
	if err != nil {
		return 0, err
	}

	var total int64
	for i := 0; i < totalChunks; i++ {
		in, err := os.Open(filepath.Join(chunkDir, fmt.Sprintf("chunk_%d", i)))
		if err != nil {
			return 0, fmt.Errorf("opening chunk %d: %w", i, err)
		}
		n, err := io.Copy(w, in)
		in.Close()
		if err != nil {
			return 0, fmt.Errorf("copying chunk %d: %w", i, err)
		}
		total += n
	}
	return total, nil
}

func (c chunkStager) discard(uploadID string) {
	if dir, err := c.uploadDir(uploadID); err == nil {
		os.RemoveAll(dir)
	}
}
