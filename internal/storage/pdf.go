package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrInvalidPDF is returned for uploads that claim to be PDFs but cannot be read as one.
var ErrInvalidPDF = errors.New("invalid PDF")

// ValidatePDF reads and validates a PDF and returns its page count.
func ValidatePDF(rs io.ReadSeeker) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	ctx, err := api.ReadValidateAndOptimize(rs, conf)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}
	if ctx.PageCount < 1 {
		return 0, fmt.Errorf("%w: document has no pages", ErrInvalidPDF)
	}
	return ctx.PageCount, nil
}

// ValidatePDFFile validates the PDF at path and returns its page count.
func ValidatePDFFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return ValidatePDF(f)
}

func isPDF(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}
