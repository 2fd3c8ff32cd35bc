// Package resultstore keeps the history of processing results in DuckDB.
package resultstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"

	"github.com/cre-docs/backend/internal/models"
	"github.com/cre-docs/backend/internal/processing"
)

// ErrNotFound is returned for unknown result ids.
var ErrNotFound = errors.New("result not found")

const schema = `
	CREATE TABLE IF NOT EXISTS results (
		id             VARCHAR PRIMARY KEY,
		session_id     VARCHAR NOT NULL,
		file_id        VARCHAR NOT NULL,
		document_type  VARCHAR NOT NULL,
		confidence     DOUBLE NOT NULL,
		quality_score  DOUBLE,
		extracted_data VARCHAR NOT NULL,
		regions        VARCHAR NOT NULL,
		errors         VARCHAR NOT NULL,
		warnings       VARCHAR NOT NULL,
		created_at     TIMESTAMP NOT NULL
	)
`

const selectColumns = `id, session_id, file_id, document_type, confidence, quality_score,
	extracted_data, regions, errors, warnings, created_at`

// Options tunes the DuckDB connection.
type Options struct {
	Threads     int    // 0 leaves the DuckDB default
	MemoryLimit string // e.g. "512MB"; "" leaves the DuckDB default
	Logger      *zap.Logger
}

// Record is a stored result and the session that produced it.
type Record struct {
	SessionID string `json:"sessionId"`
	models.ProcessingResult
}

// Query filters List. Zero fields match everything.
type Query struct {
	SessionID    string
	FileID       string
	DocumentType models.DocumentType
	Limit        int
}

// TypeSummary aggregates the history for one document type.
type TypeSummary struct {
	DocumentType  models.DocumentType `json:"documentType"`
	Count         int                 `json:"count"`
	AvgConfidence float64             `json:"avgConfidence"`
	AvgQuality    *float64            `json:"avgQuality,omitempty"`
	LastProcessed time.Time           `json:"lastProcessed"`
}

// Store persists ProcessingResults in a DuckDB file.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// Open opens (or creates) the database at path. An empty path opens an
// in-memory database.
func Open(path string, opts Options) (*Store, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	connector, err := duckdb.NewConnector(path, func(execer driver.ExecerContext) error {
		var pragmas []string
		if opts.Threads > 0 {
			pragmas = append(pragmas, fmt.Sprintf("PRAGMA threads=%d", opts.Threads))
		}
		if opts.MemoryLimit != "" {
			pragmas = append(pragmas, fmt.Sprintf("PRAGMA memory_limit='%s'", strings.ReplaceAll(opts.MemoryLimit, "'", "")))
		}
		pragmas = append(pragmas, "PRAGMA enable_progress_bar=false")
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				return fmt.Errorf("%s: %w", pragma, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create results table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_results_session ON results(session_id)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	log.Info("result store opened", zap.String("path", displayPath(path)))
	return &Store{db: db, path: path, logger: log}, nil
}

func displayPath(path string) string {
	if path == "" {
		return ":memory:"
	}
	return path
}

// SaveResult stores r without a session.
func (s *Store) SaveResult(ctx context.Context, r *models.ProcessingResult) error {
	return s.Save(ctx, "", r)
}

// Save stores r under sessionID, replacing any result with the same id.
func (s *Store) Save(ctx context.Context, sessionID string, r *models.ProcessingResult) error {
	if r == nil {
		return errors.New("nil result")
	}

	extracted, err := marshalJSON(r.ExtractedData, "{}")
	if err != nil {
		return err
	}
	regions, err := marshalJSON(r.Regions, "[]")
	if err != nil {
		return err
	}
	errs, err := marshalJSON(r.Errors, "[]")
	if err != nil {
		return err
	}
	warnings, err := marshalJSON(r.Warnings, "[]")
	if err != nil {
		return err
	}

	var quality sql.NullFloat64
	if r.QualityScore != nil {
		quality = sql.NullFloat64{Float64: *r.QualityScore, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO results (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, sessionID, r.FileID, string(r.DocumentType), r.Confidence, quality,
		extracted, regions, errs, warnings, r.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert result %s: %w", r.ID, err)
	}

	s.logger.Debug("result saved", zap.String("resultId", r.ID), zap.String("sessionId", sessionID), zap.String("fileId", r.FileID))
	return nil
}

// ForSession returns a sink that saves results under sessionID.
func (s *Store) ForSession(sessionID string) processing.ResultSink {
	return sessionSink{store: s, sessionID: sessionID}
}

type sessionSink struct {
	store     *Store
	sessionID string
}

func (k sessionSink) SaveResult(ctx context.Context, r *models.ProcessingResult) error {
	return k.store.Save(ctx, k.sessionID, r)
}

// Get returns the result with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM results WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// List returns matching results, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]*Record, error) {
	var (
		where []string
		args  []any
	)
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.FileID != "" {
		where = append(where, "file_id = ?")
		args = append(args, q.FileID)
	}
	if q.DocumentType != "" {
		where = append(where, "document_type = ?")
		args = append(args, string(q.DocumentType))
	}

	query := `SELECT ` + selectColumns + ` FROM results`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Summary aggregates the history per document type.
func (s *Store) Summary(ctx context.Context) ([]TypeSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_type, COUNT(*), AVG(confidence), AVG(quality_score), MAX(created_at)
		FROM results
		GROUP BY document_type
		ORDER BY COUNT(*) DESC, document_type`)
	if err != nil {
		return nil, fmt.Errorf("summarise results: %w", err)
	}
	defer rows.Close()

	out := []TypeSummary{}
	for rows.Next() {
		var (
			ts      TypeSummary
			docType string
			quality sql.NullFloat64
		)
		if err := rows.Scan(&docType, &ts.Count, &ts.AvgConfidence, &quality, &ts.LastProcessed); err != nil {
			return nil, err
		}
		ts.DocumentType = models.DocumentType(docType)
		if quality.Valid {
			q := quality.Float64
			ts.AvgQuality = &q
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// DeleteSession removes every result of sessionID and reports how many were removed.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete results: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database. The file is kept.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec     Record
		docType string
		quality sql.NullFloat64
	)
	var extracted, regions, errs, warnings string
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.FileID, &docType, &rec.Confidence, &quality,
		&extracted, &regions, &errs, &warnings, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}

	rec.DocumentType = models.DocumentType(docType)
	if quality.Valid {
		q := quality.Float64
		rec.QualityScore = &q
	}
	for _, f := range []struct {
		raw  string
		into any
	}{
		{extracted, &rec.ExtractedData},
		{regions, &rec.Regions},
		{errs, &rec.Errors},
		{warnings, &rec.Warnings},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.into); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func marshalJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}
