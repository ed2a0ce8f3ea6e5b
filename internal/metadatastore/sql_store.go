package metadatastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// Drivers registered by blank import, selected at runtime via
	// Config.Database.Driver (SPEC_FULL.md §6), mirroring the teacher's
	// dual-driver approach in internal/config/config.go.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/docuvision/docuvision/internal/docvalue"
)

// SQLStore implements Store atop database/sql, supporting both Postgres
// and SQLite (grounded on Spherical/libs/knowledge-engine's
// internal/storage/repositories.go DB-interface pattern and its
// sqlite/postgres driver switch in internal/config/config.go).
type SQLStore struct {
	db     *sql.DB
	driver string // "postgres" or "sqlite"
}

// Open opens a connection pool for the given driver/DSN and ensures the
// schema exists.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	sqlDriver := driver
	if driver == "sqlite" {
		sqlDriver = "sqlite3"
	}
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// ph returns the positional placeholder for argument index n (1-based),
// accounting for Postgres's $N vs SQLite's ?.
func (s *SQLStore) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) migrate(ctx context.Context) error {
	stmt := documentsTableDDL(s.driver)
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func documentsTableDDL(driver string) string {
	if driver == "postgres" {
		return `
CREATE TABLE IF NOT EXISTS documents (
	id BIGSERIAL PRIMARY KEY,
	content_hash TEXT UNIQUE NOT NULL,
	original_filename TEXT NOT NULL,
	stored_filename TEXT NOT NULL,
	byte_length BIGINT NOT NULL,
	page_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	progress DOUBLE PRECISION NOT NULL DEFAULT 0,
	extracted_fields JSONB,
	confidence_scores JSONB,
	processing_metadata JSONB,
	blob_ref TEXT,
	attempt_number INTEGER NOT NULL DEFAULT 0,
	current_worker TEXT,
	heartbeat_at TIMESTAMPTZ,
	tombstoned BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_documents_created_at ON documents (created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents (status);
`
	}
	return `
CREATE TABLE IF NOT EXISTS documents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	content_hash TEXT UNIQUE NOT NULL,
	original_filename TEXT NOT NULL,
	stored_filename TEXT NOT NULL,
	byte_length INTEGER NOT NULL,
	page_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	progress REAL NOT NULL DEFAULT 0,
	extracted_fields TEXT,
	confidence_scores TEXT,
	processing_metadata TEXT,
	blob_ref TEXT,
	attempt_number INTEGER NOT NULL DEFAULT 0,
	current_worker TEXT,
	heartbeat_at DATETIME,
	tombstoned INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_documents_created_at ON documents (created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents (status);
`
}

func (s *SQLStore) Insert(ctx context.Context, doc *Document) error {
	now := time.Now().UTC()
	doc.Status = StatusPending
	doc.Progress = 0
	doc.AttemptNumber = 0
	doc.CreatedAt = now
	doc.UpdatedAt = now

	query := fmt.Sprintf(`
INSERT INTO documents (content_hash, original_filename, stored_filename, byte_length,
	page_count, status, progress, blob_ref, attempt_number, created_at, updated_at)
VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11))

	if s.driver == "postgres" {
		query += " RETURNING id"
		return s.db.QueryRowContext(ctx, query, doc.ContentHash, doc.OriginalFilename, doc.StoredFilename,
			doc.ByteLength, doc.PageCount, doc.Status, doc.Progress, doc.BlobRef, doc.AttemptNumber,
			doc.CreatedAt, doc.UpdatedAt).Scan(&doc.ID)
	}

	res, err := s.db.ExecContext(ctx, query, doc.ContentHash, doc.OriginalFilename, doc.StoredFilename,
		doc.ByteLength, doc.PageCount, doc.Status, doc.Progress, doc.BlobRef, doc.AttemptNumber,
		doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	doc.ID = id
	return nil
}

const selectColumns = `id, content_hash, original_filename, stored_filename, byte_length, page_count,
	status, progress, extracted_fields, confidence_scores, processing_metadata, blob_ref,
	attempt_number, current_worker, heartbeat_at, created_at, updated_at`

func (s *SQLStore) scanDocument(row *sql.Row) (*Document, error) {
	d := &Document{}
	var fieldsJSON, confJSON, metaJSON sql.NullString
	err := row.Scan(&d.ID, &d.ContentHash, &d.OriginalFilename, &d.StoredFilename, &d.ByteLength,
		&d.PageCount, &d.Status, &d.Progress, &fieldsJSON, &confJSON, &metaJSON, &d.BlobRef,
		&d.AttemptNumber, &d.CurrentWorker, &d.HeartbeatAt, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if fieldsJSON.Valid && fieldsJSON.String != "" {
		if err := json.Unmarshal([]byte(fieldsJSON.String), &d.ExtractedFields); err != nil {
			return nil, fmt.Errorf("decode extracted_fields: %w", err)
		}
	}
	if confJSON.Valid && confJSON.String != "" {
		if err := json.Unmarshal([]byte(confJSON.String), &d.Confidence); err != nil {
			return nil, fmt.Errorf("decode confidence_scores: %w", err)
		}
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &d.Metadata); err != nil {
			return nil, fmt.Errorf("decode processing_metadata: %w", err)
		}
	}
	return d, nil
}

func (s *SQLStore) GetByID(ctx context.Context, id int64) (*Document, error) {
	query := fmt.Sprintf(`SELECT %s FROM documents WHERE id = %s`, selectColumns, s.ph(1))
	return s.scanDocument(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLStore) GetByContentHash(ctx context.Context, hash string) (*Document, error) {
	query := fmt.Sprintf(`SELECT %s FROM documents WHERE content_hash = %s`, selectColumns, s.ph(1))
	return s.scanDocument(s.db.QueryRowContext(ctx, query, hash))
}

func (s *SQLStore) List(ctx context.Context, opts ListOptions) (*Page, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	where := ""
	args := []interface{}{}
	if opts.Status != "" {
		where = fmt.Sprintf(" WHERE status = %s", s.ph(1))
		args = append(args, string(opts.Status))
	}

	countQuery := "SELECT COUNT(*) FROM documents" + where
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, err
	}

	args = append(args, limit, opts.Skip)
	query := fmt.Sprintf(`SELECT %s FROM documents%s ORDER BY created_at DESC, id DESC LIMIT %s OFFSET %s`,
		selectColumns, where, s.ph(len(args)-1), s.ph(len(args)))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d := &Document{}
		var fieldsJSON, confJSON, metaJSON sql.NullString
		if err := rows.Scan(&d.ID, &d.ContentHash, &d.OriginalFilename, &d.StoredFilename, &d.ByteLength,
			&d.PageCount, &d.Status, &d.Progress, &fieldsJSON, &confJSON, &metaJSON, &d.BlobRef,
			&d.AttemptNumber, &d.CurrentWorker, &d.HeartbeatAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		if fieldsJSON.Valid && fieldsJSON.String != "" {
			_ = json.Unmarshal([]byte(fieldsJSON.String), &d.ExtractedFields)
		}
		if confJSON.Valid && confJSON.String != "" {
			_ = json.Unmarshal([]byte(confJSON.String), &d.Confidence)
		}
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &d.Metadata)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &Page{Documents: docs, Total: total}, nil
}

func (s *SQLStore) Delete(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`DELETE FROM documents WHERE id = %s`, s.ph(1))
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// BeginAttempt performs the conditional Pending->Processing update
// guarded by (status=Pending AND current_worker IS NULL), per
// SPEC_FULL.md §4.2. A loser of the race gets ErrConflict and must
// release the job (treat as spurious delivery).
func (s *SQLStore) BeginAttempt(ctx context.Context, id int64, workerID string) (*Document, error) {
	now := time.Now().UTC()
	query := fmt.Sprintf(`
UPDATE documents SET status = %s, progress = 0, current_worker = %s, heartbeat_at = %s,
	attempt_number = attempt_number + 1, updated_at = %s
WHERE id = %s AND status = %s AND current_worker IS NULL`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))

	res, err := s.db.ExecContext(ctx, query, string(StatusProcessing), workerID, now, now, id, string(StatusPending))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrConflict
	}
	return s.GetByID(ctx, id)
}

func (s *SQLStore) UpdateProgress(ctx context.Context, id int64, attemptNumber int, progress float64, pageStatuses map[int]string) error {
	meta, err := s.loadMetadata(ctx, id)
	if err != nil {
		return err
	}
	if pageStatuses != nil {
		if meta.PageStatuses == nil {
			meta.PageStatuses = map[int]string{}
		}
		for k, v := range pageStatuses {
			meta.PageStatuses[k] = v
		}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
UPDATE documents SET progress = %s, processing_metadata = %s, updated_at = %s
WHERE id = %s AND attempt_number = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	res, err := s.db.ExecContext(ctx, query, roundProgress(progress), string(metaJSON), time.Now().UTC(), id, attemptNumber)
	if err != nil {
		return err
	}
	return rowsAffectedOrConflict(res)
}

func (s *SQLStore) UpdatePageCount(ctx context.Context, id int64, attemptNumber int, pageCount int) error {
	query := fmt.Sprintf(`UPDATE documents SET page_count = %s, updated_at = %s WHERE id = %s AND attempt_number = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	res, err := s.db.ExecContext(ctx, query, pageCount, time.Now().UTC(), id, attemptNumber)
	if err != nil {
		return err
	}
	return rowsAffectedOrConflict(res)
}

func (s *SQLStore) Heartbeat(ctx context.Context, id int64, attemptNumber int) error {
	query := fmt.Sprintf(`UPDATE documents SET heartbeat_at = %s WHERE id = %s AND attempt_number = %s`,
		s.ph(1), s.ph(2), s.ph(3))
	res, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id, attemptNumber)
	if err != nil {
		return err
	}
	return rowsAffectedOrConflict(res)
}

func (s *SQLStore) CompleteAttempt(ctx context.Context, id int64, attemptNumber int, fields docvalue.FieldSet, confidence docvalue.ConfidenceSet, meta ProcessingMetadata) error {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	confJSON, err := json.Marshal(confidence)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
UPDATE documents SET status = %s, progress = 1.0, extracted_fields = %s, confidence_scores = %s,
	processing_metadata = %s, current_worker = NULL, updated_at = %s
WHERE id = %s AND attempt_number = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7))
	res, err := s.db.ExecContext(ctx, query, string(StatusCompleted), string(fieldsJSON), string(confJSON),
		string(metaJSON), time.Now().UTC(), id, attemptNumber)
	if err != nil {
		return err
	}
	return rowsAffectedOrConflict(res)
}

func (s *SQLStore) FailAttempt(ctx context.Context, id int64, attemptNumber int, meta ProcessingMetadata) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
UPDATE documents SET status = %s, processing_metadata = %s, current_worker = NULL, updated_at = %s
WHERE id = %s AND attempt_number = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	res, err := s.db.ExecContext(ctx, query, string(StatusFailed), string(metaJSON), time.Now().UTC(), id, attemptNumber)
	if err != nil {
		return err
	}
	return rowsAffectedOrConflict(res)
}

func (s *SQLStore) ResetToPending(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`
UPDATE documents SET status = %s, current_worker = NULL, heartbeat_at = NULL, processing_metadata = NULL, updated_at = %s
WHERE id = %s`, s.ph(1), s.ph(2), s.ph(3))
	_, err := s.db.ExecContext(ctx, query, string(StatusPending), time.Now().UTC(), id)
	return err
}

func (s *SQLStore) StaleProcessing(ctx context.Context, olderThanSeconds int) ([]*Document, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanSeconds) * time.Second)
	query := fmt.Sprintf(`SELECT %s FROM documents WHERE status = %s AND (heartbeat_at IS NULL OR heartbeat_at < %s)`,
		selectColumns, s.ph(1), s.ph(2))
	rows, err := s.db.QueryContext(ctx, query, string(StatusProcessing), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d := &Document{}
		var fieldsJSON, confJSON, metaJSON sql.NullString
		if err := rows.Scan(&d.ID, &d.ContentHash, &d.OriginalFilename, &d.StoredFilename, &d.ByteLength,
			&d.PageCount, &d.Status, &d.Progress, &fieldsJSON, &confJSON, &metaJSON, &d.BlobRef,
			&d.AttemptNumber, &d.CurrentWorker, &d.HeartbeatAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *SQLStore) Tombstone(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`UPDATE documents SET tombstoned = %s WHERE id = %s`, s.ph(1), s.ph(2))
	tombVal := interface{}(true)
	if s.driver != "postgres" {
		tombVal = 1
	}
	_, err := s.db.ExecContext(ctx, query, tombVal, id)
	return err
}

func (s *SQLStore) IsTombstoned(ctx context.Context, id int64) (bool, error) {
	query := fmt.Sprintf(`SELECT tombstoned FROM documents WHERE id = %s`, s.ph(1))
	var tombstoned bool
	err := s.db.QueryRowContext(ctx, query, id).Scan(&tombstoned)
	if errors.Is(err, sql.ErrNoRows) {
		// Deleted already: treat as tombstoned so any in-flight worker aborts.
		return true, nil
	}
	return tombstoned, err
}

func (s *SQLStore) loadMetadata(ctx context.Context, id int64) (ProcessingMetadata, error) {
	query := fmt.Sprintf(`SELECT processing_metadata FROM documents WHERE id = %s`, s.ph(1))
	var metaJSON sql.NullString
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&metaJSON); err != nil {
		return ProcessingMetadata{}, err
	}
	var meta ProcessingMetadata
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &meta); err != nil {
			return ProcessingMetadata{}, err
		}
	}
	return meta, nil
}

func rowsAffectedOrConflict(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// roundProgress rounds progress to two decimal places, per SPEC_FULL.md
// §4.4's numeric semantics.
func roundProgress(p float64) float64 {
	return float64(int(p*100+0.5)) / 100
}

var _ Store = (*SQLStore)(nil)
