package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed persistence for the run ledger
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; also keeps ":memory:" on a single database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("Store initialized successfully", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Run Operations
// ============================================================================

// CreateRun inserts a new Run and sets its ID. A UUID is assigned when empty.
func (s *Store) CreateRun(run *Run) error {
	if run.UUID == "" {
		run.UUID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if run.StartTime.IsZero() {
		run.StartTime = time.Now()
	}

	const query = `
		INSERT INTO runs (
			run_uuid, target, format, status, error_message, staged,
			incompatible, bundle_status, start_time, end_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		run.UUID, run.Target, run.Format, run.Status, run.ErrorMessage,
		run.Staged, run.Incompatible, run.BundleStatus, run.StartTime, run.EndTime,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// UpdateRun updates an existing Run by ID
func (s *Store) UpdateRun(run *Run) error {
	const query = `
		UPDATE runs SET
			target = ?, format = ?, status = ?, error_message = ?, staged = ?,
			incompatible = ?, bundle_status = ?, start_time = ?, end_time = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.Target, run.Format, run.Status, run.ErrorMessage, run.Staged,
		run.Incompatible, run.BundleStatus, run.StartTime, run.EndTime, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("run %d: %w", run.ID, ErrNotFound)
	}

	return nil
}

const runColumns = `
	id, run_uuid, target, format, status, error_message, staged,
	incompatible, bundle_status, start_time, end_time
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID, &run.UUID, &run.Target, &run.Format, &run.Status,
		&run.ErrorMessage, &run.Staged, &run.Incompatible, &run.BundleStatus,
		&run.StartTime, &run.EndTime,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// GetRun retrieves a Run by ID
func (s *Store) GetRun(id int64) (*Run, error) {
	run, err := scanRun(s.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves the most recent Runs first. A limit <= 0 returns all.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	query := "SELECT " + runColumns + " FROM runs ORDER BY start_time DESC, id DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// ============================================================================
// BundleVerification Operations
// ============================================================================

// RecordVerification inserts a BundleVerification and sets its ID
func (s *Store) RecordVerification(v *BundleVerification) error {
	if v.VerifiedAt.IsZero() {
		v.VerifiedAt = time.Now()
	}

	var runID any
	if v.RunID != 0 {
		runID = v.RunID
	}

	const query = `
		INSERT INTO bundle_verifications (
			run_id, archive_path, algorithm, digest, size, cached, verified_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		runID, v.ArchivePath, v.Algorithm, v.Digest, v.Size, v.Cached, v.VerifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bundle verification: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	v.ID = id
	return nil
}

// LastVerification returns the most recent verification recorded for archivePath
func (s *Store) LastVerification(archivePath string) (*BundleVerification, error) {
	const query = `
		SELECT id, COALESCE(run_id, 0), archive_path, algorithm, digest, size, cached, verified_at
		FROM bundle_verifications
		WHERE archive_path = ?
		ORDER BY verified_at DESC, id DESC
		LIMIT 1
	`

	v := &BundleVerification{}
	err := s.db.QueryRow(query, archivePath).Scan(
		&v.ID, &v.RunID, &v.ArchivePath, &v.Algorithm, &v.Digest,
		&v.Size, &v.Cached, &v.VerifiedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("verification for %s: %w", archivePath, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query bundle verification: %w", err)
	}
	return v, nil
}
