// Package ledger records upload sessions in SQLite so an interrupted upload
// can be resumed by a later process. A record ties a local file (path plus
// content fingerprint) to its server location and the last acknowledged
// offset.
//
// Lifecycle:
//
//	Begin → SaveProgress* → Complete | Fail
//
// Failed records keep their location and stay resumable. Forget and
// CleanStale remove records.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// State is the persisted state of an upload.
type State string

// Record states.
const (
	StateUploading State = "uploading"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Errors returned by lookups.
var (
	ErrNotFound  = errors.New("ledger: record not found")
	ErrAmbiguous = errors.New("ledger: id prefix matches more than one record")
)

// minPrefixLen is the shortest ID prefix Lookup accepts.
const minPrefixLen = 4

// Record is one upload tracked by the ledger.
type Record struct {
	ID          string
	LocalPath   string
	Fingerprint string
	Size        int64
	Name        string
	ContentType string
	Location    string
	Offset      int64
	State       State
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Resumable reports whether the record points at a server session that may
// still accept chunks.
func (r *Record) Resumable() bool {
	return r.State != StateCompleted && r.Location != ""
}

// Store is the SQLite-backed ledger. Safe for concurrent use: the pool is
// limited to one connection, so writes are serialized.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// Open opens (creating if needed) the ledger database at dbPath and applies
// migrations.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("ledger opened", slog.String("db_path", dbPath))

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const recordColumns = `id, local_path, fingerprint, size, name, content_type,
	location, bytes_done, state, last_error, created_at, updated_at`

// Begin inserts a new record in the uploading state. ID and timestamps are
// assigned here; the returned record reflects what was stored.
func (s *Store) Begin(ctx context.Context, r Record) (*Record, error) {
	now := s.nowFunc()

	r.ID = uuid.NewString()
	r.State = StateUploading
	r.LastError = ""
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.LocalPath, r.Fingerprint, r.Size, r.Name, r.ContentType,
		r.Location, r.Offset, string(r.State), r.LastError, now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("ledger: inserting record for %s: %w", r.LocalPath, err)
	}

	s.logger.Debug("ledger: record created",
		slog.String("id", r.ID),
		slog.String("path", r.LocalPath),
	)

	return &r, nil
}

// SaveProgress stores the session location and the last acknowledged offset.
// A failed record that is being resumed moves back to uploading.
func (s *Store) SaveProgress(ctx context.Context, id, location string, offset int64) error {
	return s.update(ctx, "save progress", id,
		`UPDATE uploads SET location = ?, bytes_done = ?, state = '`+string(StateUploading)+`',
			last_error = '', updated_at = ?
		 WHERE id = ? AND state != '`+string(StateCompleted)+`'`,
		location, offset, s.nowFunc().UnixNano(), id)
}

// Complete marks a record as fully uploaded at location.
func (s *Store) Complete(ctx context.Context, id, location string) error {
	return s.update(ctx, "complete", id,
		`UPDATE uploads SET location = ?, bytes_done = size, state = '`+string(StateCompleted)+`',
			last_error = '', updated_at = ?
		 WHERE id = ?`,
		location, s.nowFunc().UnixNano(), id)
}

// Fail marks a record as failed with errMsg. The location is kept so the
// upload can be resumed later.
func (s *Store) Fail(ctx context.Context, id, errMsg string) error {
	return s.update(ctx, "fail", id,
		`UPDATE uploads SET state = '`+string(StateFailed)+`', last_error = ?, updated_at = ?
		 WHERE id = ? AND state != '`+string(StateCompleted)+`'`,
		errMsg, s.nowFunc().UnixNano(), id)
}

func (s *Store) update(ctx context.Context, what, id, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("ledger: %s %s: %w", what, id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: %s %s rows affected: %w", what, id, err)
	}

	if rows == 0 {
		return fmt.Errorf("ledger: %s %s: %w", what, id, ErrNotFound)
	}

	return nil
}

// FindResumable returns the most recently updated non-completed record with
// a known location for the file, or nil if there is none.
func (s *Store) FindResumable(ctx context.Context, localPath, fingerprint string) (*Record, error) {
	return s.findOne(ctx,
		`WHERE local_path = ? AND fingerprint = ? AND state != '`+string(StateCompleted)+`'
			AND location != ''`,
		localPath, fingerprint)
}

// FindCompleted returns the most recent completed record for the file, or
// nil if the file has not been uploaded with this content.
func (s *Store) FindCompleted(ctx context.Context, localPath, fingerprint string) (*Record, error) {
	return s.findOne(ctx,
		`WHERE local_path = ? AND fingerprint = ? AND state = '`+string(StateCompleted)+`'`,
		localPath, fingerprint)
}

func (s *Store) findOne(ctx context.Context, where string, args ...any) (*Record, error) {
	recs, err := s.query(ctx, where+` ORDER BY updated_at DESC LIMIT 1`, args...)
	if err != nil {
		return nil, err
	}

	if len(recs) == 0 {
		return nil, nil //nolint:nilnil // nil record means "none"
	}

	return &recs[0], nil
}

// Get returns the record with id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	recs, err := s.query(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}

	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return &recs[0], nil
}

// Lookup resolves a full ID or a unique prefix of at least four characters,
// as printed by the uploads listing.
func (s *Store) Lookup(ctx context.Context, idOrPrefix string) (*Record, error) {
	if len(idOrPrefix) < minPrefixLen {
		return nil, fmt.Errorf("ledger: id %q too short (need at least %d characters)", idOrPrefix, minPrefixLen)
	}

	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(idOrPrefix)

	recs, err := s.query(ctx, `WHERE id LIKE ? ESCAPE '\' ORDER BY id LIMIT 2`, escaped+"%")
	if err != nil {
		return nil, err
	}

	switch len(recs) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, idOrPrefix)
	case 1:
		return &recs[0], nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrAmbiguous, idOrPrefix)
	}
}

// List returns every record, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	return s.query(ctx, `ORDER BY updated_at DESC, id`)
}

// Forget deletes the record with id.
func (s *Store) Forget(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ledger: forget %s: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: forget %s rows affected: %w", id, err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.logger.Debug("ledger: record forgotten", slog.String("id", id))

	return nil
}

// CleanStale deletes records not updated within maxAge: unfinished uploads
// whose server sessions have most likely expired, and completed records
// kept only for skip detection. Returns the number of deleted records.
func (s *Store) CleanStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.nowFunc().Add(-maxAge).UnixNano()

	result, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ledger: cleaning stale records: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ledger: cleaning stale records rows affected: %w", err)
	}

	if rows > 0 {
		s.logger.Info("ledger: stale records removed",
			slog.Int64("count", rows),
			slog.Duration("max_age", maxAge),
		)
	}

	return int(rows), nil
}

func (s *Store) query(ctx context.Context, clause string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM uploads `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: querying records: %w", err)
	}
	defer rows.Close()

	var recs []Record

	for rows.Next() {
		var (
			r                  Record
			state              string
			created, updatedAt int64
		)

		if err := rows.Scan(&r.ID, &r.LocalPath, &r.Fingerprint, &r.Size, &r.Name, &r.ContentType,
			&r.Location, &r.Offset, &state, &r.LastError, &created, &updatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scanning record: %w", err)
		}

		r.State = State(state)
		r.CreatedAt = time.Unix(0, created)
		r.UpdatedAt = time.Unix(0, updatedAt)
		recs = append(recs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating records: %w", err)
	}

	return recs, nil
}
