package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/djb258/garage-mcp/internal/model"
	"github.com/djb258/garage-mcp/migrations"
)

// sqliteTime is the text encoding of timestamps. Fixed-width fractional
// seconds keep lexical order equal to time order.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLite is the error log backed by a local SQLite database.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the database named by url and
// applies migrations. Accepted forms: "sqlite:path.db", "sqlite::memory:",
// and "file:path.db?...".
func OpenSQLite(ctx context.Context, url string, logger *slog.Logger) (*SQLite, error) {
	dsn := strings.TrimPrefix(url, "sqlite:")
	dsn = strings.TrimPrefix(dsn, "//")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// One writer at a time; an in-memory database also lives on a single
	// connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: configure sqlite: %w", err)
	}

	s := &SQLite{db: db, logger: logger}
	if err := runMigrations(ctx, s, sqliteMigrations, migrations.SQLite(), logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Backend reports "sqlite".
func (s *SQLite) Backend() string { return "sqlite" }

// Ping checks the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *SQLite) Close(_ context.Context) {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("storage: close sqlite", "error", err)
	}
}

func (s *SQLite) execScript(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLite) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// InsertErrorRecord writes one record. A busy database is retried.
func (s *SQLite) InsertErrorRecord(ctx context.Context, rec model.ErrorRecord) error {
	snapshot, err := encodeJSON(rec.HDOSnapshot)
	if err != nil {
		return fmt.Errorf("storage: encode hdo_snapshot: %w", err)
	}
	ctxJSON, err := encodeJSON(rec.Context)
	if err != nil {
		return fmt.Errorf("storage: encode context: %w", err)
	}
	metadata, err := encodeJSON(rec.Metadata)
	if err != nil {
		return fmt.Errorf("storage: encode metadata: %w", err)
	}

	err = WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO master_error_log (`+errorRecordColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL)`,
			rec.ErrorID.String(), rec.OccurredAt.UTC().Format(sqliteTime), rec.ProcessID, rec.BlueprintID,
			rec.PlanID, rec.PlanVersion, rec.AgentID, rec.Stage, string(rec.Severity), rec.Message,
			rec.ErrorType, rec.Stacktrace, snapshot, ctxJSON, metadata,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: insert error record %s: %w", rec.ErrorID, err)
	}
	return nil
}

// GetErrorRecord returns the record with errorID, or ErrNotFound.
func (s *SQLite) GetErrorRecord(ctx context.Context, errorID uuid.UUID) (model.ErrorRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+errorRecordColumns+` FROM master_error_log WHERE error_id = ?`, errorID.String())
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrorRecord{}, fmt.Errorf("storage: error record %s: %w", errorID, ErrNotFound)
	}
	if err != nil {
		return model.ErrorRecord{}, fmt.Errorf("storage: get error record: %w", err)
	}
	return rec, nil
}

// ListErrorRecords returns records matching f, newest first.
func (s *SQLite) ListErrorRecords(ctx context.Context, f model.ErrorRecordFilter) ([]model.ErrorRecord, error) {
	f = normalizeFilter(f)
	where, args := filterClause(f, func(int) string { return "?" })
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+errorRecordColumns+` FROM master_error_log`+where+` ORDER BY occurred_at DESC, error_id LIMIT ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list error records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ErrorRecord
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan error record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ResolveErrorRecord marks a record resolved. It returns ErrNotFound for an
// unknown id and ErrAlreadyResolved when a resolution already exists.
func (s *SQLite) ResolveErrorRecord(ctx context.Context, errorID uuid.UUID, resolvedBy, notes string) (model.ErrorRecord, error) {
	now := time.Now().UTC().Format(sqliteTime)
	var notesArg any
	if notes != "" {
		notesArg = notes
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE master_error_log
		 SET resolved_at = ?, resolved_by = ?, resolution_notes = ?, updated_at = ?
		 WHERE error_id = ? AND resolved_at IS NULL`,
		now, resolvedBy, notesArg, now, errorID.String())
	if err != nil {
		return model.ErrorRecord{}, fmt.Errorf("storage: resolve error record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.ErrorRecord{}, fmt.Errorf("storage: resolve error record: %w", err)
	}

	rec, err := s.GetErrorRecord(ctx, errorID)
	if err != nil {
		return model.ErrorRecord{}, err
	}
	if n == 0 {
		return model.ErrorRecord{}, fmt.Errorf("storage: error record %s: %w", errorID, ErrAlreadyResolved)
	}
	return rec, nil
}

func scanSQLiteRecord(row interface{ Scan(dest ...any) error }) (model.ErrorRecord, error) {
	var (
		rec                             model.ErrorRecord
		id, occurredAt, severity        string
		stacktrace                      sql.NullString
		snapshot, ctxJSON, metadata     sql.NullString
		resolvedAt, resolvedBy, resNote sql.NullString
	)
	err := row.Scan(
		&id, &occurredAt, &rec.ProcessID, &rec.BlueprintID, &rec.PlanID, &rec.PlanVersion,
		&rec.AgentID, &rec.Stage, &severity, &rec.Message, &rec.ErrorType, &stacktrace,
		&snapshot, &ctxJSON, &metadata, &resolvedAt, &resolvedBy, &resNote,
	)
	if err != nil {
		return model.ErrorRecord{}, err
	}

	if rec.ErrorID, err = uuid.Parse(id); err != nil {
		return model.ErrorRecord{}, fmt.Errorf("parse error_id: %w", err)
	}
	if rec.OccurredAt, err = time.Parse(time.RFC3339Nano, occurredAt); err != nil {
		return model.ErrorRecord{}, fmt.Errorf("parse occurred_at: %w", err)
	}
	rec.Severity = model.Severity(severity)
	rec.Stacktrace = stacktrace.String

	if rec.HDOSnapshot, err = decodeJSON(snapshot); err != nil {
		return model.ErrorRecord{}, fmt.Errorf("decode hdo_snapshot: %w", err)
	}
	if rec.Context, err = decodeJSON(ctxJSON); err != nil {
		return model.ErrorRecord{}, fmt.Errorf("decode context: %w", err)
	}
	if rec.Metadata, err = decodeJSON(metadata); err != nil {
		return model.ErrorRecord{}, fmt.Errorf("decode metadata: %w", err)
	}

	if resolvedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, resolvedAt.String)
		if err != nil {
			return model.ErrorRecord{}, fmt.Errorf("parse resolved_at: %w", err)
		}
		rec.ResolvedAt = &t
	}
	if resolvedBy.Valid {
		v := resolvedBy.String
		rec.ResolvedBy = &v
	}
	if resNote.Valid {
		v := resNote.String
		rec.ResolutionNotes = &v
	}
	return rec, nil
}

func encodeJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeJSON(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
