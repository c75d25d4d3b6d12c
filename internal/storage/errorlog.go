package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/djb258/garage-mcp/internal/model"
)

const errorRecordColumns = `error_id, occurred_at, process_id, blueprint_id, plan_id, plan_version,
	agent_id, stage, severity, message, error_type, stacktrace,
	hdo_snapshot, context, metadata, resolved_at, resolved_by, resolution_notes`

// InsertErrorRecord writes one record. Transient conflicts are retried.
func (db *DB) InsertErrorRecord(ctx context.Context, rec model.ErrorRecord) error {
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO shq.master_error_log (`+errorRecordColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NULL, NULL, NULL)`,
			rec.ErrorID, rec.OccurredAt, rec.ProcessID, rec.BlueprintID, rec.PlanID, rec.PlanVersion,
			rec.AgentID, rec.Stage, string(rec.Severity), rec.Message, rec.ErrorType, rec.Stacktrace,
			rec.HDOSnapshot, rec.Context, rec.Metadata,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: insert error record %s: %w", rec.ErrorID, err)
	}
	return nil
}

// GetErrorRecord returns the record with errorID, or ErrNotFound.
func (db *DB) GetErrorRecord(ctx context.Context, errorID uuid.UUID) (model.ErrorRecord, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+errorRecordColumns+` FROM shq.master_error_log WHERE error_id = $1`, errorID)
	rec, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrorRecord{}, fmt.Errorf("storage: error record %s: %w", errorID, ErrNotFound)
	}
	if err != nil {
		return model.ErrorRecord{}, fmt.Errorf("storage: get error record: %w", err)
	}
	return rec, nil
}

// ListErrorRecords returns records matching f, newest first.
func (db *DB) ListErrorRecords(ctx context.Context, f model.ErrorRecordFilter) ([]model.ErrorRecord, error) {
	f = normalizeFilter(f)
	where, args := filterClause(f, func(n int) string { return fmt.Sprintf("$%d", n) })
	args = append(args, f.Limit)

	rows, err := db.pool.Query(ctx,
		`SELECT `+errorRecordColumns+` FROM shq.master_error_log`+where+
			fmt.Sprintf(` ORDER BY occurred_at DESC, error_id LIMIT $%d`, len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list error records: %w", err)
	}
	defer rows.Close()

	var out []model.ErrorRecord
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan error record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ResolveErrorRecord marks a record resolved. It returns ErrNotFound for an
// unknown id and ErrAlreadyResolved when a resolution already exists.
func (db *DB) ResolveErrorRecord(ctx context.Context, errorID uuid.UUID, resolvedBy, notes string) (model.ErrorRecord, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE shq.master_error_log
		 SET resolved_at = now(), resolved_by = $2, resolution_notes = NULLIF($3, ''), updated_at = now()
		 WHERE error_id = $1 AND resolved_at IS NULL
		 RETURNING `+errorRecordColumns,
		errorID, resolvedBy, notes)
	rec, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := db.GetErrorRecord(ctx, errorID); gerr != nil {
			return model.ErrorRecord{}, gerr
		}
		return model.ErrorRecord{}, fmt.Errorf("storage: error record %s: %w", errorID, ErrAlreadyResolved)
	}
	if err != nil {
		return model.ErrorRecord{}, fmt.Errorf("storage: resolve error record: %w", err)
	}
	return rec, nil
}

func scanPgRecord(row pgx.Row) (model.ErrorRecord, error) {
	var (
		rec        model.ErrorRecord
		severity   string
		stacktrace *string
	)
	err := row.Scan(
		&rec.ErrorID, &rec.OccurredAt, &rec.ProcessID, &rec.BlueprintID, &rec.PlanID, &rec.PlanVersion,
		&rec.AgentID, &rec.Stage, &severity, &rec.Message, &rec.ErrorType, &stacktrace,
		&rec.HDOSnapshot, &rec.Context, &rec.Metadata, &rec.ResolvedAt, &rec.ResolvedBy, &rec.ResolutionNotes,
	)
	if err != nil {
		return model.ErrorRecord{}, err
	}
	rec.Severity = model.Severity(severity)
	if stacktrace != nil {
		rec.Stacktrace = *stacktrace
	}
	rec.OccurredAt = rec.OccurredAt.UTC()
	if rec.ResolvedAt != nil {
		t := rec.ResolvedAt.UTC()
		rec.ResolvedAt = &t
	}
	return rec, nil
}

// filterClause renders the WHERE clause for f using placeholder(n) for the
// nth argument.
func filterClause(f model.ErrorRecordFilter, placeholder func(int) string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		conds = append(conds, col+" = "+placeholder(len(args)))
	}
	if f.ProcessID != "" {
		add("process_id", f.ProcessID)
	}
	if f.AgentID != "" {
		add("agent_id", f.AgentID)
	}
	if f.Severity != "" {
		add("severity", string(f.Severity))
	}
	if f.Unresolved {
		conds = append(conds, "resolved_at IS NULL")
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
