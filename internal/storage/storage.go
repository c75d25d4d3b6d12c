// Package storage persists error records in the master error log.
//
// Two backends implement ErrorLog: Postgres via pgxpool (production) and
// SQLite via modernc.org/sqlite (local development and tests). Open picks one
// from the DATABASE_URL scheme.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/djb258/garage-mcp/internal/model"
	"github.com/djb258/garage-mcp/migrations"
)

// DefaultListLimit applies when a filter does not set one.
const DefaultListLimit = 50

// MaxListLimit caps a single list query.
const MaxListLimit = 500

// ErrorLog is the durable master error log.
type ErrorLog interface {
	InsertErrorRecord(ctx context.Context, rec model.ErrorRecord) error
	GetErrorRecord(ctx context.Context, errorID uuid.UUID) (model.ErrorRecord, error)
	ListErrorRecords(ctx context.Context, f model.ErrorRecordFilter) ([]model.ErrorRecord, error)
	ResolveErrorRecord(ctx context.Context, errorID uuid.UUID, resolvedBy, notes string) (model.ErrorRecord, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context)
	// Backend names the implementation ("postgres" or "sqlite").
	Backend() string
}

// Open connects to the error log at url and applies migrations.
// postgres:// and postgresql:// URLs use Postgres; sqlite: and file: URLs
// use SQLite.
func Open(ctx context.Context, url string, logger *slog.Logger) (ErrorLog, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		db, err := New(ctx, url, logger)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close(ctx)
			return nil, err
		}
		return db, nil
	case strings.HasPrefix(url, "sqlite:"), strings.HasPrefix(url, "file:"):
		return OpenSQLite(ctx, url, logger)
	default:
		return nil, fmt.Errorf("storage: unsupported database url scheme in %q", redact(url))
	}
}

// normalizeFilter applies list defaults.
func normalizeFilter(f model.ErrorRecordFilter) model.ErrorRecordFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	return f
}

// redact drops credentials from a URL for error messages.
func redact(url string) string {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		return url
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = "***@" + rest[at+1:]
	}
	return scheme + "://" + rest
}
