package registry

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Akshay-at-360/onplay/pkg/model"
)

// AuditSchema is the SQL DDL for the download_audit table. Execute it via
// [PostgresAuditSink.Migrate] or apply it manually during deployment.
const AuditSchema = `
CREATE TABLE IF NOT EXISTS download_audit (
    id              UUID PRIMARY KEY,
    model_id        TEXT NOT NULL,
    version         TEXT NOT NULL,
    kind            TEXT NOT NULL,
    size_bytes      BIGINT NOT NULL,
    sha256          TEXT NOT NULL,
    recorded_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_download_audit_model ON download_audit(model_id);
`

// DB is the database interface used by [PostgresAuditSink]. Both
// *pgxpool.Pool and *pgx.Conn satisfy this interface.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresAuditSink is an [AuditSink] that mirrors every completed download
// commit to a Postgres table, for fleet-wide reporting across devices that
// each keep their own local registry.json as the source of truth.
type PostgresAuditSink struct {
	db DB
}

var _ AuditSink = (*PostgresAuditSink)(nil)

// NewPostgresAuditSink wraps db (a *pgxpool.Pool or *pgx.Conn) as an
// AuditSink. Call [PostgresAuditSink.Migrate] once before first use to
// ensure the download_audit table exists.
func NewPostgresAuditSink(db DB) *PostgresAuditSink {
	return &PostgresAuditSink{db: db}
}

// Migrate executes [AuditSchema] against the database.
func (s *PostgresAuditSink) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, AuditSchema)
	if err != nil {
		return fmt.Errorf("registry: migrate audit schema: %w", err)
	}
	return nil
}

// RecordCommit inserts one audit row for a completed, verified download.
// Errors from ID generation and the insert are discarded: RecordCommit
// neither returns nor logs them, so MarkDownloaded's return path does not
// depend on audit failures, and the JSON manifest remains authoritative
// regardless of the mirror's availability.
func (s *PostgresAuditSink) RecordCommit(info model.Info) {
	const query = `
		INSERT INTO download_audit (id, model_id, version, kind, size_bytes, sha256)
		VALUES ($1,$2,$3,$4,$5,$6)`

	id, err := uuid.NewRandom()
	if err != nil {
		return
	}
	_, _ = s.db.Exec(context.Background(), query,
		id, info.ModelID, info.Version, info.Kind.String(), info.SizeBytes,
		hex.EncodeToString(info.ExpectedSHA256[:]),
	)
}

// compile-time check that *pgx.Conn satisfies DB.
var _ DB = (*pgx.Conn)(nil)
