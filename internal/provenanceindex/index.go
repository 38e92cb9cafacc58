// Package provenanceindex is a queryable sqlite index layered over the
// NDJSON audit log. It is a supplemented feature (spec.md names the audit
// log as the authoritative, append-only source; it does not define a
// query surface for it, and a production deployment of this engine would
// need one). The index is derived and rebuildable from the NDJSON log at
// any time — it is never the source of truth for provenance.
//
// Grounded on internal/storage/storage.go's SQLiteStore from the teacher
// repo: modernc.org/sqlite driver, WAL journal mode, an embedded
// migrations directory applied via a schema_migrations tracking table.
// Generalized from the teacher's many record types (runs, events, jobs,
// nodes, sessions) down to the single provenance table this engine needs.
package provenanceindex

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"requiem/internal/requesttypes"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Index is the sqlite-backed provenance query surface.
type Index struct {
	db *sql.DB
}

// Open creates (if needed) the sqlite file at path and applies pending
// migrations.
func Open(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("provenanceindex: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("provenanceindex: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("provenanceindex: enable WAL: %w", err)
	}
	idx := &Index{db: db}
	if err := idx.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) Close() error { return idx.db.Close() }

func (idx *Index) migrate(ctx context.Context) error {
	if _, err := idx.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version TEXT PRIMARY KEY);`); err != nil {
		return err
	}
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		version := e.Name()
		var exists string
		err := idx.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations WHERE version = ?", version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return err
		}
		body, err := migrationFS.ReadFile("migrations/" + version)
		if err != nil {
			return err
		}
		if _, err := idx.db.ExecContext(ctx, string(body)); err != nil {
			return err
		}
		if _, err := idx.db.ExecContext(ctx, "INSERT INTO schema_migrations(version) VALUES(?)", version); err != nil {
			return err
		}
	}
	return nil
}

// Index inserts one ProvenanceRecord. Rebuilding the index from the
// NDJSON log means calling Index for every line in sequence order.
func (idx *Index) Index(ctx context.Context, rec requesttypes.ProvenanceRecord) error {
	_, err := idx.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO provenance
			(sequence, execution_id, tenant_id, request_digest, result_digest, ok, error_code, duration_ns, timestamp_unix_ms, replay_verified, worker_id, node_id)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.Sequence, rec.ExecutionID, rec.TenantID, rec.RequestDigest, rec.ResultDigest,
		boolToInt(rec.Ok), rec.ErrorCode, rec.DurationNs, rec.TimestampUnixMs, boolToInt(rec.ReplayVerified),
		rec.WorkerID, rec.NodeID)
	return err
}

// ByRequestDigest returns every provenance record ever indexed for a
// given request_digest, most recent first.
func (idx *Index) ByRequestDigest(ctx context.Context, digest string) ([]requesttypes.ProvenanceRecord, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT sequence, execution_id, tenant_id, request_digest, result_digest, ok, error_code, duration_ns, timestamp_unix_ms, replay_verified, worker_id, node_id
		FROM provenance WHERE request_digest = ? ORDER BY sequence DESC`, digest)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ByTenant returns the most recent limit records for a tenant.
func (idx *Index) ByTenant(ctx context.Context, tenantID string, limit int) ([]requesttypes.ProvenanceRecord, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT sequence, execution_id, tenant_id, request_digest, result_digest, ok, error_code, duration_ns, timestamp_unix_ms, replay_verified, worker_id, node_id
		FROM provenance WHERE tenant_id = ? ORDER BY sequence DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]requesttypes.ProvenanceRecord, error) {
	var out []requesttypes.ProvenanceRecord
	for rows.Next() {
		var rec requesttypes.ProvenanceRecord
		var ok, replayVerified int
		var errorCode, workerID, nodeID sql.NullString
		if err := rows.Scan(&rec.Sequence, &rec.ExecutionID, &rec.TenantID, &rec.RequestDigest, &rec.ResultDigest,
			&ok, &errorCode, &rec.DurationNs, &rec.TimestampUnixMs, &replayVerified, &workerID, &nodeID); err != nil {
			return nil, err
		}
		rec.Ok = ok != 0
		rec.ReplayVerified = replayVerified != 0
		rec.ErrorCode = errorCode.String
		rec.WorkerID = workerID.String
		rec.NodeID = nodeID.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
