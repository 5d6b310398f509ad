// Package store persists test records. The SQLite schema mirrors the
// original test_records table; records are append-only so no migrations
// beyond table creation are needed.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nodeprobe/nodeprobe/internal/record"
)

const schema = `
CREATE TABLE IF NOT EXISTS test_records (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp     DATETIME NOT NULL,
	client_ip     TEXT NOT NULL,
	location      TEXT,
	asn           TEXT,
	isp           TEXT,
	ping_avg_ms   REAL,
	ping_min_ms   REAL,
	ping_max_ms   REAL,
	down_mbps     REAL,
	up_mbps       REAL,
	stream_class  TEXT,
	path_trace    TEXT,
	target_host   TEXT
);
CREATE INDEX IF NOT EXISTS idx_test_records_client ON test_records(client_ip);
CREATE INDEX IF NOT EXISTS idx_test_records_timestamp ON test_records(timestamp);
`

// SQLite implements record.Store on a local SQLite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed creates) the record database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer keeps SQLITE_BUSY out of the append path.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Append inserts the record and returns its assigned id. The record's
// ID and Timestamp fields are filled in on success.
func (s *SQLite) Append(ctx context.Context, rec *record.TestRecord) (int64, error) {
	if err := rec.Validate(); err != nil {
		return 0, err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	var location, asn, isp sql.NullString
	if rec.Attributes != nil {
		location = nullString(rec.Attributes.Location)
		asn = nullString(rec.Attributes.ASN)
		isp = nullString(rec.Attributes.ISP)
	}
	var pingAvg, pingMin, pingMax sql.NullFloat64
	if rec.Latency != nil {
		pingAvg = sql.NullFloat64{Float64: rec.Latency.AvgMs, Valid: true}
		pingMin = sql.NullFloat64{Float64: rec.Latency.MinMs, Valid: true}
		pingMax = sql.NullFloat64{Float64: rec.Latency.MaxMs, Valid: true}
	}
	var down, up sql.NullFloat64
	var class sql.NullString
	if rec.Throughput != nil {
		down = sql.NullFloat64{Float64: rec.Throughput.DownloadMbps, Valid: true}
		up = sql.NullFloat64{Float64: rec.Throughput.UploadMbps, Valid: true}
		class = nullString(string(rec.Throughput.StreamClass))
	}

	query := `
		INSERT INTO test_records (
			timestamp, client_ip, location, asn, isp,
			ping_avg_ms, ping_min_ms, ping_max_ms,
			down_mbps, up_mbps, stream_class, path_trace, target_host
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		rec.Timestamp, rec.ClientIdentity, location, asn, isp,
		pingAvg, pingMin, pingMax,
		down, up, class, nullString(rec.PathTrace), nullString(rec.TargetHost),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", record.ErrStoreUnavailable, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", record.ErrStoreUnavailable, err)
	}
	rec.ID = id
	return id, nil
}

// QueryAll returns matching records ordered by (timestamp, id).
func (s *SQLite) QueryAll(ctx context.Context, filter record.Filter) ([]record.TestRecord, error) {
	query := `
		SELECT id, timestamp, client_ip, location, asn, isp,
		       ping_avg_ms, ping_min_ms, ping_max_ms,
		       down_mbps, up_mbps, stream_class, path_trace, target_host
		FROM test_records
	`
	var conds []string
	var args []interface{}
	if filter.Client != "" {
		conds = append(conds, "client_ip = ?")
		args = append(args, filter.Client)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, filter.Until)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", record.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []record.TestRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", record.ErrStoreUnavailable, err)
	}
	return out, nil
}

func scanRecord(rows *sql.Rows) (record.TestRecord, error) {
	var rec record.TestRecord
	var location, asn, isp, class, pathTrace, targetHost sql.NullString
	var pingAvg, pingMin, pingMax, down, up sql.NullFloat64

	err := rows.Scan(
		&rec.ID, &rec.Timestamp, &rec.ClientIdentity, &location, &asn, &isp,
		&pingAvg, &pingMin, &pingMax,
		&down, &up, &class, &pathTrace, &targetHost,
	)
	if err != nil {
		return rec, fmt.Errorf("failed to scan record: %w", err)
	}

	if location.Valid || asn.Valid || isp.Valid {
		rec.Attributes = &record.ClientAttributes{
			Location: location.String,
			ASN:      asn.String,
			ISP:      isp.String,
		}
	}
	if pingAvg.Valid {
		rec.Latency = &record.LatencyStats{
			AvgMs: pingAvg.Float64,
			MinMs: pingMin.Float64,
			MaxMs: pingMax.Float64,
		}
	}
	if class.Valid {
		rec.Throughput = &record.ThroughputStats{
			DownloadMbps: down.Float64,
			UploadMbps:   up.Float64,
			StreamClass:  record.StreamClass(class.String),
		}
	}
	rec.PathTrace = pathTrace.String
	rec.TargetHost = targetHost.String
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
