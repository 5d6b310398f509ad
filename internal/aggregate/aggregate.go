// Package aggregate folds heterogeneous test records into one summary
// row per client. The fold is pure: it reads a record set and produces
// rows, with no storage or transport concerns.
package aggregate

import (
	"sort"

	"github.com/nodeprobe/nodeprobe/internal/record"
)

// Row is the latest-known-value summary for one client identity.
// Derived on every read, never persisted or cached.
type Row struct {
	ClientIdentity string                   `json:"client_identity"`
	Attributes     *record.ClientAttributes `json:"attributes,omitempty"`
	Latency        *record.LatencyStats     `json:"latency,omitempty"`
	Single         *record.ThroughputStats  `json:"throughput_single,omitempty"`
	Multi          *record.ThroughputStats  `json:"throughput_multi,omitempty"`
	LastSeen       int64                    `json:"last_seen_unix_ms"`
	LastID         int64                    `json:"last_id"`
}

// Column selects the sort key for SortRows.
type Column string

const (
	ColumnClient   Column = "client"
	ColumnLatency  Column = "latency"
	ColumnDownload Column = "download"
	ColumnUpload   Column = "upload"
	ColumnLastSeen Column = "last_seen"
)

// Build groups records by client identity and folds each group in
// (timestamp, id) order, keeping the running latest value per field
// class. A later record updates only the classes it carries; it never
// null-overwrites a previously known value. Rows come back sorted by
// most-recent contributing timestamp, descending, id as tie-break.
//
// Clients whose records carry neither latency nor throughput (pure
// traceroute-only clients) are excluded; their records stay reachable
// through raw queries.
func Build(records []record.TestRecord) []Row {
	ordered := make([]record.TestRecord, len(records))
	copy(ordered, records)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		}
		return ordered[i].ID < ordered[j].ID
	})

	byClient := make(map[string]*Row)
	var order []string
	for _, rec := range ordered {
		if rec.ClientIdentity == "" {
			continue
		}
		row, ok := byClient[rec.ClientIdentity]
		if !ok {
			row = &Row{ClientIdentity: rec.ClientIdentity}
			byClient[rec.ClientIdentity] = row
			order = append(order, rec.ClientIdentity)
		}
		foldRecord(row, rec)
	}

	rows := make([]Row, 0, len(order))
	for _, client := range order {
		row := byClient[client]
		if row.Latency == nil && row.Single == nil && row.Multi == nil {
			continue
		}
		rows = append(rows, *row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].LastSeen != rows[j].LastSeen {
			return rows[i].LastSeen > rows[j].LastSeen
		}
		return rows[i].LastID > rows[j].LastID
	})
	return rows
}

func foldRecord(row *Row, rec record.TestRecord) {
	if rec.Attributes != nil && !rec.Attributes.IsZero() {
		attrs := *rec.Attributes
		row.Attributes = &attrs
	}
	if rec.Latency != nil {
		lat := *rec.Latency
		row.Latency = &lat
	}
	if rec.Throughput != nil {
		tp := *rec.Throughput
		switch tp.StreamClass {
		case record.StreamClassMulti:
			row.Multi = &tp
		default:
			row.Single = &tp
		}
	}
	ts := rec.Timestamp.UnixMilli()
	if ts > row.LastSeen || (ts == row.LastSeen && rec.ID > row.LastID) {
		row.LastSeen = ts
		row.LastID = rec.ID
	}
}

// SortRows reorders rows by the given column, with a stable LastID
// tie-break so equal keys keep a deterministic order.
func SortRows(rows []Row, col Column, desc bool) {
	less := lessFunc(col)
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if desc {
			a, b = b, a
		}
		if less(a, b) {
			return true
		}
		if less(b, a) {
			return false
		}
		return rows[i].LastID > rows[j].LastID
	})
}

func lessFunc(col Column) func(a, b Row) bool {
	switch col {
	case ColumnClient:
		return func(a, b Row) bool { return a.ClientIdentity < b.ClientIdentity }
	case ColumnLatency:
		return func(a, b Row) bool { return latencyKey(a) < latencyKey(b) }
	case ColumnDownload:
		return func(a, b Row) bool { return downloadKey(a) < downloadKey(b) }
	case ColumnUpload:
		return func(a, b Row) bool { return uploadKey(a) < uploadKey(b) }
	default:
		return func(a, b Row) bool { return a.LastSeen < b.LastSeen }
	}
}

func latencyKey(r Row) float64 {
	if r.Latency == nil {
		return -1
	}
	return r.Latency.AvgMs
}

func downloadKey(r Row) float64 {
	best := -1.0
	if r.Single != nil && r.Single.DownloadMbps > best {
		best = r.Single.DownloadMbps
	}
	if r.Multi != nil && r.Multi.DownloadMbps > best {
		best = r.Multi.DownloadMbps
	}
	return best
}

func uploadKey(r Row) float64 {
	best := -1.0
	if r.Single != nil && r.Single.UploadMbps > best {
		best = r.Single.UploadMbps
	}
	if r.Multi != nil && r.Multi.UploadMbps > best {
		best = r.Multi.UploadMbps
	}
	return best
}
