package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nodeprobe/nodeprobe/internal/record"
)

func openStores(t *testing.T) map[string]record.Store {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]record.Store{
		"sqlite": sqlite,
		"memory": NewMemory(),
	}
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var prev int64
			for i := 0; i < 3; i++ {
				rec := record.TestRecord{ClientIdentity: "203.0.113.9", TargetHost: "203.0.113.9"}
				id, err := st.Append(ctx, &rec)
				if err != nil {
					t.Fatalf("append: %v", err)
				}
				if id <= prev {
					t.Fatalf("id %d not greater than previous %d", id, prev)
				}
				if rec.ID != id {
					t.Fatalf("record ID not filled in: %d != %d", rec.ID, id)
				}
				if rec.Timestamp.IsZero() {
					t.Fatalf("timestamp not assigned")
				}
				prev = id
			}
		})
	}
}

func TestAppendQueryRoundTrip(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			recs := []record.TestRecord{
				{
					ClientIdentity: "203.0.113.9",
					Attributes:     &record.ClientAttributes{Location: "Berlin, DE", ASN: "AS3320", ISP: "Example Telecom"},
					TargetHost:     "203.0.113.9",
				},
				{
					ClientIdentity: "203.0.113.9",
					Latency:        &record.LatencyStats{AvgMs: 12.4, MinMs: 10.1, MaxMs: 17.9},
					TargetHost:     "203.0.113.9",
				},
				{
					ClientIdentity: "203.0.113.9",
					Throughput:     &record.ThroughputStats{DownloadMbps: 94.2, UploadMbps: 38.7, StreamClass: record.StreamClassMulti},
				},
				{
					ClientIdentity: "198.51.100.7",
					PathTrace:      "1 gw (192.0.2.1) 0.3 ms\n2 * * *",
				},
			}
			for i := range recs {
				if _, err := st.Append(ctx, &recs[i]); err != nil {
					t.Fatalf("append %d: %v", i, err)
				}
			}

			got, err := st.QueryAll(ctx, record.Filter{})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(got) != len(recs) {
				t.Fatalf("got %d records, want %d", len(got), len(recs))
			}

			if got[0].Attributes == nil || got[0].Attributes.ISP != "Example Telecom" {
				t.Fatalf("attributes lost: %+v", got[0].Attributes)
			}
			if got[1].Latency == nil || got[1].Latency.AvgMs != 12.4 {
				t.Fatalf("latency lost: %+v", got[1].Latency)
			}
			if got[2].Throughput == nil || got[2].Throughput.StreamClass != record.StreamClassMulti {
				t.Fatalf("throughput lost: %+v", got[2].Throughput)
			}
			if got[3].PathTrace == "" {
				t.Fatalf("path trace lost")
			}
		})
	}
}

func TestQueryFilters(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
			for i, client := range []string{"203.0.113.9", "198.51.100.7", "203.0.113.9"} {
				rec := record.TestRecord{
					Timestamp:      base.Add(time.Duration(i) * time.Hour),
					ClientIdentity: client,
				}
				if _, err := st.Append(ctx, &rec); err != nil {
					t.Fatalf("append: %v", err)
				}
			}

			byClient, err := st.QueryAll(ctx, record.Filter{Client: "203.0.113.9"})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(byClient) != 2 {
				t.Fatalf("client filter: got %d records, want 2", len(byClient))
			}

			since, err := st.QueryAll(ctx, record.Filter{Since: base.Add(90 * time.Minute)})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(since) != 1 {
				t.Fatalf("since filter: got %d records, want 1", len(since))
			}
		})
	}
}

func TestAppendRejectsCompositeRecord(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			rec := record.TestRecord{
				ClientIdentity: "203.0.113.9",
				Latency:        &record.LatencyStats{AvgMs: 1},
				PathTrace:      "trace",
			}
			if _, err := st.Append(context.Background(), &rec); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
