package record

import "testing"

func TestValidateSinglePurpose(t *testing.T) {
	lat := &LatencyStats{AvgMs: 10}
	tp := &ThroughputStats{DownloadMbps: 100, StreamClass: StreamClassSingle}

	valid := []TestRecord{
		{ClientIdentity: "203.0.113.9"},
		{ClientIdentity: "203.0.113.9", Latency: lat},
		{ClientIdentity: "203.0.113.9", Throughput: tp},
		{ClientIdentity: "203.0.113.9", PathTrace: "1 gw 0.3 ms"},
		{ClientIdentity: "203.0.113.9", Attributes: &ClientAttributes{ISP: "Example"}, Latency: lat},
	}
	for i, rec := range valid {
		if err := rec.Validate(); err != nil {
			t.Fatalf("record %d: unexpected error: %v", i, err)
		}
	}

	invalid := []TestRecord{
		{Latency: lat, Throughput: tp},
		{Latency: lat, PathTrace: "trace"},
		{Throughput: tp, PathTrace: "trace"},
		{Throughput: &ThroughputStats{StreamClass: "dual"}},
	}
	for i, rec := range invalid {
		if err := rec.Validate(); err == nil {
			t.Fatalf("record %d: expected validation error", i)
		}
	}
}
