package telemetry

import (
	"testing"
	"time"

	"github.com/kon-rad/edge-telemetry-shipper/internal/codec"
)

func TestParseHubMetrics(t *testing.T) {
	t.Parallel()

	data := []byte(`[
	  {"TimeGeneratedUtc":"2026-10-19T10:00:00Z","Name":"edgeAgent_used_cpu_percent","Value":12.5,"Labels":{"module_name":"edgeHub"}},
	  {"TimeGeneratedUtc":"2026-10-19T10:00:00Z","Name":"","Value":1}
	]`)
	records, err := ParseHubMetrics(data)
	if err != nil {
		t.Fatalf("ParseHubMetrics() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1 (nameless metric skipped)", len(records))
	}
	r := records[0]
	if r.Kind != KindMetric || r.Name != "edgeAgent_used_cpu_percent" || r.Value != 12.5 {
		t.Fatalf("unexpected record: %+v", r)
	}
	if r.Tag("module_name") != "edgeHub" {
		t.Fatalf("labels not carried as tags: %+v", r.Tags)
	}
}

func TestParseEdgeLogsGzip(t *testing.T) {
	t.Parallel()

	plain := []byte(`[{"iothub":"hub.azure-devices.net","device":"dev-1","id":"SimulatedTemperatureSensor","stream":"stdout","loglevel":6,"text":"0123456789","timestamp":"2026-10-19T10:00:00Z"}]`)
	archived, err := codec.CompressArchive(plain)
	if err != nil {
		t.Fatalf("CompressArchive() error = %v", err)
	}

	records, err := ParseEdgeLogs(archived, "gzip", 4)
	if err != nil {
		t.Fatalf("ParseEdgeLogs() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	r := records[0]
	if r.Kind != KindLog || r.Name != "SimulatedTemperatureSensor" || r.Text != "0123" {
		t.Fatalf("unexpected record: %+v", r)
	}
	if r.Tag(TagDeviceID) != "dev-1" || r.Tag(TagLogLevel) != "6" || r.Tag(TagStream) != "stdout" {
		t.Fatalf("unexpected tags: %+v", r.Tags)
	}
	if !r.Timestamp.Equal(time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("timestamp = %v", r.Timestamp)
	}

	if _, err := ParseEdgeLogs(plain, "gzip", 0); err == nil {
		t.Fatalf("ParseEdgeLogs() accepted plain JSON declared as gzip")
	}
	if records, err := ParseEdgeLogs(plain, "", 0); err != nil || len(records) != 1 {
		t.Fatalf("ParseEdgeLogs(plain) = %d records, err %v", len(records), err)
	}
}

func TestNewMetricCopiesTags(t *testing.T) {
	t.Parallel()

	tags := map[string]string{"k": "v"}
	r := NewMetric("m", 1, time.Now(), tags)
	tags["k"] = "changed"
	if r.Tag("k") != "v" {
		t.Fatalf("record tags alias the caller's map")
	}

	metrics, logs := SplitByKind([]Record{r, NewLog("l", "x", time.Now(), nil), r})
	if len(metrics) != 2 || len(logs) != 1 {
		t.Fatalf("SplitByKind() = %d metrics, %d logs", len(metrics), len(logs))
	}
}

func TestTruncateBytes(t *testing.T) {
	t.Parallel()

	if got := TruncateBytes("abcdef", 3); got != "abc" {
		t.Fatalf("TruncateBytes() = %q", got)
	}
	if got := TruncateBytes("añb", 2); got != "a" {
		t.Fatalf("TruncateBytes() split a rune: %q", got)
	}
	if got := TruncateBytes("abc", 0); got != "" {
		t.Fatalf("TruncateBytes(0) = %q", got)
	}
}
