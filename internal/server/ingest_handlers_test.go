package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/kon-rad/edge-telemetry-shipper/internal/codec"
	"github.com/kon-rad/edge-telemetry-shipper/internal/db"
	"github.com/kon-rad/edge-telemetry-shipper/internal/ingest"
	"github.com/kon-rad/edge-telemetry-shipper/internal/telemetry"
)

type chanEnqueuer struct {
	ch chan telemetry.Record
}

func (e chanEnqueuer) EnqueueAll(records []telemetry.Record) int {
	return ingest.EnqueueAll(e.ch, records)
}

func startWorker(t *testing.T) (*db.Manager, chan telemetry.Record, <-chan error) {
	t.Helper()
	dbm, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "spool.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = dbm.Close() })

	ch := make(chan telemetry.Record, ingest.QueueCapacity)
	worker := ingest.NewWorker(slog.New(slog.NewJSONHandler(io.Discard, nil)), dbm, 1024)
	done := make(chan error, 1)
	go func() { done <- worker.Run(ch) }()
	return dbm, ch, done
}

func TestPostMetricsAcceptedAndPersisted(t *testing.T) {
	t.Parallel()

	dbm, ch, done := startWorker(t)
	h := NewIngestHandlers(chanEnqueuer{ch: ch}, 1024)
	body, _ := json.Marshal([]map[string]any{
		{
			"TimeGeneratedUtc": "2026-10-19T08:30:00Z",
			"Name":             "edgeAgent_used_memory_bytes",
			"Value":            1048576,
			"Labels":           map[string]string{"module_name": "edgeHub"},
		},
		{
			"TimeGeneratedUtc": "2026-10-19T08:30:00Z",
			"Name":             "edgehub_queue_length",
			"Value":            4,
		},
	})

	start := time.Now()
	rec := httptest.NewRecorder()
	h.PostMetrics(rec, httptest.NewRequest(http.MethodPost, "/v1/metrics", bytes.NewReader(body)))
	elapsed := time.Since(start)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status code = %d, want 202", rec.Code)
	}
	if elapsed > 50*time.Millisecond {
		t.Fatalf("handler took too long: %s", elapsed)
	}

	close(ch)
	if err := <-done; err != nil {
		t.Fatalf("worker error: %v", err)
	}

	count, err := dbm.RecordCount(context.Background(), "metric")
	if err != nil {
		t.Fatalf("RecordCount() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("metric count = %d, want 2", count)
	}
	row, err := dbm.LatestRecord(context.Background(), "metric")
	if err != nil {
		t.Fatalf("LatestRecord() error = %v", err)
	}
	if row.Name != "edgehub_queue_length" || row.Value != 4 {
		t.Fatalf("latest metric = %+v", row)
	}
}

func TestPostLogsAcceptsGzipArchive(t *testing.T) {
	t.Parallel()

	dbm, ch, done := startWorker(t)
	h := NewIngestHandlers(chanEnqueuer{ch: ch}, 8)
	raw, _ := json.Marshal([]map[string]any{{
		"iothub":    "hub.azure-devices.net",
		"device":    "dev-1",
		"id":        "tempSensor",
		"stream":    "stdout",
		"loglevel":  6,
		"text":      "Sending message 42",
		"timestamp": "2026-10-19T08:30:00Z",
	}})
	archive, err := codec.CompressArchive(raw)
	if err != nil {
		t.Fatalf("CompressArchive() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/logs", bytes.NewReader(archive))
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.PostLogs(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status code = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var resp ingestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Accepted != 1 {
		t.Fatalf("response = %s", rec.Body.String())
	}

	close(ch)
	if err := <-done; err != nil {
		t.Fatalf("worker error: %v", err)
	}
	row, err := dbm.LatestRecord(context.Background(), "log")
	if err != nil {
		t.Fatalf("LatestRecord() error = %v", err)
	}
	if row.Name != "tempSensor" || row.Text != "Sending " {
		t.Fatalf("latest log = %+v", row)
	}
}

func TestPostLogsRejectsCorruptArchive(t *testing.T) {
	t.Parallel()

	h := NewIngestHandlers(chanEnqueuer{ch: make(chan telemetry.Record, 1)}, 0)
	req := httptest.NewRequest(http.MethodPost, "/v1/logs", bytes.NewReader([]byte("not gzip")))
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.PostLogs(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status code = %d, want 400", rec.Code)
	}
}

func TestPostMetricsQueueSaturation(t *testing.T) {
	t.Parallel()

	ch := make(chan telemetry.Record, 1)
	h := NewIngestHandlers(chanEnqueuer{ch: ch}, 0)
	body, _ := json.Marshal([]map[string]any{
		{"Name": "a", "Value": 1},
		{"Name": "b", "Value": 2},
	})

	rec1 := httptest.NewRecorder()
	h.PostMetrics(rec1, httptest.NewRequest(http.MethodPost, "/v1/metrics", bytes.NewReader(body)))
	if rec1.Code != http.StatusAccepted {
		t.Fatalf("first post status = %d, want 202", rec1.Code)
	}
	var resp ingestResponse
	_ = json.Unmarshal(rec1.Body.Bytes(), &resp)
	if resp.Accepted != 1 || resp.Dropped != 1 {
		t.Fatalf("first response = %+v", resp)
	}

	rec2 := httptest.NewRecorder()
	h.PostMetrics(rec2, httptest.NewRequest(http.MethodPost, "/v1/metrics", bytes.NewReader(body)))
	if rec2.Code != http.StatusServiceUnavailable {
		t.Fatalf("second post status = %d, want 503 when saturated", rec2.Code)
	}
}

func TestPostLogsRejectsArchiveThatInflatesPastLimit(t *testing.T) {
	t.Parallel()

	ch := make(chan telemetry.Record, 1)
	h := NewIngestHandlers(chanEnqueuer{ch: ch}, 1024)

	// Valid JSON once inflated, small on the wire.
	raw := make([]byte, 0, codec.MaxArchiveBytes+2)
	raw = append(raw, '[')
	raw = append(raw, bytes.Repeat([]byte(" "), codec.MaxArchiveBytes)...)
	raw = append(raw, ']')
	archive, err := codec.CompressArchive(raw)
	if err != nil {
		t.Fatalf("CompressArchive() error = %v", err)
	}
	if len(archive) >= MaxBodyBytes {
		t.Fatalf("archive is %d bytes, want it under the wire limit", len(archive))
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/logs", bytes.NewReader(archive))
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.PostLogs(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status code = %d, want 413", rec.Code)
	}
	if len(ch) != 0 {
		t.Fatalf("records enqueued from an oversized archive")
	}
}
