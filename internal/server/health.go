package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kon-rad/edge-telemetry-shipper/internal/db"
)

type RuntimeSnapshot struct {
	QueueDepth      int64
	RecordsReceived int64
	RecordsDropped  int64
	LastPushTime    *int64
	LastPushStatus  string
	IdentityState   string
}

type SnapshotProvider interface {
	Snapshot() RuntimeSnapshot
}

type SpoolStatter interface {
	Stats(ctx context.Context) db.SpoolStats
	PendingCounts(ctx context.Context) (logs int64, metrics int64, err error)
}

type HealthResponse struct {
	Status          string   `json:"status"`
	UptimeSeconds   int64    `json:"uptime_seconds"`
	Version         string   `json:"version"`
	DBStatus        string   `json:"db_status"`
	DBSizeBytes     int64    `json:"db_size_bytes"`
	WALSizeBytes    int64    `json:"wal_size_bytes"`
	QueueDepth      int64    `json:"queue_depth"`
	RecordsReceived int64    `json:"records_received"`
	RecordsDropped  int64    `json:"records_dropped"`
	LastPushTime    *int64   `json:"last_push_time"`
	LastPushStatus  string   `json:"last_push_status"`
	PendingLogs     int64    `json:"pending_logs"`
	PendingMetrics  int64    `json:"pending_metrics"`
	IdentityState   string   `json:"identity_state"`
	GeneratedAt     string   `json:"generated_at"`
	Warnings        []string `json:"warnings,omitempty"`
}

type HealthHandler struct {
	spool       SpoolStatter
	startTime   time.Time
	version     string
	snapshotter SnapshotProvider
}

func NewHealthHandler(spool SpoolStatter, start time.Time, version string, snapshotter SnapshotProvider) *HealthHandler {
	return &HealthHandler{
		spool:       spool,
		startTime:   start,
		version:     version,
		snapshotter: snapshotter,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	snapshot := h.snapshotter.Snapshot()
	stats := h.spool.Stats(ctx)
	logs, metrics, err := h.spool.PendingCounts(ctx)

	resp := HealthResponse{
		Status:          "ok",
		UptimeSeconds:   int64(time.Since(h.startTime).Seconds()),
		Version:         h.version,
		DBStatus:        stats.Status,
		DBSizeBytes:     stats.SizeBytes,
		WALSizeBytes:    stats.WALBytes,
		QueueDepth:      snapshot.QueueDepth,
		RecordsReceived: snapshot.RecordsReceived,
		RecordsDropped:  snapshot.RecordsDropped,
		LastPushTime:    snapshot.LastPushTime,
		LastPushStatus:  snapshot.LastPushStatus,
		PendingLogs:     logs,
		PendingMetrics:  metrics,
		IdentityState:   snapshot.IdentityState,
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
	}

	if err != nil {
		resp.Status = "degraded"
		resp.Warnings = append(resp.Warnings, "pending_counts_unavailable")
		resp.PendingLogs, resp.PendingMetrics = 0, 0
	}
	if resp.DBStatus != "ok" {
		resp.Status = "degraded"
	}
	if resp.IdentityState == "failed" {
		resp.Status = "degraded"
		resp.Warnings = append(resp.Warnings, "identity_failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
