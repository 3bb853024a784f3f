package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/kon-rad/edge-telemetry-shipper/internal/codec"
	"github.com/kon-rad/edge-telemetry-shipper/internal/telemetry"
)

// MaxBodyBytes bounds one ingest request on the wire. Gzip archives are
// also bounded after inflation by codec.MaxArchiveBytes.
const MaxBodyBytes = 32 << 20

type IngestEnqueuer interface {
	EnqueueAll(records []telemetry.Record) int
}

type IngestHandlers struct {
	enqueuer     IngestEnqueuer
	maxTextBytes int
}

type ingestResponse struct {
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
}

func NewIngestHandlers(enqueuer IngestEnqueuer, maxTextBytes int) *IngestHandlers {
	return &IngestHandlers{enqueuer: enqueuer, maxTextBytes: maxTextBytes}
}

// PostMetrics accepts a JSON array of hub metrics.
func (h *IngestHandlers) PostMetrics(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	records, err := telemetry.ParseHubMetrics(body)
	if err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	h.accept(w, records)
}

// PostLogs accepts a JSON array of edge log lines, optionally gzip encoded.
func (h *IngestHandlers) PostLogs(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	records, err := telemetry.ParseEdgeLogs(body, r.Header.Get("Content-Encoding"), h.maxTextBytes)
	if err != nil {
		var tooLarge *codec.TooLargeError
		if errors.As(err, &tooLarge) {
			http.Error(w, "log archive too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid log archive", http.StatusBadRequest)
		return
	}
	h.accept(w, records)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, "read body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func (h *IngestHandlers) accept(w http.ResponseWriter, records []telemetry.Record) {
	accepted := h.enqueuer.EnqueueAll(records)
	resp := ingestResponse{Accepted: accepted, Dropped: len(records) - accepted}

	status := http.StatusAccepted
	if accepted == 0 && len(records) > 0 {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
