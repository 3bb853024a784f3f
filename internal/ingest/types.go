package ingest

import (
	"time"

	"github.com/kon-rad/edge-telemetry-shipper/internal/telemetry"
)

const (
	QueueCapacity = 4096
	MaxBatchSize  = 200
	FlushWindow   = 500 * time.Millisecond
)

// TryEnqueue never blocks; a full queue drops the record.
func TryEnqueue(ch chan<- telemetry.Record, r telemetry.Record) bool {
	select {
	case ch <- r:
		return true
	default:
		return false
	}
}

// EnqueueAll offers records in order and stops at the first one the queue
// cannot take, returning how many were accepted.
func EnqueueAll(ch chan<- telemetry.Record, records []telemetry.Record) int {
	for i, r := range records {
		if !TryEnqueue(ch, r) {
			return i
		}
	}
	return len(records)
}
