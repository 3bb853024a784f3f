package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kon-rad/edge-telemetry-shipper/internal/db"
	"github.com/kon-rad/edge-telemetry-shipper/internal/telemetry"
)

type Spool interface {
	InsertRecords(ctx context.Context, rows []db.RecordInsert) error
}

// Worker drains the ingest queue into the spool in small transactions,
// flushing when a batch fills or the flush window elapses.
type Worker struct {
	logger       *slog.Logger
	spool        Spool
	maxTextBytes int
}

func NewWorker(logger *slog.Logger, spool Spool, maxTextBytes int) *Worker {
	return &Worker{
		logger:       logger,
		spool:        spool,
		maxTextBytes: maxTextBytes,
	}
}

// ToInsert converts a record into a spool row with a fresh record id.
func ToInsert(r telemetry.Record, maxTextBytes int) (db.RecordInsert, error) {
	row := db.RecordInsert{
		RecordID:  uuid.NewString(),
		CreatedAt: r.Timestamp.UnixMilli(),
		Kind:      string(r.Kind),
		Name:      r.Name,
		Value:     r.Value,
		Text:      telemetry.TruncateBytes(r.Text, maxTextBytes),
	}
	if r.Timestamp.IsZero() {
		row.CreatedAt = time.Now().UnixMilli()
	}
	if len(r.Tags) > 0 {
		raw, err := json.Marshal(r.Tags)
		if err != nil {
			return db.RecordInsert{}, fmt.Errorf("encode tags: %w", err)
		}
		row.Tags = string(raw)
	}
	return row, nil
}

func (w *Worker) Run(records <-chan telemetry.Record) error {
	ticker := time.NewTicker(FlushWindow)
	defer ticker.Stop()

	buffer := make([]telemetry.Record, 0, MaxBatchSize)

	flush := func(batch []telemetry.Record) error {
		if len(batch) == 0 {
			return nil
		}
		rows := make([]db.RecordInsert, 0, len(batch))
		for _, r := range batch {
			if r.Kind != telemetry.KindMetric && r.Kind != telemetry.KindLog {
				w.logger.Warn("dropping record of unknown kind", "kind", r.Kind, "name", r.Name)
				continue
			}
			row, err := ToInsert(r, w.maxTextBytes)
			if err != nil {
				w.logger.Warn("dropping unencodable record", "name", r.Name, "error", err)
				continue
			}
			rows = append(rows, row)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := w.spool.InsertRecords(ctx, rows); err != nil {
			return fmt.Errorf("insert records: %w", err)
		}
		return nil
	}

	for {
		select {
		case r, ok := <-records:
			if !ok {
				return flush(buffer)
			}
			buffer = append(buffer, r)
			if len(buffer) >= MaxBatchSize {
				if err := flush(buffer); err != nil {
					w.logger.Error("ingest flush failed", "error", err)
					return err
				}
				buffer = buffer[:0]
			}
		case <-ticker.C:
			if len(buffer) == 0 {
				continue
			}
			if err := flush(buffer); err != nil {
				w.logger.Error("ingest timed flush failed", "error", err)
				return err
			}
			buffer = buffer[:0]
		}
	}
}
