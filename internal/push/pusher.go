package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kon-rad/edge-telemetry-shipper/internal/db"
	"github.com/kon-rad/edge-telemetry-shipper/internal/identity"
	"github.com/kon-rad/edge-telemetry-shipper/internal/telemetry"
	"github.com/kon-rad/edge-telemetry-shipper/internal/upload"
)

const DefaultBatchLimit = 5000

type DB interface {
	FetchUnsynced(ctx context.Context, kind string, limit int) ([]db.RecordRow, error)
	MarkSynced(ctx context.Context, rowIDs []int64, pushedAt int64) error
	InsertPushLog(ctx context.Context, e db.PushLogEntry) error
}

// Uploader is satisfied by *upload.Orchestrator.
type Uploader interface {
	Upload(ctx context.Context, records []telemetry.Record, target upload.Target, p upload.Path) (upload.Result, error)
}

// Route sends spooled records of one kind down one upload path.
type Route struct {
	Kind   telemetry.Kind
	Path   upload.Path
	Target upload.Target
}

// DefaultRoutes sends logs to the custom table and metrics down metricsPath.
func DefaultRoutes(target upload.Target, metricsPath upload.Path) []Route {
	return []Route{
		{Kind: telemetry.KindLog, Path: upload.SharedKeyCustomTable, Target: target},
		{Kind: telemetry.KindMetric, Path: metricsPath, Target: target},
	}
}

type Result struct {
	RecordsSent   int
	Batches       int
	FailedBatches int
	// Dropped counts records marked synced without delivery because they
	// could not be decoded or encoded for their path.
	Dropped int
}

type Pusher struct {
	db         DB
	uploader   Uploader
	routes     []Route
	batchLimit int
	logger     *slog.Logger
	now        func() time.Time
}

func New(logger *slog.Logger, store DB, uploader Uploader, routes []Route, batchLimit int) *Pusher {
	if batchLimit <= 0 {
		batchLimit = DefaultBatchLimit
	}
	return &Pusher{
		db:         store,
		uploader:   uploader,
		routes:     routes,
		batchLimit: batchLimit,
		logger:     logger,
		now:        time.Now,
	}
}

// PushOnce uploads one window of unsynced records per route. Records from
// successful batches are marked synced; failed batches stay in the spool for
// the next push. A route error does not skip later routes; a fatal identity
// error or cancellation ends the push. Route errors are joined.
func (p *Pusher) PushOnce(ctx context.Context) (Result, error) {
	var total Result
	var errs []error
	for _, route := range p.routes {
		res, err := p.pushRoute(ctx, route)
		total.RecordsSent += res.RecordsSent
		total.Batches += res.Batches
		total.FailedBatches += res.FailedBatches
		total.Dropped += res.Dropped
		if err == nil {
			continue
		}
		errs = append(errs, err)
		var fatal *identity.FatalError
		if errors.As(err, &fatal) || ctx.Err() != nil {
			break
		}
	}
	return total, errors.Join(errs...)
}

func (p *Pusher) pushRoute(ctx context.Context, route Route) (Result, error) {
	started := p.now()
	rows, err := p.db.FetchUnsynced(ctx, string(route.Kind), p.batchLimit)
	if err != nil {
		return Result{}, fmt.Errorf("fetch unsynced %s: %w", route.Kind, err)
	}
	if len(rows) == 0 {
		return Result{}, nil
	}

	var res Result
	var done []int64
	records := make([]telemetry.Record, 0, len(rows))
	rowIDs := make([]int64, 0, len(rows))
	for _, row := range rows {
		r, err := FromRow(row)
		if err != nil {
			p.logger.Warn("dropping undecodable spool row", "record_id", row.RecordID, "error", err)
			done = append(done, row.RowID)
			res.Dropped++
			continue
		}
		records = append(records, r)
		rowIDs = append(rowIDs, row.RowID)
	}

	out, uploadErr := p.uploader.Upload(ctx, records, route.Target, route.Path)
	for _, i := range out.SentIndices() {
		done = append(done, rowIDs[i])
	}
	for _, rej := range out.Rejected {
		done = append(done, rowIDs[rej.Index])
	}
	res.RecordsSent = out.RecordsSent
	res.Batches = len(out.Batches)
	res.FailedBatches = out.Failed
	res.Dropped += len(out.Rejected)

	// Marking uses a fresh context so delivered rows are recorded even when
	// the push was cancelled midway.
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.db.MarkSynced(markCtx, done, p.now().UnixMilli()); err != nil {
		return res, errors.Join(uploadErr, fmt.Errorf("mark %s synced: %w", route.Kind, err))
	}

	entry := db.PushLogEntry{
		CreatedAt:     p.now().UnixMilli(),
		Status:        status(out, uploadErr),
		Kind:          string(route.Kind),
		RecordsPushed: out.RecordsSent,
		Batches:       len(out.Batches),
		FailedBatches: out.Failed,
		DurationMS:    p.now().Sub(started).Milliseconds(),
	}
	if uploadErr != nil {
		entry.ErrorMessage = uploadErr.Error()
	} else if msg := firstBatchError(out); msg != "" {
		entry.ErrorMessage = msg
	}
	if err := p.db.InsertPushLog(markCtx, entry); err != nil {
		p.logger.Warn("push log write failed", "error", err)
	}

	if uploadErr != nil {
		var fatal *identity.FatalError
		if errors.As(uploadErr, &fatal) {
			return res, fatal
		}
		return res, fmt.Errorf("upload %s: %w", route.Kind, uploadErr)
	}
	if out.Failed > 0 {
		p.logger.Warn("push incomplete", "kind", route.Kind, "path", route.Path, "failed_batches", out.Failed, "batches", len(out.Batches))
	}
	return res, nil
}

func status(out upload.Result, err error) string {
	switch {
	case err == nil && out.Failed == 0:
		return "ok"
	case out.Succeeded > 0:
		return "partial"
	default:
		return "failed"
	}
}

func firstBatchError(out upload.Result) string {
	for _, b := range out.Batches {
		if b.Err != nil {
			return b.Err.Error()
		}
	}
	return ""
}

// FromRow rebuilds the record a spool row was written from.
func FromRow(row db.RecordRow) (telemetry.Record, error) {
	var tags map[string]string
	if row.Tags != "" {
		if err := json.Unmarshal([]byte(row.Tags), &tags); err != nil {
			return telemetry.Record{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	ts := time.UnixMilli(row.CreatedAt)
	switch telemetry.Kind(row.Kind) {
	case telemetry.KindMetric:
		return telemetry.NewMetric(row.Name, row.Value, ts, tags), nil
	case telemetry.KindLog:
		return telemetry.NewLog(row.Name, row.Text, ts, tags), nil
	default:
		return telemetry.Record{}, fmt.Errorf("unknown record kind %q", row.Kind)
	}
}
