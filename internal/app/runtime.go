package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kon-rad/edge-telemetry-shipper/internal/config"
	"github.com/kon-rad/edge-telemetry-shipper/internal/db"
	"github.com/kon-rad/edge-telemetry-shipper/internal/identity"
	"github.com/kon-rad/edge-telemetry-shipper/internal/ingest"
	"github.com/kon-rad/edge-telemetry-shipper/internal/logparse"
	"github.com/kon-rad/edge-telemetry-shipper/internal/metrics"
	"github.com/kon-rad/edge-telemetry-shipper/internal/push"
	"github.com/kon-rad/edge-telemetry-shipper/internal/server"
	"github.com/kon-rad/edge-telemetry-shipper/internal/telemetry"
)

type Runtime struct {
	cfg        *config.Config
	logger     *slog.Logger
	version    string
	startedAt  time.Time
	dbm        *db.Manager
	identity   *identity.Manager
	closers    []io.Closer
	httpServer *http.Server
	ingestCh   chan telemetry.Record
	workerDone chan error
	bgCancel   context.CancelFunc
	bgWG       sync.WaitGroup
	pusher     *push.Pusher
	fatal      chan error

	recordsReceived atomic.Int64
	recordsDropped  atomic.Int64
	lastPushTime    atomic.Int64
	lastPushStatus  atomic.Value
}

func New(cfg *config.Config, logger *slog.Logger, version string) *Runtime {
	r := &Runtime{
		cfg:       cfg,
		logger:    logger,
		version:   version,
		startedAt: time.Now(),
		fatal:     make(chan error, 1),
	}
	r.lastPushStatus.Store("never")
	return r
}

// Run serves until ctx ends or the agent identity fails for good. A fatal
// identity error is returned after an orderly shutdown.
func (r *Runtime) Run(ctx context.Context) error {
	dbm, err := db.Open(ctx, r.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	r.dbm = dbm
	if err := r.dbm.WaitForOpen(ctx, 5*time.Second); err != nil {
		return errors.Join(err, r.dbm.Close())
	}

	journalMode, busyTimeout, autoVacuum, err := r.dbm.Pragmas(ctx)
	if err != nil {
		return errors.Join(fmt.Errorf("query sqlite pragmas: %w", err), r.dbm.Close())
	}
	r.logger.Info("SQLite opened",
		"path", r.cfg.DBPath,
		"journal_mode", journalMode,
		"busy_timeout", busyTimeout,
		"auto_vacuum", autoVacuum,
	)

	if err := r.wireUpload(); err != nil {
		return errors.Join(err, r.closeResources())
	}

	healthHandler := server.NewHealthHandler(r.dbm, r.startedAt, r.version, r)
	r.ingestCh = make(chan telemetry.Record, ingest.QueueCapacity)
	r.workerDone = make(chan error, 1)

	worker := ingest.NewWorker(r.logger, r.dbm, r.cfg.MaxTextBytes)
	go func() {
		r.workerDone <- worker.Run(r.ingestCh)
	}()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	r.bgCancel = bgCancel
	r.startBackgroundLoops(bgCtx)
	ingestHandlers := server.NewIngestHandlers(r, r.cfg.MaxTextBytes)
	r.httpServer = server.New(":"+r.cfg.Port, healthHandler, ingestHandlers)

	serverErr := make(chan error, 1)
	go func() {
		r.logger.Info("Listening", "addr", ":"+r.cfg.Port)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		shutdownErr := r.shutdown(context.Background())
		if err != nil {
			return errors.Join(fmt.Errorf("http server failed: %w", err), shutdownErr)
		}
		return shutdownErr
	case err := <-r.fatal:
		r.logger.Error("agent identity failed, shutting down", "error", err)
		return errors.Join(err, r.shutdown(context.Background()))
	case <-ctx.Done():
		r.logger.Info("SIGTERM received, shutting down...")
		return r.shutdown(context.Background())
	}
}

func (r *Runtime) wireUpload() error {
	store, closer, err := openIdentityStore(r.cfg, r.dbm)
	if err != nil {
		return fmt.Errorf("open identity store: %w", err)
	}
	if closer != nil {
		r.closers = append(r.closers, closer)
	}
	if r.identity, err = newIdentityManager(r.cfg, store, r.logger); err != nil {
		return fmt.Errorf("identity manager: %w", err)
	}
	uploader, err := newUploader(r.cfg, r.identity, r.logger, r.version)
	if err != nil {
		return fmt.Errorf("upload orchestrator: %w", err)
	}
	r.pusher = push.New(r.logger, r.dbm, uploader, routes(r.cfg), r.cfg.PushBatchLimit)
	return nil
}

func (r *Runtime) Snapshot() server.RuntimeSnapshot {
	var lastPush *int64
	if ts := r.lastPushTime.Load(); ts > 0 {
		t := ts
		lastPush = &t
	}

	lastPushStatus := ""
	if s, ok := r.lastPushStatus.Load().(string); ok {
		lastPushStatus = s
	}

	identityState := identity.StateNoIdentity.String()
	if r.identity != nil {
		identityState = r.identity.State().String()
	}

	return server.RuntimeSnapshot{
		QueueDepth:      int64(len(r.ingestCh)),
		RecordsReceived: r.recordsReceived.Load(),
		RecordsDropped:  r.recordsDropped.Load(),
		LastPushTime:    lastPush,
		LastPushStatus:  lastPushStatus,
		IdentityState:   identityState,
	}
}

func (r *Runtime) shutdown(ctx context.Context) error {
	var joined error
	r.logger.Info("Draining ingest channel", "remaining", len(r.ingestCh))

	if r.httpServer != nil {
		httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := r.httpServer.Shutdown(httpCtx); err != nil {
			joined = errors.Join(joined, fmt.Errorf("http shutdown: %w", err))
		}
	}

	if r.bgCancel != nil {
		r.bgCancel()
		done := make(chan struct{})
		go func() {
			r.bgWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			joined = errors.Join(joined, errors.New("background loop shutdown timeout"))
		}
	}

	if r.ingestCh != nil {
		close(r.ingestCh)
	}
	if r.workerDone != nil {
		select {
		case err := <-r.workerDone:
			if err != nil {
				joined = errors.Join(joined, fmt.Errorf("worker shutdown: %w", err))
			}
		case <-time.After(5 * time.Second):
			joined = errors.Join(joined, errors.New("worker drain timeout"))
		}
	}

	if r.pusher != nil {
		pushCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := r.runPush(pushCtx, "shutdown")
		cancel()
		var fatal *identity.FatalError
		if err != nil && !errors.As(err, &fatal) {
			joined = errors.Join(joined, fmt.Errorf("final push: %w", err))
		}
	}

	if err := r.closeResources(); err != nil {
		joined = errors.Join(joined, err)
	}

	r.logger.Info("Shutdown complete",
		"total_records", r.recordsReceived.Load(),
		"uptime", time.Since(r.startedAt).String(),
	)
	return joined
}

func (r *Runtime) closeResources() error {
	var joined error
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			joined = errors.Join(joined, fmt.Errorf("close: %w", err))
		}
	}
	r.closers = nil
	if r.dbm != nil {
		cpCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := r.dbm.Checkpoint(cpCtx); err != nil {
			r.logger.Warn("WAL checkpoint failed", "error", err)
			joined = errors.Join(joined, fmt.Errorf("wal checkpoint: %w", err))
		}
		if err := r.dbm.Close(); err != nil {
			joined = errors.Join(joined, fmt.Errorf("db close: %w", err))
		}
		r.dbm = nil
	}
	return joined
}

func (r *Runtime) Enqueue(rec telemetry.Record) bool {
	if ingest.TryEnqueue(r.ingestCh, rec) {
		r.recordsReceived.Add(1)
		return true
	}
	r.recordsDropped.Add(1)
	return false
}

func (r *Runtime) EnqueueAll(records []telemetry.Record) int {
	n := ingest.EnqueueAll(r.ingestCh, records)
	r.recordsReceived.Add(int64(n))
	r.recordsDropped.Add(int64(len(records) - n))
	return n
}

// every runs fn on each tick until ctx ends or fn reports stop.
func (r *Runtime) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) (stop bool)) {
	r.bgWG.Add(1)
	go func() {
		defer r.bgWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if fn(ctx) {
					r.logger.Info("background loop stopped", "loop", name)
					return
				}
			}
		}
	}()
}

func (r *Runtime) startBackgroundLoops(ctx context.Context) {
	tags := map[string]string{
		telemetry.TagDeviceID: r.cfg.DeviceID,
		telemetry.TagModuleID: r.cfg.LogModuleID,
	}
	collector := metrics.NewCollector(r.cfg.MetricsInterval, r, filepath.Dir(r.cfg.DBPath), tags)
	r.bgWG.Add(1)
	go func() {
		defer r.bgWG.Done()
		if err := collector.Run(ctx); err != nil {
			r.logger.Warn("metrics collector stopped", "error", err)
		}
	}()

	if r.cfg.LogPath != "" {
		source := logparse.Source{
			ModuleID: r.cfg.LogModuleID,
			DeviceID: r.cfg.DeviceID,
			IoTHub:   r.cfg.IoTHub,
		}
		parser := logparse.New(r.cfg.LogPath, 500*time.Millisecond, source, r.cfg.LogMaxLevel, r)
		r.bgWG.Add(1)
		go func() {
			defer r.bgWG.Done()
			if err := parser.Run(ctx); err != nil {
				r.logger.Warn("log parser stopped", "error", err)
			}
		}()
	}

	r.every(ctx, "push", r.cfg.PushInterval, func(ctx context.Context) bool {
		var fatal *identity.FatalError
		if err := r.runPush(ctx, "scheduled"); errors.As(err, &fatal) {
			select {
			case r.fatal <- fatal:
			default:
			}
			return true
		}
		return false
	})

	policy := db.CleanupPolicy{
		Retention:        time.Duration(r.cfg.RetentionDays) * 24 * time.Hour,
		DiskThresholdPct: r.cfg.CleanupDiskThreshold,
		SizeThreshold:    r.cfg.CleanupDBThresholdByte,
	}
	r.every(ctx, "cleanup", r.cfg.CleanupInterval, func(ctx context.Context) bool {
		cleanupCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		res, err := r.dbm.Cleanup(cleanupCtx, policy, time.Now())
		switch {
		case err != nil:
			r.logger.Warn("cleanup failed", "error", err)
		case res.Ran:
			r.logger.Info("spool cleanup", "records", res.Records, "push_logs", res.PushLogs)
		}
		return false
	})

	r.every(ctx, "wal_checkpoint", r.cfg.WALCheckpointInterval, func(ctx context.Context) bool {
		cpCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if _, err := r.dbm.CheckpointIfWALExceeds(cpCtx, r.cfg.WALRestartThresholdB); err != nil {
			r.logger.Warn("wal checkpoint loop failed", "error", err)
		}
		return false
	})
}

func (r *Runtime) runPush(ctx context.Context, reason string) error {
	res, err := r.pusher.PushOnce(ctx)
	if err != nil {
		r.lastPushStatus.Store("error")
		r.logger.Warn("push failed", "reason", reason, "error", err)
		return err
	}
	status := "ok"
	if res.FailedBatches > 0 {
		status = "partial"
	}
	r.lastPushStatus.Store(status)
	r.lastPushTime.Store(time.Now().UnixMilli())
	r.logger.Info("push completed",
		"reason", reason,
		"batches", res.Batches,
		"failed_batches", res.FailedBatches,
		"records", res.RecordsSent,
		"dropped", res.Dropped,
	)
	return nil
}
