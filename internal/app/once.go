package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/kon-rad/edge-telemetry-shipper/internal/config"
	"github.com/kon-rad/edge-telemetry-shipper/internal/db"
	"github.com/kon-rad/edge-telemetry-shipper/internal/identity"
	"github.com/kon-rad/edge-telemetry-shipper/internal/telemetry"
	"github.com/kon-rad/edge-telemetry-shipper/internal/upload"
)

type OnceOptions struct {
	Path string
	// Kind is "logs" or "metrics".
	Kind string
	// Encoding is "gzip" for compressed log archives.
	Encoding string
}

// UploadFile sends one file of edge logs or hub metrics straight to the
// workspace without spooling it.
func UploadFile(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string, opts OnceOptions) (upload.Result, error) {
	data, err := os.ReadFile(opts.Path)
	if err != nil {
		return upload.Result{}, fmt.Errorf("read %s: %w", opts.Path, err)
	}

	var records []telemetry.Record
	var kind telemetry.Kind
	switch opts.Kind {
	case "logs":
		kind = telemetry.KindLog
		records, err = telemetry.ParseEdgeLogs(data, opts.Encoding, cfg.MaxTextBytes)
	case "metrics":
		kind = telemetry.KindMetric
		records, err = telemetry.ParseHubMetrics(data)
	default:
		return upload.Result{}, fmt.Errorf("unknown kind %q: want logs or metrics", opts.Kind)
	}
	if err != nil {
		return upload.Result{}, err
	}
	route, err := routeFor(cfg, kind)
	if err != nil {
		return upload.Result{}, err
	}

	var ids upload.IdentitySource
	if route.Path == upload.CertificateFixedTable {
		var dbm *db.Manager
		if cfg.IdentityStore == "sqlite" {
			if dbm, err = db.Open(ctx, cfg.DBPath); err != nil {
				return upload.Result{}, fmt.Errorf("open database: %w", err)
			}
			defer dbm.Close()
		}
		store, closer, err := openIdentityStore(cfg, dbm)
		if err != nil {
			return upload.Result{}, fmt.Errorf("open identity store: %w", err)
		}
		if closer != nil {
			defer closer.Close()
		}
		var m *identity.Manager
		if m, err = newIdentityManager(cfg, store, logger); err != nil {
			return upload.Result{}, err
		}
		ids = m
	}

	uploader, err := newUploader(cfg, ids, logger, version)
	if err != nil {
		return upload.Result{}, err
	}
	res, err := uploader.Upload(ctx, records, route.Target, route.Path)
	if err != nil {
		return res, err
	}
	logger.Info("upload finished",
		"kind", kind,
		"path", route.Path,
		"records", len(records),
		"sent", res.RecordsSent,
		"batches", len(res.Batches),
		"failed_batches", res.Failed,
		"rejected", len(res.Rejected),
	)
	if res.Failed > 0 {
		return res, fmt.Errorf("%d of %d batches failed", res.Failed, len(res.Batches))
	}
	return res, nil
}
