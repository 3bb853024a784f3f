package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/kon-rad/edge-telemetry-shipper/internal/config"
	"github.com/kon-rad/edge-telemetry-shipper/internal/db"
	"github.com/kon-rad/edge-telemetry-shipper/internal/identity"
	"github.com/kon-rad/edge-telemetry-shipper/internal/push"
	"github.com/kon-rad/edge-telemetry-shipper/internal/telemetry"
	"github.com/kon-rad/edge-telemetry-shipper/internal/upload"
)

// Subdomains of the workspace endpoints.
const (
	odsPrefix = "ods"
	omsPrefix = "oms"
)

// openIdentityStore returns the configured store and, for stores holding a
// connection, a closer.
func openIdentityStore(cfg *config.Config, dbm *db.Manager) (identity.Store, io.Closer, error) {
	switch cfg.IdentityStore {
	case "sqlite":
		if dbm == nil {
			return nil, nil, errors.New("sqlite identity store needs the spool database")
		}
		s, err := identity.NewSQLiteStore(dbm, cfg.IdentityPassphrase, cfg.IdentityWorkFactor)
		return s, nil, err
	case "file":
		s, err := identity.NewFileStore(cfg.IdentityDir, cfg.IdentityPassphrase, cfg.IdentityWorkFactor)
		return s, nil, err
	case "redis":
		s, err := identity.NewRedisStore(cfg.RedisURL, identity.DefaultRedisKey)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "memory":
		return identity.NewMemoryStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown identity store %q", cfg.IdentityStore)
	}
}

func hostName(cfg *config.Config) string {
	if cfg.Computer != "" {
		return cfg.Computer
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}

func newIdentityManager(cfg *config.Config, store identity.Store, logger *slog.Logger) (*identity.Manager, error) {
	policy, err := identity.NewBackOff(cfg.RegistrationBackoff, cfg.RegistrationDelay)
	if err != nil {
		return nil, err
	}
	url := cfg.TopologyURL
	if url == "" {
		url = identity.TopologyURL(cfg.WorkspaceID, omsPrefix, cfg.WorkspaceDomainSuffix)
	}
	return identity.NewManager(identity.ManagerConfig{
		WorkspaceID: cfg.WorkspaceID,
		Store:       store,
		Registrar: &identity.Registrar{
			WorkspaceID: cfg.WorkspaceID,
			Key:         cfg.WorkspaceKey,
			URL:         url,
			HostName:    hostName(cfg),
			Timeout:     cfg.UploadTimeout,
			Logger:      logger,
		},
		Retries:        cfg.RegistrationRetries,
		BackOff:        policy,
		AttemptTimeout: cfg.UploadTimeout,
		DebounceWindow: cfg.IdentityDebounce,
		KeyBits:        cfg.CertificateKeyBits,
		Logger:         logger,
	})
}

func newUploader(cfg *config.Config, ids upload.IdentitySource, logger *slog.Logger, version string) (*upload.Orchestrator, error) {
	customURL := cfg.CustomTableURL
	if customURL == "" {
		customURL = upload.CustomTableURL(cfg.WorkspaceID, cfg.WorkspaceDomainSuffix, cfg.WorkspaceAPIVersion)
	}
	fixedURL := cfg.FixedTableURL
	if fixedURL == "" {
		fixedURL = upload.FixedTableURL(cfg.WorkspaceID, cfg.WorkspaceDomainSuffix)
	}
	return upload.New(upload.Config{
		WorkspaceID:    cfg.WorkspaceID,
		WorkspaceKey:   cfg.WorkspaceKey,
		CustomTableURL: customURL,
		FixedTableURL:  fixedURL,
		CustomTable: upload.PathConfig{
			MaxPayloadBytes: cfg.CustomTableMaxBytes(),
			Compress:        cfg.CompressForUpload,
			MaxAttempts:     cfg.UploadMaxAttempts,
		},
		FixedTable: upload.PathConfig{
			MaxPayloadBytes: cfg.FixedTableMaxBytes(),
			Compress:        cfg.FixedTableCompress,
			MaxAttempts:     cfg.UploadMaxAttempts,
		},
		Concurrency:      cfg.UploadConcurrency,
		RequestTimeout:   cfg.UploadTimeout,
		FailureLogWindow: cfg.FailureLogInterval,
		Version:          version,
		Computer:         hostName(cfg),
		Identity:         ids,
		Logger:           logger,
	})
}

func target(cfg *config.Config) upload.Target {
	return upload.Target{ResourceID: cfg.ResourceID, LogType: cfg.LogType}
}

func metricsPath(cfg *config.Config) upload.Path {
	if cfg.MetricsPath == "custom" {
		return upload.SharedKeyCustomTable
	}
	return upload.CertificateFixedTable
}

func routes(cfg *config.Config) []push.Route {
	return push.DefaultRoutes(target(cfg), metricsPath(cfg))
}

func routeFor(cfg *config.Config, kind telemetry.Kind) (push.Route, error) {
	for _, r := range routes(cfg) {
		if r.Kind == kind {
			return r, nil
		}
	}
	return push.Route{}, fmt.Errorf("no upload route for %q records", kind)
}
