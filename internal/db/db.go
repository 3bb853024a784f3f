package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
)

// Manager owns the spool database: a single-connection writer and a small
// reader pool over the same WAL-mode file.
type Manager struct {
	path   string
	writer *sql.DB
	reader *sql.DB
}

type SpoolStats struct {
	Status    string
	SizeBytes int64
	WALBytes  int64
}

const pragmaSQL = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA busy_timeout = 10000;
PRAGMA temp_store = MEMORY;
PRAGMA auto_vacuum = INCREMENTAL;
PRAGMA cache_size = -4000;
`

func init() {
	sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, _ string) error {
		_, err := conn.ExecContext(context.Background(), pragmaSQL, []driver.NamedValue{})
		return err
	})
}

func Open(ctx context.Context, path string) (*Manager, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	dsn := "file:" + path
	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)
	reader.SetMaxIdleConns(4)

	m := &Manager{path: path, writer: writer, reader: reader}
	if err := m.init(ctx); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) init(ctx context.Context) error {
	if err := m.writer.PingContext(ctx); err != nil {
		return fmt.Errorf("ping writer: %w", err)
	}
	if err := m.reader.PingContext(ctx); err != nil {
		return fmt.Errorf("ping reader: %w", err)
	}
	if err := ensureAutoVacuum(ctx, m.writer); err != nil {
		return fmt.Errorf("ensure auto_vacuum incremental: %w", err)
	}
	if _, err := m.writer.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Checkpoint(ctx context.Context) error {
	_, err := m.writer.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (m *Manager) Close() error {
	return errors.Join(m.writer.Close(), m.reader.Close())
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.writer.PingContext(ctx)
}

func (m *Manager) Stats(ctx context.Context) SpoolStats {
	stats := SpoolStats{
		Status:    "ok",
		SizeBytes: m.SizeBytes(),
		WALBytes:  m.WALBytes(),
	}
	if err := m.Ping(ctx); err != nil {
		stats.Status = "error"
	}
	return stats
}

func (m *Manager) Pragmas(ctx context.Context) (journalMode string, busyTimeout int, autoVacuum int, err error) {
	if err = m.writer.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return "", 0, 0, err
	}
	if err = m.writer.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		return "", 0, 0, err
	}
	if err = m.writer.QueryRowContext(ctx, "PRAGMA auto_vacuum").Scan(&autoVacuum); err != nil {
		return "", 0, 0, err
	}
	return journalMode, busyTimeout, autoVacuum, nil
}

func (m *Manager) UnsyncedCount(ctx context.Context) (int64, error) {
	var count int64
	if err := m.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE synced = 0").Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (m *Manager) WaitForOpen(ctx context.Context, timeout time.Duration) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.Now().Add(timeout)
	for {
		if err := m.Ping(ctx); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("spool did not become ready within %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func ensureAutoVacuum(ctx context.Context, writer *sql.DB) error {
	var mode int
	if err := writer.QueryRowContext(ctx, "PRAGMA auto_vacuum").Scan(&mode); err != nil {
		return err
	}
	if mode == 2 {
		return nil
	}
	if _, err := writer.ExecContext(ctx, "PRAGMA auto_vacuum = INCREMENTAL;"); err != nil {
		return err
	}
	_, err := writer.ExecContext(ctx, "VACUUM;")
	return err
}
