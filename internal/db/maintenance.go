package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// CleanupPolicy bounds how long delivered rows stay in the spool. Cleanup
// only runs once the volume or the spool file is under pressure.
type CleanupPolicy struct {
	Retention        time.Duration
	DiskThresholdPct float64
	SizeThreshold    int64
}

type CleanupResult struct {
	Ran      bool
	Records  int64
	PushLogs int64
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (m *Manager) SizeBytes() int64 { return fileSize(m.path) }

func (m *Manager) WALBytes() int64 { return fileSize(m.path + "-wal") }

// CheckpointIfWALExceeds restarts the WAL once it grows past thresholdBytes.
func (m *Manager) CheckpointIfWALExceeds(ctx context.Context, thresholdBytes int64) (bool, error) {
	if m.WALBytes() <= thresholdBytes {
		return false, nil
	}
	if _, err := m.writer.ExecContext(ctx, "PRAGMA wal_checkpoint(RESTART)"); err != nil {
		return false, fmt.Errorf("wal restart checkpoint: %w", err)
	}
	return true, nil
}

func (m *Manager) underPressure(p CleanupPolicy) bool {
	return volumeUsedPercent(filepath.Dir(m.path)) >= p.DiskThresholdPct ||
		m.SizeBytes() >= p.SizeThreshold
}

// Cleanup deletes synced records and push log rows older than the retention
// window. Unsynced records are never touched.
func (m *Manager) Cleanup(ctx context.Context, p CleanupPolicy, now time.Time) (CleanupResult, error) {
	var res CleanupResult
	if !m.underPressure(p) {
		return res, nil
	}
	res.Ran = true

	cutoff := now.Add(-p.Retention).UnixMilli()
	out, err := m.writer.ExecContext(ctx, "DELETE FROM records WHERE synced = 1 AND created_at < ?", cutoff)
	if err != nil {
		return res, fmt.Errorf("delete synced records: %w", err)
	}
	res.Records, _ = out.RowsAffected()

	out, err = m.writer.ExecContext(ctx, "DELETE FROM push_log WHERE created_at < ?", cutoff)
	if err != nil {
		return res, fmt.Errorf("delete push log: %w", err)
	}
	res.PushLogs, _ = out.RowsAffected()

	// Best effort; the next run reclaims what this one leaves.
	_, _ = m.writer.ExecContext(ctx, "PRAGMA incremental_vacuum(1000)")
	return res, nil
}

func volumeUsedPercent(path string) float64 {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0
	}
	total := float64(st.Blocks) * float64(st.Bsize)
	if total <= 0 {
		return 0
	}
	free := float64(st.Bavail) * float64(st.Bsize)
	return (total - free) / total * 100
}
