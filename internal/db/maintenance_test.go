package db

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestCleanupKeepsUnsyncedAndRecentRows(t *testing.T) {
	t.Parallel()

	dbm := openTestDB(t)
	now := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)
	old := now.Add(-48 * time.Hour).UnixMilli()

	_, err := dbm.writer.Exec(`
INSERT INTO records (record_id, created_at, kind, name, synced) VALUES
('old-synced', ?, 'metric', 'cpu', 1),
('new-synced', ?, 'metric', 'cpu', 1),
('old-pending', ?, 'metric', 'cpu', 0)
`, old, now.UnixMilli(), old)
	if err != nil {
		t.Fatalf("insert seed records: %v", err)
	}
	if err := dbm.InsertPushLog(context.Background(), PushLogEntry{CreatedAt: old, Status: "ok", Kind: "metric"}); err != nil {
		t.Fatalf("InsertPushLog() error = %v", err)
	}

	// Zero thresholds force the pressure check to pass.
	res, err := dbm.Cleanup(context.Background(), CleanupPolicy{Retention: 24 * time.Hour}, now)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if !res.Ran || res.Records != 1 || res.PushLogs != 1 {
		t.Fatalf("cleanup result = %+v", res)
	}

	count, err := dbm.RecordCount(context.Background(), "metric")
	if err != nil {
		t.Fatalf("record count: %v", err)
	}
	if count != 2 {
		t.Fatalf("remaining rows = %d, want 2", count)
	}
}

func TestCleanupSkipsWithoutPressure(t *testing.T) {
	t.Parallel()

	dbm := openTestDB(t)
	res, err := dbm.Cleanup(context.Background(), CleanupPolicy{
		Retention:        time.Hour,
		DiskThresholdPct: 101,
		SizeThreshold:    1 << 40,
	}, time.Now())
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if res.Ran {
		t.Fatalf("cleanup ran below both thresholds")
	}
}

func TestCheckpointIfWALExceeds(t *testing.T) {
	t.Parallel()

	dbm := openTestDB(t)

	for i := range 10 {
		_, err := dbm.writer.Exec(`
INSERT INTO records (record_id, created_at, kind, name, synced)
VALUES (?, ?, 'log', 'edgeHub', 0)
`, fmt.Sprintf("wal-%d", i), time.Now().UnixMilli())
		if err != nil {
			t.Fatalf("insert row: %v", err)
		}
	}

	did, err := dbm.CheckpointIfWALExceeds(context.Background(), 0)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if !did {
		t.Fatalf("expected checkpoint to run when threshold is 0")
	}
}
