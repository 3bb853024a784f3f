package db

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *Manager {
	t.Helper()
	dbm, err := Open(context.Background(), filepath.Join(t.TempDir(), "spool.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = dbm.Close() })
	return dbm
}

func TestOpenAppliesPragmasAndSchema(t *testing.T) {
	t.Parallel()

	dbm := openTestDB(t)
	journal, busy, autoVacuum, err := dbm.Pragmas(context.Background())
	if err != nil {
		t.Fatalf("Pragmas() error = %v", err)
	}
	if journal != "wal" {
		t.Fatalf("journal mode = %q, want wal", journal)
	}
	if busy != 10000 {
		t.Fatalf("busy_timeout = %d, want 10000", busy)
	}
	if autoVacuum != 2 {
		t.Fatalf("auto_vacuum = %d, want 2", autoVacuum)
	}

	unsynced, err := dbm.UnsyncedCount(context.Background())
	if err != nil {
		t.Fatalf("UnsyncedCount() error = %v", err)
	}
	if unsynced != 0 {
		t.Fatalf("unsynced count = %d, want 0", unsynced)
	}
	if got := dbm.Stats(context.Background()).Status; got != "ok" {
		t.Fatalf("stats status = %q, want ok", got)
	}
}

func TestInsertRecordsIgnoresDuplicateIDs(t *testing.T) {
	t.Parallel()

	dbm := openTestDB(t)
	ctx := context.Background()
	rows := []RecordInsert{
		{RecordID: "r1", CreatedAt: 1, Kind: "metric", Name: "cpu", Value: 0.5, Tags: `{"deviceId":"d1"}`},
		{RecordID: "r2", CreatedAt: 2, Kind: "log", Name: "edgeAgent", Text: "started"},
	}
	if err := dbm.InsertRecords(ctx, rows); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := dbm.InsertRecords(ctx, rows[:1]); err != nil {
		t.Fatalf("replay insert: %v", err)
	}

	metrics, err := dbm.RecordCount(ctx, "metric")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if metrics != 1 {
		t.Fatalf("metric rows = %d, want 1", metrics)
	}

	latest, err := dbm.LatestRecord(ctx, "log")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Name != "edgeAgent" || latest.Text != "started" || latest.Tags != "" {
		t.Fatalf("unexpected log row: %+v", latest)
	}
}

func TestFetchUnsyncedAndMarkSynced(t *testing.T) {
	t.Parallel()

	dbm := openTestDB(t)
	ctx := context.Background()
	err := dbm.InsertRecords(ctx, []RecordInsert{
		{RecordID: "m2", CreatedAt: 20, Kind: "metric", Name: "b"},
		{RecordID: "m1", CreatedAt: 10, Kind: "metric", Name: "a"},
		{RecordID: "l1", CreatedAt: 5, Kind: "log", Name: "mod", Text: "x"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := dbm.FetchUnsynced(ctx, "metric", 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 2 || got[0].RecordID != "m1" || got[1].RecordID != "m2" {
		t.Fatalf("unexpected unsynced metrics: %+v", got)
	}

	if err := dbm.MarkSynced(ctx, []int64{got[0].RowID}, 99); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	logs, metrics, err := dbm.PendingCounts(ctx)
	if err != nil {
		t.Fatalf("pending counts: %v", err)
	}
	if logs != 1 || metrics != 1 {
		t.Fatalf("pending = (%d logs, %d metrics), want (1, 1)", logs, metrics)
	}
}

func TestPushLogRoundTrip(t *testing.T) {
	t.Parallel()

	dbm := openTestDB(t)
	ctx := context.Background()
	want := PushLogEntry{CreatedAt: 7, Status: "partial", Kind: "metric", RecordsPushed: 10, Batches: 3, FailedBatches: 1, ErrorMessage: "status 500", DurationMS: 12}
	if err := dbm.InsertPushLog(ctx, want); err != nil {
		t.Fatalf("insert push log: %v", err)
	}
	got, err := dbm.LatestPushLog(ctx)
	if err != nil {
		t.Fatalf("latest push log: %v", err)
	}
	if got != want {
		t.Fatalf("push log = %+v, want %+v", got, want)
	}
}

func TestIdentityRowUpsertAndDelete(t *testing.T) {
	t.Parallel()

	dbm := openTestDB(t)
	ctx := context.Background()
	if _, ok, err := dbm.LoadIdentity(ctx); err != nil || ok {
		t.Fatalf("empty LoadIdentity() = ok %v, err %v", ok, err)
	}

	first := IdentityRow{AgentGUID: "{a}", WorkspaceID: "ws", CertDER: []byte{1}, SealedKey: []byte{2}, CreatedAt: 1, UpdatedAt: 1}
	second := IdentityRow{AgentGUID: "{b}", WorkspaceID: "ws", CertDER: []byte{3}, SealedKey: []byte{4}, CreatedAt: 2, UpdatedAt: 2}
	for _, row := range []IdentityRow{first, second} {
		if err := dbm.SaveIdentity(ctx, row); err != nil {
			t.Fatalf("save identity: %v", err)
		}
	}
	got, ok, err := dbm.LoadIdentity(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadIdentity() = ok %v, err %v", ok, err)
	}
	if got.AgentGUID != "{b}" || got.CertDER[0] != 3 {
		t.Fatalf("identity not replaced: %+v", got)
	}

	if err := dbm.DeleteIdentity(ctx); err != nil {
		t.Fatalf("delete identity: %v", err)
	}
	if _, ok, _ := dbm.LoadIdentity(ctx); ok {
		t.Fatalf("identity still present after delete")
	}
}
