package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type PushLogEntry struct {
	CreatedAt     int64
	Status        string
	Kind          string
	RecordsPushed int
	Batches       int
	FailedBatches int
	ErrorMessage  string
	DurationMS    int64
}

// FetchUnsynced returns the oldest unsynced rows of one kind.
func (m *Manager) FetchUnsynced(ctx context.Context, kind string, limit int) ([]RecordRow, error) {
	rows, err := m.reader.QueryContext(ctx, `
SELECT id, record_id, created_at, kind, name, COALESCE(value, 0), COALESCE(text, ''), COALESCE(tags, '')
FROM records
WHERE synced = 0 AND kind = ?
ORDER BY created_at ASC, id ASC
LIMIT ?
`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("query unsynced %s: %w", kind, err)
	}
	defer rows.Close()

	out := make([]RecordRow, 0, limit)
	for rows.Next() {
		var row RecordRow
		if err := rows.Scan(&row.RowID, &row.RecordID, &row.CreatedAt, &row.Kind, &row.Name, &row.Value, &row.Text, &row.Tags); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (m *Manager) MarkSynced(ctx context.Context, rowIDs []int64, pushedAt int64) error {
	if len(rowIDs) == 0 {
		return nil
	}
	tx, err := m.writer.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Stay well below SQLite's host parameter limit.
	const chunk = 500
	for start := 0; start < len(rowIDs); start += chunk {
		end := min(start+chunk, len(rowIDs))
		ids := rowIDs[start:end]
		args := make([]any, 0, len(ids)+1)
		args = append(args, pushedAt)
		for _, id := range ids {
			args = append(args, id)
		}
		q := fmt.Sprintf("UPDATE records SET synced = 1, pushed_at = ? WHERE id IN (%s)",
			strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","))
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("mark synced: %w", err)
		}
	}
	return tx.Commit()
}

func (m *Manager) InsertPushLog(ctx context.Context, e PushLogEntry) error {
	_, err := m.writer.ExecContext(ctx, `
INSERT INTO push_log (created_at, status, kind, records_pushed, batches, failed_batches, error_message, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, e.CreatedAt, e.Status, e.Kind, e.RecordsPushed, e.Batches, e.FailedBatches, e.ErrorMessage, e.DurationMS)
	if err != nil {
		return fmt.Errorf("insert push log: %w", err)
	}
	return nil
}

func (m *Manager) LatestPushLog(ctx context.Context) (PushLogEntry, error) {
	var e PushLogEntry
	err := m.reader.QueryRowContext(ctx, `
SELECT created_at, status, kind, records_pushed, batches, failed_batches, COALESCE(error_message, ''), COALESCE(duration_ms, 0)
FROM push_log ORDER BY id DESC LIMIT 1
`).Scan(&e.CreatedAt, &e.Status, &e.Kind, &e.RecordsPushed, &e.Batches, &e.FailedBatches, &e.ErrorMessage, &e.DurationMS)
	return e, err
}

func (m *Manager) PendingCounts(ctx context.Context) (logs int64, metrics int64, err error) {
	rows, err := m.reader.QueryContext(ctx, "SELECT kind, COUNT(*) FROM records WHERE synced = 0 GROUP BY kind")
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return 0, 0, err
		}
		switch kind {
		case "log":
			logs = n
		case "metric":
			metrics = n
		}
	}
	return logs, metrics, rows.Err()
}
