package db

import (
	"context"
	"database/sql"
	"fmt"
)

type RecordInsert struct {
	RecordID  string
	CreatedAt int64
	Kind      string
	Name      string
	Value     float64
	Text      string
	// Tags is the JSON-encoded tag map.
	Tags string
}

type RecordRow struct {
	RowID     int64
	RecordID  string
	CreatedAt int64
	Kind      string
	Name      string
	Value     float64
	Text      string
	Tags      string
}

// InsertRecords writes rows in one transaction. Duplicate record ids are
// ignored so a replayed ingest batch is harmless.
func (m *Manager) InsertRecords(ctx context.Context, rows []RecordInsert) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := m.writer.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT OR IGNORE INTO records (
  record_id, created_at, kind, name, value, text, tags, synced, pushed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL)
`)
	if err != nil {
		return fmt.Errorf("prepare record insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx,
			row.RecordID,
			row.CreatedAt,
			row.Kind,
			row.Name,
			row.Value,
			row.Text,
			row.Tags,
		); err != nil {
			return fmt.Errorf("insert record %s: %w", row.RecordID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (m *Manager) RecordCount(ctx context.Context, kind string) (int64, error) {
	var out int64
	if err := m.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE kind = ?", kind).Scan(&out); err != nil {
		return 0, err
	}
	return out, nil
}

func (m *Manager) LatestRecord(ctx context.Context, kind string) (RecordRow, error) {
	var row RecordRow
	err := m.reader.QueryRowContext(ctx, `
SELECT id, record_id, created_at, kind, name, COALESCE(value, 0), COALESCE(text, ''), COALESCE(tags, '')
FROM records
WHERE kind = ?
ORDER BY id DESC LIMIT 1
`, kind).Scan(
		&row.RowID,
		&row.RecordID,
		&row.CreatedAt,
		&row.Kind,
		&row.Name,
		&row.Value,
		&row.Text,
		&row.Tags,
	)
	return row, err
}
