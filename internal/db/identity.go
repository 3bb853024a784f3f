package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type IdentityRow struct {
	AgentGUID   string
	WorkspaceID string
	CertDER     []byte
	SealedKey   []byte
	CreatedAt   int64
	UpdatedAt   int64
}

// LoadIdentity reports ok=false when no identity is stored.
func (m *Manager) LoadIdentity(ctx context.Context) (row IdentityRow, ok bool, err error) {
	err = m.reader.QueryRowContext(ctx, `
SELECT agent_guid, workspace_id, cert_der, sealed_key, created_at, updated_at
FROM agent_identity WHERE id = 1
`).Scan(&row.AgentGUID, &row.WorkspaceID, &row.CertDER, &row.SealedKey, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return IdentityRow{}, false, nil
	}
	if err != nil {
		return IdentityRow{}, false, fmt.Errorf("load identity: %w", err)
	}
	return row, true, nil
}

func (m *Manager) SaveIdentity(ctx context.Context, row IdentityRow) error {
	_, err := m.writer.ExecContext(ctx, `
INSERT INTO agent_identity (id, agent_guid, workspace_id, cert_der, sealed_key, created_at, updated_at)
VALUES (1, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
  agent_guid = excluded.agent_guid,
  workspace_id = excluded.workspace_id,
  cert_der = excluded.cert_der,
  sealed_key = excluded.sealed_key,
  created_at = excluded.created_at,
  updated_at = excluded.updated_at
`, row.AgentGUID, row.WorkspaceID, row.CertDER, row.SealedKey, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func (m *Manager) DeleteIdentity(ctx context.Context) error {
	if _, err := m.writer.ExecContext(ctx, "DELETE FROM agent_identity"); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	return nil
}
