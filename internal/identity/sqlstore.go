package identity

import (
	"context"
	"errors"
	"time"

	"github.com/kon-rad/edge-telemetry-shipper/internal/db"
)

type IdentityDB interface {
	LoadIdentity(ctx context.Context) (db.IdentityRow, bool, error)
	SaveIdentity(ctx context.Context, row db.IdentityRow) error
	DeleteIdentity(ctx context.Context) error
}

// SQLiteStore keeps the identity in the spool database next to the records
// it authenticates.
type SQLiteStore struct {
	db IdentityDB
	sealer
}

func NewSQLiteStore(database IdentityDB, passphrase string, workFactor int) (*SQLiteStore, error) {
	if passphrase == "" {
		return nil, errors.New("sqlite store: passphrase required")
	}
	return &SQLiteStore{db: database, sealer: sealer{passphrase: passphrase, workFactor: workFactor}}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*AgentIdentity, error) {
	row, ok, err := s.db.LoadIdentity(ctx)
	if err != nil || !ok {
		return nil, err
	}
	sk, err := s.open(row.SealedKey)
	if err != nil {
		return nil, err
	}
	cert, key, err := fromDER(row.CertDER, sk.KeyDER)
	if err != nil {
		return nil, err
	}
	return &AgentIdentity{
		AgentGUID:   row.AgentGUID,
		WorkspaceID: row.WorkspaceID,
		Certificate: cert,
		PrivateKey:  key,
		Password:    sk.Password,
		CreatedAt:   time.UnixMilli(row.CreatedAt).UTC(),
		UpdatedAt:   time.UnixMilli(row.UpdatedAt).UTC(),
	}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, id *AgentIdentity) error {
	sealed, err := s.seal(id)
	if err != nil {
		return err
	}
	return s.db.SaveIdentity(ctx, db.IdentityRow{
		AgentGUID:   id.AgentGUID,
		WorkspaceID: id.WorkspaceID,
		CertDER:     id.CertificateDER(),
		SealedKey:   sealed,
		CreatedAt:   id.CreatedAt.UnixMilli(),
		UpdatedAt:   id.UpdatedAt.UnixMilli(),
	})
}

func (s *SQLiteStore) Delete(ctx context.Context) error {
	return s.db.DeleteIdentity(ctx)
}
