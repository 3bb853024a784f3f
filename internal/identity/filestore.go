package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const (
	certFile = "agent.crt"
	keyFile  = "agent.key.age"
	metaFile = "agent.json"
)

// FileStore keeps the certificate as PEM, the private key and export
// password age-encrypted, and timestamps as JSON, all under one directory.
type FileStore struct {
	dir string
	sealer
}

type fileMeta struct {
	AgentGUID   string    `json:"agent_guid"`
	WorkspaceID string    `json:"workspace_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewFileStore creates dir if needed. workFactor of zero keeps the age
// scrypt default.
func NewFileStore(dir, passphrase string, workFactor int) (*FileStore, error) {
	if passphrase == "" {
		return nil, errors.New("file store: passphrase required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	return &FileStore{dir: dir, sealer: sealer{passphrase: passphrase, workFactor: workFactor}}, nil
}

func (s *FileStore) Load(context.Context) (*AgentIdentity, error) {
	certPEM, err := os.ReadFile(filepath.Join(s.dir, certFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	metaRaw, err := os.ReadFile(filepath.Join(s.dir, metaFile))
	if err != nil {
		return nil, fmt.Errorf("read identity metadata: %w", err)
	}
	var meta fileMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, fmt.Errorf("decode identity metadata: %w", err)
	}
	sealed, err := os.ReadFile(filepath.Join(s.dir, keyFile))
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	sk, err := s.open(sealed)
	if err != nil {
		return nil, err
	}

	certDER, err := decodePEM(certPEM, pemCertType)
	if err != nil {
		return nil, err
	}
	cert, key, err := fromDER(certDER, sk.KeyDER)
	if err != nil {
		return nil, err
	}
	return &AgentIdentity{
		AgentGUID:   meta.AgentGUID,
		WorkspaceID: meta.WorkspaceID,
		Certificate: cert,
		PrivateKey:  key,
		Password:    sk.Password,
		CreatedAt:   meta.CreatedAt,
		UpdatedAt:   meta.UpdatedAt,
	}, nil
}

func (s *FileStore) Save(_ context.Context, id *AgentIdentity) error {
	sealed, err := s.seal(id)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(fileMeta{
		AgentGUID:   id.AgentGUID,
		WorkspaceID: id.WorkspaceID,
		CreatedAt:   id.CreatedAt,
		UpdatedAt:   id.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode identity metadata: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	// Certificate last: Load treats its presence as "identity stored".
	files := []struct {
		name string
		data []byte
	}{
		{keyFile, sealed},
		{metaFile, meta},
		{certFile, id.CertificatePEM()},
	}
	for _, f := range files {
		if err := writeFileAtomic(filepath.Join(s.dir, f.name), f.data); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) Delete(context.Context) error {
	var errs []error
	for _, name := range []string{certFile, keyFile, metaFile} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
