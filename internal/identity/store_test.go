package identity

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/kon-rad/edge-telemetry-shipper/internal/db"
)

// Low scrypt cost keeps the sealed-key tests fast.
const testWorkFactor = 10

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load() on empty store error = %v", err)
	}
	if got != nil {
		t.Fatalf("Load() on empty store = %v, want nil", got.AgentGUID)
	}

	id := testIdentity(t)
	if err := s.Save(ctx, id); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err = s.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got == nil {
		t.Fatalf("Load() = nil after Save")
	}
	if got.AgentGUID != id.AgentGUID || got.WorkspaceID != id.WorkspaceID || got.Password != id.Password {
		t.Fatalf("loaded identity fields differ: %+v", got)
	}
	if string(got.CertificateDER()) != string(id.CertificateDER()) {
		t.Fatalf("certificate differs after round trip")
	}
	if !got.PrivateKey.Equal(id.PrivateKey) {
		t.Fatalf("private key differs after round trip")
	}
	if !got.UpdatedAt.Equal(id.UpdatedAt) || !got.CreatedAt.Equal(id.CreatedAt) {
		t.Fatalf("timestamps = (%v, %v), want (%v, %v)", got.CreatedAt, got.UpdatedAt, id.CreatedAt, id.UpdatedAt)
	}

	if err := s.Delete(ctx); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
	if got, err := s.Load(ctx); err != nil || got != nil {
		t.Fatalf("Load() after Delete = %v, %v", got, err)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	t.Parallel()

	s, err := NewFileStore(filepath.Join(t.TempDir(), "identity"), "passphrase", testWorkFactor)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	exerciseStore(t, s)
}

func TestFileStoreWrongPassphrase(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewFileStore(dir, "right", testWorkFactor)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if err := s.Save(context.Background(), testIdentity(t)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	other, err := NewFileStore(dir, "wrong", testWorkFactor)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if _, err := other.Load(context.Background()); err == nil {
		t.Fatalf("expected decrypt error with wrong passphrase")
	}
}

func TestFileStoreRequiresPassphrase(t *testing.T) {
	t.Parallel()

	if _, err := NewFileStore(t.TempDir(), "", 0); err == nil {
		t.Fatalf("expected error for empty passphrase")
	}
}

func TestRedisStore(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	s := &RedisStore{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()}), Key: DefaultRedisKey}
	defer s.Close()
	exerciseStore(t, s)
}

func TestRedisStoreSharesKey(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	a, err := NewRedisStore("redis://"+mr.Addr(), "")
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer a.Close()
	b, err := NewRedisStore("redis://"+mr.Addr(), "")
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer b.Close()

	id := testIdentity(t)
	if err := a.Save(context.Background(), id); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !mr.Exists(DefaultRedisKey) {
		t.Fatalf("identity key %q not written", DefaultRedisKey)
	}
	got, err := b.Load(context.Background())
	if err != nil || got == nil || got.AgentGUID != id.AgentGUID {
		t.Fatalf("second replica Load() = %v, %v", got, err)
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	dbm, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "spool.db"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	defer func() { _ = dbm.Close() }()

	s, err := NewSQLiteStore(dbm, "passphrase", testWorkFactor)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	exerciseStore(t, s)
}
