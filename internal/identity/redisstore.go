package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/vmihailenco/msgpack/v5"
)

const DefaultRedisKey = "edge-telemetry-shipper:agent-identity"

// RedisStore keeps the identity as one msgpack blob under Key, so every
// shipper replica pointed at the same Redis shares a registration.
type RedisStore struct {
	Client *redis.Client
	Key    string
	// TTL of zero keeps the key until Delete.
	TTL time.Duration
}

type redisRecord struct {
	AgentGUID   string `msgpack:"agent_guid"`
	WorkspaceID string `msgpack:"workspace_id"`
	CertDER     []byte `msgpack:"cert"`
	KeyDER      []byte `msgpack:"key"`
	Password    string `msgpack:"password"`
	CreatedAt   int64  `msgpack:"created_at"`
	UpdatedAt   int64  `msgpack:"updated_at"`
}

func NewRedisStore(redisURL, key string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{Client: redis.NewClient(opt), Key: key}, nil
}

func (s *RedisStore) Load(ctx context.Context) (*AgentIdentity, error) {
	raw, err := s.Client.Get(ctx, s.Key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get identity: %w", err)
	}
	var rec redisRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	cert, key, err := fromDER(rec.CertDER, rec.KeyDER)
	if err != nil {
		return nil, err
	}
	return &AgentIdentity{
		AgentGUID:   rec.AgentGUID,
		WorkspaceID: rec.WorkspaceID,
		Certificate: cert,
		PrivateKey:  key,
		Password:    rec.Password,
		CreatedAt:   time.UnixMilli(rec.CreatedAt).UTC(),
		UpdatedAt:   time.UnixMilli(rec.UpdatedAt).UTC(),
	}, nil
}

func (s *RedisStore) Save(ctx context.Context, id *AgentIdentity) error {
	keyDER, err := id.PrivateKeyDER()
	if err != nil {
		return fmt.Errorf("encode private key: %w", err)
	}
	raw, err := msgpack.Marshal(&redisRecord{
		AgentGUID:   id.AgentGUID,
		WorkspaceID: id.WorkspaceID,
		CertDER:     id.CertificateDER(),
		KeyDER:      keyDER,
		Password:    id.Password,
		CreatedAt:   id.CreatedAt.UnixMilli(),
		UpdatedAt:   id.UpdatedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := s.Client.Set(ctx, s.Key, raw, s.TTL).Err(); err != nil {
		return fmt.Errorf("redis set identity: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context) error {
	if err := s.Client.Del(ctx, s.Key).Err(); err != nil {
		return fmt.Errorf("redis del identity: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.Client.Close()
}
