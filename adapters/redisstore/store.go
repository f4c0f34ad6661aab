// Package redisstore keeps refresh tokens and challenge nonces in Redis so
// rotation and replay protection hold across restarts and replicas.
package redisstore

import (
	"context"
	"errors"
	"time"

	didauth "github.com/goliatone/go-didauth"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix = "didauth:"

	refreshKey    = "rt:"
	refreshSetKey = "rtd:"
	nonceKey      = "nonce:"
)

// Store implements didauth.RefreshTokenStore and didauth.NonceStore
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

var (
	_ didauth.RefreshTokenStore = (*Store)(nil)
	_ didauth.NonceStore        = (*Store)(nil)
)

// Option customizes the store
type Option func(*Store)

// WithPrefix namespaces every key
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New wraps a redis client
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		rdb:    rdb,
		prefix: DefaultPrefix,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// NewClient builds a redis client for addr
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += p
	}
	return k
}

// Save tracks a refresh token id until it expires
func (s *Store) Save(ctx context.Context, tokenID, did string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	setKey := s.key(refreshSetKey, did)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(refreshKey, tokenID), did, ttl)
		pipe.SAdd(ctx, setKey, tokenID)
		pipe.Expire(ctx, setKey, ttl)
		return nil
	})
	return err
}

// Consume atomically removes a refresh token id and returns its owner
func (s *Store) Consume(ctx context.Context, tokenID string) (string, bool, error) {
	did, err := s.rdb.GetDel(ctx, s.key(refreshKey, tokenID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	if err := s.rdb.SRem(ctx, s.key(refreshSetKey, did), tokenID).Err(); err != nil {
		return "", false, err
	}
	return did, true, nil
}

// RevokeAll drops every refresh token of did
func (s *Store) RevokeAll(ctx context.Context, did string) error {
	setKey := s.key(refreshSetKey, did)
	ids, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.key(refreshKey, id))
	}
	keys = append(keys, setKey)

	return s.rdb.Del(ctx, keys...).Err()
}

// Use records a nonce with SET NX, false means it was seen before
func (s *Store) Use(ctx context.Context, did, nonce string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, s.key(nonceKey, did, "|", nonce), 1, ttl).Result()
}
