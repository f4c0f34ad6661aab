package didauth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// RefreshTokenStore tracks refresh tokens that are still redeemable. Consume
// must be atomic: a token id is handed out at most once. The issuer computes
// ttl from its own clock, stores never compare against wall time.
type RefreshTokenStore interface {
	Save(ctx context.Context, tokenID, did string, ttl time.Duration) error
	Consume(ctx context.Context, tokenID string) (did string, ok bool, err error)
	RevokeAll(ctx context.Context, did string) error
}

// NonceStore records challenge nonces. Use returns false when the nonce was
// already seen inside its TTL.
type NonceStore interface {
	Use(ctx context.Context, did, nonce string, ttl time.Duration) (bool, error)
}

const (
	refreshKeyPrefix = "rt:"
	nonceKeyPrefix   = "nonce:"
)

// MemoryStore is an in-process RefreshTokenStore and NonceStore. It does not
// survive restarts and is not shared between instances, use the redis
// adapter for that.
type MemoryStore struct {
	mu    sync.Mutex
	cache *cache.Cache
}

var (
	_ RefreshTokenStore = (*MemoryStore)(nil)
	_ NonceStore        = (*MemoryStore)(nil)
)

// NewMemoryStore creates a store that purges expired entries every cleanupInterval
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	return &MemoryStore{
		cache: cache.New(cache.NoExpiration, cleanupInterval),
	}
}

func (m *MemoryStore) Save(_ context.Context, tokenID, did string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.cache.Set(refreshKeyPrefix+tokenID, did, ttl)
	return nil
}

func (m *MemoryStore) Consume(_ context.Context, tokenID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := refreshKeyPrefix + tokenID
	raw, found := m.cache.Get(key)
	if !found {
		return "", false, nil
	}
	m.cache.Delete(key)

	did, _ := raw.(string)
	return did, true, nil
}

func (m *MemoryStore) RevokeAll(_ context.Context, did string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, item := range m.cache.Items() {
		if !strings.HasPrefix(key, refreshKeyPrefix) {
			continue
		}
		if owner, ok := item.Object.(string); ok && owner == did {
			m.cache.Delete(key)
		}
	}
	return nil
}

func (m *MemoryStore) Use(_ context.Context, did, nonce string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 2 * DefaultFreshnessWindow
	}
	if err := m.cache.Add(nonceKeyPrefix+did+"|"+nonce, struct{}{}, ttl); err != nil {
		return false, nil
	}
	return true, nil
}
