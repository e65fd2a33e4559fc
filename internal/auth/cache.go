package auth

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/windmill-labs/windmill-core/internal/models"
)

// identityCache is the in-memory LRU+TTL tier of the resolution chain
// (spec §4.7 step (a)), keyed by the raw bearer token.
type identityCache struct {
	c   *ristretto.Cache[string, *models.Identity]
	ttl time.Duration
}

func newIdentityCache(ttl time.Duration) (*identityCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, *models.Identity]{
		NumCounters: 1e6,
		MaxCost:     1 << 26,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &identityCache{c: c, ttl: ttl}, nil
}

func (ic *identityCache) get(token string) (*models.Identity, bool) {
	return ic.c.Get(token)
}

func (ic *identityCache) put(token string, id *models.Identity) {
	ic.c.SetWithTTL(token, id, 1, ic.ttl)
	ic.c.Wait()
}

func (ic *identityCache) invalidate(token string) {
	ic.c.Del(token)
}
