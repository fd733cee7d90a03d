package cache

import (
	"strings"
	"time"

	"github.com/smallbiznis/fieldtrack/internal/identity"
)

const (
	defaultEntityTTL        = 10 * time.Minute
	defaultEntityMaxEntries = 10_000
)

// EntityResolverCache stores identity lookups used on the ingest and fleet
// read paths.
type EntityResolverCache interface {
	GetEntity(entityID string) (identity.EntityInfo, bool)
	SetEntity(entityID string, info identity.EntityInfo)
}

type entityResolverCache struct {
	entities Cache[string, identity.EntityInfo]
	ttl      time.Duration
}

// NewEntityResolverCache returns an in-memory cache for identity lookups. A
// non-positive ttl selects the default.
func NewEntityResolverCache(ttl time.Duration) EntityResolverCache {
	if ttl <= 0 {
		ttl = defaultEntityTTL
	}
	return &entityResolverCache{
		entities: NewTTLCache[string, identity.EntityInfo](WithMaxEntries(defaultEntityMaxEntries)),
		ttl:      ttl,
	}
}

func (c *entityResolverCache) GetEntity(entityID string) (identity.EntityInfo, bool) {
	return c.entities.Get(cacheKey(entityID))
}

func (c *entityResolverCache) SetEntity(entityID string, info identity.EntityInfo) {
	key := cacheKey(entityID)
	if key == "" {
		return
	}
	c.entities.Set(key, info, c.ttl)
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
