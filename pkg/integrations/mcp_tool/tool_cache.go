package mcptool

import (
	"context"
	"time"

	"github.com/flowbaker/flowdispatch/pkg/cache"
	"github.com/flowbaker/flowdispatch/pkg/domain"
)

const DefaultToolCacheTTL = 5 * time.Minute

type toolCache struct {
	entries *cache.TTLCache[string, []domain.MCPToolDescriptor]
}

func NewToolCache(ttl time.Duration) domain.MCPToolCache {
	if ttl <= 0 {
		ttl = DefaultToolCacheTTL
	}

	return &toolCache{
		entries: cache.NewTTLCache[string, []domain.MCPToolDescriptor](ttl),
	}
}

func (c *toolCache) Tools(ctx context.Context, endpoint string, load domain.LoadMCPToolsFunc) ([]domain.MCPToolDescriptor, error) {
	return c.entries.Get(ctx, endpoint, cache.LoadFunc[[]domain.MCPToolDescriptor](load))
}

func (c *toolCache) Invalidate(endpoint string) {
	c.entries.Invalidate(endpoint)
}

func (c *toolCache) InvalidateAll() {
	c.entries.InvalidateAll()
}
