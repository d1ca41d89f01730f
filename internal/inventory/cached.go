package inventory

import (
	"context"
	"fmt"

	"github.com/harborwatch/harborwatch/internal/cache"
)

// CachedClient fronts the inventory client with the SWR cache for the two
// hot reads of every cycle. All other operations pass through untouched.
type CachedClient struct {
	*Client
	cache         *cache.SWRCache
	endpointsTTL  int
	containersTTL int
}

// NewCachedClient wraps client. TTLs are in seconds; non-positive values
// fall back to sane defaults.
func NewCachedClient(client *Client, swr *cache.SWRCache, endpointsTTL, containersTTL int) *CachedClient {
	if endpointsTTL <= 0 {
		endpointsTTL = 30
	}
	if containersTTL <= 0 {
		containersTTL = 15
	}
	return &CachedClient{
		Client:        client,
		cache:         swr,
		endpointsTTL:  endpointsTTL,
		containersTTL: containersTTL,
	}
}

// GetEndpoints reads through the SWR cache under the "endpoints" key
func (c *CachedClient) GetEndpoints(ctx context.Context) ([]RawEndpoint, error) {
	value, err := c.cache.CachedFetchSWR(ctx, "endpoints", c.endpointsTTL, func(ctx context.Context) (interface{}, error) {
		return c.Client.GetEndpoints(ctx)
	})
	if err != nil {
		return nil, err
	}
	endpoints, ok := value.([]RawEndpoint)
	if !ok {
		return c.Client.GetEndpoints(ctx)
	}
	return endpoints, nil
}

// GetContainers reads through the SWR cache under "containers:<endpointId>"
func (c *CachedClient) GetContainers(ctx context.Context, endpointID int) ([]RawContainer, error) {
	key := fmt.Sprintf("containers:%d", endpointID)
	value, err := c.cache.CachedFetchSWR(ctx, key, c.containersTTL, func(ctx context.Context) (interface{}, error) {
		return c.Client.GetContainers(ctx, endpointID)
	})
	if err != nil {
		return nil, err
	}
	containers, ok := value.([]RawContainer)
	if !ok {
		return c.Client.GetContainers(ctx, endpointID)
	}
	return containers, nil
}
