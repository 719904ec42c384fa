package cache

import (
	"context"

	"github.com/quorumhq/quorum/pkg/bus"
)

// WireInvalidation subscribes the cache to memory events so cached
// recall results never outlive a write. Returns the subscriptions for
// teardown.
func (c *Cache) WireInvalidation(eventBus *bus.Bus) []*bus.Subscription {
	handler := func(ctx context.Context, e bus.Event) error {
		if e.SourceAgentID != nil {
			c.InvalidateAgent(ctx, *e.SourceAgentID)
		}
		if e.CircleID != nil {
			c.InvalidateCircleContext(ctx, *e.CircleID)
		}
		return nil
	}
	return []*bus.Subscription{
		eventBus.Subscribe(bus.TypeMemoryCreated, handler, nil),
		eventBus.Subscribe(bus.TypeMemoryShared, handler, nil),
	}
}
