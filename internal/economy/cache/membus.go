package cache

import (
	"context"
	"sync/atomic"

	evbus "github.com/asaskevich/EventBus"
)

const updateTopic = "balance:update"

// MemoryBus delivers updates between layers in one process. Handlers run synchronously inside Publish.
type MemoryBus struct {
	bus evbus.Bus
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{bus: evbus.New()}
}

func (b *MemoryBus) Publish(ctx context.Context, u Update) error {
	b.bus.Publish(updateTopic, u)
	return nil
}

// Subscribe registers fn. EventBus matches handlers by code pointer on Unsubscribe, which would confuse
// two layers subscribing with the same closure, so a cancelled handler stays registered and goes inert.
func (b *MemoryBus) Subscribe(ctx context.Context, fn func(Update)) (func(), error) {
	var done atomic.Bool
	err := b.bus.Subscribe(updateTopic, func(u Update) {
		if done.Load() {
			return
		}
		fn(u)
	})
	if err != nil {
		return nil, err
	}
	return func() { done.Store(true) }, nil
}
