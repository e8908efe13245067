package gateway

import (
	"context"
	"sync"

	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/channel"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/metrics"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/models"
	"github.com/KOPOData2025/Hana1QLiving-sub002/logger"
)

// Dispatcher consumes the canonical update stream and fans each update out
// to the sessions subscribed to its topic. It caches every update before
// delivery, encodes the client frame once per update, and only ever
// enqueues: socket writes stay in the per-client writer goroutines.
type Dispatcher struct {
	ch       *channel.Channels
	registry *Registry
	index    *SubIndex
	cache    *SnapshotCache
	log      *logger.Entry

	wg sync.WaitGroup
}

func NewDispatcher(ch *channel.Channels, registry *Registry, index *SubIndex, cache *SnapshotCache) *Dispatcher {
	return &Dispatcher{
		ch:       ch,
		registry: registry,
		index:    index,
		cache:    cache,
		log:      logger.GetLogger().WithComponent("dispatcher"),
	}
}

// Start runs the dispatch loop until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-d.ch.Updates:
				if !ok {
					return
				}
				d.dispatch(u)
			}
		}
	}()
}

// Wait blocks until the dispatch loop has stopped.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) dispatch(u models.Update) {
	d.cache.Put(u)

	sessions := d.index.Subscribers(u.ProductID, u.Kind)
	if len(sessions) == 0 {
		return
	}

	msg, err := NewUpdateMessage(u)
	if err != nil {
		d.log.WithError(err).WithFields(logger.Fields{
			"product_id": u.ProductID,
			"kind":       u.Kind,
		}).Error("Failed to encode update")
		return
	}

	delivered := 0
	for _, sessionID := range sessions {
		client := d.registry.Get(sessionID)
		if client == nil {
			// Session deregistered between snapshot and delivery.
			continue
		}
		client.Enqueue(msg)
		delivered++
	}

	metrics.IncrementBroadcast(string(u.Kind))
	logger.IncrementBroadcast(len(msg) * delivered)
}
