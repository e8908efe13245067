package channel

import (
	"context"
	"sync"
	"time"

	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/metrics"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/models"
	"github.com/KOPOData2025/Hana1QLiving-sub002/logger"
)

// ChannelStats tracks enqueue/dropped counters for the update stream.
type ChannelStats struct {
	UpdatesSent    int64
	UpdatesDropped int64
}

// Channels carries canonical updates from the feed manager and the fallback
// poller into the broadcast dispatcher. The buffer absorbs upstream bursts;
// sends never block producers.
type Channels struct {
	Updates chan models.Update

	stats               ChannelStats
	statsMutex          sync.RWMutex
	log                 *logger.Log
	metricsReportTicker *time.Ticker
}

// NewChannels allocates the buffered update channel.
func NewChannels(updateBufferSize int) *Channels {
	log := logger.GetLogger()

	c := &Channels{
		Updates: make(chan models.Update, updateBufferSize),
		log:     log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"update_buffer_size": updateBufferSize,
	}).Info("channels initialized")

	return c
}

// Send enqueues a canonical update without blocking. It returns false when
// the buffer is full or the context is done; the caller is expected to emit
// a drop metric.
func (c *Channels) Send(ctx context.Context, u models.Update) bool {
	select {
	case c.Updates <- u:
		c.incrementSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.incrementDropped()
		metrics.EmitDropMetric(c.log, metrics.DropMetricUpdateChannel, "", u.ProductID, string(u.Kind))
		return false
	}
}

// StartMetricsReporting periodically logs channel depth and counters.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	c.metricsReportTicker = time.NewTicker(30 * time.Second)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.metricsReportTicker.Stop()
				return
			case <-c.metricsReportTicker.C:
				c.logChannelStats()
			}
		}
	}()
}

func (c *Channels) logChannelStats() {
	c.statsMutex.RLock()
	stats := c.stats
	c.statsMutex.RUnlock()

	c.log.WithComponent("channels").WithFields(logger.Fields{
		"updates_sent":       stats.UpdatesSent,
		"updates_dropped":    stats.UpdatesDropped,
		"update_channel_len": len(c.Updates),
		"update_channel_cap": cap(c.Updates),
	}).Info("channel statistics")
}

// Close closes the update channel.
func (c *Channels) Close() {
	if c.metricsReportTicker != nil {
		c.metricsReportTicker.Stop()
	}

	close(c.Updates)
	c.log.WithComponent("channels").Info("update channel closed")
}

// GetStats returns a snapshot of the telemetry counters.
func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

func (c *Channels) incrementSent() {
	c.statsMutex.Lock()
	c.stats.UpdatesSent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementDropped() {
	c.statsMutex.Lock()
	c.stats.UpdatesDropped++
	c.statsMutex.Unlock()
}
