package poller

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/KOPOData2025/Hana1QLiving-sub002/config"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/channel"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/feed"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/kis"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/metrics"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/models"
	"github.com/KOPOData2025/Hana1QLiving-sub002/logger"
)

// Poller pulls REST quotations for instruments whose realtime subscription
// is degraded, pacing requests with a shared rate limiter so fallback
// traffic never bursts past the upstream's REST quota. At most one pull per
// instrument is in flight at a time.
type Poller struct {
	cfg     config.PollerConfig
	quotes  *kis.QuoteClient
	manager *feed.Manager
	ch      *channel.Channels
	limiter *rate.Limiter
	log     *logger.Entry

	mu       sync.Mutex
	inFlight map[string]bool

	wg sync.WaitGroup
}

func New(cfg config.PollerConfig, quotes *kis.QuoteClient, manager *feed.Manager, ch *channel.Channels) *Poller {
	return &Poller{
		cfg:      cfg,
		quotes:   quotes,
		manager:  manager,
		ch:       ch,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize),
		log:      logger.GetLogger().WithComponent("poller"),
		inFlight: make(map[string]bool),
	}
}

// Start runs the poll loop until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
}

// Wait blocks until the poll loop and all in-flight pulls have finished.
func (p *Poller) Wait() {
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, code := range p.manager.DegradedInstruments() {
				p.dispatch(ctx, code)
			}
		}
	}
}

// dispatch starts one pull for an instrument unless one is already running.
func (p *Poller) dispatch(ctx context.Context, code string) {
	p.mu.Lock()
	if p.inFlight[code] {
		p.mu.Unlock()
		return
	}
	p.inFlight[code] = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.inFlight, code)
			p.mu.Unlock()
		}()
		p.poll(ctx, code)
	}()
}

func (p *Poller) poll(ctx context.Context, code string) {
	if err := p.limiter.Wait(ctx); err != nil {
		return
	}

	start := time.Now()
	update, err := p.quotes.FetchPrice(ctx, code)
	if err != nil {
		metrics.IncrementFallbackPull("error")
		p.log.WithError(err).WithFields(logger.Fields{
			"product_id": code,
		}).Warn("Fallback pull failed")
		return
	}
	metrics.IncrementFallbackPull("success")

	// The instrument may have been detached while the pull was in flight;
	// its result must not reach clients.
	if !p.manager.IsWanted(code, models.KindPrice) {
		p.log.WithFields(logger.Fields{
			"product_id": code,
		}).Debug("Discarding pull result for detached instrument")
		return
	}

	logger.IncrementPollRead(1)
	p.ch.Send(ctx, update)

	logger.LogPerformanceEntry(p.log, "poller", "fallback_pull", time.Since(start), logger.Fields{
		"product_id": code,
		"price":      update.Price,
	})
}
