package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/KOPOData2025/Hana1QLiving-sub002/config"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/channel"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/kis"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/models"
	"github.com/KOPOData2025/Hana1QLiving-sub002/logger"
)

// State of one upstream subscription.
type State string

const (
	StateDetached  State = "DETACHED"
	StateAttaching State = "ATTACHING"
	StateAttached  State = "ATTACHED"
	StateDegraded  State = "DEGRADED"
)

type subKey struct {
	Code string
	Kind models.UpdateKind
}

type subState struct {
	state    State
	failures int
	since    time.Time
}

// SubscriptionStatus is one row of the manager's status surface.
type SubscriptionStatus struct {
	ProductID string            `json:"product_id"`
	Kind      models.UpdateKind `json:"kind"`
	State     State             `json:"state"`
	Failures  int               `json:"failures"`
	Since     time.Time         `json:"since"`
}

func trIDFor(kind models.UpdateKind) string {
	if kind == models.KindQuote {
		return kis.TrQuote
	}
	return kis.TrPrice
}

// Manager owns the single upstream realtime session. It keeps exactly one
// upstream subscription per (instrument, kind) no matter how many clients
// want it, reconnects with exponential backoff, resubscribes everything
// wanted after a reconnect, and degrades a subscription to polling after
// repeated subscribe failures.
type Manager struct {
	feedCfg config.FeedConfig
	kisCfg  config.KisConfig
	depth   kis.DepthPolicy
	creds   *kis.CredentialProvider
	ch      *channel.Channels
	log     *logger.Entry

	mu     sync.Mutex
	wanted map[subKey]*subState
	conn   *kis.Conn

	wg sync.WaitGroup
}

func NewManager(cfg *config.Config, creds *kis.CredentialProvider, ch *channel.Channels) *Manager {
	return &Manager{
		feedCfg: cfg.Feed,
		kisCfg:  cfg.Kis,
		depth: kis.DepthPolicy{
			SyntheticEnabled: cfg.Normalizer.SyntheticDepthEnabled,
			Levels:           cfg.Normalizer.SyntheticDepthLevels,
		},
		creds:  creds,
		ch:     ch,
		log:    logger.GetLogger().WithComponent("feed-manager"),
		wanted: make(map[subKey]*subState),
	}
}

// Start runs the session loop and the periodic state report until ctx is
// cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.sessionLoop(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.reportLoop(ctx)
	}()
}

// Wait blocks until the manager's goroutines have stopped.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Attach registers upstream interest in one (instrument, kind). Idempotent:
// attaching an already-wanted subscription is a no-op.
func (m *Manager) Attach(productID string, kind models.UpdateKind) {
	key := subKey{Code: productID, Kind: kind}

	m.mu.Lock()
	if _, exists := m.wanted[key]; exists {
		m.mu.Unlock()
		return
	}
	m.wanted[key] = &subState{state: StateAttaching, since: time.Now()}
	conn := m.conn
	m.mu.Unlock()

	m.log.WithFields(logger.Fields{
		"product_id": productID,
		"kind":       kind,
	}).Info("Attaching upstream subscription")

	if conn != nil {
		if err := conn.Subscribe(trIDFor(kind), productID); err != nil {
			m.log.WithError(err).WithFields(logger.Fields{
				"product_id": productID,
			}).Warn("Subscribe send failed, will retry on reconnect")
		}
	}
}

// Detach drops upstream interest in one (instrument, kind). Idempotent.
func (m *Manager) Detach(productID string, kind models.UpdateKind) {
	key := subKey{Code: productID, Kind: kind}

	m.mu.Lock()
	if _, exists := m.wanted[key]; !exists {
		m.mu.Unlock()
		return
	}
	delete(m.wanted, key)
	conn := m.conn
	m.mu.Unlock()

	m.log.WithFields(logger.Fields{
		"product_id": productID,
		"kind":       kind,
	}).Info("Detaching upstream subscription")

	if conn != nil {
		if err := conn.Unsubscribe(trIDFor(kind), productID); err != nil {
			m.log.WithError(err).WithFields(logger.Fields{
				"product_id": productID,
			}).Warn("Unsubscribe send failed")
		}
	}
}

// DegradedInstruments lists the product codes whose price subscription is
// degraded. The fallback poller pulls quotations for exactly this set.
func (m *Manager) DegradedInstruments() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for key, st := range m.wanted {
		if key.Kind == models.KindPrice && st.state == StateDegraded {
			out = append(out, key.Code)
		}
	}
	return out
}

// IsWanted reports whether the given (instrument, kind) still has upstream
// interest. The poller discards in-flight results for detached instruments.
func (m *Manager) IsWanted(productID string, kind models.UpdateKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.wanted[subKey{Code: productID, Kind: kind}]
	return ok
}

// Status snapshots every wanted subscription for the dashboard.
func (m *Manager) Status() []SubscriptionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SubscriptionStatus, 0, len(m.wanted))
	for key, st := range m.wanted {
		out = append(out, SubscriptionStatus{
			ProductID: key.Code,
			Kind:      key.Kind,
			State:     st.state,
			Failures:  st.failures,
			Since:     st.since,
		})
	}
	return out
}

func (m *Manager) sessionLoop(ctx context.Context) {
	b := &backoff.Backoff{
		Min:    m.feedCfg.ReconnectMin.Std(),
		Max:    m.feedCfg.ReconnectMax.Std(),
		Factor: 2,
		Jitter: true,
	}

	// Consecutive connect failures of the global transport. Past the
	// threshold every wanted subscription degrades to polling; a successful
	// connect resets the count.
	connectFailures := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		connected, err := m.runSession(ctx)
		if ctx.Err() != nil {
			return
		}

		if connected {
			connectFailures = 0
			b.Reset()
		} else {
			connectFailures++
			if connectFailures >= m.feedCfg.FailureThreshold {
				m.degradeAll(connectFailures)
			}
		}

		var stale *kis.ErrStaleCredential
		if errors.As(err, &stale) {
			m.log.WithFields(logger.Fields{
				"message": stale.Msg,
			}).Warn("Approval key rejected, refreshing before reconnect")
			if _, refreshErr := m.creds.RefreshApprovalKey(ctx); refreshErr != nil {
				m.log.WithError(refreshErr).Error("Approval key refresh failed")
			}
		}

		wait := b.Duration()
		m.log.WithError(err).WithFields(logger.Fields{
			"retry_in": wait.String(),
		}).Warn("Upstream session ended, reconnecting")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// runSession issues one upstream session. The first return reports whether
// the transport actually connected, so the session loop can tell connect
// failures apart from sessions that ended after being established.
func (m *Manager) runSession(ctx context.Context) (bool, error) {
	approvalKey, err := m.creds.ApprovalKey(ctx)
	if err != nil {
		return false, err
	}

	conn, err := kis.Dial(ctx, m.kisCfg, approvalKey, m.depth, kis.Events{
		OnUpdate: func(u models.Update) { m.handleUpdate(ctx, u) },
		OnAck:    m.handleAck,
	})
	if err != nil {
		return false, err
	}
	defer conn.Close()

	// Unblock the read loop when shutdown is requested.
	watch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watch:
		}
	}()
	defer close(watch)

	m.mu.Lock()
	m.conn = conn
	pending := make([]subKey, 0, len(m.wanted))
	for key, st := range m.wanted {
		st.state = StateAttaching
		st.since = time.Now()
		pending = append(pending, key)
	}
	m.mu.Unlock()

	m.log.WithFields(logger.Fields{
		"url":             m.kisCfg.WSURL,
		"resubscriptions": len(pending),
	}).Info("Upstream session established")

	for _, key := range pending {
		if err := conn.Subscribe(trIDFor(key.Kind), key.Code); err != nil {
			m.log.WithError(err).WithFields(logger.Fields{
				"product_id": key.Code,
			}).Warn("Resubscribe send failed")
		}
	}

	err = conn.ReadLoop(ctx)

	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()
	return true, err
}

// degradeAll moves every wanted subscription to DEGRADED after repeated
// transport connect failures; the fallback poller owns update production
// until the transport recovers and the reconnect path re-attaches them.
func (m *Manager) degradeAll(connectFailures int) {
	m.mu.Lock()
	moved := 0
	for _, st := range m.wanted {
		if st.state != StateDegraded {
			st.state = StateDegraded
			st.since = time.Now()
			moved++
		}
	}
	m.mu.Unlock()

	if moved > 0 {
		m.log.WithFields(logger.Fields{
			"connect_failures": connectFailures,
			"degraded":         moved,
		}).Error("Upstream transport unreachable, degrading all subscriptions to polling")
	}
}

func (m *Manager) handleUpdate(ctx context.Context, u models.Update) {
	// Data flowing is the strongest attachment signal; a subscription in
	// any other state moves back to attached.
	m.mu.Lock()
	if st, ok := m.wanted[subKey{Code: u.ProductID, Kind: u.Kind}]; ok {
		if st.state != StateAttached {
			st.state = StateAttached
			st.since = time.Now()
		}
		st.failures = 0
	}
	m.mu.Unlock()

	m.ch.Send(ctx, u)
}

func (m *Manager) handleAck(ack kis.SubscribeAck) {
	var kind models.UpdateKind = models.KindPrice
	if ack.TrID == kis.TrQuote {
		kind = models.KindQuote
	}
	key := subKey{Code: ack.TrKey, Kind: kind}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.wanted[key]
	if !ok {
		return
	}

	if ack.OK {
		st.state = StateAttached
		st.since = time.Now()
		st.failures = 0
		return
	}

	st.failures++
	if st.failures >= m.feedCfg.FailureThreshold && st.state != StateDegraded {
		st.state = StateDegraded
		st.since = time.Now()
		m.log.WithFields(logger.Fields{
			"product_id": key.Code,
			"kind":       kind,
			"failures":   st.failures,
			"msg_cd":     ack.MsgCode,
			"message":    ack.Msg,
		}).Error("Subscription degraded to polling")
	}
}

func (m *Manager) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(m.feedCfg.ReportInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts := map[State]int{}
			m.mu.Lock()
			total := len(m.wanted)
			for _, st := range m.wanted {
				counts[st.state]++
			}
			m.mu.Unlock()

			m.log.WithFields(logger.Fields{
				"total":     total,
				"attached":  counts[StateAttached],
				"attaching": counts[StateAttaching],
				"degraded":  counts[StateDegraded],
			}).Info("Upstream subscription report")
		}
	}
}
