package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/KOPOData2025/Hana1QLiving-sub002/config"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/channel"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/kis"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/models"
)

func newTestManager(t *testing.T) (*Manager, *channel.Channels) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Feed.FailureThreshold = 3
	ch := channel.NewChannels(8)
	t.Cleanup(ch.Close)

	return NewManager(cfg, nil, ch), ch
}

func TestAttachDetachIdempotent(t *testing.T) {
	m, _ := newTestManager(t)

	m.Attach("005930", models.KindPrice)
	m.Attach("005930", models.KindPrice)

	if !m.IsWanted("005930", models.KindPrice) {
		t.Fatal("attached subscription must be wanted")
	}
	if got := len(m.Status()); got != 1 {
		t.Fatalf("duplicate attach must not add a subscription, got %d", got)
	}

	m.Detach("005930", models.KindPrice)
	m.Detach("005930", models.KindPrice)

	if m.IsWanted("005930", models.KindPrice) {
		t.Error("detached subscription must not be wanted")
	}
}

func TestPriceAndQuoteWantedIndependently(t *testing.T) {
	m, _ := newTestManager(t)

	m.Attach("005930", models.KindPrice)
	m.Attach("005930", models.KindQuote)
	m.Detach("005930", models.KindPrice)

	if m.IsWanted("005930", models.KindPrice) {
		t.Error("price subscription must be gone")
	}
	if !m.IsWanted("005930", models.KindQuote) {
		t.Error("quote subscription must survive the price detach")
	}
}

func TestAckFailuresDegradeSubscription(t *testing.T) {
	m, _ := newTestManager(t)
	m.Attach("005930", models.KindPrice)

	failed := kis.SubscribeAck{TrID: kis.TrPrice, TrKey: "005930", MsgCode: "OPSP0011", Msg: "SUBSCRIBE ERROR"}

	m.handleAck(failed)
	m.handleAck(failed)
	if got := m.DegradedInstruments(); len(got) != 0 {
		t.Fatalf("below-threshold failures must not degrade, got %v", got)
	}

	m.handleAck(failed)
	got := m.DegradedInstruments()
	if len(got) != 1 || got[0] != "005930" {
		t.Fatalf("expected 005930 degraded, got %v", got)
	}
}

func TestAckSuccessResetsFailures(t *testing.T) {
	m, _ := newTestManager(t)
	m.Attach("005930", models.KindPrice)

	failed := kis.SubscribeAck{TrID: kis.TrPrice, TrKey: "005930"}
	m.handleAck(failed)
	m.handleAck(failed)
	m.handleAck(kis.SubscribeAck{TrID: kis.TrPrice, TrKey: "005930", OK: true})
	m.handleAck(failed)

	if got := m.DegradedInstruments(); len(got) != 0 {
		t.Errorf("success must reset the failure count, got degraded %v", got)
	}

	status := m.Status()
	if len(status) != 1 {
		t.Fatalf("expected one subscription, got %d", len(status))
	}
	if status[0].State != StateAttached || status[0].Failures != 1 {
		t.Errorf("expected attached with one failure after reset, got %+v", status[0])
	}
}

func TestDataFlowRecoversDegradedSubscription(t *testing.T) {
	m, ch := newTestManager(t)
	m.Attach("005930", models.KindPrice)

	failed := kis.SubscribeAck{TrID: kis.TrPrice, TrKey: "005930"}
	m.handleAck(failed)
	m.handleAck(failed)
	m.handleAck(failed)
	if len(m.DegradedInstruments()) != 1 {
		t.Fatal("expected degraded subscription before recovery")
	}

	m.handleUpdate(context.Background(), models.Update{ProductID: "005930", Kind: models.KindPrice, Price: 72500})

	if len(m.DegradedInstruments()) != 0 {
		t.Error("data flow must move the subscription back to attached")
	}
	select {
	case u := <-ch.Updates:
		if u.ProductID != "005930" {
			t.Errorf("unexpected forwarded update %+v", u)
		}
	default:
		t.Error("update must be forwarded to the broadcast channel")
	}
}

// approvalServer answers the approval-key endpoint so a manager under test
// can issue credentials before dialing.
func approvalServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/Approval" {
			t.Errorf("unexpected request path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"approval_key": "test-approval"})
	}))
}

func newOutageManager(t *testing.T, wsURL, restURL string) *Manager {
	t.Helper()

	cfg := &config.Config{}
	cfg.Feed = config.FeedConfig{
		ReconnectMin:     config.Duration(time.Millisecond),
		ReconnectMax:     config.Duration(5 * time.Millisecond),
		FailureThreshold: 3,
		ReportInterval:   config.Duration(time.Hour),
	}
	cfg.Kis = config.KisConfig{
		WSURL:       wsURL,
		RESTBaseURL: restURL,
		AppKey:      "test-key",
		AppSecret:   "test-secret",
		ApprovalTTL: config.Duration(time.Hour),
		Custtype:    "P",
		HTTPTimeout: config.Duration(time.Second),
	}

	ch := channel.NewChannels(8)
	t.Cleanup(ch.Close)

	return NewManager(cfg, kis.NewCredentialProvider(cfg.Kis), ch)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTransportOutageDegradesAllSubscriptions(t *testing.T) {
	rest := approvalServer(t)
	defer rest.Close()

	// Nothing listens on the websocket address; every connect attempt fails.
	m := newOutageManager(t, "ws://127.0.0.1:1", rest.URL)
	m.Attach("005930", models.KindPrice)
	m.Attach("000660", models.KindPrice)
	m.Attach("005930", models.KindQuote)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	waitFor(t, "both instruments degraded", func() bool {
		return len(m.DegradedInstruments()) == 2
	})
	for _, st := range m.Status() {
		if st.State != StateDegraded {
			t.Errorf("subscription %s/%s must be degraded, got %s", st.ProductID, st.Kind, st.State)
		}
	}

	cancel()
	m.Wait()
}

func TestReconnectRestoresDegradedSubscriptions(t *testing.T) {
	rest := approvalServer(t)
	defer rest.Close()

	upgrader := websocket.Upgrader{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()

	m := newOutageManager(t, "ws"+strings.TrimPrefix(upstream.URL, "http"), rest.URL)
	m.Attach("005930", models.KindPrice)

	// Degrade first, as a transport outage would have.
	m.degradeAll(3)
	if len(m.DegradedInstruments()) != 1 {
		t.Fatal("expected degraded subscription before the transport recovers")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	waitFor(t, "degraded subscription restored", func() bool {
		return len(m.DegradedInstruments()) == 0
	})

	cancel()
	m.Wait()
}

func TestQuoteAckTargetsQuoteSubscription(t *testing.T) {
	m, _ := newTestManager(t)
	m.Attach("005930", models.KindPrice)
	m.Attach("005930", models.KindQuote)

	failed := kis.SubscribeAck{TrID: kis.TrQuote, TrKey: "005930"}
	m.handleAck(failed)
	m.handleAck(failed)
	m.handleAck(failed)

	// Quote degradation never routes to the price poller.
	if got := m.DegradedInstruments(); len(got) != 0 {
		t.Errorf("degraded quote subscription must not be polled, got %v", got)
	}

	for _, st := range m.Status() {
		if st.Kind == models.KindQuote && st.State != StateDegraded {
			t.Errorf("quote subscription must be degraded, got %s", st.State)
		}
		if st.Kind == models.KindPrice && st.State == StateDegraded {
			t.Error("price subscription must be untouched by quote acks")
		}
	}
}
