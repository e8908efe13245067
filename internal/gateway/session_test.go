package gateway

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
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/feed"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/models"
)

// testGateway is a full gateway wired over loopback websockets: real
// sessions, registry, dispatcher, and feed manager (without an upstream
// transport), so client-visible behavior can be exercised end to end.
type testGateway struct {
	server  *Server
	manager *feed.Manager
	ch      *channel.Channels
	wsURL   string
	ctx     context.Context
}

func newTestGateway(t *testing.T, pingInterval time.Duration) *testGateway {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server = config.ServerConfig{Address: "127.0.0.1:0", WSPath: "/ws/investment"}
	cfg.Client = config.ClientConfig{
		QueueCapacity:            16,
		DeliveryFailureThreshold: 3,
		WriteTimeout:             config.Duration(time.Second),
		ReadLimit:                64 * 1024,
		PingInterval:             config.Duration(pingInterval),
	}
	cfg.Feed.FailureThreshold = 3

	ch := channel.NewChannels(16)
	t.Cleanup(ch.Close)

	manager := feed.NewManager(cfg, nil, ch)
	server := NewServer(cfg, ch, manager)

	ts := httptest.NewServer(http.HandlerFunc(server.handleWS))
	ctx, cancel := context.WithCancel(context.Background())
	server.dispatcher.Start(ctx)
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})

	return &testGateway{
		server:  server,
		manager: manager,
		ch:      ch,
		wsURL:   "ws" + strings.TrimPrefix(ts.URL, "http"),
		ctx:     ctx,
	}
}

// dial connects one client and consumes the CONNECTION greeting.
func (g *testGateway) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial(g.wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	if msgType, _ := readFrame(t, ws); msgType != TypeConnection {
		t.Fatalf("expected %s greeting, got %s", TypeConnection, msgType)
	}
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) (string, map[string]interface{}) {
	t.Helper()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("frame decode failed: %v", err)
	}
	var data map[string]interface{}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			t.Fatalf("data decode failed: %v", err)
		}
	}
	return env.Type, data
}

func sendRequest(t *testing.T, ws *websocket.Conn, msgType, productID string) {
	t.Helper()

	frame := map[string]interface{}{
		"type": msgType,
		"data": map[string]string{"productId": productID},
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("request encode failed: %v", err)
	}
	ws.SetWriteDeadline(time.Now().Add(time.Second))
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("request send failed: %v", err)
	}
}

func subscribe(t *testing.T, ws *websocket.Conn, productID string) {
	t.Helper()

	sendRequest(t, ws, TypeSubscribe, productID)
	msgType, data := readFrame(t, ws)
	if msgType != TypeSubscribeSuccess {
		t.Fatalf("expected %s, got %s", TypeSubscribeSuccess, msgType)
	}
	if data["productId"] != productID {
		t.Fatalf("ack must echo productId %q, got %v", productID, data["productId"])
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func expectPriceUpdate(t *testing.T, ws *websocket.Conn, price float64) {
	t.Helper()

	msgType, data := readFrame(t, ws)
	if msgType != TypePriceUpdate {
		t.Fatalf("expected %s, got %s", TypePriceUpdate, msgType)
	}
	if got := data["currentPrice"].(float64); got != price {
		t.Fatalf("expected currentPrice %v, got %v", price, got)
	}
}

func TestFanoutLifecycle(t *testing.T) {
	g := newTestGateway(t, 0)

	clientX := g.dial(t)
	clientY := g.dial(t)

	subscribe(t, clientX, "005930")
	subscribe(t, clientY, "005930")
	if !g.manager.IsWanted("005930", models.KindPrice) {
		t.Fatal("first subscriber must attach the upstream feed")
	}

	// Both subscribers receive the tick.
	g.ch.Send(g.ctx, models.Update{ProductID: "005930", Kind: models.KindPrice, Price: 70000, Change: 500})
	expectPriceUpdate(t, clientX, 70000)
	expectPriceUpdate(t, clientY, 70000)

	// X disconnects; the feed stays attached for Y and only Y receives the
	// next tick.
	clientX.Close()
	waitUntil(t, "X deregistered", func() bool {
		return g.server.registry.Count() == 1 && g.server.index.SubscriberCount("005930", models.KindPrice) == 1
	})
	if !g.manager.IsWanted("005930", models.KindPrice) {
		t.Fatal("feed must stay attached while a subscriber remains")
	}

	g.ch.Send(g.ctx, models.Update{ProductID: "005930", Kind: models.KindPrice, Price: 70100, Change: 600})
	expectPriceUpdate(t, clientY, 70100)

	// Y disconnects; the feed detaches.
	clientY.Close()
	waitUntil(t, "feed detached", func() bool {
		return g.server.registry.Count() == 0 && !g.manager.IsWanted("005930", models.KindPrice)
	})

	// A later subscriber re-attaches and is served the cached snapshot
	// immediately, before any new tick.
	clientZ := g.dial(t)
	subscribe(t, clientZ, "005930")
	expectPriceUpdate(t, clientZ, 70100)
	if !g.manager.IsWanted("005930", models.KindPrice) {
		t.Fatal("late subscriber must re-attach the upstream feed")
	}
}

func TestSubscribeRejectsBlankProductID(t *testing.T) {
	g := newTestGateway(t, 0)
	ws := g.dial(t)

	sendRequest(t, ws, TypeSubscribe, "")

	msgType, data := readFrame(t, ws)
	if msgType != TypeError {
		t.Fatalf("expected %s, got %s", TypeError, msgType)
	}
	if data["error"] == "" {
		t.Error("error frame must carry a reason")
	}
	if g.server.index.SubscriberCount("", models.KindPrice) != 0 {
		t.Error("blank productId must create no subscription")
	}
	if len(g.manager.Status()) != 0 {
		t.Error("blank productId must not attach anything upstream")
	}

	// The connection stays open and usable.
	subscribe(t, ws, "005930")
}

func TestUnknownMessageTypeAnswersError(t *testing.T) {
	g := newTestGateway(t, 0)
	ws := g.dial(t)

	sendRequest(t, ws, "BOGUS", "005930")
	if msgType, _ := readFrame(t, ws); msgType != TypeError {
		t.Fatalf("expected %s, got %s", TypeError, msgType)
	}
}

func TestPingPong(t *testing.T) {
	g := newTestGateway(t, 0)
	ws := g.dial(t)

	sendRequest(t, ws, TypePing, "")
	if msgType, _ := readFrame(t, ws); msgType != TypePong {
		t.Fatalf("expected %s, got %s", TypePong, msgType)
	}
}

func TestServerPingsClient(t *testing.T) {
	g := newTestGateway(t, 25*time.Millisecond)

	ws, _, err := websocket.DefaultDialer.Dial(g.wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ws.Close()

	pings := make(chan struct{}, 8)
	ws.SetPingHandler(func(appData string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	// Control frames are processed by the read loop.
	go func() {
		for {
			ws.SetReadDeadline(time.Now().Add(2 * time.Second))
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-pings:
		case <-time.After(time.Second):
			t.Fatal("expected a server ping within the interval")
		}
	}

	// A client that answers pongs stays registered past several intervals.
	time.Sleep(100 * time.Millisecond)
	if g.server.registry.Count() != 1 {
		t.Error("responsive client must stay registered")
	}
}
