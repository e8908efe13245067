package gateway

import (
	"encoding/json"
	"testing"

	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/models"
)

func decodeEnvelope(t *testing.T, raw []byte) (string, map[string]interface{}) {
	t.Helper()

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("envelope decode failed: %v", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("data decode failed: %v", err)
	}
	return env.Type, data
}

func TestNewConnectionMessage(t *testing.T) {
	raw, err := NewConnectionMessage("abc-123")
	if err != nil {
		t.Fatalf("NewConnectionMessage failed: %v", err)
	}

	msgType, data := decodeEnvelope(t, raw)
	if msgType != TypeConnection {
		t.Errorf("expected type %s, got %s", TypeConnection, msgType)
	}
	if data["sessionId"] != "abc-123" {
		t.Errorf("unexpected sessionId %v", data["sessionId"])
	}
	if _, ok := data["timestamp"].(float64); !ok {
		t.Error("expected numeric timestamp")
	}
}

func TestNewAckMessageEchoesRawProductID(t *testing.T) {
	// Acks echo the identifier the client sent, not the normalized code.
	raw, err := NewAckMessage(TypeSubscribeSuccess, "A005930")
	if err != nil {
		t.Fatalf("NewAckMessage failed: %v", err)
	}

	msgType, data := decodeEnvelope(t, raw)
	if msgType != TypeSubscribeSuccess {
		t.Errorf("expected type %s, got %s", TypeSubscribeSuccess, msgType)
	}
	if data["productId"] != "A005930" {
		t.Errorf("expected raw productId echoed, got %v", data["productId"])
	}
}

func TestNewUpdateMessagePrice(t *testing.T) {
	raw, err := NewUpdateMessage(models.Update{
		ProductID:     "005930",
		Kind:          models.KindPrice,
		Price:         72500,
		Change:        600,
		ChangePercent: 0.83,
		ChangeSign:    "상승",
		Volume:        1234,
		AccVolume:     987654,
	})
	if err != nil {
		t.Fatalf("NewUpdateMessage failed: %v", err)
	}

	msgType, data := decodeEnvelope(t, raw)
	if msgType != TypePriceUpdate {
		t.Fatalf("expected type %s, got %s", TypePriceUpdate, msgType)
	}
	if data["currentPrice"].(float64) != 72500 {
		t.Errorf("unexpected currentPrice %v", data["currentPrice"])
	}
	if data["changeSign"] != "상승" {
		t.Errorf("unexpected changeSign %v", data["changeSign"])
	}
	if data["accVolume"].(float64) != 987654 {
		t.Errorf("unexpected accVolume %v", data["accVolume"])
	}
	if _, present := data["orderBook"]; !present {
		t.Error("price frame must carry the orderBook field")
	}
}

func TestNewUpdateMessageQuote(t *testing.T) {
	raw, err := NewUpdateMessage(models.Update{
		ProductID: "005930",
		Kind:      models.KindQuote,
		OrderBook: models.OrderBook{
			Asks:   []models.BookLevel{{Price: 72600, Volume: 150, Level: 1}},
			Bids:   []models.BookLevel{{Price: 72500, Volume: 200, Level: 1}},
			Spread: 100,
		},
		MarketTime:   "093015",
		MarketStatus: "OPEN",
	})
	if err != nil {
		t.Fatalf("NewUpdateMessage failed: %v", err)
	}

	msgType, data := decodeEnvelope(t, raw)
	if msgType != TypeQuoteUpdate {
		t.Fatalf("expected type %s, got %s", TypeQuoteUpdate, msgType)
	}
	if data["marketTime"] != "093015" {
		t.Errorf("unexpected marketTime %v", data["marketTime"])
	}

	book, ok := data["orderBook"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected orderBook object, got %T", data["orderBook"])
	}
	asks, ok := book["asks"].([]interface{})
	if !ok || len(asks) != 1 {
		t.Fatalf("expected one ask level, got %v", book["asks"])
	}
	ask := asks[0].(map[string]interface{})
	if ask["price"].(float64) != 72600 {
		t.Errorf("unexpected ask price %v", ask["price"])
	}
}

func TestSubscribeRequestDecode(t *testing.T) {
	var env Envelope
	frame := `{"type":"SUBSCRIBE","data":{"productId":"005930"}}`
	if err := json.Unmarshal([]byte(frame), &env); err != nil {
		t.Fatalf("envelope decode failed: %v", err)
	}
	if env.Type != TypeSubscribe {
		t.Errorf("expected type %s, got %s", TypeSubscribe, env.Type)
	}

	var req SubscribeRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		t.Fatalf("request decode failed: %v", err)
	}
	if req.ProductID != "005930" {
		t.Errorf("unexpected productId %q", req.ProductID)
	}
}
