package gateway

import (
	"encoding/json"
	"time"

	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/models"
)

// Client message types. Inbound and outbound frames share one envelope:
// a type tag plus a type-specific data object carrying an epoch-millis
// timestamp.
const (
	// Inbound.
	TypeSubscribe        = "SUBSCRIBE"
	TypeUnsubscribe      = "UNSUBSCRIBE"
	TypeSubscribeQuote   = "SUBSCRIBE_QUOTE"
	TypeUnsubscribeQuote = "UNSUBSCRIBE_QUOTE"
	TypePing             = "PING"

	// Outbound.
	TypeConnection            = "CONNECTION"
	TypeSubscribeSuccess      = "SUBSCRIBE_SUCCESS"
	TypeUnsubscribeSuccess    = "UNSUBSCRIBE_SUCCESS"
	TypeSubscribeQuoteSuccess = "SUBSCRIBE_QUOTE_SUCCESS"
	TypeUnsubQuoteSuccess     = "UNSUBSCRIBE_QUOTE_SUCCESS"
	TypePriceUpdate           = "PRICE_UPDATE"
	TypeQuoteUpdate           = "QUOTE_UPDATE"
	TypePong                  = "PONG"
	TypeError                 = "ERROR"
)

// Envelope is the shared frame around every client message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SubscribeRequest is the data object of every subscribe and unsubscribe
// variant.
type SubscribeRequest struct {
	ProductID string `json:"productId"`
}

func epochMillis() int64 {
	return time.Now().UnixMilli()
}

func marshalEnvelope(msgType string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Data: raw})
}

// NewConnectionMessage is the greeting sent immediately after the upgrade.
func NewConnectionMessage(sessionID string) ([]byte, error) {
	return marshalEnvelope(TypeConnection, map[string]interface{}{
		"sessionId": sessionID,
		"message":   "Connected to investment realtime service",
		"timestamp": epochMillis(),
	})
}

// NewAckMessage confirms a subscribe or unsubscribe request.
func NewAckMessage(msgType, productID string) ([]byte, error) {
	return marshalEnvelope(msgType, map[string]interface{}{
		"productId": productID,
		"timestamp": epochMillis(),
	})
}

// NewPongMessage answers a client PING.
func NewPongMessage() ([]byte, error) {
	return marshalEnvelope(TypePong, map[string]interface{}{
		"timestamp": epochMillis(),
	})
}

// NewErrorMessage reports a rejected request back to one client.
func NewErrorMessage(reason string) ([]byte, error) {
	return marshalEnvelope(TypeError, map[string]interface{}{
		"error":     reason,
		"timestamp": epochMillis(),
	})
}

// NewUpdateMessage renders a canonical update as the client-facing frame
// for its kind. Price updates and quote updates carry different data
// objects; both embed the envelope timestamp in epoch millis.
func NewUpdateMessage(u models.Update) ([]byte, error) {
	if u.Kind == models.KindQuote {
		return marshalEnvelope(TypeQuoteUpdate, map[string]interface{}{
			"productId":         u.ProductID,
			"orderBook":         u.OrderBook,
			"expectedExecution": u.Expected,
			"marketTime":        u.MarketTime,
			"marketStatus":      u.MarketStatus,
			"timestamp":         epochMillis(),
		})
	}

	return marshalEnvelope(TypePriceUpdate, map[string]interface{}{
		"productId":     u.ProductID,
		"currentPrice":  u.Price,
		"change":        u.Change,
		"changePercent": u.ChangePercent,
		"changeSign":    u.ChangeSign,
		"volume":        u.Volume,
		"accVolume":     u.AccVolume,
		"orderBook":     u.OrderBook,
		"timestamp":     epochMillis(),
	})
}
