package models

import "time"

// UpdateKind distinguishes realtime trade-price updates from order-book
// quote updates. Every subscription and every canonical update carries
// exactly one kind.
type UpdateKind string

const (
	KindPrice UpdateKind = "PRICE"
	KindQuote UpdateKind = "QUOTE"
)

// Update sources. Push and pull produce the same shape; the source tag is
// for operators and tests only and is never sent to clients.
const (
	SourceKisWS   = "kis_ws"
	SourceKisREST = "kis_rest"
)

// BookLevel is a single order-book depth level. Synthetic marks levels that
// were gap-filled from the best bid/ask instead of delivered by the
// provider.
type BookLevel struct {
	Price     float64 `json:"price"`
	Volume    int64   `json:"volume"`
	Level     int     `json:"level"`
	Synthetic bool    `json:"synthetic,omitempty"`
}

// OrderBook holds ask/bid depth as delivered by the provider. Depth may be
// a single real level when only the best quotes are known.
type OrderBook struct {
	Asks           []BookLevel `json:"asks"`
	Bids           []BookLevel `json:"bids"`
	TotalAskVolume int64       `json:"totalAskVolume,omitempty"`
	TotalBidVolume int64       `json:"totalBidVolume,omitempty"`
	Spread         float64     `json:"spread,omitempty"`
}

// ExpectedExecution is the pre-open expected execution price and volume
// from the quote stream.
type ExpectedExecution struct {
	Price  float64 `json:"price"`
	Volume int64   `json:"volume"`
}

// Update is the canonical representation of one upstream tick, independent
// of whether it arrived over the push feed or the pull fallback. Values are
// immutable once constructed; the struct is passed by value through the
// broadcast path.
type Update struct {
	ProductID string
	Kind      UpdateKind

	// Price fields (KindPrice).
	Price         float64
	Change        float64
	ChangePercent float64
	ChangeSign    string
	Volume        int64
	AccVolume     int64

	// Quote fields (KindQuote). OrderBook is also attached to price
	// updates when best bid/ask are known.
	OrderBook OrderBook
	Expected  ExpectedExecution

	MarketTime   string
	MarketStatus string

	Source     string
	ProducedAt time.Time
}
