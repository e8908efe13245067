package kis

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/models"
)

// Transaction IDs for the realtime feed.
const (
	TrPrice = "H0STCNT0" // realtime executions
	TrQuote = "H0STASP0" // realtime order book
)

// changeSignLabels maps the single-digit change sign of an execution frame
// to the label clients display. Unknown codes fall back to flat.
var changeSignLabels = map[string]string{
	"1": "상한",
	"2": "상승",
	"3": "보합",
	"4": "하한",
	"5": "하락",
}

func changeSignLabel(code string) string {
	if label, ok := changeSignLabels[code]; ok {
		return label
	}
	return "보합"
}

// DataFrame is one pipe-delimited realtime frame:
// encryptionFlag|trID|count|payload. The payload carries `count` records,
// each a fixed caret-separated field list for the frame's trID.
type DataFrame struct {
	Encrypted bool
	TrID      string
	Count     int
	Payload   string
}

// ParseDataFrame splits a raw realtime frame into its four sections.
func ParseDataFrame(raw string) (DataFrame, error) {
	parts := strings.SplitN(raw, "|", 4)
	if len(parts) < 4 {
		return DataFrame{}, fmt.Errorf("malformed data frame: expected 4 sections, got %d", len(parts))
	}

	count, err := strconv.Atoi(parts[2])
	if err != nil || count < 1 {
		count = 1
	}

	return DataFrame{
		Encrypted: parts[0] == "1",
		TrID:      parts[1],
		Count:     count,
		Payload:   parts[3],
	}, nil
}

// DepthPolicy controls how the order book of a price update is shaped when
// the frame carries only the best ask/bid. With synthetic depth enabled the
// single real level is padded to Levels entries, each marked synthetic.
type DepthPolicy struct {
	SyntheticEnabled bool
	Levels           int
}

// ParsePriceRecord decodes one execution record into a price update.
func ParsePriceRecord(fields []string, depth DepthPolicy) (models.Update, error) {
	if len(fields) < 14 {
		return models.Update{}, fmt.Errorf("execution record too short: %d fields", len(fields))
	}

	price, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	if err != nil {
		return models.Update{}, fmt.Errorf("invalid price '%s': %w", fields[2], err)
	}

	u := models.Update{
		ProductID:     strings.TrimSpace(fields[0]),
		Kind:          models.KindPrice,
		Price:         price,
		ChangeSign:    changeSignLabel(strings.TrimSpace(fields[3])),
		Change:        parseFloatField(fields[4]),
		ChangePercent: parseFloatField(fields[5]),
		Volume:        parseIntField(fields[12]),
		AccVolume:     parseIntField(fields[13]),
		MarketTime:    strings.TrimSpace(fields[1]),
		Source:        models.SourceKisWS,
		ProducedAt:    time.Now(),
	}

	ask1 := parseFloatField(fields[10])
	bid1 := parseFloatField(fields[11])
	u.OrderBook = buildExecutionBook(price, ask1, bid1, depth)
	return u, nil
}

// ParseQuoteRecord decodes one order-book record into a quote update.
// The record carries ten ask and ten bid levels with per-level volumes,
// aggregate volumes, and the expected execution price/volume.
func ParseQuoteRecord(fields []string) (models.Update, error) {
	if len(fields) < 45 {
		return models.Update{}, fmt.Errorf("order book record too short: %d fields", len(fields))
	}

	book := models.OrderBook{
		Asks:           make([]models.BookLevel, 0, 10),
		Bids:           make([]models.BookLevel, 0, 10),
		TotalAskVolume: parseIntField(fields[41]),
		TotalBidVolume: parseIntField(fields[42]),
	}
	for i := 0; i < 10; i++ {
		book.Asks = append(book.Asks, models.BookLevel{
			Price:  parseFloatField(fields[1+i]),
			Volume: parseIntField(fields[21+i]),
			Level:  i + 1,
		})
		book.Bids = append(book.Bids, models.BookLevel{
			Price:  parseFloatField(fields[11+i]),
			Volume: parseIntField(fields[31+i]),
			Level:  i + 1,
		})
	}
	if book.Asks[0].Price > 0 && book.Bids[0].Price > 0 {
		book.Spread = book.Asks[0].Price - book.Bids[0].Price
	}

	u := models.Update{
		ProductID: strings.TrimSpace(fields[0]),
		Kind:      models.KindQuote,
		OrderBook: book,
		Expected: models.ExpectedExecution{
			Price:  parseFloatField(fields[43]),
			Volume: parseIntField(fields[44]),
		},
		Source:     models.SourceKisWS,
		ProducedAt: time.Now(),
	}
	if len(fields) > 45 {
		u.MarketStatus = strings.TrimSpace(fields[45])
	}
	if len(fields) > 46 {
		u.MarketTime = strings.TrimSpace(fields[46])
	}
	return u, nil
}

// ParseRecords decodes every record in a frame payload. A payload with N
// records is one flat caret-separated field list; records are sliced by
// the fixed per-trID field width.
func ParseRecords(frame DataFrame, depth DepthPolicy) ([]models.Update, error) {
	if frame.TrID != TrPrice && frame.TrID != TrQuote {
		return nil, fmt.Errorf("unsupported tr_id '%s'", frame.TrID)
	}

	fields := strings.Split(frame.Payload, "^")
	width := len(fields) / frame.Count
	if width == 0 {
		return nil, fmt.Errorf("empty payload for tr_id '%s'", frame.TrID)
	}

	updates := make([]models.Update, 0, frame.Count)
	for i := 0; i < frame.Count; i++ {
		record := fields[i*width : (i+1)*width]

		var (
			u   models.Update
			err error
		)
		switch frame.TrID {
		case TrPrice:
			u, err = ParsePriceRecord(record, depth)
		case TrQuote:
			u, err = ParseQuoteRecord(record)
		}
		if err != nil {
			return updates, err
		}
		updates = append(updates, u)
	}
	return updates, nil
}

// buildExecutionBook shapes the best ask/bid of an execution frame into an
// order book. Only the first level is real; synthetic padding derives the
// remaining levels from the tick size around the best prices.
func buildExecutionBook(price, ask1, bid1 float64, depth DepthPolicy) models.OrderBook {
	book := models.OrderBook{}
	if ask1 <= 0 && bid1 <= 0 {
		return book
	}

	if ask1 > 0 {
		book.Asks = append(book.Asks, models.BookLevel{Price: ask1, Level: 1})
	}
	if bid1 > 0 {
		book.Bids = append(book.Bids, models.BookLevel{Price: bid1, Level: 1})
	}
	if ask1 > 0 && bid1 > 0 {
		book.Spread = ask1 - bid1
	}

	if !depth.SyntheticEnabled || depth.Levels <= 1 {
		return book
	}

	tick := tickSize(price)
	for i := 2; i <= depth.Levels; i++ {
		if ask1 > 0 {
			book.Asks = append(book.Asks, models.BookLevel{
				Price:     ask1 + float64(i-1)*tick,
				Level:     i,
				Synthetic: true,
			})
		}
		if bid1 > 0 {
			book.Bids = append(book.Bids, models.BookLevel{
				Price:     bid1 - float64(i-1)*tick,
				Level:     i,
				Synthetic: true,
			})
		}
	}
	return book
}

// tickSize returns the KRX price tick for the given price band.
func tickSize(price float64) float64 {
	switch {
	case price < 2000:
		return 1
	case price < 5000:
		return 5
	case price < 20000:
		return 10
	case price < 50000:
		return 50
	case price < 200000:
		return 100
	case price < 500000:
		return 500
	default:
		return 1000
	}
}

func parseFloatField(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func parseIntField(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
