package gateway

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/models"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/symbols"
	"github.com/KOPOData2025/Hana1QLiving-sub002/logger"
)

// session is one client connection's read side. The write side lives in the
// registry's writer goroutine; the session only enqueues.
type session struct {
	id     string
	server *Server
	client *Client
	ws     *websocket.Conn
	log    *logger.Entry
}

func newSession(server *Server, ws *websocket.Conn) *session {
	id := uuid.NewString()
	return &session{
		id:     id,
		server: server,
		client: server.registry.Register(id, ws),
		ws:     ws,
		log:    logger.GetLogger().WithComponent("session").WithFields(logger.Fields{"session_id": id}),
	}
}

// run reads frames until the connection drops, then deregisters.
func (s *session) run() {
	defer s.server.registry.Deregister(s.id)

	s.ws.SetReadLimit(s.server.clientCfg.ReadLimit)

	// The writer pings on the configured interval; a client that stops
	// answering lets the read deadline expire and ends the session.
	if interval := s.server.clientCfg.PingInterval.Std(); interval > 0 {
		wait := interval * 2
		s.ws.SetReadDeadline(time.Now().Add(wait))
		s.ws.SetPongHandler(func(string) error {
			return s.ws.SetReadDeadline(time.Now().Add(wait))
		})
	}

	if msg, err := NewConnectionMessage(s.id); err == nil {
		s.client.Enqueue(msg)
	}

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.WithError(err).Warn("Session closed unexpectedly")
			}
			return
		}
		logger.RecordChannelMessage("client_rx", len(raw))
		s.handleMessage(raw)
	}
}

func (s *session) handleMessage(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.sendError("invalid message: " + err.Error())
		return
	}

	switch env.Type {
	case TypeSubscribe:
		s.handleSubscribe(env.Data, models.KindPrice, TypeSubscribeSuccess)
	case TypeUnsubscribe:
		s.handleUnsubscribe(env.Data, models.KindPrice, TypeUnsubscribeSuccess)
	case TypeSubscribeQuote:
		s.handleSubscribe(env.Data, models.KindQuote, TypeSubscribeQuoteSuccess)
	case TypeUnsubscribeQuote:
		s.handleUnsubscribe(env.Data, models.KindQuote, TypeUnsubQuoteSuccess)
	case TypePing:
		if msg, err := NewPongMessage(); err == nil {
			s.client.Enqueue(msg)
		}
	default:
		s.sendError("Unknown message type: " + env.Type)
	}
}

func (s *session) handleSubscribe(data json.RawMessage, kind models.UpdateKind, ackType string) {
	productID, ok := s.productID(data)
	if !ok {
		return
	}
	code := symbols.NormalizeProductCode(productID)

	added, first := s.server.index.Subscribe(s.id, code, kind)
	s.log.WithFields(logger.Fields{
		"product_id": productID,
		"code":       code,
		"kind":       kind,
		"first":      first,
	}).Info("Subscribe")

	if first {
		s.server.feed.Attach(code, kind)
	}

	if msg, err := NewAckMessage(ackType, productID); err == nil {
		s.client.Enqueue(msg)
	}

	// Late joiners get the current state right away; the next tick would
	// otherwise be their first data.
	if added {
		if cached, ok := s.server.cache.Get(code, kind); ok {
			if msg, err := NewUpdateMessage(cached); err == nil {
				s.client.Enqueue(msg)
			}
		}
	}
}

func (s *session) handleUnsubscribe(data json.RawMessage, kind models.UpdateKind, ackType string) {
	productID, ok := s.productID(data)
	if !ok {
		return
	}
	code := symbols.NormalizeProductCode(productID)

	_, last := s.server.index.Unsubscribe(s.id, code, kind)
	s.log.WithFields(logger.Fields{
		"product_id": productID,
		"code":       code,
		"kind":       kind,
		"last":       last,
	}).Info("Unsubscribe")

	if last {
		s.server.feed.Detach(code, kind)
	}

	if msg, err := NewAckMessage(ackType, productID); err == nil {
		s.client.Enqueue(msg)
	}
}

func (s *session) productID(data json.RawMessage) (string, bool) {
	var req SubscribeRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			s.sendError("invalid request data: " + err.Error())
			return "", false
		}
	}

	productID := strings.TrimSpace(req.ProductID)
	if productID == "" {
		s.sendError("productId is required")
		return "", false
	}
	if !symbols.Valid(productID) {
		s.sendError("unknown productId: " + productID)
		return "", false
	}
	return productID, true
}

func (s *session) sendError(reason string) {
	s.log.WithFields(logger.Fields{"reason": reason}).Warn("Rejected client message")
	if msg, err := NewErrorMessage(reason); err == nil {
		s.client.Enqueue(msg)
	}
}
