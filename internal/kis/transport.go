package kis

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/KOPOData2025/Hana1QLiving-sub002/config"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/metrics"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/models"
	"github.com/KOPOData2025/Hana1QLiving-sub002/logger"
)

// Subscribe result codes from the realtime gateway.
const (
	msgSubscribeOK     = "OPSP0000"
	msgAlreadySubbed   = "OPSP0002"
	trPingPong         = "PINGPONG"
	staleCredentialMsg = "invalid approval"
)

// ErrStaleCredential reports a subscribe rejected because the approval key
// has expired. The caller should refresh the key and reconnect.
type ErrStaleCredential struct {
	Msg string
}

func (e *ErrStaleCredential) Error() string {
	return fmt.Sprintf("stale approval key: %s", e.Msg)
}

// SubscribeAck is the gateway's response to a subscribe or unsubscribe
// request, surfaced to the feed manager.
type SubscribeAck struct {
	TrID    string
	TrKey   string
	OK      bool
	Already bool
	MsgCode string
	Msg     string
}

// Events are the transport's callbacks. All are invoked from the read loop
// goroutine; handlers must not block.
type Events struct {
	OnUpdate func(models.Update)
	OnAck    func(SubscribeAck)
}

// Conn is one websocket session to the realtime gateway. It owns frame
// encode/decode, heartbeat echo, and payload decryption; connection
// lifecycle and resubscription belong to the feed manager.
type Conn struct {
	cfg         config.KisConfig
	ws          *websocket.Conn
	approvalKey string
	depth       DepthPolicy
	events      Events
	log         *logger.Entry

	writeMu sync.Mutex

	cryptoMu sync.RWMutex
	aesKey   string
	aesIV    string
}

// Dial opens a websocket session to the realtime gateway.
func Dial(ctx context.Context, cfg config.KisConfig, approvalKey string, depth DepthPolicy, events Events) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HTTPTimeout.Std(),
	}
	ws, _, err := dialer.DialContext(ctx, cfg.WSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.WSURL, err)
	}

	return &Conn{
		cfg:         cfg,
		ws:          ws,
		approvalKey: approvalKey,
		depth:       depth,
		events:      events,
		log:         logger.GetLogger().WithComponent("kis-transport"),
	}, nil
}

// Close tears down the websocket.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// Subscribe asks the gateway to start streaming the given transaction for
// one product code. The result arrives asynchronously as a SubscribeAck.
func (c *Conn) Subscribe(trID, code string) error {
	return c.sendRegistration(trID, code, "1")
}

// Unsubscribe asks the gateway to stop streaming the given transaction.
func (c *Conn) Unsubscribe(trID, code string) error {
	return c.sendRegistration(trID, code, "2")
}

func (c *Conn) sendRegistration(trID, code, trType string) error {
	frame := map[string]interface{}{
		"header": map[string]string{
			"approval_key": c.approvalKey,
			"custtype":     c.cfg.Custtype,
			"tr_type":      trType,
			"content-type": "utf-8",
		},
		"body": map[string]interface{}{
			"input": map[string]string{
				"tr_id":  trID,
				"tr_key": code,
			},
		},
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode registration frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.HTTPTimeout.Std()))
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to send registration frame: %w", err)
	}
	return nil
}

// ReadLoop consumes messages until the connection fails or ctx is
// cancelled. It returns the error that ended the session; a stale approval
// key surfaces as *ErrStaleCredential.
func (c *Conn) ReadLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		msg := string(raw)
		if strings.HasPrefix(msg, "{") {
			if err := c.handleControlMessage(msg); err != nil {
				return err
			}
			continue
		}

		c.handleDataMessage(msg, len(raw))
	}
}

func (c *Conn) handleControlMessage(msg string) error {
	var frame struct {
		Header struct {
			TrID  string `json:"tr_id"`
			TrKey string `json:"tr_key"`
		} `json:"header"`
		Body struct {
			RtCd   string `json:"rt_cd"`
			MsgCd  string `json:"msg_cd"`
			Msg1   string `json:"msg1"`
			Output struct {
				IV  string `json:"iv"`
				Key string `json:"key"`
			} `json:"output"`
		} `json:"body"`
	}
	if err := json.Unmarshal([]byte(msg), &frame); err != nil {
		c.log.WithError(err).Warn("Failed to decode control message")
		return nil
	}

	if frame.Header.TrID == trPingPong {
		// Heartbeat. Echo the frame back to keep the session alive.
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(c.cfg.HTTPTimeout.Std()))
		err := c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
		c.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("heartbeat echo failed: %w", err)
		}
		return nil
	}

	if strings.Contains(msg, staleCredentialMsg) {
		return &ErrStaleCredential{Msg: frame.Body.Msg1}
	}

	if frame.Header.TrID == TrPrice || frame.Header.TrID == TrQuote {
		if frame.Body.Output.Key != "" {
			c.cryptoMu.Lock()
			c.aesKey = frame.Body.Output.Key
			c.aesIV = frame.Body.Output.IV
			c.cryptoMu.Unlock()
		}

		ack := SubscribeAck{
			TrID:    frame.Header.TrID,
			TrKey:   frame.Header.TrKey,
			OK:      frame.Body.RtCd == "0" && frame.Body.MsgCd == msgSubscribeOK,
			Already: frame.Body.MsgCd == msgAlreadySubbed,
			MsgCode: frame.Body.MsgCd,
			Msg:     frame.Body.Msg1,
		}
		if ack.Already {
			ack.OK = true
		}
		c.log.WithFields(logger.Fields{
			"tr_id":   ack.TrID,
			"tr_key":  ack.TrKey,
			"ok":      ack.OK,
			"msg_cd":  ack.MsgCode,
			"message": ack.Msg,
		}).Debug("Registration acknowledged")
		if c.events.OnAck != nil {
			c.events.OnAck(ack)
		}
	}
	return nil
}

func (c *Conn) handleDataMessage(msg string, size int) {
	frame, err := ParseDataFrame(msg)
	if err != nil {
		c.log.WithError(err).Warn("Dropping malformed data frame")
		return
	}

	if frame.Encrypted {
		decrypted, err := c.decrypt(frame.Payload)
		if err != nil {
			c.log.WithError(err).WithFields(logger.Fields{
				"tr_id": frame.TrID,
			}).Warn("Dropping undecryptable data frame")
			return
		}
		frame.Payload = decrypted
	}

	updates, err := ParseRecords(frame, c.depth)
	if err != nil {
		c.log.WithError(err).WithFields(logger.Fields{
			"tr_id": frame.TrID,
		}).Warn("Failed to parse data frame")
	}

	logger.IncrementUpstreamFrame(size)
	metrics.IncrementUpstreamFrame()
	if c.events.OnUpdate != nil {
		for _, u := range updates {
			c.events.OnUpdate(u)
		}
	}
}

// decrypt reverses the AES-CBC encryption of a realtime payload using the
// key and iv delivered in the subscribe response.
func (c *Conn) decrypt(payload string) (string, error) {
	c.cryptoMu.RLock()
	key, iv := c.aesKey, c.aesIV
	c.cryptoMu.RUnlock()
	if key == "" || iv == "" {
		return "", fmt.Errorf("no cipher material received yet")
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("payload is not valid base64: %w", err)
	}

	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return "", fmt.Errorf("invalid cipher key: %w", err)
	}
	if len(iv) < block.BlockSize() {
		return "", fmt.Errorf("cipher iv length %d is shorter than the block size", len(iv))
	}
	if len(data) == 0 || len(data)%block.BlockSize() != 0 {
		return "", fmt.Errorf("payload length %d is not a multiple of the block size", len(data))
	}

	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, []byte(iv)[:block.BlockSize()]).CryptBlocks(plain, data)

	pad := int(plain[len(plain)-1])
	if pad < 1 || pad > block.BlockSize() {
		return "", fmt.Errorf("invalid padding byte %d", pad)
	}
	return string(plain[:len(plain)-pad]), nil
}
