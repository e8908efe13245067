package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/KOPOData2025/Hana1QLiving-sub002/config"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/channel"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/feed"
	"github.com/KOPOData2025/Hana1QLiving-sub002/logger"
)

// Server is the client-facing websocket endpoint. It owns the session
// registry, the subscription index, the snapshot cache, and the dispatcher
// that connects the canonical update stream to subscribed sessions.
type Server struct {
	serverCfg config.ServerConfig
	clientCfg config.ClientConfig

	registry   *Registry
	index      *SubIndex
	cache      *SnapshotCache
	dispatcher *Dispatcher
	feed       *feed.Manager
	upgrader   websocket.Upgrader
	httpServer *http.Server
	log        *logger.Entry
}

func NewServer(cfg *config.Config, ch *channel.Channels, feedManager *feed.Manager) *Server {
	s := &Server{
		serverCfg: cfg.Server,
		clientCfg: cfg.Client,
		index:     NewSubIndex(),
		cache:     NewSnapshotCache(),
		feed:      feedManager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: logger.GetLogger().WithComponent("gateway"),
	}

	s.registry = NewRegistry(cfg.Client, s.releaseSession)
	s.dispatcher = NewDispatcher(ch, s.registry, s.index, s.cache)

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.WSPath, s.handleWS)
	s.httpServer = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
	}
	return s
}

// Start runs the dispatcher and the HTTP listener. The listener stops when
// ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	s.dispatcher.Start(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	go func() {
		s.log.WithFields(logger.Fields{
			"address": s.serverCfg.Address,
			"path":    s.serverCfg.WSPath,
		}).Info("Gateway listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("Gateway server failed")
		}
	}()
}

// Wait blocks until the dispatcher has drained.
func (s *Server) Wait() {
	s.dispatcher.Wait()
}

// Registry exposes the session registry for the status surface.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Index exposes the subscription index for the status surface.
func (s *Server) Index() *SubIndex {
	return s.index
}

// Cache exposes the snapshot cache for the status surface.
func (s *Server) Cache() *SnapshotCache {
	return s.cache
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("Upgrade failed")
		return
	}

	sess := newSession(s, ws)
	go sess.run()
}

// releaseSession is the deregistration cascade: every subscription the
// session held is released, and topics left without subscribers detach
// their upstream feed. The snapshot cache keeps its entry so a later
// subscriber still gets the last known state.
func (s *Server) releaseSession(sessionID string) {
	for _, ref := range s.index.RemoveSession(sessionID) {
		s.feed.Detach(ref.ProductID, ref.Kind)
	}
}
