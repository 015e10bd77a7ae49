package internal

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"spherechat/internal/chat"
	"spherechat/internal/storage"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 8192

	// Inbound signal frames (typing, read marks) are cheap to drop: the TTL
	// machinery self-heals, so over-limit frames are discarded rather than
	// queued.
	inboundRate  = rate.Limit(10)
	inboundBurst = 20
)

// Server ties the hub, trackers and store together. One instance per
// process, built at startup and injected into the HTTP layer.
type Server struct {
	hub      *Hub
	store    *storage.Store
	presence *PresenceTracker
	typing   *TypingTracker
	metrics  *Metrics
	log      *slog.Logger
}

func NewServer(store *storage.Store, metrics *Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		hub:      NewHub(metrics, log),
		store:    store,
		presence: NewPresenceTracker(),
		typing:   NewTypingTracker(),
		metrics:  metrics,
		log:      log,
	}
}

// Hub exposes the broadcast domain, mainly for tests and the app wiring.
func (s *Server) Hub() *Hub { return s.hub }

// Run starts the typing sweep and blocks until ctx ends. Expired entries
// turn into typing:stop broadcasts so receivers recover from lost stop
// frames without any guaranteed delivery.
func (s *Server) Run(ctx context.Context) {
	s.typing.Run(ctx, func(sphereID string, entries []chat.TypingEntry) {
		for _, entry := range entries {
			s.broadcastEvent(sphereID, chat.EventTypingStop, chat.TypingPayload{
				UserID:   entry.UserID,
				Name:     entry.Name,
				ThreadID: entry.ThreadID,
			})
		}
	})
}

func (s *Server) broadcastEvent(sphereID, eventType string, payload any) {
	env, err := chat.NewEnvelope(eventType, payload)
	if err != nil {
		s.log.Error("build event", "sphere", sphereID, "type", eventType, "err", err)
		return
	}
	s.hub.Broadcast(sphereID, env)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy belongs to the deployment in front of us.
		return true
	},
}

// wsConn is one live sphere connection: the websocket, its hub subscription
// and the identity the surrounding application handed us.
type wsConn struct {
	server   *Server
	conn     *websocket.Conn
	sub      *Subscriber
	sphereID string
	userID   string
	userName string
	limiter  *rate.Limiter
}

// ServeWS upgrades the request and joins the sphere named in the path.
// The connection is keyed by sphere only; thread scoping happens per
// message, so one connection sees every thread of its sphere.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	sphereID := mux.Vars(r)["sphereId"]
	if sphereID == "" {
		sphereID = r.URL.Query().Get("sphere")
	}
	if sphereID == "" {
		http.Error(w, "missing sphere", http.StatusBadRequest)
		return
	}
	// Identity comes from the surrounding application (auth is its job);
	// anonymous connections still receive broadcasts.
	userID := r.URL.Query().Get("userId")
	userName := r.URL.Query().Get("userName")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "sphere", sphereID, "err", err)
		return
	}

	wc := &wsConn{
		server:   s,
		conn:     conn,
		sub:      s.hub.Register(sphereID),
		sphereID: sphereID,
		userID:   userID,
		userName: userName,
		limiter:  rate.NewLimiter(inboundRate, inboundBurst),
	}

	if userID != "" && s.presence.Join(sphereID, userID, userName) {
		s.broadcastEvent(sphereID, chat.EventPresenceJoin, chat.PresenceEntry{
			UserID: userID,
			Name:   userName,
			Online: true,
		})
	}
	// Every new connection gets the full roster; snapshots overwrite, so a
	// reconnecting client converges immediately.
	s.broadcastEvent(sphereID, chat.EventPresenceUpdate, chat.PresencePayload{
		Users: s.presence.Snapshot(sphereID),
	})

	go wc.writePump()
	go wc.readPump()
}

func (wc *wsConn) readPump() {
	s := wc.server
	defer func() {
		s.hub.Unregister(wc.sphereID, wc.sub)
		_ = wc.conn.Close()
		wc.disconnect()
	}()
	wc.conn.SetReadLimit(maxMsgSize)
	_ = wc.conn.SetReadDeadline(time.Now().Add(pongWait))
	wc.conn.SetPongHandler(func(string) error {
		return wc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := wc.conn.ReadMessage()
		if err != nil {
			// Normal close or read error; deferred cleanup handles the rest.
			return
		}
		if !wc.limiter.Allow() {
			continue
		}
		wc.handleFrame(payload)
	}
}

// handleFrame processes one inbound frame. Malformed frames are protocol
// errors: logged, counted, dropped — the connection stays up.
func (wc *wsConn) handleFrame(payload []byte) {
	s := wc.server
	frame, err := chat.NormalizeFrame(payload)
	if err != nil {
		if s.metrics != nil {
			s.metrics.FrameDropped()
		}
		s.log.Debug("drop inbound frame", "sphere", wc.sphereID, "err", err)
		return
	}
	if wc.userID == "" {
		// Signals need an identity; read-only connections just listen.
		return
	}
	switch frame.Type {
	case chat.EventTypingStart, "typing": // bare "typing" is the legacy start
		var p chat.TypingPayload
		if len(frame.Data) > 0 {
			if err := frame.Decode(&p); err != nil {
				s.log.Debug("drop typing frame", "sphere", wc.sphereID, "err", err)
				return
			}
		}
		entry := chat.TypingEntry{UserID: wc.userID, Name: wc.userName, ThreadID: p.ThreadID}
		s.typing.Start(wc.sphereID, entry)
		s.broadcastEvent(wc.sphereID, chat.EventTypingStart, chat.TypingPayload{
			UserID:   wc.userID,
			Name:     wc.userName,
			ThreadID: p.ThreadID,
		})
	case chat.EventTypingStop:
		var p chat.TypingPayload
		if len(frame.Data) > 0 {
			if err := frame.Decode(&p); err != nil {
				s.log.Debug("drop typing frame", "sphere", wc.sphereID, "err", err)
				return
			}
		}
		s.typing.Stop(wc.sphereID, wc.userID)
		s.broadcastEvent(wc.sphereID, chat.EventTypingStop, chat.TypingPayload{
			UserID:   wc.userID,
			Name:     wc.userName,
			ThreadID: p.ThreadID,
		})
	case chat.EventReadMark:
		var p chat.ReadMarkPayload
		if err := frame.Decode(&p); err != nil || p.UptoMessageID == "" {
			s.log.Debug("drop read frame", "sphere", wc.sphereID, "err", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.MarkRead(ctx, wc.sphereID, p.ThreadID, wc.userID, p.UptoMessageID); err != nil {
			s.log.Warn("mark read", "sphere", wc.sphereID, "user", wc.userID, "err", err)
			return
		}
		s.broadcastEvent(wc.sphereID, chat.EventReadUpdated, chat.ReadPayload{
			UserID:        wc.userID,
			Name:          wc.userName,
			ThreadID:      p.ThreadID,
			UptoMessageID: p.UptoMessageID,
		})
	default:
		// Forward compatibility: unknown inbound types are ignored.
	}
}

// disconnect settles presence and typing state after the connection is gone.
func (wc *wsConn) disconnect() {
	s := wc.server
	if wc.userID == "" {
		return
	}
	if s.typing.Stop(wc.sphereID, wc.userID) {
		s.broadcastEvent(wc.sphereID, chat.EventTypingStop, chat.TypingPayload{
			UserID: wc.userID,
			Name:   wc.userName,
		})
	}
	if wentOffline, lastSeen := s.presence.Leave(wc.sphereID, wc.userID); wentOffline {
		seen := lastSeen
		s.broadcastEvent(wc.sphereID, chat.EventPresenceLeave, chat.PresenceEntry{
			UserID:   wc.userID,
			Name:     wc.userName,
			Online:   false,
			LastSeen: &seen,
		})
	}
}

func (wc *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = wc.conn.Close()
	}()
	for {
		select {
		case message, ok := <-wc.sub.Frames():
			_ = wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub dropped us; ask the peer to close and bail.
				_ = wc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := wc.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
