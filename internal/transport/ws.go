// Package transport exposes the gateway's network surface: the streaming
// WebSocket endpoint and the seed-management HTTP API.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/biome/gateway/internal/session"
)

const (
	// writeWait bounds a single outbound write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may go silent before it is
	// considered dead; pings go out at pingPeriod to keep it alive.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames; control messages are tiny.
	maxMessageSize = 64 * 1024

	// inboundBuffer absorbs control bursts between frames; the session
	// coalesces them on drain.
	inboundBuffer = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // loopback/trusted clients only
	},
}

// wsSender serializes JSON writes onto one connection. The session
// goroutine and the ping loop both write, so sends are mutex-guarded.
type wsSender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSender) Send(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

func (s *wsSender) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// HandleWS upgrades the connection and runs one session over it.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.SessionsTotal.Inc()
		s.metrics.SessionsActive.Inc()
		defer s.metrics.SessionsActive.Dec()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan session.ClientMessage, inboundBuffer)
	sender := &wsSender{conn: conn}

	go s.readPump(ctx, conn, inbound, cancel)
	go s.pingLoop(ctx, sender)

	sess := session.New(s.orch, s.cache, s.metrics, s.sessionOpts, inbound, sender)
	s.log.Info("session started", "session_id", sess.ID, "remote", r.RemoteAddr)

	if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("session ended with error", "session_id", sess.ID, "error", err)
	} else {
		s.log.Info("session ended", "session_id", sess.ID)
	}
}

// readPump decodes inbound frames into the session channel. It owns the
// read side of the connection; closing the channel signals disconnect.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn,
	inbound chan<- session.ClientMessage, cancel context.CancelFunc) {
	defer close(inbound)
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("websocket read error", "error", err)
			}
			return
		}
		msg, err := session.DecodeClientMessage(data)
		if err != nil {
			s.log.Debug("dropping malformed message", "error", err)
			continue
		}
		select {
		case inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) pingLoop(ctx context.Context, sender *wsSender) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sender.ping(); err != nil {
				return
			}
		}
	}
}
