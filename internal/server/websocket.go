// Package server implements the network surfaces of the proxy: the client
// websocket and long-poll transports, the control-plane API and listeners.
package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zot/chatproxy/internal/config"
	"github.com/zot/chatproxy/internal/pool"
	"github.com/zot/chatproxy/internal/protocol"
	"github.com/zot/chatproxy/internal/registry"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
)

var (
	errSinkClosed = errors.New("connection closed")
)

// wsSink writes frames to a websocket from a single goroutine so that
// frames from concurrent publishers never interleave.
type wsSink struct {
	conn    *websocket.Conn
	send    chan protocol.Frame
	closing chan struct{}
	once    sync.Once

	code   int
	reason string
}

func newWSSink(conn *websocket.Conn) *wsSink {
	s := &wsSink{
		conn:    conn,
		send:    make(chan protocol.Frame, sendBufferSize),
		closing: make(chan struct{}),
	}
	go s.writePump()
	return s
}

func (s *wsSink) Send(frame protocol.Frame) error {
	select {
	case <-s.closing:
		return errSinkClosed
	default:
	}
	select {
	case s.send <- frame:
		return nil
	default:
		return protocol.ErrSlowClient
	}
}

// Close flushes queued frames, then sends a close frame with code and reason.
func (s *wsSink) Close(code int, reason string) {
	s.once.Do(func() {
		s.code = code
		s.reason = reason
		close(s.closing)
	})
}

func (s *wsSink) writePump() {
	defer s.conn.Close()
	for {
		select {
		case frame := <-s.send:
			if err := s.write(frame); err != nil {
				return
			}
		case <-s.closing:
			if s.flush() != nil {
				return
			}
			msg := websocket.FormatCloseMessage(s.code, s.reason)
			s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

func (s *wsSink) flush() error {
	for {
		select {
		case frame := <-s.send:
			if err := s.write(frame); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (s *wsSink) write(frame protocol.Frame) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// WebSocketEndpoint serves the websocket transport of a chat route.
type WebSocketEndpoint struct {
	config   *config.Config
	chat     *pool.Chat
	upgrader websocket.Upgrader
}

// NewWebSocketEndpoint creates the websocket endpoint of a chat route.
func NewWebSocketEndpoint(cfg *config.Config, ch *pool.Chat) *WebSocketEndpoint {
	return &WebSocketEndpoint{
		config: cfg,
		chat:   ch,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{protocol.Subprotocol},
			CheckOrigin: func(r *http.Request) bool {
				return true // authorization is the backend's decision
			},
		},
	}
}

// Log logs a message via the config.
func (ws *WebSocketEndpoint) Log(level int, format string, args ...interface{}) {
	ws.config.Log(level, format, args...)
}

func (ws *WebSocketEndpoint) subprotocolAccepted(r *http.Request) bool {
	offered := websocket.Subprotocols(r)
	if len(offered) == 0 {
		return ws.chat.Settings.AllowEmptySubprotocol
	}
	for _, p := range offered {
		if p == protocol.Subprotocol {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades the request, admits the connection into the pool
// and starts authorization.
func (ws *WebSocketEndpoint) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	p := ws.chat.Pool
	if p.Full() {
		http.Error(w, "session pool is full", http.StatusServiceUnavailable)
		return
	}
	if !ws.subprotocolAccepted(r) {
		http.Error(w, "unsupported websocket subprotocol", http.StatusBadRequest)
		return
	}
	auth := AuthInputOf(r)

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.Log(0, "WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(p.Settings().MaxPayloadSize)

	sink := newWSSink(conn)
	c, err := p.Admit(sink)
	if err != nil {
		// the pool filled up between the check and the upgrade
		ws.Log(1, "WebSocket rejected on %s: %v", ws.chat.Name, err)
		sink.Close(pool.CloseTryLater, "pool_full")
		return
	}
	ws.Log(1, "WebSocket connected: chat=%s conn=%s", ws.chat.Name, c.ID)

	go func() {
		if err := ws.chat.Authorize(p.Context(), c, auth); err != nil {
			ws.Log(1, "WebSocket %s: authorization failed: %v", c.ID, err)
		}
	}()
	go ws.readPump(c, conn)
}

// readPump reads request frames until the client goes away.
func (ws *WebSocketEndpoint) readPump(c *registry.Connection, conn *websocket.Conn) {
	p := ws.chat.Pool
	code, reason := pool.CloseNormal, "client_closed"
	defer func() {
		p.Close(c.ID, code, reason)
		ws.Log(1, "WebSocket disconnected: chat=%s conn=%s", ws.chat.Name, c.ID)
	}()

	for {
		kind, message, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				code, reason = pool.CloseTooBig, "payload_too_large"
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				ws.Log(0, "WebSocket error: %v", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		ws.Log(3, "[IN] %s: %s", c.ID, message)
		ws.chat.HandleFrame(c, message)
	}
}

// AuthInputOf extracts what the authorization backend sees of a request.
func AuthInputOf(r *http.Request) pool.AuthInput {
	return pool.AuthInput{
		Cookie:        r.Header.Get("Cookie"),
		Authorization: r.Header.Get("Authorization"),
		QueryString:   r.URL.RawQuery,
	}
}
