package transport

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/buildmode/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 256
)

// client is one connected host.
type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// close stops the write pump, which closes the connection.
func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// WebSocket serves the engine protocol to a single host over a WebSocket.
// A new connection replaces the previous one.
type WebSocket struct {
	post     func(protocol.Message) bool
	upgrader websocket.Upgrader

	mu     sync.Mutex
	active *client

	logger zerolog.Logger
}

// NewWebSocket creates a WebSocket transport that posts inbound messages.
func NewWebSocket(post func(protocol.Message) bool, logger zerolog.Logger) *WebSocket {
	return &WebSocket{
		post: post,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "transport.ws").Logger(),
	}
}

// Handler returns the handler mounted at /ws.
func (t *WebSocket) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", t.serve)
	return mux
}

// Connected reports whether a host is attached.
func (t *WebSocket) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active != nil
}

// Send queues a message for the active host. With no host attached, or a
// host that has stopped reading, the message is dropped.
func (t *WebSocket) Send(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		t.logger.Error().Err(err).Str("type", string(msg.MessageType())).Msg("encode failed")
		return
	}
	t.mu.Lock()
	c := t.active
	t.mu.Unlock()
	if c == nil {
		t.logger.Debug().Str("type", string(msg.MessageType())).Msg("no host connected, dropping message")
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		t.logger.Warn().Str("type", string(msg.MessageType())).Msg("host send buffer full, disconnecting")
		t.detach(c)
	}
}

// Close disconnects the active host.
func (t *WebSocket) Close() {
	t.mu.Lock()
	c := t.active
	t.active = nil
	t.mu.Unlock()
	if c != nil {
		c.close()
	}
}

func (t *WebSocket) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}

	t.mu.Lock()
	prev := t.active
	t.active = c
	t.mu.Unlock()
	if prev != nil {
		t.logger.Info().Msg("replacing connected host")
		prev.close()
	}
	t.logger.Info().Str("remote", r.RemoteAddr).Msg("host connected")

	go t.writePump(c)
	t.readPump(c)
}

func (t *WebSocket) detach(c *client) {
	t.mu.Lock()
	if t.active == c {
		t.active = nil
	}
	t.mu.Unlock()
	c.close()
}

func (t *WebSocket) readPump(c *client) {
	defer func() {
		t.detach(c)
		t.logger.Info().Msg("host disconnected")
	}()

	c.conn.SetReadLimit(maxLine)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				t.logger.Warn().Err(err).Msg("ws read error")
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			t.logger.Warn().Err(err).Msg("dropping malformed message")
			continue
		}
		if !t.post(msg) {
			return
		}
	}
}

func (t *WebSocket) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.logger.Warn().Err(err).Msg("ws write error")
				t.detach(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.detach(c)
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
