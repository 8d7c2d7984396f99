package gateway

import (
	"encoding/json"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/poscalfx/price-relay/cmd/relay/internal/hub"
	"github.com/poscalfx/price-relay/cmd/relay/internal/protocol"
)

const (
	maxMessageSize = 512 * 1024
)

// Close codes for unauthenticated sessions.
const (
	StatusInvalidToken ws.StatusCode = protocol.CloseInvalidToken
)

// Mode selects the wire protocol a client speaks.
type Mode int

const (
	ModeRelay Mode = iota
	ModeGateway
)

type ClientOptions struct {
	AuthToken   string        // empty disables the auth gate
	AuthTimeout time.Duration // sessions must authenticate within this
	SendBuffer  int
}

// ClientAdapter bridges one WebSocket connection to the hub.
type ClientAdapter struct {
	id     string
	conn   net.Conn
	hub    *hub.Hub
	mode   Mode
	codec  protocol.Codec
	opts   ClientOptions
	logger *zap.Logger

	send      chan []byte
	mu        sync.Mutex
	closed    bool
	closeBody []byte
	authed    bool
	release   sync.Once

	connectedAt time.Time
	writeWait   time.Duration
	pongWait    time.Duration
	pingPeriod  time.Duration
}

var _ hub.Session = (*ClientAdapter)(nil)

func NewClient(conn net.Conn, h *hub.Hub, mode Mode, opts ClientOptions, logger *zap.Logger) *ClientAdapter {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}

	c := &ClientAdapter{
		id:          uuid.NewString(),
		conn:        conn,
		hub:         h,
		mode:        mode,
		opts:        opts,
		send:        make(chan []byte, opts.SendBuffer),
		authed:      opts.AuthToken == "",
		connectedAt: time.Now(),
		writeWait:   5 * time.Second,
		pongWait:    60 * time.Second,
		pingPeriod:  50 * time.Second,
	}
	if mode == ModeGateway {
		c.codec = protocol.GatewayCodec{}
	} else {
		c.codec = protocol.RelayCodec{}
	}
	c.logger = logger.With(zap.String("session", c.id), zap.String("remote", conn.RemoteAddr().String()))
	return c
}

func (c *ClientAdapter) Start() {
	c.logger.Debug("Client connected")

	go c.writePump()

	if c.isAuthed() {
		c.join()
		go c.readPump()
		return
	}

	timer := time.AfterFunc(c.opts.AuthTimeout, func() {
		if !c.isAuthed() {
			c.logger.Info("Closing unauthenticated client")
			c.CloseWithStatus(StatusInvalidToken, "auth_timeout")
		}
	})
	go func() {
		c.readPump()
		timer.Stop()
	}()
}

// join registers with the hub. Relay sessions start on every symbol, gateway sessions
// on none.
func (c *ClientAdapter) join() {
	c.hub.Join(c, c.mode == ModeRelay)
}

func (c *ClientAdapter) ID() string            { return c.id }
func (c *ClientAdapter) Codec() protocol.Codec { return c.codec }

// Send queues msg for the write pump without blocking.
func (c *ClientAdapter) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return hub.ErrSessionClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return hub.ErrSendBufferFull
	}
}

func (c *ClientAdapter) SendJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to encode message", zap.Error(err))
		return
	}
	if err := c.Send(b); err != nil {
		c.logger.Debug("Dropped message", zap.Error(err))
	}
}

// Close is called by the hub on shutdown.
func (c *ClientAdapter) Close() {
	c.CloseWithStatus(ws.StatusGoingAway, "server shutdown")
}

// CloseWithStatus stops accepting messages. The write pump flushes what is queued, then
// sends the close frame and closes the connection.
func (c *ClientAdapter) CloseWithStatus(code ws.StatusCode, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.closeBody = ws.NewCloseFrameBody(code, reason)
	close(c.send)
}

func (c *ClientAdapter) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *ClientAdapter) setAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authed {
		return false
	}
	c.authed = true
	return true
}

func (c *ClientAdapter) readPump() {
	defer func() {
		c.release.Do(func() { c.hub.ReleaseAll(c) })
		c.CloseWithStatus(ws.StatusNormalClosure, "")
		c.logger.Debug("Client disconnected", zap.Duration("connected_for", time.Since(c.connectedAt)))
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

	for {
		header, err := ws.ReadHeader(c.conn)
		if err != nil {
			return
		}

		if header.Length > int64(maxMessageSize) {
			c.logger.Warn("Msg too big", zap.Int64("size", header.Length))
			return
		}

		if !header.Fin {
			c.logger.Warn("Client sent fragmented message (not supported)")
			return
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return
		}

		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}

		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

		switch header.OpCode {
		case ws.OpClose:
			return
		case ws.OpText:
			if !c.handle(payload) {
				return
			}
		}
	}
}

// handle processes one text frame and reports whether the connection stays open.
func (c *ClientAdapter) handle(payload []byte) bool {
	if c.mode == ModeGateway {
		var req protocol.GatewayRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			c.SendJSON(protocol.ErrorEvent{Event: protocol.EventError, Message: "Invalid JSON"})
			return true
		}
		if req.Event == protocol.EventAuth {
			return c.authenticate(req.Data)
		}
		if !c.isAuthed() {
			c.logger.Debug("Ignoring event before auth", zap.String("event", req.Event))
			return true
		}
		req.Data = normalise(req.Data)
		c.hub.HandleGateway(c, req)
		return true
	}

	var req protocol.RelayRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.logger.Debug("Ignoring malformed message", zap.Error(err))
		return true
	}

	if req.Type == protocol.TypeAuth {
		return c.authenticate(req.Token)
	}
	if !c.isAuthed() {
		c.logger.Debug("Ignoring message before auth", zap.String("type", req.Type))
		return true
	}

	for i, s := range req.Symbols {
		req.Symbols[i] = normalise(s)
	}
	c.hub.HandleRelay(c, req)
	return true
}

func (c *ClientAdapter) authenticate(token string) bool {
	if c.opts.AuthToken != "" && token != c.opts.AuthToken {
		c.logger.Info("Rejected client with invalid token")
		c.sendAuthResult(false)
		c.CloseWithStatus(StatusInvalidToken, "invalid_token")
		return false
	}

	c.sendAuthResult(true)
	if c.setAuthed() {
		c.join()
	}
	return true
}

func (c *ClientAdapter) sendAuthResult(ok bool) {
	if c.mode == ModeGateway {
		c.SendJSON(protocol.AuthEvent{Event: protocol.EventAuth, OK: ok})
		return
	}
	c.SendJSON(protocol.AuthResult{Type: protocol.TypeAuth, OK: ok})
}

func (c *ClientAdapter) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if !ok {
				c.mu.Lock()
				body := c.closeBody
				c.mu.Unlock()
				_ = ws.WriteFrame(c.conn, ws.NewCloseFrame(body))
				return
			}
			if err := wsutil.WriteServerText(c.conn, msg); err != nil {
				c.logger.Debug("Write failed", zap.Error(err))
				c.CloseWithStatus(ws.StatusAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				c.CloseWithStatus(ws.StatusAbnormalClosure, "")
				return
			}
		}
	}
}

func normalise(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
