package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/korylprince/agentstream/protocol"
)

// ErrIdleTimeout is returned by Conn.ReadFrame when the read deadline passes.
var ErrIdleTimeout = errors.New("session: idle timeout")

// Conn is one persistent, ordered, full-duplex frame transport.
//
// ReadFrame returns io.EOF when the peer closed the connection normally, an error
// wrapping ErrIdleTimeout when the read deadline passed, an error wrapping
// protocol.ErrMalformedMessage for a frame the transport could not deliver, and an
// error wrapping protocol.ErrTransport otherwise.
//
// Session serializes WriteFrame, Ping and Shutdown; ReadFrame is only called from
// the session's read loop.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	// Ping sends the transport's native liveness probe.
	Ping() error
	// Shutdown tells the peer why the connection is closing. It is best effort.
	Shutdown(reason CloseReason) error
	Close() error
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
}

// WebsocketConn adapts a gorilla websocket connection to Conn.
type WebsocketConn struct {
	conn      *websocket.Conn
	pongWait  time.Duration
	writeWait time.Duration
}

// NewWebsocketConn wraps conn. Any inbound frame, ping or pong extends the read
// deadline by cfg.PongWait.
func NewWebsocketConn(conn *websocket.Conn, cfg Config) *WebsocketConn {
	w := &WebsocketConn{
		conn:      conn,
		pongWait:  cfg.PongWait,
		writeWait: cfg.WriteTimeout,
	}
	if cfg.MaxFrameBytes > 0 {
		conn.SetReadLimit(cfg.MaxFrameBytes)
	}
	conn.SetPongHandler(func(string) error {
		return w.extend()
	})
	// WriteControl may run concurrently with the session writer; gorilla serializes
	// control frames internally.
	conn.SetPingHandler(func(data string) error {
		if err := w.extend(); err != nil {
			return err
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(data), w.deadline())
		if err == websocket.ErrCloseSent {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})
	return w
}

func (w *WebsocketConn) deadline() time.Time {
	if w.writeWait <= 0 {
		return time.Time{}
	}
	return time.Now().Add(w.writeWait)
}

func (w *WebsocketConn) extend() error {
	if w.pongWait <= 0 {
		return w.conn.SetReadDeadline(time.Time{})
	}
	return w.conn.SetReadDeadline(time.Now().Add(w.pongWait))
}

// ReadFrame returns the next text frame. Binary frames are skipped.
func (w *WebsocketConn) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, classifyReadError(err)
		}
		if err := w.extend(); err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrTransport, err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (w *WebsocketConn) WriteFrame(data []byte) error {
	if err := w.conn.SetWriteDeadline(w.deadline()); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WebsocketConn) Ping() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, w.deadline())
}

func (w *WebsocketConn) Shutdown(reason CloseReason) error {
	msg := websocket.FormatCloseMessage(reason.code(), string(reason))
	return w.conn.WriteControl(websocket.CloseMessage, msg, w.deadline())
}

func (w *WebsocketConn) Close() error {
	return w.conn.Close()
}

func (w *WebsocketConn) SetReadDeadline(t time.Time) error {
	return w.conn.SetReadDeadline(t)
}

func (w *WebsocketConn) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}

func classifyReadError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		return fmt.Errorf("%w: %v", protocol.ErrMalformedMessage, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrIdleTimeout, err)
	}
	return fmt.Errorf("%w: %v", protocol.ErrTransport, err)
}
