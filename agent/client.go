// Package agent is a client for the agent side of the stream protocol. A Client
// registers with the gateway, streams tokens and tool invocations, keeps the
// connection alive and delivers gateway notices.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/korylprince/agentstream/protocol"
	"github.com/korylprince/agentstream/session"
)

// ErrClosed is returned by Send after the client was closed.
var ErrClosed = errors.New("agent: closed")

const inboundBuffer = 64

// Options configures a Client.
type Options struct {
	ClientID string
	// Name defaults to "Agent <ClientID>".
	Name string
	// PingInterval is the longest the client stays silent before pinging. Zero disables pings.
	PingInterval time.Duration
	WriteTimeout time.Duration
	Header       http.Header
	Logger       zerolog.Logger
}

// Client is one registered agent connection. It is safe for concurrent use.
type Client struct {
	conn      *websocket.Conn
	opts      Options
	log       zerolog.Logger
	keepalive *session.Keepalive

	writeMu sync.Mutex
	closed  bool

	inbound chan protocol.Message
	dropped int

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to the gateway at uri and registers as opts.ClientID. ctx bounds
// the dial only; use Close to disconnect.
func Dial(ctx context.Context, uri string, opts Options) (*Client, error) {
	if opts.ClientID == "" {
		return nil, errors.New("agent: client id is required")
	}
	if opts.Name == "" {
		opts.Name = "Agent " + opts.ClientID
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, uri, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("agent: could not dial %s: %w", uri, err)
	}

	c := &Client{
		conn:    conn,
		opts:    opts,
		log:     opts.Logger.With().Str("client_id", opts.ClientID).Logger(),
		inbound: make(chan protocol.Message, inboundBuffer),
		done:    make(chan struct{}),
	}
	c.keepalive = session.NewKeepalive(opts.PingInterval, c.ping)

	if err = c.Send(protocol.Register(opts.ClientID, opts.Name)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("agent: could not register: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// the connection is over once reading stops, whatever the reason
		defer cancel()
		return c.readLoop()
	})
	g.Go(func() error { return c.keepalive.Run(gctx) })
	// a failed read or ping tears the connection down so the other goroutine exits
	context.AfterFunc(gctx, func() { c.conn.Close() })

	go func() {
		c.err = g.Wait()
		close(c.inbound)
		close(c.done)
	}()

	c.log.Debug().Str("uri", uri).Msg("registered")
	return c, nil
}

// Inbound delivers frames sent by the gateway. It is closed when the connection ends.
// Frames are dropped when the caller falls more than a small buffer behind.
func (c *Client) Inbound() <-chan protocol.Message {
	return c.inbound
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended. It is nil for a normal close and only valid
// after Done is closed. A gateway close is returned as a *websocket.CloseError.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// Keepalive returns the client's outbound keepalive.
func (c *Client) Keepalive() *session.Keepalive {
	return c.keepalive
}

// Send encodes and writes one frame.
func (c *Client) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return c.write(func() error {
		return c.conn.WriteMessage(websocket.TextMessage, data)
	})
}

// Token streams one token.
func (c *Client) Token(content string) error {
	return c.Send(protocol.Token(content))
}

// UserRequest echoes the request the agent is working on.
func (c *Client) UserRequest(content string) error {
	return c.Send(protocol.Message{Type: protocol.KindUserRequest, Content: content})
}

// ToolCall sends a complete tool invocation. args is marshaled to JSON.
func (c *Client) ToolCall(id, name string, args interface{}) error {
	p, err := protocol.StructuredValue(args)
	if err != nil {
		return fmt.Errorf("agent: could not encode args for %s: %w", id, err)
	}
	return c.Send(protocol.ToolCall(id, name, p))
}

// StreamToolCall sends a tool invocation as a sequence of argument fragments. The
// name is carried by the first chunk only.
func (c *Client) StreamToolCall(id, name string, fragments ...string) error {
	if len(fragments) == 0 {
		fragments = []string{""}
	}
	for i, f := range fragments {
		n := ""
		if i == 0 {
			n = name
		}
		if err := c.Send(protocol.ToolCallChunk(id, n, f)); err != nil {
			return err
		}
	}
	return nil
}

// ToolResult sends the result of invocation id. result is marshaled to JSON.
func (c *Client) ToolResult(id string, result interface{}) error {
	p, ok := result.(protocol.Payload)
	if !ok {
		var err error
		if p, err = protocol.StructuredValue(result); err != nil {
			return fmt.Errorf("agent: could not encode result for %s: %w", id, err)
		}
	}
	return c.Send(protocol.ToolResult(id, p))
}

func (c *Client) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, c.deadline())
}

func (c *Client) deadline() time.Time {
	if c.opts.WriteTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.opts.WriteTimeout)
}

func (c *Client) write(fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.conn.SetWriteDeadline(c.deadline()); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	c.keepalive.Touch()
	return nil
}

func (c *Client) readLoop() error {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			c.writeMu.Lock()
			closed := c.closed
			c.writeMu.Unlock()
			if closed || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if typ != websocket.TextMessage {
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping gateway frame")
			continue
		}

		select {
		case c.inbound <- msg:
		default:
			c.dropped++
			c.log.Warn().Str("type", string(msg.Type)).Int("dropped", c.dropped).Msg("inbound buffer full")
		}
	}
}

// Close sends a normal close frame and waits for the connection to end.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		if !c.closed {
			c.closed = true
			err := c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), c.deadline())
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				c.log.Debug().Err(err).Msg("could not send close")
			}
		}
		c.writeMu.Unlock()

		// give the gateway a moment to echo the close before tearing down
		select {
		case <-c.done:
		case <-time.After(time.Second):
		}
		c.cancel()
		c.conn.Close()
	})
	<-c.done
	return c.err
}
