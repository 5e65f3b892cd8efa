package httpapi

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/korylprince/agentstream/protocol"
	"github.com/korylprince/agentstream/session"
)

const (
	viewerSendBuffer = 256
	viewerReadLimit  = 4096
)

type viewer struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

//Hub fans agent frames out to connected viewers. A viewer whose send buffer is full is dropped.
type Hub struct {
	cfg     session.Config
	log     zerolog.Logger
	metrics *Metrics

	mu      sync.RWMutex
	viewers map[*viewer]struct{}
}

//NewHub returns an empty Hub
func NewHub(cfg session.Config, metrics *Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		log:     logger,
		metrics: metrics,
		viewers: make(map[*viewer]struct{}),
	}
}

//Len returns the number of connected viewers
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

//Broadcast sends msg to every viewer
func (h *Hub) Broadcast(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(msg.Type)).Msg("could not encode broadcast")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for v := range h.viewers {
		h.enqueue(v, data)
	}
}

func (h *Hub) enqueue(v *viewer, data []byte) {
	select {
	case <-v.ctx.Done():
	case v.send <- data:
	default:
		h.log.Warn().Str("viewer_id", v.id).Msg("viewer send buffer full, dropping viewer")
		h.metrics.ViewersDropped.Inc()
		v.cancel()
	}
}

//CloseAll disconnects every viewer
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for v := range h.viewers {
		v.cancel()
	}
}

//Serve runs one viewer connection until it closes or ctx is done. The viewer first receives
//the greeting, if any, and the client_list returned by clients. clients is called while the
//viewer joins the hub so that no later broadcast is missed.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, greeting string, clients func() []protocol.ClientInfo) {
	ctx, cancel := context.WithCancel(ctx)
	v := &viewer{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, viewerSendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	log := h.log.With().Str("viewer_id", v.id).Str("remote_addr", conn.RemoteAddr().String()).Logger()

	//initial frames are queued before v is visible to Broadcast so they arrive first
	h.mu.Lock()
	if greeting != "" {
		h.queueInitial(v, protocol.System(greeting))
	}
	h.queueInitial(v, protocol.ClientList(clients()))
	h.viewers[v] = struct{}{}
	h.mu.Unlock()
	h.metrics.Viewers.Inc()
	log.Info().Msg("viewer connected")

	defer func() {
		h.mu.Lock()
		delete(h.viewers, v)
		h.mu.Unlock()
		h.metrics.Viewers.Dec()
		cancel()
		conn.Close()
		log.Info().Msg("viewer disconnected")
	}()

	go h.readLoop(v)
	h.writeLoop(v)
}

func (h *Hub) queueInitial(v *viewer, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("could not encode viewer frame")
		return
	}
	v.send <- data
}

//readLoop discards viewer input and keeps the read deadline fresh. It cancels the viewer when the connection fails.
func (h *Hub) readLoop(v *viewer) {
	defer v.cancel()
	v.conn.SetReadLimit(viewerReadLimit)
	extend := func() error {
		if h.cfg.PongWait <= 0 {
			return nil
		}
		return v.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	}
	if err := extend(); err != nil {
		return
	}
	v.conn.SetPongHandler(func(string) error { return extend() })

	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			return
		}
		if err := extend(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(v *viewer) {
	deadline := func() time.Time {
		if h.cfg.WriteTimeout <= 0 {
			return time.Time{}
		}
		return time.Now().Add(h.cfg.WriteTimeout)
	}

	keepalive := session.NewKeepalive(h.cfg.PingInterval, func() error {
		return v.conn.WriteControl(websocket.PingMessage, nil, deadline())
	})
	go func() {
		if err := keepalive.Run(v.ctx); err != nil {
			v.cancel()
		}
	}()

	for {
		select {
		case <-v.ctx.Done():
			v.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline())
			return
		case msg := <-v.send:
			if err := v.conn.SetWriteDeadline(deadline()); err != nil {
				return
			}
			if err := v.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			keepalive.Touch()
		}
	}
}
