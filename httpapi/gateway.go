package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/korylprince/agentstream/invocation"
	"github.com/korylprince/agentstream/journal"
	"github.com/korylprince/agentstream/protocol"
	"github.com/korylprince/agentstream/session"
)

//Gateway accepts agent and viewer connections and observes every agent session
type Gateway struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg      session.Config
	log      zerolog.Logger
	metrics  *Metrics
	store    journal.Store
	journal  *journalWriter
	registry *session.Registry
	hub      *Hub
	upgrader websocket.Upgrader
}

//NewGateway returns a Gateway. A nil store disables the journal.
func NewGateway(cfg session.Config, store journal.Store, metrics *Metrics, logger zerolog.Logger) *Gateway {
	if store == nil {
		store = journal.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		log:      logger,
		metrics:  metrics,
		store:    store,
		journal:  newJournalWriter(store, cfg.WriteTimeout, logger),
		registry: session.NewRegistry(),
		hub:      NewHub(cfg, metrics, logger),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
	g.registry.OnChange(func(clients []protocol.ClientInfo) {
		g.hub.Broadcast(protocol.ClientList(clients))
	})
	return g
}

//Registry returns the registry of live agent sessions
func (g *Gateway) Registry() *session.Registry {
	return g.registry
}

//Hub returns the viewer hub
func (g *Gateway) Hub() *Hub {
	return g.hub
}

//Close disconnects every agent and viewer and flushes the journal
func (g *Gateway) Close() {
	g.registry.CloseAll(session.CloseNormal)
	g.hub.CloseAll()
	g.cancel()
	g.journal.Close()
}

func (g *Gateway) serveAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("agent upgrade failed")
		return
	}

	s := session.New(session.NewWebsocketConn(conn, g.cfg), g.cfg, g, g.log)
	if err := s.Run(g.ctx, g.registry); err != nil {
		s.Logger().Debug().Err(err).Msg("session ended")
	}
}

func (g *Gateway) serveViewer(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("viewer upgrade failed")
		return
	}
	g.hub.Serve(g.ctx, conn, g.cfg.Greeting, g.registry.Clients)
}

//Registered implements session.Observer
func (g *Gateway) Registered(s *session.Session) {
	g.metrics.SessionsActive.Inc()
	g.journal.sessionOpened(s)
}

//Token implements session.Observer. Tokens reach viewers through Accepted.
func (g *Gateway) Token(s *session.Session, msg protocol.Message) {}

//Completed implements session.Observer
func (g *Gateway) Completed(s *session.Session, inv invocation.Invocation) {
	g.metrics.Invocations.WithLabelValues(invocation.StateComplete.String()).Inc()
	s.Logger().Debug().Str("invocation_id", inv.ID).Str("name", inv.Name).Bool("chunked", inv.Chunked).Msg("invocation complete")
	g.journal.invocation(s, inv)
}

//Resolved implements session.Observer
func (g *Gateway) Resolved(s *session.Session, inv invocation.Invocation) {
	g.metrics.Invocations.WithLabelValues(invocation.StateResolved.String()).Inc()
	s.Logger().Debug().Str("invocation_id", inv.ID).Dur("elapsed", inv.ResolvedAt.Sub(inv.OpenedAt)).Msg("invocation resolved")
	g.journal.invocation(s, inv)
}

//Abandoned implements session.Observer
func (g *Gateway) Abandoned(s *session.Session, inv invocation.Invocation) {
	g.metrics.Invocations.WithLabelValues(invocation.StateAbandoned.String()).Inc()
	g.journal.invocation(s, inv)
}

//Accepted implements session.Observer. The frame is fanned out to viewers with its source set.
func (g *Gateway) Accepted(s *session.Session, msg protocol.Message) {
	g.metrics.Frames.WithLabelValues(string(msg.Type)).Inc()
	msg.Source = s.ClientID()
	g.hub.Broadcast(msg)
}

//Rejected implements session.Observer
func (g *Gateway) Rejected(s *session.Session, err error) {
	g.metrics.Rejected.WithLabelValues(protocol.Class(err)).Inc()

	var perr *protocol.Error
	if errors.Is(err, protocol.ErrChunkOverflow) && errors.As(err, &perr) {
		if inv, ok := s.Invocation(perr.InvocationID); ok && inv.State == invocation.StateFailed {
			g.metrics.Invocations.WithLabelValues(invocation.StateFailed.String()).Inc()
			g.journal.invocation(s, inv)
		}
	}
}

//Closed implements session.Observer
func (g *Gateway) Closed(s *session.Session, reason session.CloseReason, err error) {
	g.metrics.SessionsClosed.WithLabelValues(string(reason)).Inc()
	g.metrics.Pings.Add(float64(s.Keepalive().Probes()))
	if s.ClientID() != "" {
		g.metrics.SessionsActive.Dec()
		g.journal.sessionClosed(s, reason, time.Now())
	}
}
