// Package session runs one agent connection: registration, sequential frame
// dispatch, outbound liveness and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/korylprince/agentstream/invocation"
	"github.com/korylprince/agentstream/protocol"
	"github.com/korylprince/agentstream/reassembly"
)

// ErrClosed is returned when writing to a closing or closed session.
var ErrClosed = errors.New("session: closed")

// maxLoggedFrame bounds frame text in debug logs. Agents send base64 images inline.
const maxLoggedFrame = 512

// minSweepInterval bounds how often the invocation sweeper runs for very short TTLs.
const minSweepInterval = 10 * time.Millisecond

// Session is one agent connection.
type Session struct {
	conn Conn
	cfg  Config
	obs  Observer
	log  zerolog.Logger

	tracker   *invocation.Tracker
	chunks    *reassembly.Reassembler
	keepalive *Keepalive

	//writeMu serializes every outbound write on conn
	writeMu sync.Mutex

	state atomic.Int32

	mu           sync.RWMutex
	clientID     string
	name         string
	connectedAt  time.Time
	registeredAt time.Time
	reason       CloseReason
	closeErr     error

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// New returns a Session in the connecting state. A nil obs is replaced by NopObserver.
func New(conn Conn, cfg Config, obs Observer, logger zerolog.Logger) *Session {
	if obs == nil {
		obs = NopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:        conn,
		cfg:         cfg,
		obs:         obs,
		log:         logger.With().Str("remote_addr", conn.RemoteAddr()).Logger(),
		tracker:     invocation.NewTracker(),
		chunks:      reassembly.New(cfg.MaxChunkBytes),
		connectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	s.keepalive = NewKeepalive(cfg.PingInterval, s.ping)
	s.state.Store(int32(StateConnecting))
	return s
}

// Handshake waits for the register frame. Anything else, or nothing within
// HandshakeTimeout, closes the session with registration_failed and returns an error
// wrapping protocol.ErrRegistrationRequired. No frame is written before registration.
func (s *Session) Handshake(ctx context.Context) error {
	if s.State() != StateConnecting {
		return fmt.Errorf("session: handshake in state %s", s.State())
	}

	stop := context.AfterFunc(ctx, func() {
		s.Close(CloseNormal, ctx.Err())
	})
	defer stop()

	if s.cfg.HandshakeTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
			err = fmt.Errorf("%w: %v", protocol.ErrTransport, err)
			s.Close(CloseTransportError, err)
			return err
		}
	}

	data, err := s.conn.ReadFrame()
	if err != nil {
		if s.ctx.Err() != nil {
			return ErrClosed
		}
		rerr := fmt.Errorf("%w: %v", protocol.ErrRegistrationRequired, err)
		reason := CloseRegistrationFailed
		if readErrorReason(err) == CloseTransportError {
			reason = CloseTransportError
		}
		s.Close(reason, rerr)
		return rerr
	}

	msg, err := protocol.Decode(data)
	if err == nil && msg.Type != protocol.KindRegister {
		err = protocol.Errorf(protocol.ErrRegistrationRequired, msg.Type, msg.ID, "first frame must be %s", protocol.KindRegister)
	}
	if err != nil {
		rerr := err
		if !errors.Is(err, protocol.ErrRegistrationRequired) {
			rerr = fmt.Errorf("%w: %w", protocol.ErrRegistrationRequired, err)
		}
		s.reject(rerr)
		s.Close(CloseRegistrationFailed, rerr)
		return rerr
	}

	if err := s.extendRead(); err != nil {
		err = fmt.Errorf("%w: %v", protocol.ErrTransport, err)
		s.Close(CloseTransportError, err)
		return err
	}

	s.mu.Lock()
	s.clientID = msg.ID
	s.name = msg.Name
	s.registeredAt = time.Now()
	s.log = s.log.With().Str("client_id", msg.ID).Logger()
	s.mu.Unlock()
	s.state.Store(int32(StateRegistered))

	s.Logger().Info().Str("name", msg.Name).Msg("agent registered")
	s.obs.Registered(s)

	if s.cfg.Greeting != "" {
		if err := s.Send(protocol.System(s.cfg.Greeting)); err != nil {
			return err
		}
	}
	return nil
}

// Serve dispatches inbound frames until the peer leaves, ctx is done, the session is
// closed or the transport fails. It runs the keepalive and the invocation sweeper
// alongside the read loop. A normal end returns nil.
func (s *Session) Serve(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateRegistered), int32(StateActive)) {
		if s.State() >= StateClosing {
			return ErrClosed
		}
		return fmt.Errorf("session: serve in state %s", s.State())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.keepalive.Run(gctx); err != nil {
			s.Close(CloseTransportError, err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		return s.sweep(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.Close(CloseNormal, nil)
		return nil
	})
	g.Go(s.readLoop)

	return g.Wait()
}

// Run performs the handshake, enters the session into reg, serves it and removes it
// again.
func (s *Session) Run(ctx context.Context, reg *Registry) error {
	if err := s.Handshake(ctx); err != nil {
		return err
	}
	if prev := reg.Add(s); prev != nil {
		s.Logger().Warn().Str("previous_remote_addr", prev.RemoteAddr()).Msg("replaced existing session")
	}
	defer reg.Remove(s)
	return s.Serve(ctx)
}

func (s *Session) readLoop() error {
	for {
		data, err := s.conn.ReadFrame()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			reason := readErrorReason(err)
			switch reason {
			case CloseNormal:
				s.Close(CloseNormal, nil)
				return nil
			case CloseMalformedMessage:
				s.reject(err)
			}
			s.Close(reason, err)
			return err
		}
		s.dispatch(data)
	}
}

func (s *Session) dispatch(data []byte) {
	if e := s.Logger().Debug(); e.Enabled() {
		e.Str("frame", truncate(string(data), maxLoggedFrame)).Msg("frame received")
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		s.reject(err)
		return
	}

	switch msg.Type {
	case protocol.KindRegister:
		err = protocol.Errorf(protocol.ErrMalformedMessage, msg.Type, msg.ID, "already registered as %q", s.ClientID())
	case protocol.KindToken, protocol.KindUserRequest:
		s.obs.Token(s, msg)
	case protocol.KindToolCall:
		err = s.handleCall(msg)
	case protocol.KindToolCallChunk:
		err = s.handleChunk(msg)
	case protocol.KindToolResult:
		err = s.handleResult(msg)
	default:
		err = protocol.Errorf(protocol.ErrMalformedMessage, msg.Type, msg.ID, "%s is not sent by agents", msg.Type)
	}
	if err != nil {
		s.reject(err)
		return
	}
	s.obs.Accepted(s, msg)
}

func (s *Session) handleCall(msg protocol.Message) error {
	if err := s.tracker.Open(msg.ID, msg.Name, false); err != nil {
		return err
	}
	inv, err := s.tracker.Complete(msg.ID, msg.Args.Raw())
	if err != nil {
		return err
	}
	s.obs.Completed(s, inv)
	return nil
}

func (s *Session) handleChunk(msg protocol.Message) error {
	inv, ok := s.tracker.Lookup(msg.ID)
	switch {
	case !ok:
		if err := s.tracker.Open(msg.ID, msg.Name, true); err != nil {
			return err
		}
	case inv.State != invocation.StateAccumulating:
		return protocol.Errorf(protocol.ErrDuplicateInvocation, msg.Type, msg.ID, "invocation is %s", inv.State)
	default:
		s.tracker.Name(msg.ID, msg.Name)
	}

	done, err := s.chunks.Add(msg.ID, msg.Name, msg.Fragment())
	if err != nil {
		if errors.Is(err, protocol.ErrChunkOverflow) {
			s.tracker.Fail(msg.ID, err)
		}
		return err
	}
	if done == nil {
		return nil
	}

	completed, err := s.tracker.Complete(done.ID, done.Args)
	if err != nil {
		return err
	}
	s.Logger().Debug().Str("invocation_id", done.ID).Int("chunks", done.Chunks).Msg("chunks reassembled")
	s.obs.Completed(s, completed)
	return nil
}

func (s *Session) handleResult(msg protocol.Message) error {
	inv, err := s.tracker.Resolve(msg.ID, msg.Result)
	if err != nil {
		return err
	}
	s.obs.Resolved(s, inv)
	return nil
}

func (s *Session) reject(err error) {
	s.Logger().Warn().Err(err).Str("class", protocol.Class(err)).Msg("frame rejected")
	s.obs.Rejected(s, err)
}

func (s *Session) sweep(ctx context.Context) error {
	if s.cfg.InvocationTTL <= 0 {
		<-ctx.Done()
		return nil
	}
	interval := s.cfg.InvocationTTL / 2
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.expire()
		}
	}
}

func (s *Session) expire() {
	for _, inv := range s.tracker.Expire(s.cfg.InvocationTTL) {
		if inv.Chunked {
			s.chunks.Discard(inv.ID)
		}
		s.Logger().Info().Str("invocation_id", inv.ID).Str("name", inv.Name).Msg("invocation abandoned")
		s.obs.Abandoned(s, inv)
	}
}

// Send encodes msg and writes it to the agent.
func (s *Session) Send(msg protocol.Message) error {
	switch s.State() {
	case StateConnecting:
		return protocol.ErrRegistrationRequired
	case StateClosing, StateClosed:
		return ErrClosed
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return s.write(func() error {
		return s.conn.WriteFrame(data)
	})
}

func (s *Session) ping() error {
	return s.write(s.conn.Ping)
}

// write runs fn as the only writer. A failed write closes the session with
// transport_error.
func (s *Session) write(fn func() error) error {
	s.writeMu.Lock()
	if s.State() >= StateClosing {
		s.writeMu.Unlock()
		return ErrClosed
	}
	err := fn()
	if err == nil {
		s.keepalive.Touch()
	}
	s.writeMu.Unlock()

	if err != nil {
		err = fmt.Errorf("%w: %v", protocol.ErrTransport, err)
		s.Close(CloseTransportError, err)
	}
	return err
}

func (s *Session) extendRead() error {
	if s.cfg.PongWait <= 0 {
		return s.conn.SetReadDeadline(time.Time{})
	}
	return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
}

// Close ends the session with reason. Only the first call has an effect: it stops the
// keepalive and sweeper, tells the peer why, releases the connection and reports
// Observer.Closed.
func (s *Session) Close(reason CloseReason, err error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.mu.Lock()
		s.reason, s.closeErr = reason, err
		s.mu.Unlock()
		s.cancel()

		// a writer stuck on a dead peer must not hold up teardown
		if s.writeMu.TryLock() {
			if reason != CloseTransportError {
				if serr := s.conn.Shutdown(reason); serr != nil {
					s.Logger().Debug().Err(serr).Msg("could not send close frame")
				}
			}
			s.writeMu.Unlock()
		}
		if cerr := s.conn.Close(); cerr != nil {
			s.Logger().Debug().Err(cerr).Msg("could not close connection")
		}
		s.state.Store(int32(StateClosed))

		log := s.Logger()
		e := log.Info()
		if reason != CloseNormal {
			e = log.Warn()
		}
		e.Str("reason", string(reason)).AnErr("cause", err).Msg("session closed")

		s.obs.Closed(s, reason, err)
		close(s.done)
	})
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Reason returns why the session closed. It is empty while the session is open.
func (s *Session) Reason() (CloseReason, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason, s.closeErr
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// ClientID returns the registered client id, or "" before registration.
func (s *Session) ClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientID
}

func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr()
}

// Logger returns a copy of the session logger, which carries client_id after registration.
func (s *Session) Logger() *zerolog.Logger {
	s.mu.RLock()
	l := s.log
	s.mu.RUnlock()
	return &l
}

// Keepalive exposes the outbound liveness state.
func (s *Session) Keepalive() *Keepalive {
	return s.keepalive
}

// Invocations lists live invocations.
func (s *Session) Invocations() []invocation.Invocation {
	return s.tracker.Pending()
}

// Invocation returns the record of id, including terminal ones.
func (s *Session) Invocation(id string) (invocation.Invocation, bool) {
	return s.tracker.Lookup(id)
}

// PendingChunks lists chunk buffers still waiting for completion.
func (s *Session) PendingChunks() []reassembly.Pending {
	return s.chunks.Pending()
}

// Info is a point in time description of a session.
type Info struct {
	ClientID     string    `json:"id"`
	Name         string    `json:"name"`
	State        State     `json:"state"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSent     time.Time `json:"last_sent"`
	Pings        int64     `json:"pings"`
	Invocations  int       `json:"invocations"`
}

// Info returns a snapshot of s.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ClientID:     s.clientID,
		Name:         s.name,
		State:        s.State(),
		RemoteAddr:   s.conn.RemoteAddr(),
		ConnectedAt:  s.connectedAt,
		RegisteredAt: s.registeredAt,
		LastSent:     s.keepalive.LastActivity(),
		Pings:        s.keepalive.Probes(),
		Invocations:  s.tracker.Len(),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...(%d bytes)", s[:n], len(s))
}
