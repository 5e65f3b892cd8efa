package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korylprince/agentstream/invocation"
	"github.com/korylprince/agentstream/protocol"
)

type fakeConn struct {
	in       chan []byte
	pongWait time.Duration

	mu        sync.Mutex
	deadline  time.Time
	frames    [][]byte
	pings     int
	shutdown  []CloseReason
	closes    int
	failWrite error

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) push(frames ...string) {
	for _, frame := range frames {
		f.in <- []byte(frame)
	}
}

// hangup simulates the peer closing the connection normally.
func (f *fakeConn) hangup() {
	close(f.in)
}

func (f *fakeConn) ReadFrame() ([]byte, error) {
	f.mu.Lock()
	deadline := f.deadline
	f.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case data, ok := <-f.in:
		if !ok {
			return nil, io.EOF
		}
		if f.pongWait > 0 {
			f.SetReadDeadline(time.Now().Add(f.pongWait))
		}
		return data, nil
	case <-f.closed:
		return nil, fmt.Errorf("%w: use of closed connection", protocol.ErrTransport)
	case <-timeout:
		return nil, fmt.Errorf("%w: read deadline exceeded", ErrIdleTimeout)
	}
}

func (f *fakeConn) WriteFrame(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite != nil {
		return f.failWrite
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeConn) Shutdown(reason CloseReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = append(f.shutdown, reason)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadline = t
	return nil
}

func (f *fakeConn) RemoteAddr() string {
	return "pipe"
}

func (f *fakeConn) Frames() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Message
	for _, data := range f.frames {
		msg, err := protocol.Decode(data)
		if err != nil {
			panic(err)
		}
		out = append(out, msg)
	}
	return out
}

func (f *fakeConn) Pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

type recorder struct {
	mu        sync.Mutex
	tokens    []string
	accepted  []protocol.Kind
	completed []invocation.Invocation
	resolved  []invocation.Invocation
	abandoned []invocation.Invocation
	rejected  []error
	closed    []CloseReason
	events    chan string
}

func newRecorder() *recorder {
	return &recorder{events: make(chan string, 256)}
}

func (r *recorder) event(name string) {
	select {
	case r.events <- name:
	default:
	}
}

func (r *recorder) Registered(*Session) { r.event("registered") }

func (r *recorder) Token(_ *Session, msg protocol.Message) {
	r.mu.Lock()
	r.tokens = append(r.tokens, msg.Content)
	r.mu.Unlock()
	r.event("token:" + msg.Content)
}

func (r *recorder) Completed(_ *Session, inv invocation.Invocation) {
	r.mu.Lock()
	r.completed = append(r.completed, inv)
	r.mu.Unlock()
	r.event("completed:" + inv.ID)
}

func (r *recorder) Resolved(_ *Session, inv invocation.Invocation) {
	r.mu.Lock()
	r.resolved = append(r.resolved, inv)
	r.mu.Unlock()
	r.event("resolved:" + inv.ID)
}

func (r *recorder) Abandoned(_ *Session, inv invocation.Invocation) {
	r.mu.Lock()
	r.abandoned = append(r.abandoned, inv)
	r.mu.Unlock()
	r.event("abandoned:" + inv.ID)
}

func (r *recorder) Accepted(_ *Session, msg protocol.Message) {
	r.mu.Lock()
	r.accepted = append(r.accepted, msg.Type)
	r.mu.Unlock()
}

func (r *recorder) Rejected(_ *Session, err error) {
	r.mu.Lock()
	r.rejected = append(r.rejected, err)
	r.mu.Unlock()
	r.event("rejected:" + protocol.Class(err))
}

func (r *recorder) Closed(_ *Session, reason CloseReason, _ error) {
	r.mu.Lock()
	r.closed = append(r.closed, reason)
	r.mu.Unlock()
	r.event("closed:" + string(reason))
}

func (r *recorder) waitFor(t *testing.T, event string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-r.events:
			if e == event {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func (r *recorder) rejectedClasses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, err := range r.rejected {
		out = append(out, protocol.Class(err))
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PingInterval = 0
	cfg.HandshakeTimeout = time.Second
	cfg.PongWait = 0
	cfg.InvocationTTL = 0
	return cfg
}

// replay runs a session over frames followed by a normal hangup.
func replay(t *testing.T, cfg Config, frames ...string) (*Session, *fakeConn, *recorder, error) {
	t.Helper()
	conn := newFakeConn()
	conn.push(frames...)
	conn.hangup()
	rec := newRecorder()
	s := New(conn, cfg, rec, zerolog.Nop())
	err := s.Run(context.Background(), NewRegistry())
	return s, conn, rec, err
}

const registerC1 = `{"type":"register","id":"c1","name":"kitchen-robot"}`

func TestInterleavedChunkAndCall(t *testing.T) {
	s, _, rec, err := replay(t, testConfig(),
		registerC1,
		`{"type":"tool_call_chunk","id":"A","name":"vision_analyze","args":"{\"mode\": 1,"}`,
		`{"type":"tool_call","id":"B","name":"control_nav","args":{"y":3}}`,
		`{"type":"tool_call_chunk","id":"A","args":" \"x\":2}"}`,
	)
	require.NoError(t, err)

	require.Len(t, rec.completed, 2)
	assert.Equal(t, "B", rec.completed[0].ID)
	assert.JSONEq(t, `{"y":3}`, string(rec.completed[0].Args))
	assert.Equal(t, "A", rec.completed[1].ID)
	assert.Equal(t, `{"mode":1,"x":2}`, string(rec.completed[1].Args))
	assert.Equal(t, "vision_analyze", rec.completed[1].Name)
	assert.True(t, rec.completed[1].Chunked)
	assert.Empty(t, rec.rejected)

	assert.Equal(t, []protocol.Kind{
		protocol.KindToolCallChunk, protocol.KindToolCall, protocol.KindToolCallChunk,
	}, rec.accepted)
	assert.Equal(t, []CloseReason{CloseNormal}, rec.closed)
	assert.Equal(t, StateClosed, s.State())
}

func TestUnknownResultKeepsSessionActive(t *testing.T) {
	conn := newFakeConn()
	rec := newRecorder()
	s := New(conn, testConfig(), rec, zerolog.Nop())

	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background(), NewRegistry()) }()

	conn.push(registerC1, `{"type":"tool_result","id":"x1","result":"ok"}`, `{"type":"token","content":"still here"}`)
	rec.waitFor(t, "token:still here")

	assert.Equal(t, StateActive, s.State())
	require.Len(t, rec.rejected, 1)
	assert.True(t, errors.Is(rec.rejected[0], protocol.ErrUnknownInvocation))

	var perr *protocol.Error
	require.True(t, errors.As(rec.rejected[0], &perr))
	assert.Equal(t, "x1", perr.InvocationID)

	conn.hangup()
	require.NoError(t, <-errc)
}

func TestToolResultResolves(t *testing.T) {
	_, _, rec, err := replay(t, testConfig(),
		registerC1,
		`{"type":"tool_call","id":"call_1","name":"vision_analyze","args":{"question":"what is this"}}`,
		`{"type":"tool_result","id":"call_1","result":{"answer":"a cup"}}`,
		`{"type":"tool_result","id":"call_1","result":"again"}`,
	)
	require.NoError(t, err)

	require.Len(t, rec.resolved, 1)
	assert.Equal(t, invocation.StateResolved, rec.resolved[0].State)
	assert.JSONEq(t, `{"answer":"a cup"}`, string(rec.resolved[0].Result.Raw()))
	assert.Equal(t, []string{"unknown_invocation"}, rec.rejectedClasses())
}

func TestRegistrationRequired(t *testing.T) {
	for name, first := range map[string]string{
		"token":        `{"type":"token","content":"hi"}`,
		"invalid json": `{"type":`,
		"blank id":     `{"type":"register","id":" ","name":"x"}`,
		"tool call":    `{"type":"tool_call","id":"a","name":"n","args":{}}`,
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Greeting = "welcome"
			s, conn, rec, err := replay(t, cfg, first, registerC1)

			require.Error(t, err)
			assert.True(t, errors.Is(err, protocol.ErrRegistrationRequired), err)
			assert.Empty(t, conn.Frames())
			assert.Equal(t, []CloseReason{CloseRegistrationFailed}, conn.shutdown)
			assert.Equal(t, []CloseReason{CloseRegistrationFailed}, rec.closed)
			assert.Len(t, rec.rejected, 1)
			assert.Equal(t, "", s.ClientID())

			reason, cause := s.Reason()
			assert.Equal(t, CloseRegistrationFailed, reason)
			assert.True(t, errors.Is(cause, protocol.ErrRegistrationRequired))
		})
	}
}

func TestHandshakeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 20 * time.Millisecond

	conn := newFakeConn()
	rec := newRecorder()
	s := New(conn, cfg, rec, zerolog.Nop())

	err := s.Run(context.Background(), NewRegistry())
	assert.True(t, errors.Is(err, protocol.ErrRegistrationRequired), err)
	assert.Equal(t, []CloseReason{CloseRegistrationFailed}, rec.closed)
	assert.Equal(t, StateClosed, s.State())
}

func TestGreetingAfterRegistration(t *testing.T) {
	cfg := testConfig()
	cfg.Greeting = "Connected to the agent gateway"
	s, conn, _, err := replay(t, cfg, registerC1)
	require.NoError(t, err)

	frames := conn.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.KindSystem, frames[0].Type)
	assert.Equal(t, cfg.Greeting, frames[0].Content)
	assert.Equal(t, "c1", s.ClientID())
	assert.Equal(t, "kitchen-robot", s.Name())
}

func TestMalformedFramesAreDropped(t *testing.T) {
	_, _, rec, err := replay(t, testConfig(),
		registerC1,
		`{nope`,
		`{"type":"tool_call","id":"x"}`,
		`{"type":"tool_call_chunk","args":"{"}`,
		`{"type":"client_list","clients":[]}`,
		`{"type":"register","id":"c2","name":"other"}`,
		`{"type":"token","content":"after"}`,
	)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"malformed_message", "malformed_message", "malformed_message", "malformed_message", "malformed_message",
	}, rec.rejectedClasses())
	assert.Equal(t, []string{"after"}, rec.tokens)
	assert.Equal(t, []CloseReason{CloseNormal}, rec.closed)
}

func TestDuplicatesAndOverflow(t *testing.T) {
	cfg := testConfig()
	cfg.MaxChunkBytes = 8
	s, _, rec, err := replay(t, cfg,
		registerC1,
		`{"type":"tool_call","id":"a","name":"n","args":{}}`,
		`{"type":"tool_call","id":"a","name":"n","args":{}}`,
		`{"type":"tool_call_chunk","id":"a","args":"{}"}`,
		`{"type":"tool_call_chunk","id":"b","name":"n","args":"{\"k\":"}`,
		`{"type":"tool_call_chunk","id":"b","args":"\"0123456789\"}"}`,
		`{"type":"tool_call_chunk","id":"b","args":"}"}`,
		`{"type":"tool_call","id":"b","name":"n","args":{}}`,
	)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"duplicate_invocation", "duplicate_invocation", "chunk_overflow", "duplicate_invocation", "duplicate_invocation",
	}, rec.rejectedClasses())
	require.Len(t, rec.completed, 1)

	inv, ok := s.Invocation("b")
	require.True(t, ok)
	assert.Equal(t, invocation.StateFailed, inv.State)
	assert.Empty(t, s.PendingChunks())
}

func TestChunkNamePending(t *testing.T) {
	_, _, rec, err := replay(t, testConfig(),
		registerC1,
		`{"type":"tool_call_chunk","id":"a","args":"{\"q\":"}`,
		`{"type":"tool_call_chunk","id":"a","name":"vision_analyze","args":"1}"}`,
	)
	require.NoError(t, err)
	require.Len(t, rec.completed, 1)
	assert.Equal(t, "vision_analyze", rec.completed[0].Name)
	assert.Equal(t, `{"q":1}`, string(rec.completed[0].Args))
}

func TestIdleTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.PongWait = 30 * time.Millisecond

	conn := newFakeConn()
	conn.push(registerC1)
	rec := newRecorder()
	s := New(conn, cfg, rec, zerolog.Nop())

	err := s.Run(context.Background(), NewRegistry())
	assert.True(t, errors.Is(err, ErrIdleTimeout), err)
	assert.Equal(t, []CloseReason{CloseIdleTimeout}, rec.closed)
	assert.Equal(t, []CloseReason{CloseIdleTimeout}, conn.shutdown)
}

func TestInboundTrafficExtendsDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.PongWait = 60 * time.Millisecond

	conn := newFakeConn()
	conn.pongWait = cfg.PongWait
	rec := newRecorder()
	s := New(conn, cfg, rec, zerolog.Nop())

	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background(), NewRegistry()) }()
	conn.push(registerC1)

	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		conn.push(`{"type":"token","content":"."}`)
	}
	assert.Equal(t, StateActive, s.State())

	conn.hangup()
	require.NoError(t, <-errc)
	assert.Len(t, rec.tokens, 5)
}

func TestKeepalivePingsIdleSession(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 30 * time.Millisecond

	conn := newFakeConn()
	rec := newRecorder()
	s := New(conn, cfg, rec, zerolog.Nop())

	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background(), NewRegistry()) }()
	conn.push(registerC1)
	rec.waitFor(t, "registered")

	assert.Eventually(t, func() bool { return conn.Pings() >= 2 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, s.Info().Pings, int64(2))

	s.Close(CloseNormal, nil)
	require.NoError(t, <-errc)
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	rec := newRecorder()
	s := New(conn, testConfig(), rec, zerolog.Nop())

	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background(), NewRegistry()) }()
	conn.push(registerC1)
	rec.waitFor(t, "registered")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close(CloseNormal, nil)
		}()
	}
	wg.Wait()
	require.NoError(t, <-errc)

	<-s.Done()
	assert.Equal(t, 1, conn.closes)
	assert.Equal(t, []CloseReason{CloseNormal}, rec.closed)
	assert.Equal(t, ErrClosed, s.Send(protocol.Token("late")))
}

func TestContextCancelClosesSession(t *testing.T) {
	conn := newFakeConn()
	rec := newRecorder()
	s := New(conn, testConfig(), rec, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx, NewRegistry()) }()
	conn.push(registerC1)
	rec.waitFor(t, "registered")

	cancel()
	require.NoError(t, <-errc)
	assert.Equal(t, []CloseReason{CloseNormal}, rec.closed)
}

func TestSendBeforeRegistration(t *testing.T) {
	s := New(newFakeConn(), testConfig(), nil, zerolog.Nop())
	assert.True(t, errors.Is(s.Send(protocol.Token("x")), protocol.ErrRegistrationRequired))
}

func TestWriteFailureClosesWithTransportError(t *testing.T) {
	cfg := testConfig()
	cfg.Greeting = "hello"

	conn := newFakeConn()
	conn.failWrite = errors.New("broken pipe")
	conn.push(registerC1)
	rec := newRecorder()
	s := New(conn, cfg, rec, zerolog.Nop())

	err := s.Run(context.Background(), NewRegistry())
	assert.True(t, errors.Is(err, protocol.ErrTransport), err)
	assert.Equal(t, []CloseReason{CloseTransportError}, rec.closed)
	assert.Empty(t, conn.shutdown)
}

func TestSweeperAbandonsStaleInvocations(t *testing.T) {
	cfg := testConfig()
	cfg.InvocationTTL = 40 * time.Millisecond

	conn := newFakeConn()
	rec := newRecorder()
	s := New(conn, cfg, rec, zerolog.Nop())

	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background(), NewRegistry()) }()
	conn.push(registerC1,
		`{"type":"tool_call_chunk","id":"p","name":"n","args":"{\"a\":"}`,
		`{"type":"tool_call","id":"q","name":"n","args":{}}`,
	)
	rec.waitFor(t, "completed:q")
	require.Len(t, s.PendingChunks(), 1)

	assert.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.abandoned) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, s.PendingChunks())
	assert.Empty(t, s.Invocations())

	conn.push(`{"type":"tool_call_chunk","id":"p","args":"1}"}`)
	rec.waitFor(t, "rejected:duplicate_invocation")

	conn.hangup()
	require.NoError(t, <-errc)
}

func TestTinyInvocationTTL(t *testing.T) {
	cfg := testConfig()
	cfg.InvocationTTL = time.Nanosecond

	conn := newFakeConn()
	rec := newRecorder()
	s := New(conn, cfg, rec, zerolog.Nop())

	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background(), NewRegistry()) }()
	conn.push(registerC1, `{"type":"tool_call","id":"q","name":"n","args":{}}`)
	rec.waitFor(t, "abandoned:q")

	conn.hangup()
	require.NoError(t, <-errc)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLogsCarryClientID(t *testing.T) {
	var out syncBuffer
	conn := newFakeConn()
	conn.push(registerC1, `{"type":"tool_result","id":"nope","result":"ok"}`)
	conn.hangup()
	s := New(conn, testConfig(), nil, zerolog.New(&out))
	require.NoError(t, s.Run(context.Background(), NewRegistry()))

	s.Logger().Info().Msg("after close")

	var registered, rejected, after bool
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		switch entry["message"] {
		case "agent registered":
			registered = true
			assert.Equal(t, "c1", entry["client_id"])
			assert.Equal(t, "kitchen-robot", entry["name"])
		case "frame rejected":
			rejected = true
			assert.Equal(t, "c1", entry["client_id"])
			assert.Equal(t, "unknown_invocation", entry["class"])
		case "after close":
			after = true
			assert.Equal(t, "c1", entry["client_id"])
			assert.Equal(t, "pipe", entry["remote_addr"])
		}
	}
	assert.True(t, registered)
	assert.True(t, rejected)
	assert.True(t, after)
}

func TestInfoSnapshot(t *testing.T) {
	conn := newFakeConn()
	rec := newRecorder()
	s := New(conn, testConfig(), rec, zerolog.Nop())

	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background(), NewRegistry()) }()
	conn.push(registerC1, `{"type":"tool_call","id":"a","name":"n","args":{}}`)
	rec.waitFor(t, "completed:a")

	info := s.Info()
	assert.Equal(t, "c1", info.ClientID)
	assert.Equal(t, StateActive, info.State)
	assert.Equal(t, 1, info.Invocations)

	data, err := json.Marshal(info)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"active"`)

	conn.hangup()
	require.NoError(t, <-errc)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab...(3 bytes)", truncate("abc", 2))
}
