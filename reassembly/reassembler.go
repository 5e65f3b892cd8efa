// Package reassembly turns interleaved tool_call_chunk fragments into complete
// tool invocations.
//
// The protocol carries no end-of-chunks marker. After every fragment the buffer for
// that invocation id is parsed as JSON; the first parse that consumes the entire
// buffer completes the invocation.
package reassembly

import (
	"bytes"
	"encoding/json"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/korylprince/agentstream/protocol"
)

// DefaultLimit is the default per-invocation buffer bound in bytes.
const DefaultLimit = 256 * 1024

// Completed is an invocation whose arguments were fully reassembled.
type Completed struct {
	ID     string
	Name   string
	Args   json.RawMessage
	Chunks int
}

// Pending describes a buffer that has not completed yet.
type Pending struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Bytes    int       `json:"bytes"`
	Chunks   int       `json:"chunks"`
	OpenedAt time.Time `json:"opened_at"`
}

type buffer struct {
	name     string
	data     []byte
	chunks   int
	openedAt time.Time
}

// Reassembler accumulates fragments keyed by invocation id. It is safe for concurrent use.
type Reassembler struct {
	limit int

	mu      sync.Mutex
	buffers map[string]*buffer
	closed  map[string]struct{}
}

// New returns a Reassembler that fails any buffer growing past limit bytes.
// A limit <= 0 uses DefaultLimit.
func New(limit int) *Reassembler {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Reassembler{
		limit:   limit,
		buffers: make(map[string]*buffer),
		closed:  make(map[string]struct{}),
	}
}

// Add appends fragment to the buffer of id. name is recorded while the name is still
// pending. It returns the completed invocation once the buffer parses as one whole
// JSON value, or nil while more fragments are needed.
func (r *Reassembler) Add(id, name, fragment string) (*Completed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.closed[id]; ok {
		return nil, protocol.Errorf(protocol.ErrDuplicateInvocation, protocol.KindToolCallChunk, id, "chunk after completion")
	}

	buf, ok := r.buffers[id]
	if !ok {
		buf = &buffer{openedAt: time.Now()}
		r.buffers[id] = buf
	}
	if buf.name == "" {
		buf.name = name
	}
	buf.chunks++

	if len(buf.data)+len(fragment) > r.limit {
		delete(r.buffers, id)
		r.closed[id] = struct{}{}
		return nil, protocol.Errorf(protocol.ErrChunkOverflow, protocol.KindToolCallChunk, id,
			"buffer would reach %d bytes (limit %d)", len(buf.data)+len(fragment), r.limit)
	}
	buf.data = append(buf.data, fragment...)

	args, ok := parseComplete(buf.data)
	if !ok {
		return nil, nil
	}

	delete(r.buffers, id)
	r.closed[id] = struct{}{}
	return &Completed{ID: id, Name: buf.name, Args: args, Chunks: buf.chunks}, nil
}

// Name returns the tool name recorded for the pending buffer of id.
func (r *Reassembler) Name(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.buffers[id]
	if !ok {
		return "", false
	}
	return buf.name, true
}

// Closed reports whether id already completed, overflowed or was discarded.
func (r *Reassembler) Closed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.closed[id]
	return ok
}

// Discard drops the pending buffer of id and closes the id. It reports whether a
// buffer was pending.
func (r *Reassembler) Discard(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.buffers[id]
	delete(r.buffers, id)
	r.closed[id] = struct{}{}
	return ok
}

// Pending lists buffers that have not completed, ordered by id.
func (r *Reassembler) Pending() []Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Pending, 0, len(r.buffers))
	for id, buf := range r.buffers {
		out = append(out, Pending{
			ID:       id,
			Name:     buf.name,
			Bytes:    len(buf.data),
			Chunks:   buf.chunks,
			OpenedAt: buf.openedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// parseComplete reports whether data holds exactly one JSON value, optionally surrounded
// by whitespace, and returns it compacted. Bare numbers never count as complete: "1"
// may still grow into "12".
func parseComplete(data []byte) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, false
	}
	if c := trimmed[0]; c == '-' || (c >= '0' && c <= '9') {
		return nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	var v json.RawMessage
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, false
	}

	var out bytes.Buffer
	if err := json.Compact(&out, v); err != nil {
		return nil, false
	}
	return out.Bytes(), true
}
