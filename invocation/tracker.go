// Package invocation tracks the lifecycle of tool invocations within one session.
package invocation

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/korylprince/agentstream/protocol"
)

// State is the lifecycle position of an invocation.
type State int

// Invocation states
const (
	StateOpened State = iota
	StateAccumulating
	StateComplete
	StateResolved
	StateAbandoned
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateAccumulating:
		return "accumulating"
	case StateComplete:
		return "complete"
	case StateResolved:
		return "resolved"
	case StateAbandoned:
		return "abandoned"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Live reports whether the invocation may still change state.
func (s State) Live() bool {
	return s == StateOpened || s == StateAccumulating || s == StateComplete
}

// Invocation is one logical tool call.
type Invocation struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	State       State            `json:"state"`
	Chunked     bool             `json:"chunked"`
	Args        json.RawMessage  `json:"args,omitempty"`
	Result      protocol.Payload `json:"result"`
	Err         string           `json:"error,omitempty"`
	OpenedAt    time.Time        `json:"opened_at"`
	CompletedAt time.Time        `json:"completed_at"`
	ResolvedAt  time.Time        `json:"resolved_at"`
}

// release drops the payloads of a terminal record. The tombstone only has to catch a
// reused id; the caller already holds the full copy.
func (inv *Invocation) release() {
	inv.Args = nil
	inv.Result = protocol.Payload{}
}

// Tracker maps invocation ids to invocations. Records that reached a terminal state are
// kept without their payloads so that a reused id is detected. It is safe for concurrent use.
type Tracker struct {
	mu    sync.RWMutex
	items map[string]*Invocation
	now   func() time.Time
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		items: make(map[string]*Invocation),
		now:   time.Now,
	}
}

// Open records a new invocation. chunked invocations start accumulating; others wait
// for Complete. Any existing record for id is a duplicate.
func (t *Tracker) Open(id, name string, chunked bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	kind := protocol.KindToolCall
	if chunked {
		kind = protocol.KindToolCallChunk
	}
	if inv, ok := t.items[id]; ok {
		return protocol.Errorf(protocol.ErrDuplicateInvocation, kind, id, "invocation is %s", inv.State)
	}

	inv := &Invocation{
		ID:       id,
		Name:     name,
		State:    StateOpened,
		Chunked:  chunked,
		OpenedAt: t.now(),
	}
	if chunked {
		inv.State = StateAccumulating
	}
	t.items[id] = inv
	return nil
}

// Name sets the tool name of a live invocation whose name is still pending.
func (t *Tracker) Name(id, name string) {
	if name == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if inv, ok := t.items[id]; ok && inv.Name == "" && inv.State.Live() {
		inv.Name = name
	}
}

// Complete marks an opened or accumulating invocation complete with its arguments.
func (t *Tracker) Complete(id string, args json.RawMessage) (Invocation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inv, ok := t.items[id]
	if !ok {
		return Invocation{}, protocol.Errorf(protocol.ErrUnknownInvocation, "", id, "complete without open")
	}
	if inv.State != StateOpened && inv.State != StateAccumulating {
		return Invocation{}, protocol.Errorf(protocol.ErrDuplicateInvocation, "", id, "invocation is %s", inv.State)
	}
	inv.State = StateComplete
	inv.Args = args
	inv.CompletedAt = t.now()
	return *inv, nil
}

// Resolve attaches result to a complete invocation. An id that was never opened, is not
// complete yet, or already reached a terminal state is unknown.
func (t *Tracker) Resolve(id string, result protocol.Payload) (Invocation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inv, ok := t.items[id]
	if !ok {
		return Invocation{}, protocol.Errorf(protocol.ErrUnknownInvocation, protocol.KindToolResult, id, "no prior call")
	}
	if inv.State != StateComplete {
		return Invocation{}, protocol.Errorf(protocol.ErrUnknownInvocation, protocol.KindToolResult, id, "invocation is %s", inv.State)
	}
	inv.State = StateResolved
	inv.Result = result
	inv.ResolvedAt = t.now()
	out := *inv
	inv.release()
	return out, nil
}

// Abandon gives up on a live invocation. It reports whether the invocation was live.
func (t *Tracker) Abandon(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	inv, ok := t.items[id]
	if !ok || !inv.State.Live() {
		return false
	}
	inv.State = StateAbandoned
	inv.release()
	return true
}

// Fail marks a live invocation failed with err.
func (t *Tracker) Fail(id string, err error) (Invocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inv, ok := t.items[id]
	if !ok || !inv.State.Live() {
		return Invocation{}, false
	}
	inv.State = StateFailed
	if err != nil {
		inv.Err = err.Error()
	}
	out := *inv
	inv.release()
	return out, true
}

// Lookup returns a copy of the record for id.
func (t *Tracker) Lookup(id string) (Invocation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inv, ok := t.items[id]
	if !ok {
		return Invocation{}, false
	}
	return *inv, true
}

// Pending lists live invocations ordered by open time.
func (t *Tracker) Pending() []Invocation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Invocation
	for _, inv := range t.items {
		if inv.State.Live() {
			out = append(out, *inv)
		}
	}
	sortByOpened(out)
	return out
}

// Expire abandons live invocations idle for more than ttl and returns them. A complete
// invocation is measured from completion, others from opening.
func (t *Tracker) Expire(ttl time.Duration) []Invocation {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-ttl)
	var out []Invocation
	for _, inv := range t.items {
		since := inv.OpenedAt
		if inv.State == StateComplete {
			since = inv.CompletedAt
		}
		if inv.State.Live() && since.Before(cutoff) {
			inv.State = StateAbandoned
			out = append(out, *inv)
			inv.release()
		}
	}
	sortByOpened(out)
	return out
}

// Len returns the number of live invocations.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, inv := range t.items {
		if inv.State.Live() {
			n++
		}
	}
	return n
}

func sortByOpened(list []Invocation) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].OpenedAt.Equal(list[j].OpenedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].OpenedAt.Before(list[j].OpenedAt)
	})
}
