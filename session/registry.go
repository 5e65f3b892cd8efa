package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/korylprince/agentstream/protocol"
)

// Registry maps client ids to their live sessions. When a client id registers again
// the newer session wins and the older one is closed with superseded.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	//notifyMu keeps change callbacks in mutation order
	notifyMu sync.Mutex
	onChange []func([]protocol.ClientInfo)
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// OnChange registers fn to be called with the current client list after every change.
func (r *Registry) OnChange(fn func([]protocol.ClientInfo)) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// Add enters s under its client id and returns the session it replaced, if any. The
// replaced session is closed.
func (r *Registry) Add(s *Session) (replaced *Session) {
	id := s.ClientID()

	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	prev := r.sessions[id]
	r.sessions[id] = s
	r.mu.Unlock()

	if prev == s {
		return nil
	}
	if prev != nil {
		prev.Close(CloseSuperseded, fmt.Errorf("client %q registered from %s", id, s.RemoteAddr()))
	}
	r.notify()
	return prev
}

// Remove deletes s if its client id still maps to s. It reports whether s was removed.
func (r *Registry) Remove(s *Session) bool {
	id := s.ClientID()

	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if r.sessions[id] != s {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	r.notify()
	return true
}

// Get returns the session registered as id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns every session ordered by client id.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].ClientID() < list[j].ClientID()
	})
	return list
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Clients returns the client list sent to viewers, ordered by client id.
func (r *Registry) Clients() []protocol.ClientInfo {
	list := r.List()
	clients := make([]protocol.ClientInfo, 0, len(list))
	for _, s := range list {
		clients = append(clients, protocol.ClientInfo{ID: s.ClientID(), Name: s.Name()})
	}
	return clients
}

// CloseAll closes every registered session with reason. Sessions remove themselves as
// their Run returns.
func (r *Registry) CloseAll(reason CloseReason) {
	for _, s := range r.List() {
		s.Close(reason, nil)
	}
}

// notify must be called with notifyMu held.
func (r *Registry) notify() {
	if len(r.onChange) == 0 {
		return
	}
	clients := r.Clients()
	for _, fn := range r.onChange {
		fn(clients)
	}
}
