package session

import (
	"github.com/korylprince/agentstream/invocation"
	"github.com/korylprince/agentstream/protocol"
)

// Observer receives everything a session does. Calls for one session other than
// Abandoned and Closed come from its read loop, in frame order.
type Observer interface {
	// Registered is called once the register handshake succeeded.
	Registered(s *Session)
	// Token receives token and user_request frames in arrival order.
	Token(s *Session, msg protocol.Message)
	// Completed is called when an invocation's arguments are complete.
	Completed(s *Session, inv invocation.Invocation)
	// Resolved is called when a result matched a complete invocation.
	Resolved(s *Session, inv invocation.Invocation)
	// Abandoned is called for invocations dropped by the TTL sweep.
	Abandoned(s *Session, inv invocation.Invocation)
	// Accepted is called after every frame that was dispatched without error.
	Accepted(s *Session, msg protocol.Message)
	// Rejected is called for every dropped frame. err wraps a protocol error class.
	Rejected(s *Session, err error)
	// Closed is called exactly once when the session ends.
	Closed(s *Session, reason CloseReason, err error)
}

// NopObserver ignores every event. Embed it to implement only some methods.
type NopObserver struct{}

func (NopObserver) Registered(*Session) {}
func (NopObserver) Token(*Session, protocol.Message) {}
func (NopObserver) Completed(*Session, invocation.Invocation) {}
func (NopObserver) Resolved(*Session, invocation.Invocation) {}
func (NopObserver) Abandoned(*Session, invocation.Invocation) {}
func (NopObserver) Accepted(*Session, protocol.Message) {}
func (NopObserver) Rejected(*Session, error) {}
func (NopObserver) Closed(*Session, CloseReason, error) {}
