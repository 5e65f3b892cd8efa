// Package journal records agent sessions and their invocations for later inspection.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/korylprince/agentstream/invocation"
)

//Error wraps errors from a Store
type Error struct {
	Description string
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("journal: %s: %v", e.Description, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

//SessionRecord is one journaled agent session. ClosedAt and Reason are empty while the session is open.
type SessionRecord struct {
	ID          int64      `json:"id"`
	ClientID    string     `json:"client_id"`
	Name        string     `json:"name"`
	RemoteAddr  string     `json:"remote_addr"`
	ConnectedAt time.Time  `json:"connected_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Invocations int        `json:"invocations"`
}

//Store persists session history. Implementations must be safe for concurrent use.
type Store interface {
	//OpenSession inserts rec and returns its ID
	OpenSession(ctx context.Context, rec *SessionRecord) (int64, error)
	//CloseSession marks the session closed and abandons its live invocations
	CloseSession(ctx context.Context, id int64, closedAt time.Time, reason string) error
	//RecordInvocation inserts or updates the invocation under the session with the given ID
	RecordInvocation(ctx context.Context, sessionID int64, inv invocation.Invocation) error
	//ReadSessions returns the most recent sessions for clientID, newest first
	ReadSessions(ctx context.Context, clientID string, limit int) ([]*SessionRecord, error)
	//ReadStats summarizes every journaled session
	ReadStats(ctx context.Context) (*Stats, error)
	Close() error
}

//Nop is a Store that keeps nothing
type Nop struct{}

func (Nop) OpenSession(context.Context, *SessionRecord) (int64, error) { return 0, nil }

func (Nop) CloseSession(context.Context, int64, time.Time, string) error { return nil }

func (Nop) RecordInvocation(context.Context, int64, invocation.Invocation) error { return nil }

func (Nop) ReadSessions(context.Context, string, int) ([]*SessionRecord, error) { return nil, nil }

func (Nop) ReadStats(context.Context) (*Stats, error) { return nil, nil }

func (Nop) Close() error { return nil }
