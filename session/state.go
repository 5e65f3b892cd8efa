package session

import (
	"errors"
	"fmt"
	"io"

	"github.com/gorilla/websocket"

	"github.com/korylprince/agentstream/protocol"
)

// State is a session lifecycle position
type State int32

// Session states
const (
	StateConnecting State = iota
	StateRegistered
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for st := StateConnecting; st <= StateClosed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("session: unknown state %q", text)
}

// CloseReason is reported to observers and to the peer when a session ends.
type CloseReason string

// Close reasons
const (
	CloseNormal             CloseReason = "normal"
	CloseRegistrationFailed CloseReason = "registration_failed"
	CloseMalformedMessage   CloseReason = "malformed_message"
	CloseIdleTimeout        CloseReason = "idle_timeout"
	CloseTransportError     CloseReason = "transport_error"
	CloseSuperseded         CloseReason = "superseded" // same client id registered again
)

// closeSuperseded is in the websocket application range (4000-4999).
const closeSuperseded = 4001

func (r CloseReason) code() int {
	switch r {
	case CloseNormal:
		return websocket.CloseNormalClosure
	case CloseRegistrationFailed:
		return websocket.ClosePolicyViolation
	case CloseMalformedMessage:
		return websocket.CloseProtocolError
	case CloseIdleTimeout:
		return websocket.CloseGoingAway
	case CloseSuperseded:
		return closeSuperseded
	}
	return websocket.CloseInternalServerErr
}

// readErrorReason maps a Conn.ReadFrame error to the reason the session closes with.
func readErrorReason(err error) CloseReason {
	switch {
	case errors.Is(err, io.EOF):
		return CloseNormal
	case errors.Is(err, ErrIdleTimeout):
		return CloseIdleTimeout
	case errors.Is(err, protocol.ErrMalformedMessage):
		return CloseMalformedMessage
	}
	return CloseTransportError
}
