package httpapi

import (
	"github.com/korylprince/agentstream/invocation"
	"github.com/korylprince/agentstream/journal"
	"github.com/korylprince/agentstream/reassembly"
	"github.com/korylprince/agentstream/session"
)

//ListSessionsResponse contains every registered agent session
type ListSessionsResponse struct {
	Sessions []session.Info `json:"sessions"`
	Viewers  int            `json:"viewers"`
}

//ReadSessionResponse is one session with its live invocations and unfinished chunk buffers
type ReadSessionResponse struct {
	Session       session.Info            `json:"session"`
	Invocations   []invocation.Invocation `json:"invocations"`
	PendingChunks []reassembly.Pending    `json:"pending_chunks"`
}

//CloseSessionResponse is returned when a session is closed through the API
type CloseSessionResponse struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

//SessionHistoryResponse contains journaled sessions for a client id, newest first
type SessionHistoryResponse struct {
	Sessions []*journal.SessionRecord `json:"sessions"`
}

//LiveStats describes the sessions currently connected. Invocations counts unresolved invocations by state.
type LiveStats struct {
	Sessions      int            `json:"sessions"`
	Viewers       int            `json:"viewers"`
	Invocations   map[string]int `json:"invocations"`
	PendingChunks int            `json:"pending_chunks"`
}

//StatsResponse is the gateway summary. Journal is omitted when the journal is disabled.
type StatsResponse struct {
	Live    LiveStats      `json:"live"`
	Journal *journal.Stats `json:"journal,omitempty"`
}
