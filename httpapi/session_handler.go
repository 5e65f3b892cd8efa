package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/korylprince/agentstream/invocation"
	"github.com/korylprince/agentstream/journal"
	"github.com/korylprince/agentstream/reassembly"
	"github.com/korylprince/agentstream/session"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

//GET /sessions/
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) *handlerResponse {
	list := g.registry.List()
	infos := make([]session.Info, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	return &handlerResponse{Code: http.StatusOK, Body: &ListSessionsResponse{Sessions: infos, Viewers: g.hub.Len()}}
}

//GET /sessions/:id
func (g *Gateway) handleReadSession(w http.ResponseWriter, r *http.Request) *handlerResponse {
	id := mux.Vars(r)["id"]
	s, ok := g.registry.Get(id)
	if !ok {
		return handleError(http.StatusNotFound, fmt.Errorf("Could not find session %q", id))
	}

	resp := &ReadSessionResponse{
		Session:       s.Info(),
		Invocations:   s.Invocations(),
		PendingChunks: s.PendingChunks(),
	}
	if resp.Invocations == nil {
		resp.Invocations = []invocation.Invocation{}
	}
	if resp.PendingChunks == nil {
		resp.PendingChunks = []reassembly.Pending{}
	}
	return &handlerResponse{Code: http.StatusOK, Body: resp}
}

//DELETE /sessions/:id
func (g *Gateway) handleCloseSession(w http.ResponseWriter, r *http.Request) *handlerResponse {
	id := mux.Vars(r)["id"]
	s, ok := g.registry.Get(id)
	if !ok {
		return handleError(http.StatusNotFound, fmt.Errorf("Could not find session %q", id))
	}

	s.Close(session.CloseNormal, errors.New("closed through api"))
	return &handlerResponse{Code: http.StatusOK, Body: &CloseSessionResponse{ID: id, Reason: string(session.CloseNormal)}}
}

//GET /sessions/:id/history
func (g *Gateway) handleSessionHistory(w http.ResponseWriter, r *http.Request) *handlerResponse {
	id := mux.Vars(r)["id"]

	limit := defaultHistoryLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			return handleError(http.StatusBadRequest, fmt.Errorf("Could not parse limit %q", l))
		}
		limit = n
	}

	records, err := g.store.ReadSessions(r.Context(), id, limit)
	if err != nil {
		return handleError(http.StatusInternalServerError, err)
	}
	if records == nil {
		records = []*journal.SessionRecord{}
	}
	return &handlerResponse{Code: http.StatusOK, Body: &SessionHistoryResponse{Sessions: records}}
}
