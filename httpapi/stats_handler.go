package httpapi

import (
	"net/http"
)

//GET /stats/
func (g *Gateway) handleReadStats(w http.ResponseWriter, r *http.Request) *handlerResponse {
	live := LiveStats{
		Viewers:     g.hub.Len(),
		Invocations: make(map[string]int),
	}
	for _, s := range g.registry.List() {
		live.Sessions++
		for _, inv := range s.Invocations() {
			live.Invocations[inv.State.String()]++
		}
		live.PendingChunks += len(s.PendingChunks())
	}

	stats, err := g.store.ReadStats(r.Context())
	if err != nil {
		return handleError(http.StatusInternalServerError, err)
	}

	return &handlerResponse{Code: http.StatusOK, Body: &StatsResponse{Live: live, Journal: stats}}
}
