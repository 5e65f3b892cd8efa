package httpapi

import (
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//NewRouter returns an HTTP router for the gateway. Access logs are written to w.
func NewRouter(w io.Writer, g *Gateway, gatherer prometheus.Gatherer) http.Handler {

	//construct middleware
	var m = func(h returnHandler) http.Handler {
		return handlers.CompressHandler(logMiddleware(jsonMiddleware(h), g.log))
	}

	r := mux.NewRouter()

	r.Path("/agent").Methods("GET").HandlerFunc(g.serveAgent)
	r.Path("/viewer").Methods("GET").HandlerFunc(g.serveViewer)

	r.Path("/sessions/").Methods("GET").Handler(m(g.handleListSessions))
	r.Path("/sessions/{id}").Methods("GET").Handler(m(g.handleReadSession))
	r.Path("/sessions/{id}").Methods("DELETE").Handler(m(g.handleCloseSession))
	r.Path("/sessions/{id}/history").Methods("GET").Handler(m(g.handleSessionHistory))

	r.Path("/stats/").Methods("GET").Handler(m(g.handleReadStats))

	r.Path("/metrics").Methods("GET").Handler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.NotFoundHandler = m(notFoundHandler)

	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(handlers.CombinedLoggingHandler(w, r))
}
