package httpapi

import (
	"net/http"
	hpprof "net/http/pprof"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pingbot/internal/observability"
	logx "pingbot/pkg/logx"
)

const pprofPrefix = "/debug/pprof/"

// Routes describes what the ops server exposes.
type Routes struct {
	Gatherer     prometheus.Gatherer
	Checks       []ReadyzCheck
	ReadyTimeout time.Duration
	Token        string
	Pprof        bool
}

// NewRouter builds the ops router. Probes stay open; metrics and profiles
// sit behind the bearer token when one is configured.
func NewRouter(rt Routes, log logx.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(Metrics(observability.HTTPRequests), Logging(log))

	r.HandleFunc("/healthz", Healthz()).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/readyz", Readyz(rt.ReadyTimeout, rt.Checks...)).Methods(http.MethodGet, http.MethodHead)

	private := r.NewRoute().Subrouter()
	private.Use(BearerAuth(rt.Token))

	g := rt.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	private.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	if rt.Pprof {
		private.HandleFunc(pprofPrefix+"cmdline", hpprof.Cmdline)
		private.HandleFunc(pprofPrefix+"profile", hpprof.Profile)
		private.HandleFunc(pprofPrefix+"symbol", hpprof.Symbol)
		private.HandleFunc(pprofPrefix+"trace", hpprof.Trace)
		private.PathPrefix(pprofPrefix).HandlerFunc(hpprof.Index)
		r.Handle("/debug/pprof", http.RedirectHandler(pprofPrefix, http.StatusPermanentRedirect))
	}
	return r
}
