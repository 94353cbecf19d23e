package smtpd

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/asmtpd/smtpd/internal/nettrace"
)

// Metrics mirrors the counters chasquid exposes via expvarom, re-expressed
// as Prometheus vectors (the actual dependency available in this module)
// rather than expvar maps. RegisterMetrics attaches them to a registerer; callers
// typically pass prometheus.DefaultRegisterer.
var (
	commandCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smtpd_command_count",
		Help: "Count of commands received, by verb.",
	}, []string{"verb"})

	responseCodeCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smtpd_response_code_count",
		Help: "Count of replies sent, by status code.",
	}, []string{"code"})

	tlsCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smtpd_tls_count",
		Help: "Count of connections, by TLS state at connect (plain, wrapped).",
	}, []string{"tls"})

	authResultCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smtpd_auth_result_count",
		Help: "Count of AUTH attempts, by mechanism and outcome.",
	}, []string{"mechanism", "result"})

	proxyResultCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smtpd_proxy_result_count",
		Help: "Count of PROXY protocol preambles, by version and outcome.",
	}, []string{"version", "result"})
)

// RegisterMetrics registers this package's collectors with r. It is safe
// to call at most once per registerer; call it from the process's main
// package, not from package init, so tests can use their own registry.
func RegisterMetrics(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		commandCount, responseCodeCount, tlsCount, authResultCount, proxyResultCount,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RegisterDebugHandler exposes the per-connection traces Handle records
// (see conn.go's tr field) at "/debug/traces" on mux, the same path
// chasquid's own monitoring server wires nettrace.RenderTraces to. Like
// RegisterMetrics, this is left to the caller's main package rather than
// done implicitly, since a library shouldn't assume it owns the process's
// HTTP mux.
func RegisterDebugHandler(mux *http.ServeMux) {
	nettrace.RegisterHandler(mux)
}
