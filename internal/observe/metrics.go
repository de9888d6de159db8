package observe

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	openConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hermes_open_connections",
		Help: "Number of connections registered with the loop",
	})

	liveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hermes_live_sessions",
		Help: "Number of usernames in the session registry",
	})

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_requests_total",
			Help: "Total requests dispatched by action",
		},
		[]string{"action"},
	)

	rejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_rejected_requests_total",
			Help: "Requests answered with a failure by reason",
		},
		[]string{"reason"}, // unknown|malformed|store
	)

	protocolErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hermes_protocol_errors_total",
		Help: "Connections dropped because of a framing or decode error",
	})

	slowReadersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hermes_slow_reader_drops_total",
		Help: "Connections dropped because their outbox filled up",
	})

	pushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermes_pushes_total",
			Help: "Unsolicited actions written to live connections",
		},
		[]string{"action"}, // ping|ping_user
	)
)

func init() {
	prometheus.MustRegister(
		openConnections,
		liveSessions,
		requestsTotal,
		rejectedTotal,
		protocolErrorsTotal,
		slowReadersTotal,
		pushesTotal,
	)
}

func AddConnections(delta float64) { openConnections.Add(delta) }
func SetSessions(n int)            { liveSessions.Set(float64(n)) }
func IncRequest(action string)     { requestsTotal.WithLabelValues(action).Inc() }
func IncRejected(reason string)    { rejectedTotal.WithLabelValues(reason).Inc() }
func IncProtocolError()            { protocolErrorsTotal.Inc() }
func IncSlowReader()               { slowReadersTotal.Inc() }
func IncPush(action string)        { pushesTotal.WithLabelValues(action).Inc() }

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
