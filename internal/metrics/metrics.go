package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gamegenie/genie-bridge/internal/correlator"
	"github.com/gamegenie/genie-bridge/internal/dispatch"
)

const namespace = "genie"

// Metrics holds the bridge's collectors. It satisfies connection.Observer
// and dispatch.Observer.
type Metrics struct {
	reg prometheus.Registerer

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	framingErrors   *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
	peers           *prometheus.GaugeVec
	auditRows       *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "commands_total",
			Help:      "Commands dispatched to the peer by outcome",
		}, []string{"command", "outcome"}),
		commandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "command_duration_seconds",
			Help:      "Time from send to final outcome",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"command"}),
		framingErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "framing_errors_total",
			Help:      "Inbound data discarded as unparseable",
		}, []string{"transport"}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnects_total",
			Help:      "Connections rebuilt after the first",
		}, []string{"transport"}),
		peers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "peers",
			Help:      "Attached websocket peers by announced kind",
		}, []string{"kind"}),
		auditRows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "rows_total",
			Help:      "Audit rows by result (written, dropped, failed)",
		}, []string{"result"}),
		eventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Peer events fanned out by result",
		}, []string{"result"}),
	}
}

// ObserveResult records a dispatcher result.
func (m *Metrics) ObserveResult(r dispatch.Result) {
	m.commands.WithLabelValues(r.Command, r.Outcome.String()).Inc()
	m.commandDuration.WithLabelValues(r.Command).Observe(r.Duration.Seconds())
}

// FramingError counts discarded inbound data.
func (m *Metrics) FramingError(transport string) {
	m.framingErrors.WithLabelValues(transport).Inc()
}

// Reconnected counts a rebuilt connection.
func (m *Metrics) Reconnected(transport string) {
	m.reconnects.WithLabelValues(transport).Inc()
}

// PeerAttached increments the peer gauge for kind.
func (m *Metrics) PeerAttached(kind string) {
	m.peers.WithLabelValues(kind).Inc()
}

// PeerDetached decrements the peer gauge for kind.
func (m *Metrics) PeerDetached(kind string) {
	m.peers.WithLabelValues(kind).Dec()
}

// AuditRows counts audit rows with the given result.
func (m *Metrics) AuditRows(result string, n int) {
	m.auditRows.WithLabelValues(result).Add(float64(n))
}

// EventPublished counts one fanned-out event.
func (m *Metrics) EventPublished(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.eventsPublished.WithLabelValues(result).Inc()
}

// RegisterCorrelator exports correlator state, read at scrape time.
func (m *Metrics) RegisterCorrelator(c *correlator.Correlator) {
	f := promauto.With(m.reg)

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "correlator",
		Name:      "pending",
		Help:      "Requests awaiting a response",
	}, func() float64 { return float64(c.Stats().Pending) })

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "correlator",
		Name:      "held",
		Help:      "Unmatched responses in the holding area",
	}, func() float64 { return float64(c.Stats().Held) })

	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "correlator",
		Name:      "expired_total",
		Help:      "Held responses dropped after the retention period",
	}, func() float64 { return float64(c.Stats().Expired) })

	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "correlator",
		Name:      "timeouts_total",
		Help:      "Waiters that gave up before their response arrived",
	}, func() float64 { return float64(c.Stats().TimedOut) })
}
