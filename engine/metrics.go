package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the master's Prometheus surface: counters for the terminal
// outcomes a part or whole payment can reach, and gauges for the size of
// the live sender/part population. Grounded on the teacher's
// exportPrometheusStats, which registers a flat set of counters/gauges
// directly against the default registry rather than using a framework.
type Metrics struct {
	PartsDispatched  prometheus.Counter
	PartsSucceeded   prometheus.Counter
	PartsFailed      *prometheus.CounterVec
	RouteRequests    prometheus.Counter
	PaymentsSucceeded prometheus.Counter
	PaymentsFailed   prometheus.Counter
	ActiveSenders    prometheus.GaugeFunc
	ActiveParts      prometheus.GaugeFunc
}

// NewMetrics builds a Metrics set and registers it against reg. sizeFns
// supplies the two live-population gauges, read lazily on every Prometheus
// scrape rather than maintained as mutated counters, mirroring the
// teacher's newChannelsCollector/newPeerCollector pattern of deriving
// gauge values from live state at collection time.
func NewMetrics(reg prometheus.Registerer, senderCount, partCount func() float64) *Metrics {
	m := &Metrics{
		PartsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mpp_parts_dispatched_total",
			Help: "Number of HTLC parts dispatched to a channel.",
		}),
		PartsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mpp_parts_succeeded_total",
			Help: "Number of parts resolved with a remote fulfill.",
		}),
		PartsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mpp_parts_failed_total",
			Help: "Number of remote rejects received for dispatched parts, by kind (remote or malformed).",
		}, []string{"code"}),
		RouteRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mpp_route_requests_total",
			Help: "Number of route requests forwarded to the path-finder.",
		}),
		PaymentsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mpp_payments_succeeded_total",
			Help: "Number of logical payments that reached wholePaymentSucceeded.",
		}),
		PaymentsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mpp_payments_failed_total",
			Help: "Number of logical payments that reached wholePaymentFailed.",
		}),
	}

	m.ActiveSenders = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "mpp_active_senders",
		Help: "Number of senders currently registered with the master.",
	}, senderCount)
	m.ActiveParts = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "mpp_active_parts",
		Help: "Number of parts currently tracked across all senders.",
	}, partCount)

	reg.MustRegister(
		m.PartsDispatched, m.PartsSucceeded, m.PartsFailed,
		m.RouteRequests, m.PaymentsSucceeded, m.PaymentsFailed,
		m.ActiveSenders, m.ActiveParts,
	)

	return m
}
