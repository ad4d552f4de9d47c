package ringio

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts ring traffic. A nil *Metrics records nothing.
type Metrics struct {
	acquired   *prometheus.CounterVec
	released   *prometheus.CounterVec
	statuses   *prometheus.CounterVec
	flushed    *prometheus.CounterVec
	attributes *prometheus.CounterVec
	notifies   *prometheus.CounterVec
	instances  prometheus.Gauge
	clients    *prometheus.GaugeVec
}

// NewMetrics registers the ring collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	const ns, sub = "dsplink", "ringio"
	m := &Metrics{
		acquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "acquired_bytes_total",
			Help: "Bytes granted by acquire.",
		}, []string{"role"}),
		released: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "released_bytes_total",
			Help: "Bytes committed by writers or consumed by readers.",
		}, []string{"role"}),
		statuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "acquire_status_total",
			Help: "Acquire outcomes by status.",
		}, []string{"role", "status"}),
		flushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "flushed_bytes_total",
			Help: "Bytes discarded by flush.",
		}, []string{"role", "mode"}),
		attributes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "attributes_total",
			Help: "Attributes set by writers and read by readers.",
		}, []string{"op"}),
		notifies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "notifications_total",
			Help: "Notifications delivered to peers.",
		}, []string{"kind", "result"}),
		instances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "instances",
			Help: "Instances created by this process and not yet deleted.",
		}),
		clients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "open_clients",
			Help: "Clients open in this process.",
		}, []string{"role"}),
	}
	for _, c := range []prometheus.Collector{
		m.acquired, m.released, m.statuses, m.flushed,
		m.attributes, m.notifies, m.instances, m.clients,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) acquire(r Role, granted uint32, s Status) {
	if m == nil {
		return
	}
	m.acquired.WithLabelValues(r.String()).Add(float64(granted))
	m.statuses.WithLabelValues(r.String(), s.String()).Inc()
}

func (m *Metrics) release(r Role, n uint32) {
	if m == nil {
		return
	}
	m.released.WithLabelValues(r.String()).Add(float64(n))
}

func (m *Metrics) flush(r Role, hard bool, n uint32) {
	if m == nil {
		return
	}
	mode := "soft"
	if hard {
		mode = "hard"
	}
	m.flushed.WithLabelValues(r.String(), mode).Add(float64(n))
}

func (m *Metrics) attribute(op string) {
	if m == nil {
		return
	}
	m.attributes.WithLabelValues(op).Inc()
}

func (m *Metrics) notification(kind, result string) {
	if m == nil {
		return
	}
	m.notifies.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) instance(delta float64) {
	if m == nil {
		return
	}
	m.instances.Add(delta)
}

func (m *Metrics) client(r Role, delta float64) {
	if m == nil {
		return
	}
	m.clients.WithLabelValues(r.String()).Add(delta)
}
