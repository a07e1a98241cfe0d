package consumer

import (
	"github.com/mkocikowski/kafkaconsumer/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics of the Runner. A nil *Metrics records nothing.
type Metrics struct {
	heartbeats    *prometheus.CounterVec
	rejoins       prometheus.Counter
	cycles        *prometheus.CounterVec
	batches       prometheus.Counter
	records       prometheus.Counter
	handlerErrors *prometheus.CounterVec
	crashes       prometheus.Counter
	state         prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		heartbeats: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "kafkaconsumer_heartbeats_total",
			Help: "Total number of group heartbeats.",
		}, []string{"result"}),
		rejoins: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kafkaconsumer_rejoins_total",
			Help: "Total number of times the consumer rejoined its group.",
		}),
		cycles: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "kafkaconsumer_fetch_cycles_total",
			Help: "Total number of fetch and process cycles.",
		}, []string{"result"}),
		batches: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kafkaconsumer_batches_total",
			Help: "Total number of batches handed to the handler.",
		}),
		records: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kafkaconsumer_records_total",
			Help: "Total number of records handed to the handler.",
		}),
		handlerErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "kafkaconsumer_handler_errors_total",
			Help: "Total number of batch handler errors, by kind.",
		}, []string{"kind"}),
		crashes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kafkaconsumer_crashes_total",
			Help: "Total number of runner crashes.",
		}),
		state: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "kafkaconsumer_runner_state",
			Help: "Runner state: 0 stopped, 1 joining, 2 running, 3 rebalancing, 4 crashed.",
		}),
	}
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func (m *Metrics) heartbeat(err error) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) rejoin() {
	if m == nil {
		return
	}
	m.rejoins.Inc()
}

func (m *Metrics) cycle(err error) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) batch(records int) {
	if m == nil {
		return
	}
	m.batches.Inc()
	m.records.Add(float64(records))
}

func (m *Metrics) handlerError(err error) {
	if m == nil {
		return
	}
	m.handlerErrors.WithLabelValues(errors.Classify(err).String()).Inc()
}

func (m *Metrics) crash() {
	if m == nil {
		return
	}
	m.crashes.Inc()
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}
