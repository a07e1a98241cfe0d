package builder

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Metrics for broker connections. A nil *Metrics records nothing.
type Metrics struct {
	dials    *prometheus.CounterVec
	requests *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		dials: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "kafkaconsumer_broker_dials_total",
			Help: "Total number of broker connection attempts.",
		}, []string{"result"}),
		requests: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kafkaconsumer_broker_request_duration_seconds",
			Help:    "Duration of broker requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"api", "result"}),
	}
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func (m *Metrics) dialed(err error) {
	if m == nil {
		return
	}
	m.dials.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) observe(key int16, start time.Time, err error) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kmsg.NameForKey(key), result(err)).Observe(time.Since(start).Seconds())
}
