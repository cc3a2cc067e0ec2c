package kafka

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metricSet struct {
	msgs      *prometheus.CounterVec
	renderers prometheus.Counter
	tiles     prometheus.Counter
	skipped   prometheus.Counter
	proc      *prometheus.HistogramVec
	lag       prometheus.Gauge
}

func newMetricSet(r prometheus.Registerer) *metricSet {
	m := &metricSet{
		msgs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tileforge_invalidation_msgs_total",
			Help: "Invalidation messages by result (ok, error, invalid).",
		}, []string{"result"}),
		renderers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tileforge_invalidation_renderers_dropped_total",
			Help: "Cached renderers dropped by invalidation events.",
		}),
		tiles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tileforge_invalidation_tiles_dropped_total",
			Help: "Cached tiles dropped by invalidation events.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tileforge_invalidation_stale_total",
			Help: "Events skipped because a newer sequence was already applied.",
		}),
		proc: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tileforge_invalidation_processing_seconds",
			Help:    "Time to apply one event, by op.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"op"}),
		lag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tileforge_invalidation_lag_seconds",
			Help: "Now minus the timestamp of the last consumed message.",
		}),
	}
	if r != nil {
		r.MustRegister(m.msgs, m.renderers, m.tiles, m.skipped, m.proc, m.lag)
	}
	return m
}

func (m *metricSet) invalid() { m.msgs.WithLabelValues("invalid").Inc() }

func (m *metricSet) dropped(renderers, tiles int) {
	m.renderers.Add(float64(renderers))
	m.tiles.Add(float64(tiles))
}

func (m *metricSet) observe(op string, err error, dur time.Duration) {
	if err != nil {
		m.msgs.WithLabelValues("error").Inc()
	} else {
		m.msgs.WithLabelValues("ok").Inc()
	}
	m.proc.WithLabelValues(op).Observe(dur.Seconds())
}
