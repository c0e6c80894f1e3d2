package metrics

import (
	"github.com/RoanBrand/gomqttc/internal/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gomqttc"

// Source provides a goroutine safe snapshot of the running engine.
type Source interface {
	Stats() client.Stats
}

// Metrics holds the Prometheus metrics of the publisher.
type Metrics struct {
	Published    prometheus.Counter
	Dropped      prometheus.Counter
	Commands     prometheus.Counter
	SensorErrors prometheus.Counter
	Sessions     *prometheus.CounterVec

	factory promauto.Factory
}

// New creates the metrics and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Published: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Total number of PUBLISH packets queued",
		}),
		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Total number of readings dropped because the send buffer was full",
		}),
		Commands: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total number of commands received",
		}),
		SensorErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_errors_total",
			Help:      "Total number of failed sensor reads",
		}),
		Sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of broker sessions by outcome",
		}, []string{"result"}),
		factory: factory,
	}
}

// Watch exports the engine snapshot of src as gauges. Call once.
func (m *Metrics) Watch(src Source) {
	gauge := func(name, help string, f func(s client.Stats) float64) {
		m.factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      name,
			Help:      help,
		}, func() float64 { return f(src.Stats()) })
	}

	gauge("ack_timeouts", "Acknowledgement timeouts in the current session", func(s client.Stats) float64 {
		return float64(s.Timeouts)
	})
	gauge("queue_messages", "Messages held in the send queue", func(s client.Stats) float64 {
		return float64(s.Queued)
	})
	gauge("queue_pending", "Queued messages not yet complete", func(s client.Stats) float64 {
		return float64(s.Pending)
	})
	gauge("queue_free_bytes", "Free bytes in the send queue", func(s client.Stats) float64 {
		return float64(s.QueueFree)
	})
	gauge("healthy", "1 if the last engine step succeeded", func(s client.Stats) float64 {
		return boolFloat(s.Healthy)
	})
	gauge("started", "1 once the startup handshake finished", func(s client.Stats) float64 {
		return boolFloat(s.Started)
	})
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
