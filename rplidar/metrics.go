package rplidar

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the driver's prometheus collectors.
type Metrics struct {
	BytesReceived        prometheus.Counter
	BytesDiscarded       prometheus.Counter
	SamplesDecoded       prometheus.Counter
	SamplesDropped       prometheus.Counter
	RevolutionsPublished prometheus.Counter
	PublishErrors        prometheus.Counter
	CommandTimeouts      prometheus.Counter
	DeviceResets         prometheus.Counter
	Streaming            prometheus.Gauge
	RevolutionPoints     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg unless reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rplidar_bytes_received_total",
			Help: "Bytes consumed by the scan stream decoder.",
		}),
		BytesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rplidar_bytes_discarded_total",
			Help: "Bytes dropped while resynchronizing to a sample boundary.",
		}),
		SamplesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rplidar_samples_decoded_total",
			Help: "Complete samples decoded from the stream.",
		}),
		SamplesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rplidar_samples_dropped_total",
			Help: "Samples with zero distance or an out of range angle.",
		}),
		RevolutionsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rplidar_revolutions_published_total",
			Help: "Revolutions handed to the publisher.",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rplidar_publish_errors_total",
			Help: "Revolutions the publisher failed to deliver.",
		}),
		CommandTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rplidar_command_timeouts_total",
			Help: "Command exchanges that hit their deadline.",
		}),
		DeviceResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rplidar_device_resets_total",
			Help: "Reset commands issued to the device.",
		}),
		Streaming: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rplidar_streaming",
			Help: "1 while the scan stream is being consumed.",
		}),
		RevolutionPoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rplidar_revolution_points",
			Help: "Filled slots in the last published revolution.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.BytesReceived,
			m.BytesDiscarded,
			m.SamplesDecoded,
			m.SamplesDropped,
			m.RevolutionsPublished,
			m.PublishErrors,
			m.CommandTimeouts,
			m.DeviceResets,
			m.Streaming,
			m.RevolutionPoints,
		)
	}
	return m
}
