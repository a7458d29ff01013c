// Package metrics exposes Prometheus instrumentation for the transport and
// the job sessions. A single Collector plugs into a Universal as its packet
// observer and into clients and workers as their lifecycle recorder.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the metric families for one process. Register it once
// and share it across every Universal, Client and Worker in the process.
type Collector struct {
	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	bytesSent       prometheus.Counter
	bytesReceived   prometheus.Counter

	jobsSubmitted *prometheus.CounterVec
	jobsAssigned  *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
}

// NewCollector creates and registers the metric families on reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		packetsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobwire",
			Name:      "packets_sent_total",
			Help:      "Packets written to job servers, by command.",
		}, []string{"command"}),
		packetsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobwire",
			Name:      "packets_received_total",
			Help:      "Packets read from job servers, by command.",
		}, []string{"command"}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "jobwire",
			Name:      "bytes_sent_total",
			Help:      "Wire bytes written, headers included.",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "jobwire",
			Name:      "bytes_received_total",
			Help:      "Wire bytes read, headers included.",
		}),
		jobsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobwire",
			Name:      "jobs_submitted_total",
			Help:      "Jobs submitted by clients, by function.",
		}, []string{"function"}),
		jobsAssigned: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobwire",
			Name:      "jobs_assigned_total",
			Help:      "Jobs assigned to workers, by function.",
		}, []string{"function"}),
		jobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobwire",
			Name:      "jobs_completed_total",
			Help:      "Jobs that reached WORK_COMPLETE, by function.",
		}, []string{"function"}),
		jobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobwire",
			Name:      "jobs_failed_total",
			Help:      "Jobs that reached WORK_FAIL, by function.",
		}, []string{"function"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jobwire",
			Name:      "job_duration_seconds",
			Help:      "Wall time from submit (or assign) to the terminal packet.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"function"}),
	}
}

// PacketSent implements transport.Observer.
func (c *Collector) PacketSent(command string, wireBytes int) {
	c.packetsSent.WithLabelValues(command).Inc()
	c.bytesSent.Add(float64(wireBytes))
}

// PacketReceived implements transport.Observer.
func (c *Collector) PacketReceived(command string, wireBytes int) {
	c.packetsReceived.WithLabelValues(command).Inc()
	c.bytesReceived.Add(float64(wireBytes))
}

// JobSubmitted implements client.Recorder.
func (c *Collector) JobSubmitted(function string) {
	c.jobsSubmitted.WithLabelValues(function).Inc()
}

// JobAssigned implements worker.Recorder.
func (c *Collector) JobAssigned(function string) {
	c.jobsAssigned.WithLabelValues(function).Inc()
}

// JobCompleted implements both recorder interfaces.
func (c *Collector) JobCompleted(function string, elapsed time.Duration) {
	c.jobsCompleted.WithLabelValues(function).Inc()
	c.jobDuration.WithLabelValues(function).Observe(elapsed.Seconds())
}

// JobFailed implements both recorder interfaces.
func (c *Collector) JobFailed(function string) {
	c.jobsFailed.WithLabelValues(function).Inc()
}
