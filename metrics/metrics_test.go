package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.PacketSent("SUBMIT_JOB", 30)
	c.PacketSent("SUBMIT_JOB", 25)
	c.PacketReceived("JOB_CREATED", 22)

	c.JobSubmitted("resize")
	c.JobAssigned("resize")
	c.JobCompleted("resize", 150*time.Millisecond)
	c.JobFailed("resize")

	require.Equal(t, 2.0, testutil.ToFloat64(c.packetsSent.WithLabelValues("SUBMIT_JOB")))
	require.Equal(t, 55.0, testutil.ToFloat64(c.bytesSent))
	require.Equal(t, 1.0, testutil.ToFloat64(c.packetsReceived.WithLabelValues("JOB_CREATED")))
	require.Equal(t, 22.0, testutil.ToFloat64(c.bytesReceived))

	require.Equal(t, 1.0, testutil.ToFloat64(c.jobsSubmitted.WithLabelValues("resize")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.jobsAssigned.WithLabelValues("resize")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.jobsCompleted.WithLabelValues("resize")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.jobsFailed.WithLabelValues("resize")))
}

func TestCollectorRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	require.Panics(t, func() { NewCollector(reg) }, "duplicate registration should panic")
}
