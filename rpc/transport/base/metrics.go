package base

import (
	"fmt"
	"io"
	"time"

	"github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
)

// Metrics collects the counters of one client transport. Every transport
// owns its own set, nothing is registered globally.
type Metrics struct {
	name string
	set  *metrics.Set

	submitted   *metrics.Counter
	completed   *metrics.Counter
	failed      *metrics.Counter
	stray       *metrics.Counter
	malformed   *metrics.Counter
	cancelled   *metrics.Counter
	orphaned    *metrics.Counter
	sendRetries *metrics.Counter
	reconnects  *metrics.Counter
	timeouts    *metrics.Counter

	// round trip latency in microseconds
	latency gometrics.Histogram
}

// MetricsSnapshot is a point in time copy of the counters
type MetricsSnapshot struct {
	Submitted   uint64
	Completed   uint64
	Failed      uint64
	Stray       uint64
	Malformed   uint64
	Cancelled   uint64
	Orphaned    uint64
	SendRetries uint64
	Reconnects  uint64
	Timeouts    uint64

	LatencyCount int64
	LatencyMean  time.Duration
	LatencyP99   time.Duration
	LatencyMax   time.Duration
}

// NewMetrics creates the metrics of a transport. name is used as the value
// of the transport label.
func NewMetrics(name string) *Metrics {
	m := &Metrics{
		name:    name,
		set:     metrics.NewSet(),
		latency: gometrics.NewHistogram(gometrics.NewExpDecaySample(1028, 0.015)),
	}
	m.submitted = m.set.NewCounter(m.metricName("smb_requests_submitted_total"))
	m.completed = m.set.NewCounter(m.metricName("smb_requests_completed_total"))
	m.failed = m.set.NewCounter(m.metricName("smb_requests_failed_total"))
	m.stray = m.set.NewCounter(m.metricName("smb_responses_stray_total"))
	m.malformed = m.set.NewCounter(m.metricName("smb_responses_malformed_total"))
	m.cancelled = m.set.NewCounter(m.metricName("smb_requests_cancelled_total"))
	m.orphaned = m.set.NewCounter(m.metricName("smb_requests_orphaned_total"))
	m.sendRetries = m.set.NewCounter(m.metricName("smb_send_retries_total"))
	m.reconnects = m.set.NewCounter(m.metricName("smb_reconnects_total"))
	m.timeouts = m.set.NewCounter(m.metricName("smb_timeouts_total"))
	return m
}

func (m *Metrics) metricName(base string) string {
	return fmt.Sprintf("%s{transport=%q}", base, m.name)
}

// registerConnection adds the gauges of connection slot index. The gauges
// look the connection up on every scrape, so they follow reconnects.
func (m *Metrics) registerConnection(index int, t *clientTransport) {
	label := func(base string) string {
		return fmt.Sprintf("%s{transport=%q,conn=\"%d\"}", base, m.name, index)
	}
	m.set.GetOrCreateGauge(label("smb_requests_pending"), func() float64 {
		if c := t.connectionAt(index); c != nil {
			return float64(c.registry.len())
		}
		return 0
	})
	m.set.GetOrCreateGauge(label("smb_credits_available"), func() float64 {
		if c := t.connectionAt(index); c != nil {
			credits, _ := c.credits.snapshot()
			return float64(credits)
		}
		return 0
	})
	m.set.GetOrCreateGauge(label("smb_requests_in_flight"), func() float64 {
		if c := t.connectionAt(index); c != nil {
			_, inFlight := c.credits.snapshot()
			return float64(inFlight)
		}
		return 0
	})
}

func (m *Metrics) observeLatency(d time.Duration) {
	m.latency.Update(d.Microseconds())
}

// WritePrometheus writes all metrics in the Prometheus text format
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

// Snapshot returns the current counter values
func (m *Metrics) Snapshot() MetricsSnapshot {
	lat := m.latency.Snapshot()
	return MetricsSnapshot{
		Submitted:    m.submitted.Get(),
		Completed:    m.completed.Get(),
		Failed:       m.failed.Get(),
		Stray:        m.stray.Get(),
		Malformed:    m.malformed.Get(),
		Cancelled:    m.cancelled.Get(),
		Orphaned:     m.orphaned.Get(),
		SendRetries:  m.sendRetries.Get(),
		Reconnects:   m.reconnects.Get(),
		Timeouts:     m.timeouts.Get(),
		LatencyCount: lat.Count(),
		LatencyMean:  time.Duration(lat.Mean()) * time.Microsecond,
		LatencyP99:   time.Duration(lat.Percentile(0.99)) * time.Microsecond,
		LatencyMax:   time.Duration(lat.Max()) * time.Microsecond,
	}
}

// String formats the snapshot for the command line
func (s MetricsSnapshot) String() string {
	return fmt.Sprintf("submitted=%d completed=%d failed=%d stray=%d malformed=%d cancelled=%d orphaned=%d send_retries=%d reconnects=%d timeouts=%d latency(n=%d mean=%s p99=%s max=%s)",
		s.Submitted, s.Completed, s.Failed, s.Stray, s.Malformed, s.Cancelled, s.Orphaned,
		s.SendRetries, s.Reconnects, s.Timeouts, s.LatencyCount, s.LatencyMean, s.LatencyP99, s.LatencyMax)
}
