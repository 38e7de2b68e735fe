package api

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the node's Prometheus collectors, grounded on the
// counter/gauge registration style used for storage-committee node
// metrics in the oasis-core worker package.
type metrics struct {
	requests       *prometheus.CounterVec
	quorumFailures *prometheus.CounterVec
	readRepairs    prometheus.Counter
	claimedCount   prometheus.Gauge
}

var (
	registered   *metrics
	registerOnce sync.Once
)

// newMetrics returns the node's collectors, registering them with the
// default registry on first use; later Servers in the same process
// share them.
func newMetrics() *metrics {
	registerOnce.Do(func() { registered = buildMetrics() })
	return registered
}

func buildMetrics() *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vinz_dynamo_requests_total",
			Help: "Total store requests by method and outcome.",
		}, []string{"method", "outcome"}),
		quorumFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vinz_dynamo_quorum_failures_total",
			Help: "Requests that failed to reach read or write quorum.",
		}, []string{"op"}),
		readRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vinz_dynamo_read_repairs_total",
			Help: "Number of replicas pushed a newer value during read-repair.",
		}),
		claimedCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vinz_dynamo_claimed_partitions",
			Help: "Number of partitions this node currently claims.",
		}),
	}
	prometheus.MustRegister(m.requests, m.quorumFailures, m.readRepairs, m.claimedCount)
	return m
}
