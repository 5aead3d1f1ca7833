package loom

import (
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	inmemInterval = 10 * time.Second
	inmemRetain   = time.Minute
)

// Counter name tables, grounded on raskyld-grinta's metrics.go
// []string label-path convention. Each is passed to a *metrics.Metrics
// via IncrCounter / AddSample.
var (
	MetricLinkBytesOut     = []string{"loom", "link", "bytes", "out"}
	MetricLinkBytesIn      = []string{"loom", "link", "bytes", "in"}
	MetricLinkMessagesOut  = []string{"loom", "link", "messages", "out"}
	MetricLinkMessagesIn   = []string{"loom", "link", "messages", "in"}
	MetricLinkErrors       = []string{"loom", "link", "errors"}
	MetricLinkResync       = []string{"loom", "link", "resync"}
	MetricGCBatches        = []string{"loom", "gc", "batches"}
	MetricGCAddClients     = []string{"loom", "gc", "add_clients"}
	MetricGCDelClients     = []string{"loom", "gc", "del_clients"}
	MetricRPCCalls         = []string{"loom", "rpc", "calls"}
	MetricRPCCallFetches   = []string{"loom", "rpc", "call_fetches"}
	MetricRPCCallWaits     = []string{"loom", "rpc", "call_waits"}
	MetricRPCDos           = []string{"loom", "rpc", "dos"}
	MetricRPCErrors        = []string{"loom", "rpc", "errors"}
	MetricFutureFetches    = []string{"loom", "future", "fetches"}
	MetricFutureFetchesRPC = []string{"loom", "future", "fetches", "wire"}
	MetricPoolTakes        = []string{"loom", "pool", "takes"}
	MetricPoolEvictions    = []string{"loom", "pool", "evictions"}
)

var (
	metricsOnce sync.Once
	metricsSink *metrics.InmemSink
)

// clusterMetrics installs the process-wide metrics sink as the package's
// global instance, so that every metrics.IncrCounter/AddSample call
// throughout the codebase (link.go, gc.go, rpc.go, pool.go, future.go)
// actually lands somewhere instead of the go-metrics package default,
// which is a silent blackhole. Defaults to an in-memory sink so tests can
// assert on counters without a running collector (spec.md's Testable
// Property "observable via traffic counter" and Concrete scenario 5's
// "O(batches), not O(1000)").
func clusterMetrics() *metrics.InmemSink {
	metricsOnce.Do(func() {
		inm := metrics.NewInmemSink(inmemInterval, inmemRetain)
		conf := metrics.DefaultConfig("loom")
		conf.EnableHostname = false
		conf.EnableRuntimeMetrics = false
		if _, err := metrics.NewGlobal(conf, inm); err != nil {
			// NewGlobal only fails on a nil sink, which cannot happen here.
			return
		}
		metricsSink = inm
	})
	return metricsSink
}

func init() {
	clusterMetrics()
}

// SetMetricsSink lets an embedding application override the metrics
// backend (for example, to point at a statsd or Prometheus sink) instead
// of the default in-memory one. Replaces the package-level global that
// every IncrCounter/AddSample call in this module writes to.
func SetMetricsSink(sink metrics.MetricSink) {
	conf := metrics.DefaultConfig("loom")
	conf.EnableHostname = false
	conf.EnableRuntimeMetrics = false
	_, _ = metrics.NewGlobal(conf, sink)
	metricsSink = nil
}
