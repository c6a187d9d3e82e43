package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineProvider exposes the engine state metrics are scraped from
// (internal/engine.Engine satisfies this; kept as an interface so
// this package never imports internal/engine).
type EngineProvider interface {
	CPULoad() float64
	ClientCount() int
	ActiveClientCount() int
}

// XRunCounter reports the running count of excessive-delay cycles
// (spec.md §4.4, §7).
type XRunCounter interface {
	XRunCount() uint64
}

// Collector is a prometheus.Collector that gathers audiographd engine
// metrics at scrape time.
type Collector struct {
	engine    EngineProvider
	xruns     XRunCounter
	startTime time.Time

	cpuLoadDesc *prometheus.Desc
	clientsDesc *prometheus.Desc
	activeDesc  *prometheus.Desc
	xrunsDesc   *prometheus.Desc
	uptimeDesc  *prometheus.Desc
}

// NewCollector creates a metrics collector. xruns may be nil if the
// engine does not track a running xrun counter.
func NewCollector(engine EngineProvider, xruns XRunCounter, startTime time.Time) *Collector {
	return &Collector{
		engine:    engine,
		xruns:     xruns,
		startTime: startTime,

		cpuLoadDesc: prometheus.NewDesc(
			"audiographd_cpu_load_percent",
			"Smoothed percentage of the period budget the audio cycle is consuming",
			nil, nil,
		),
		clientsDesc: prometheus.NewDesc(
			"audiographd_clients",
			"Number of registered clients",
			nil, nil,
		),
		activeDesc: prometheus.NewDesc(
			"audiographd_clients_active",
			"Number of active (dispatched) clients",
			nil, nil,
		),
		xrunsDesc: prometheus.NewDesc(
			"audiographd_xruns_total",
			"Total number of excessive-delay cycles since start",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"audiographd_uptime_seconds",
			"Seconds since the audiographd process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpuLoadDesc
	ch <- c.clientsDesc
	ch <- c.activeDesc
	ch <- c.xrunsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.engine != nil {
		ch <- prometheus.MustNewConstMetric(c.cpuLoadDesc, prometheus.GaugeValue, c.engine.CPULoad())
		ch <- prometheus.MustNewConstMetric(c.clientsDesc, prometheus.GaugeValue, float64(c.engine.ClientCount()))
		ch <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue, float64(c.engine.ActiveClientCount()))
	}
	if c.xruns != nil {
		ch <- prometheus.MustNewConstMetric(c.xrunsDesc, prometheus.CounterValue, float64(c.xruns.XRunCount()))
	}
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}
