package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type fakeEngine struct {
	cpuLoad float64
	clients int
	active  int
}

func (f fakeEngine) CPULoad() float64     { return f.cpuLoad }
func (f fakeEngine) ClientCount() int     { return f.clients }
func (f fakeEngine) ActiveClientCount() int { return f.active }

type fakeXRuns struct{ count uint64 }

func (f fakeXRuns) XRunCount() uint64 { return f.count }

func gatherAll(t *testing.T, c *Collector) map[string]*dto.MetricFamily {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register collector: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestCollectorReportsEngineAndXRunMetrics(t *testing.T) {
	eng := fakeEngine{cpuLoad: 12.5, clients: 3, active: 2}
	xr := fakeXRuns{count: 7}
	c := NewCollector(eng, xr, time.Now().Add(-time.Minute))

	families := gatherAll(t, c)

	cpu := families["audiographd_cpu_load_percent"]
	if cpu == nil || cpu.Metric[0].GetGauge().GetValue() != 12.5 {
		t.Fatalf("want cpu_load_percent=12.5, got %+v", cpu)
	}
	clients := families["audiographd_clients"]
	if clients == nil || clients.Metric[0].GetGauge().GetValue() != 3 {
		t.Fatalf("want clients=3, got %+v", clients)
	}
	active := families["audiographd_clients_active"]
	if active == nil || active.Metric[0].GetGauge().GetValue() != 2 {
		t.Fatalf("want active=2, got %+v", active)
	}
	xruns := families["audiographd_xruns_total"]
	if xruns == nil || xruns.Metric[0].GetCounter().GetValue() != 7 {
		t.Fatalf("want xruns_total=7, got %+v", xruns)
	}
	uptime := families["audiographd_uptime_seconds"]
	if uptime == nil || uptime.Metric[0].GetGauge().GetValue() <= 0 {
		t.Fatalf("want positive uptime, got %+v", uptime)
	}
}

func TestCollectorToleratesNilProviders(t *testing.T) {
	c := NewCollector(nil, nil, time.Now())
	families := gatherAll(t, c)

	if _, ok := families["audiographd_cpu_load_percent"]; ok {
		t.Fatalf("want no engine metrics reported when engine provider is nil")
	}
	if _, ok := families["audiographd_uptime_seconds"]; !ok {
		t.Fatalf("want uptime still reported with nil providers")
	}
}
