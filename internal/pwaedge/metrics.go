package pwaedge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pwaedge/internal/worker"
)

var controlledClients = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "pwaedge",
	Name:      "controlled_clients",
	Help:      "Open pages controlled by a worker.",
})

func newRegistry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		controlledClients,
	)
	if err := worker.RegisterMetrics(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
