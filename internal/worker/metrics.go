package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pwaedge",
		Name:      "requests_total",
		Help:      "Intercepted requests by route class and strategy outcome.",
	}, []string{"route", "outcome"})

	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pwaedge",
		Name:      "lifecycle_transitions_total",
		Help:      "Worker lifecycle transitions.",
	}, []string{"from", "to"})

	pushEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pwaedge",
		Name:      "push_events_total",
		Help:      "Push subsystem events by kind and result.",
	}, []string{"event", "result"})
)

// RegisterMetrics adds the worker collectors to reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{requestsTotal, transitionsTotal, pushEventsTotal} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
