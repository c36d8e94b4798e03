package compilationcache

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	hits, misses, compilations, evictions prometheus.Counter
	persistedHits, persistedErrors        prometheus.Counter
	bytes                                 prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: "tierwasm", Subsystem: "cache", Name: name, Help: help})
	}
	m := &metrics{
		hits:            counter("hits_total", "Artifacts found in memory."),
		misses:          counter("misses_total", "Artifacts not found in memory."),
		compilations:    counter("compilations_total", "Backend compilations started."),
		evictions:       counter("evictions_total", "Artifacts evicted from memory."),
		persistedHits:   counter("persisted_hits_total", "Artifacts loaded from the store."),
		persistedErrors: counter("persisted_errors_total", "Store entries that could not be read, loaded or written."),
		bytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tierwasm", Subsystem: "cache", Name: "bytes", Help: "Size of the artifacts in memory.",
		}),
	}
	for _, c := range []prometheus.Collector{m.hits, m.misses, m.compilations, m.evictions, m.persistedHits, m.persistedErrors, m.bytes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
