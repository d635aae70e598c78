/*
Package metrics records engine performance and exports it to Prometheus.

# Overview

Two pieces live here:

	┌─────────────┐   Record    ┌────────────────┐
	│ Orchestrator│────────────▶│    Monitor     │  ring buffer (1000)
	└─────────────┘             │  rolling window│  last 100 metrics
	       ▲                    └───────┬────────┘
	       │  Report (grade)            │ forwards
	       └────────────────────────────┤
	                            ┌───────▼────────┐
	                            │   Collector    │  private Prometheus registry
	                            └────────────────┘

Monitor keeps the last Capacity metrics and grades the most recent Window of
them. It never mutates the cache or the batch queue; consumers subscribe to its
reports and decide what to do.

# Grading

	timeScore  = 100 (<100ms), 80 (<300ms), 60 (<500ms), 40 (<1s), else 20
	cacheScore = hitRatio * 100
	score      = (timeScore + cacheScore) / 2

	A >= 90, B >= 80, C >= 70, D >= 60, F < 60

# Prometheus

	collector, err := metrics.NewCollector(metrics.DefaultConfig())
	if err != nil {
		return err
	}
	monitor := metrics.NewMonitor(nil, metrics.WithCollector(collector))

	http.Handle("/metrics", collector.Handler())

All Collector methods are no-ops on a disabled or nil collector.
*/
package metrics
