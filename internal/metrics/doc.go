/*
Package metrics exports device activity to Prometheus.

A Collector owns a private registry holding counters for buffer
allocations and imports, cache hits and misses, deferred submissions and
errors, plus gauges for idle cache bytes, heap occupancy and open devices.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9464,
		Path:      "/metrics",
		Namespace: "drmcore",
	})
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

The HTTP server is optional; Handler returns the mux so callers can mount
it elsewhere. A nil *Collector records nothing, so devices opened without
metrics pass nil through unchanged.
*/
package metrics
