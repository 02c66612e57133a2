// Package metrics exposes gateway instrumentation in Prometheus format.
//
// A single Metrics value is shared by the broker manager, the cluster sync
// layer and the mosquitto supervisor; each consumes it through its own
// narrow interface. Collectors live on a private registry whose Handler
// the diagnostics server mounts.
package metrics
