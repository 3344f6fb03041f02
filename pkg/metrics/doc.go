/*
Package metrics provides Prometheus instrumentation and HTTP health
endpoints for labfleet.

All collectors are package-level and registered in init; components
update them directly (relay delivery counters, scheduler job counters,
refresh histograms). The manager's gauge collector periodically exports
fleet-wide counts. Handler exposes the standard promhttp endpoint, and
HealthHandler/ReadyHandler/LivenessHandler back the operational probes.
*/
package metrics
