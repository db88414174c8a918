// Package health tracks component health for a viewer session and
// aggregates it into a single system status.
//
// Components report one of three states: healthy, degraded, or
// unhealthy. Degraded sits between the other two for faults that clear
// on their own, such as a resolver mid-reconnect or a sink retrying a
// write. Consumers can keep serving a degraded session while alerting
// on an unhealthy one.
//
// A Monitor holds the latest Status per component and is safe for
// concurrent use:
//
//	mon := health.NewMonitor()
//	mon.UpdateHealthy("registry", "42 streams resolved")
//	mon.UpdateFromError("source-nats", err)
//
//	system := mon.AggregateHealth("viewer")
//	if system.IsUnhealthy() {
//	    // surface it
//	}
//
// Aggregation is worst-case: one unhealthy component marks the whole
// session unhealthy, one degraded component (with none unhealthy) marks
// it degraded. Component statuses ride along as SubStatuses so the
// aggregate stays inspectable.
//
// FromError maps the error taxonomy onto states: transient and timeout
// errors become degraded, anything else unhealthy. Error text is
// sanitized on the way in. Broker URLs, file paths, IP addresses,
// ports, and credential pairs are replaced with placeholders, because
// health output lands on dashboards and in logs that outlive the
// process.
//
// Status values are immutable. WithMetrics and WithSubStatus return
// copies, so a status handed to a Monitor or serialized for a stats
// endpoint can never be mutated behind the caller's back.
package health
