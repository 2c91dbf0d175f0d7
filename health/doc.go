// Package health reports the state of the bus and its collaborators.
//
// A Status is healthy, degraded or unhealthy and may carry sub-statuses. The
// bus builds its status from the network, the messenger and its sessions with
// Aggregate, where the worst sub-status wins. Monitor keeps the latest status
// of components that report asynchronously, such as the NATS connection.
//
// Error text is passed through Sanitize before it is exposed, so connection
// URLs, addresses and credentials do not leak onto the health endpoint:
//
//	status := health.FromError("network", err, "Connected")
//	http.Handle("/health", health.Handler(bus.Health))
package health
