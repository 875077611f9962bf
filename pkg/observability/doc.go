// Package observability provides structured logging, Prometheus metrics,
// and health check endpoints for the back-office service.
//
// The Logger wraps log/slog with a JSON handler and context helpers so
// handlers can log with the request ID and user identity attached. Metrics
// cover HTTP traffic, role-scope decisions, and policy metadata cache
// behavior. HealthChecker exposes liveness and readiness probes on the
// dedicated health port.
package observability
