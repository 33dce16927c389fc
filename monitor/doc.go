// Package monitor inspects the queues of a retry topology and exports
// messaging metrics to Prometheus.
package monitor
