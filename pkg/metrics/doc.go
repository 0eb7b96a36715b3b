/*
Package metrics provides Prometheus metrics collection and exposition for Nexus.

The metrics package defines and registers all Nexus metrics using the Prometheus
client library, providing observability into authentication activity, session
population, batch and transfer task throughput, SSH connection health, and API
performance. Metrics are exposed via HTTP endpoint for scraping by Prometheus
servers.

# Architecture

Nexus's metrics system follows Prometheus best practices with instrumentation
across all server components:

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Update Sources                   │          │
	│  │                                              │          │
	│  │  Event bus: ObserveEvent subscriber         │          │
	│  │    (login successes and failures)           │          │
	│  │  Collector: 15s sampling loop               │          │
	│  │    (sessions, batch/transfer task gauges)   │          │
	│  │  Direct: sshutils dial counters,            │          │
	│  │    api request middleware                   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Auth: Logins, failures, active sessions    │          │
	│  │  Tasks: Batch and transfer tasks by status  │          │
	│  │  SSH: Dial attempts, open connections       │          │
	│  │  API: Request count, duration               │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Prometheus Server                   │          │
	│  │  - Scrapes /metrics every 15s               │          │
	│  │  - Stores time series data                  │          │
	│  │  - Provides PromQL query interface          │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init
  - Automatic collection of Go runtime metrics
  - Thread-safe for concurrent updates

Event Subscriber:
  - ObserveEvent plugs into the events.Broker at startup
  - Translates login success/failure events into counters
  - Keeps the auth package free of metric imports

Periodic Collector:
  - Samples storage and the session store every 15 seconds
  - Primes every known task status each cycle so gauges
    drop back to zero when the last task in a state is gone
  - Started and stopped with the server lifecycle

Timer Helper:
  - Convenience wrapper for timing operations
  - Start timer, observe duration to histogram
  - Supports label values for histogram vectors

# Metrics Catalog

Auth Metrics:

nexus_logins_total{method}:
  - Type: Counter
  - Description: Successful logins by method (password/totp/webauthn)
  - Labels: method
  - Example: nexus_logins_total{method="totp"} 42

nexus_login_failures_total:
  - Type: Counter
  - Description: Failed login attempts across all methods
  - Example: nexus_login_failures_total 7

nexus_active_sessions:
  - Type: Gauge
  - Description: Live sessions in the session store
  - Example: nexus_active_sessions 12

Task Metrics:

nexus_batch_tasks_total{status}:
  - Type: Gauge
  - Description: Batch tasks by status (queued/in-progress/completed/...)
  - Labels: status
  - Example: nexus_batch_tasks_total{status="in-progress"} 3

nexus_transfer_tasks_total{status}:
  - Type: Gauge
  - Description: Transfer tasks by status
  - Labels: status
  - Example: nexus_transfer_tasks_total{status="completed"} 18

SSH Metrics:

nexus_ssh_dials_total{result}:
  - Type: Counter
  - Description: SSH dial attempts by result (success/unreachable/auth-failed/timeout/protocol/error)
  - Labels: result
  - Example: nexus_ssh_dials_total{result="success"} 230

nexus_ssh_connections_active:
  - Type: Gauge
  - Description: Currently open SSH connections
  - Example: nexus_ssh_connections_active 5

API Metrics:

nexus_api_requests_total{method, status}:
  - Type: Counter
  - Description: Total API requests by HTTP method and status code
  - Labels: method, status
  - Example: nexus_api_requests_total{method="POST",status="200"} 100

nexus_api_request_duration_seconds{method}:
  - Type: Histogram
  - Description: API request duration in seconds
  - Labels: method
  - Buckets: Default Prometheus buckets

# Usage

Updating Counter Metrics:

	import "github.com/nexushq/nexus/pkg/metrics"

	// Increment by 1
	metrics.SSHDialsTotal.WithLabelValues("success").Inc()
	metrics.LoginFailuresTotal.Inc()

Updating Gauge Metrics:

	// Set absolute value
	metrics.ActiveSessions.Set(12)

	// Increment/decrement
	metrics.SSHConnectionsActive.Inc()
	metrics.SSHConnectionsActive.Dec()

Recording Histogram Observations:

	// Using Timer helper with labels
	timer := metrics.NewTimer()
	// ... handle request ...
	timer.ObserveDurationVec(metrics.APIRequestDuration, "POST")

Wiring the Collector and Event Subscriber:

	broker.Subscribe(metrics.ObserveEvent)

	collector := metrics.NewCollector(store, transfers, sessions)
	collector.Start()
	defer collector.Stop()

	http.Handle("/metrics", metrics.Handler())

# Integration Points

This package integrates with:

  - pkg/events: ObserveEvent consumes login events from the broker
  - pkg/storage: Collector samples batch and transfer task counts
  - pkg/session: Collector samples the live session count
  - pkg/sshutils: Dial results and open connections update SSH metrics
  - pkg/api: Request middleware records count and duration
  - Prometheus: Scrapes /metrics endpoint

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration
  - Ensures metrics available before main()
  - No runtime registration needed

Label Discipline:
  - Use WithLabelValues for cardinality-bounded labels
  - Avoid high-cardinality labels (IDs, hostnames, paths)
  - Document label values in metric description
  - Keep label count low (< 5 per metric)

Event-Driven Counters:
  - Auth counters update from bus events, not inline calls
  - Producers stay oblivious to the metrics package
  - Single subscriber translates events to metric updates

Sampled Gauges:
  - Task and session gauges reflect store state, not deltas
  - Collector queries aggregate counts, never row scans
  - Every known status primed each cycle to avoid stale series

# Performance Characteristics

Metric Update Overhead:
  - Gauge set/inc: ~50ns per operation
  - Counter inc: ~50ns per operation
  - Histogram observe: ~200ns per operation
  - Labels: +100ns per label value
  - Negligible impact on hot path

Collector Overhead:
  - One GROUP BY query per task table per cycle
  - One key count on the session bucket per cycle
  - Runs every 15s, bounded by a 5s query timeout

Scrape Performance:
  - Metrics gathering: ~1-5ms for full scrape
  - HTTP response: ~10ms for typical metric set
  - Recommendation: Scrape interval ≥ 15s
  - Concurrent scrapes: Safe (read-only)

# Troubleshooting

Common Issues:

Missing Metrics:
  - Symptom: Metric not appearing in /metrics output
  - Check: Metric registered in init() function
  - Check: MustRegister called (panics if duplicate)
  - Solution: Verify metric variable is exported

Stale Task Gauges:
  - Symptom: Task counts frozen at old values
  - Cause: Collector not started, or store queries failing
  - Check: Collector Start() called at boot, error logs
  - Solution: Wire NewCollector with live stores and Start it

Zero Login Counters:
  - Symptom: nexus_logins_total never increments
  - Cause: ObserveEvent not subscribed to the broker
  - Check: broker.Subscribe(metrics.ObserveEvent) at startup
  - Solution: Register the subscriber before serving traffic

# Monitoring

Prometheus Queries (PromQL):

Auth Health:
  - Login rate: rate(nexus_logins_total[5m])
  - Failure rate: rate(nexus_login_failures_total[5m])
  - Failure ratio: rate(nexus_login_failures_total[5m]) / rate(nexus_logins_total[5m])
  - Active sessions: nexus_active_sessions

Task Health:
  - Running batch tasks: nexus_batch_tasks_total{status="in-progress"}
  - Failed transfers: nexus_transfer_tasks_total{status="failed"}
  - Completed tasks: sum(nexus_batch_tasks_total{status="completed"})

SSH Health:
  - Dial failure rate: rate(nexus_ssh_dials_total{result!="success"}[5m])
  - Open connections: nexus_ssh_connections_active

API Performance:
  - Request rate: rate(nexus_api_requests_total[1m])
  - Error rate: rate(nexus_api_requests_total{status=~"5.."}[1m])
  - p95 latency: histogram_quantile(0.95, nexus_api_request_duration_seconds_bucket)
  - p99 latency: histogram_quantile(0.99, nexus_api_request_duration_seconds_bucket)

# Alerting Rules

Recommended Prometheus alerts:

High Login Failure Rate:
  - Alert: rate(nexus_login_failures_total[5m]) > 1
  - Description: More than 1 failed login per second
  - Action: Check for credential stuffing, review source IPs in logs

SSH Dial Failures:
  - Alert: rate(nexus_ssh_dials_total{result="unreachable"}[5m]) > 0.5
  - Description: Hosts frequently unreachable
  - Action: Check network paths and target host availability

High API Latency:
  - Alert: histogram_quantile(0.95, nexus_api_request_duration_seconds_bucket) > 1
  - Description: p95 API latency > 1 second
  - Action: Check database size, task load, SSH target responsiveness

Stuck Transfers:
  - Alert: nexus_transfer_tasks_total{status="in-progress"} > 20
  - Description: Unusually many transfers in flight
  - Action: Check target host throughput and cancellations

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
  - PromQL tutorial: https://prometheus.io/docs/prometheus/latest/querying/basics/
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
