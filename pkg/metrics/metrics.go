package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexushq/nexus/pkg/events"
)

var (
	// Auth metrics
	LoginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_logins_total",
			Help: "Total number of successful logins by method",
		},
		[]string{"method"},
	)

	LoginFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexus_login_failures_total",
			Help: "Total number of failed login attempts",
		},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexus_active_sessions",
			Help: "Number of live sessions in the store",
		},
	)

	// Task metrics
	BatchTasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nexus_batch_tasks_total",
			Help: "Total number of batch tasks by status",
		},
		[]string{"status"},
	)

	TransferTasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nexus_transfer_tasks_total",
			Help: "Total number of transfer tasks by status",
		},
		[]string{"status"},
	)

	// SSH metrics
	SSHDialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_ssh_dials_total",
			Help: "Total number of SSH dial attempts by result",
		},
		[]string{"result"},
	)

	SSHConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexus_ssh_connections_active",
			Help: "Number of currently open SSH connections",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexus_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(LoginsTotal)
	prometheus.MustRegister(LoginFailuresTotal)
	prometheus.MustRegister(ActiveSessions)
	prometheus.MustRegister(BatchTasksTotal)
	prometheus.MustRegister(TransferTasksTotal)
	prometheus.MustRegister(SSHDialsTotal)
	prometheus.MustRegister(SSHConnectionsActive)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// ObserveEvent updates auth counters from bus events. Register it as a
// broker subscriber at startup.
func ObserveEvent(ev *events.Event) {
	switch ev.Type {
	case events.EventLoginSuccess:
		LoginsTotal.WithLabelValues(ev.Metadata["method"]).Inc()
	case events.EventLoginFailure:
		LoginFailuresTotal.Inc()
	}
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
