package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthStatus is the JSON body served by the health and readiness
// endpoints.
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy", "unhealthy", "ready", "not_ready"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// ComponentHealth is the last reported state of one subsystem.
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// HealthChecker aggregates component states reported during startup and
// operation.
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	startTime  time.Time
	version    string
}

var healthChecker = &HealthChecker{
	components: make(map[string]ComponentHealth),
	startTime:  time.Now(),
}

// criticalComponents must all be registered and healthy before the
// process reports ready.
var criticalComponents = []string{"storage", "sessions", "api"}

// SetVersion sets the version string reported by the health endpoints.
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// RegisterComponent records the current state of a named component.
func RegisterComponent(name string, healthy bool, message string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()

	healthChecker.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// UpdateComponent re-reports a component's state.
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// snapshot copies the checker state out from under the lock.
func (h *HealthChecker) snapshot() (map[string]ComponentHealth, string, time.Duration) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	comps := make(map[string]ComponentHealth, len(h.components))
	for name, comp := range h.components {
		comps[name] = comp
	}
	return comps, h.version, time.Since(h.startTime)
}

// GetHealth reports overall process health: unhealthy as soon as any
// registered component says so.
func GetHealth() HealthStatus {
	comps, version, uptime := healthChecker.snapshot()

	status := "healthy"
	rendered := make(map[string]string, len(comps))
	for name, comp := range comps {
		if comp.Healthy {
			rendered[name] = "healthy"
			continue
		}
		status = "unhealthy"
		rendered[name] = "unhealthy: " + comp.Message
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: rendered,
		Version:    version,
		Uptime:     uptime.String(),
	}
}

// GetReadiness reports whether every critical component has come up.
// Components that never registered count as not ready, so the endpoint
// is trustworthy during startup.
func GetReadiness() HealthStatus {
	comps, version, uptime := healthChecker.snapshot()

	status := "ready"
	message := ""
	rendered := make(map[string]string, len(criticalComponents))
	for _, name := range criticalComponents {
		comp, registered := comps[name]
		switch {
		case !registered:
			status = "not_ready"
			message = "waiting for " + name + " initialization"
			rendered[name] = "not registered"
		case !comp.Healthy:
			status = "not_ready"
			message = "waiting for " + name
			rendered[name] = "not ready: " + comp.Message
		default:
			rendered[name] = "ready"
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: rendered,
		Message:    message,
		Version:    version,
		Uptime:     uptime.String(),
	}
}

// HealthHandler serves the overall health summary.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()
		code := http.StatusOK
		if health.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeHealth(w, code, health)
	}
}

// ReadyHandler serves the readiness summary.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()
		code := http.StatusOK
		if readiness.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeHealth(w, code, readiness)
	}
}

// LivenessHandler answers 200 as long as the process can serve requests.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(healthChecker.startTime).String(),
		})
	}
}

func writeHealth(w http.ResponseWriter, code int, body HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
