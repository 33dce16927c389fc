package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/glimte/mmate-retry-go/internal/rabbitmq"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

// OverallHealth represents the combined result of every check
type OverallHealth struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// CheckerFunc is a function adapter for Checker
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}

func (c *CheckerFunc) Name() string {
	return c.name
}

// Registry manages health checks
type Registry struct {
	checkers map[string]Checker
	mu       sync.RWMutex
}

// NewRegistry creates a new health check registry
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
	}
}

// Register adds a health checker, replacing one with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Check runs all registered checks concurrently. Checks still running
// when ctx is done are reported unhealthy.
func (r *Registry) Check(ctx context.Context) OverallHealth {
	start := time.Now()

	r.mu.RLock()
	checkers := make(map[string]Checker, len(r.checkers))
	for k, v := range r.checkers {
		checkers[k] = v
	}
	r.mu.RUnlock()

	type namedResult struct {
		name   string
		result CheckResult
	}
	results := make(chan namedResult, len(checkers))
	for name, checker := range checkers {
		go func(name string, checker Checker) {
			results <- namedResult{name: name, result: checker.Check(ctx)}
		}(name, checker)
	}

	checks := make(map[string]CheckResult, len(checkers))
	overall := StatusHealthy

collect:
	for range checkers {
		select {
		case res := <-results:
			checks[res.name] = res.result
			overall = worst(overall, res.result.Status)
		case <-ctx.Done():
			for name := range checkers {
				if _, ok := checks[name]; !ok {
					checks[name] = CheckResult{
						Name:      name,
						Status:    StatusUnhealthy,
						Message:   "Check timed out",
						Duration:  time.Since(start),
						Timestamp: time.Now(),
						Error:     ctx.Err().Error(),
					}
				}
			}
			overall = StatusUnhealthy
			break collect
		}
	}

	return OverallHealth{
		Status:    overall,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
	}
}

func worst(a, b Status) Status {
	switch {
	case a == StatusUnhealthy || b == StatusUnhealthy:
		return StatusUnhealthy
	case a == StatusDegraded || b == StatusDegraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// ConnectionChecker reports the broker session state. It listens to
// session events to include the last disconnect in its details.
type ConnectionChecker struct {
	session     *rabbitmq.Session
	mu          sync.Mutex
	lastError   string
	lastDrop    time.Time
	disconnects int
}

// NewConnectionChecker creates a checker and subscribes it to session
func NewConnectionChecker(session *rabbitmq.Session) *ConnectionChecker {
	c := &ConnectionChecker{session: session}
	session.AddStateListener(c)
	return c
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	c.mu.Lock()
	details := map[string]any{"disconnects": c.disconnects}
	if c.lastError != "" {
		details["lastError"] = c.lastError
		details["lastDisconnect"] = c.lastDrop
	}
	c.mu.Unlock()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "Connected",
		Details:   details,
		Timestamp: start,
	}
	if !c.session.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "Not connected"
	}
	result.Duration = time.Since(start)
	return result
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (c *ConnectionChecker) OnConnected() {}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (c *ConnectionChecker) OnDisconnected(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	c.lastDrop = time.Now()
	if err != nil {
		c.lastError = err.Error()
	}
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (c *ConnectionChecker) OnReconnecting(int) {}

// QueueChecker reports QueueInspector.Health for one logical queue
type QueueChecker struct {
	inspector *QueueInspector
	queue     string
}

// NewQueueChecker creates a checker for queue
func NewQueueChecker(inspector *QueueInspector, queue string) *QueueChecker {
	return &QueueChecker{inspector: inspector, queue: queue}
}

func (c *QueueChecker) Name() string {
	return "queue:" + c.queue
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	health, err := c.inspector.Health(ctx, c.queue)

	result := CheckResult{
		Name:      c.Name(),
		Status:    health.Status,
		Message:   health.Message,
		Timestamp: start,
		Details: map[string]any{
			"messages":  health.Messages,
			"consumers": health.Consumers,
			"failed":    health.Failed,
		},
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}

// Handler serves the full health report as JSON
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

// NewHandler creates a new health check HTTP handler
func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{
		registry: registry,
		timeout:  timeout,
	}
}

// ServeHTTP implements http.Handler. Degraded is still 200.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	health := h.registry.Check(ctx)

	statusCode := http.StatusOK
	if health.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(health)
}

// ReadinessHandler answers 503 while any check is unhealthy
func ReadinessHandler(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if registry.Check(ctx).Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// LivenessHandler always answers 200
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive"))
	}
}
