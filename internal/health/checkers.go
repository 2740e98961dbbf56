package health

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/comfyflow/internal/circuitbreaker"
)

// latencyThreshold marks a responsive but slow dependency as degraded.
const latencyThreshold = 500 * time.Millisecond

// Guarded is a dependency whose calls go through a circuit breaker.
type Guarded interface {
	Breaker() *circuitbreaker.CircuitBreaker
}

// StatsSource reports the execution backend's system statistics.
type StatsSource interface {
	Guarded
	SystemStats(ctx context.Context) ([]byte, error)
}

// RedisPinger pings the Redis catalog cache.
type RedisPinger interface {
	Guarded
	Ping(ctx context.Context) error
}

// BackendHealthChecker probes the execution backend via /system_stats.
type BackendHealthChecker struct {
	backend StatsSource
	logger  *zap.Logger
	timeout time.Duration
}

// NewBackendHealthChecker creates a backend health checker
func NewBackendHealthChecker(backend StatsSource, logger *zap.Logger) *BackendHealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BackendHealthChecker{backend: backend, logger: logger, timeout: 5 * time.Second}
}

func (b *BackendHealthChecker) Name() string           { return "backend" }
func (b *BackendHealthChecker) IsCritical() bool       { return true }
func (b *BackendHealthChecker) Timeout() time.Duration { return b.timeout }

func (b *BackendHealthChecker) Check(ctx context.Context) CheckResult {
	return probe(ctx, "backend", b.backend.Breaker(), func(ctx context.Context) error {
		_, err := b.backend.SystemStats(ctx)
		return err
	})
}

// RedisHealthChecker checks the Redis catalog cache. The cache is optional so
// failures degrade the service without making it unready.
type RedisHealthChecker struct {
	client  RedisPinger
	logger  *zap.Logger
	timeout time.Duration
}

// NewRedisHealthChecker creates a Redis health checker
func NewRedisHealthChecker(client RedisPinger, logger *zap.Logger) *RedisHealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisHealthChecker{client: client, logger: logger, timeout: 5 * time.Second}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return false }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	return probe(ctx, "redis", r.client.Breaker(), r.client.Ping)
}

func probe(ctx context.Context, component string, cb *circuitbreaker.CircuitBreaker, ping func(context.Context) error) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: component, Timestamp: startTime}

	if cb != nil && cb.State() == circuitbreaker.StateOpen {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = fmt.Sprintf("%s circuit breaker is open", component)
		return result
	}

	err := ping(ctx)
	result.Duration = time.Since(startTime)
	result.Details = map[string]any{"latency_ms": result.Duration.Milliseconds()}
	if cb != nil {
		result.Details["breaker_state"] = cb.State().String()
	}

	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = fmt.Sprintf("%s ping failed", component)
	case result.Duration > latencyThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%s responding but with high latency", component)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%s healthy", component)
	}
	return result
}

// TemplateCounter reports how many workflow templates are loaded.
type TemplateCounter interface {
	Len() int
}

// TemplatesHealthChecker reports unhealthy when no workflow template is loaded.
type TemplatesHealthChecker struct {
	store TemplateCounter
}

// NewTemplatesHealthChecker creates a template store health checker
func NewTemplatesHealthChecker(store TemplateCounter) *TemplatesHealthChecker {
	return &TemplatesHealthChecker{store: store}
}

func (t *TemplatesHealthChecker) Name() string           { return "templates" }
func (t *TemplatesHealthChecker) IsCritical() bool       { return true }
func (t *TemplatesHealthChecker) Timeout() time.Duration { return time.Second }

func (t *TemplatesHealthChecker) Check(ctx context.Context) CheckResult {
	n := t.store.Len()
	result := CheckResult{
		Component: "templates",
		Timestamp: time.Now(),
		Details:   map[string]any{"loaded": n},
	}
	if n == 0 {
		result.Status = StatusUnhealthy
		result.Message = "no workflow templates loaded"
		return result
	}
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("%d workflow template(s) loaded", n)
	return result
}

// CustomHealthChecker allows for custom health check logic
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a custom health checker
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{
		name:     name,
		critical: critical,
		timeout:  timeout,
		checkFn:  checkFn,
	}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
