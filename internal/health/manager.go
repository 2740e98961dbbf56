package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// checkerState represents the runtime state of a health checker
type checkerState struct {
	checker   Checker
	enabled   bool
	timeout   time.Duration
	critical  bool
	lastCheck time.Time
}

// Manager runs registered checkers and aggregates their results.
type Manager struct {
	checkers      map[string]*checkerState
	lastResults   map[string]CheckResult
	started       bool
	checkInterval time.Duration
	stopCh        chan struct{}
	logger        *zap.Logger
	mu            sync.RWMutex
}

// NewManager creates a new health manager
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers:      make(map[string]*checkerState),
		lastResults:   make(map[string]CheckResult),
		checkInterval: 30 * time.Second,
		logger:        logger,
	}
}

// RegisterChecker registers a health check
func (m *Manager) RegisterChecker(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}

	m.checkers[name] = &checkerState{
		checker:  checker,
		enabled:  true,
		timeout:  checker.Timeout(),
		critical: checker.IsCritical(),
	}
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", checker.IsCritical()),
		zap.Duration("timeout", checker.Timeout()),
	)
	return nil
}

// UnregisterChecker removes a health check
func (m *Manager) UnregisterChecker(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.checkers[name]; !exists {
		return fmt.Errorf("checker %s not found", name)
	}
	delete(m.checkers, name)
	delete(m.lastResults, name)

	m.logger.Info("Health checker unregistered", zap.String("checker", name))
	return nil
}

// SetEnabled enables or disables a checker.
func (m *Manager) SetEnabled(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.checkers[name]
	if !exists {
		return fmt.Errorf("checker %s not found", name)
	}
	state.enabled = enabled
	return nil
}

// GetOverallHealth returns the overall health status
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	startTime := time.Now()
	detailed := m.GetDetailedHealth(ctx)

	overall := detailed.Overall
	overall.Timestamp = detailed.Timestamp
	overall.Duration = time.Since(startTime)
	return overall
}

// GetDetailedHealth runs every enabled checker concurrently, each bounded by
// its own timeout.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	m.mu.RLock()
	states := make([]*checkerState, 0, len(m.checkers))
	for _, state := range m.checkers {
		if state.enabled {
			states = append(states, state)
		}
	}
	m.mu.RUnlock()

	timestamp := time.Now()
	results := make([]CheckResult, len(states))
	g, gctx := errgroup.WithContext(ctx)
	for i, state := range states {
		g.Go(func() error {
			results[i] = m.runCheck(gctx, state)
			return nil
		})
	}
	_ = g.Wait()

	components := make(map[string]CheckResult, len(results))
	m.mu.Lock()
	for i, result := range results {
		components[result.Component] = result
		m.lastResults[result.Component] = result
		states[i].lastCheck = result.Timestamp
	}
	m.mu.Unlock()

	summary := Summarize(components)
	return DetailedHealth{
		Overall:    Overall(components, summary),
		Components: components,
		Summary:    summary,
		Timestamp:  timestamp,
	}
}

// runCheck executes a single health check with its timeout. A panicking
// checker is reported unhealthy.
func (m *Manager) runCheck(ctx context.Context, state *checkerState) (result CheckResult) {
	checkCtx, cancel := context.WithTimeout(ctx, state.timeout)
	defer cancel()

	startTime := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Health checker panicked", zap.String("checker", state.checker.Name()), zap.Any("panic", r))
			result = CheckResult{Status: StatusUnhealthy, Error: fmt.Sprint(r), Message: "checker panicked"}
		}
		result.Component = state.checker.Name()
		result.Critical = state.critical
		result.Duration = time.Since(startTime)
		result.Timestamp = startTime
	}()
	return state.checker.Check(checkCtx)
}

// Summarize counts component results by status and criticality.
func Summarize(components map[string]CheckResult) HealthSummary {
	summary := HealthSummary{Total: len(components)}
	for _, result := range components {
		switch result.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
		}
		if result.Critical {
			summary.Critical++
		} else {
			summary.NonCritical++
		}
	}
	return summary
}

// Overall determines overall health from component results. A failing
// critical component makes the service unready but still live.
func Overall(components map[string]CheckResult, summary HealthSummary) OverallHealth {
	if summary.Total == 0 {
		return OverallHealth{
			Status:  StatusUnknown,
			Message: "No health checks registered",
		}
	}

	criticalFailures := 0
	nonCriticalFailures := 0
	degradedComponents := 0
	for _, result := range components {
		if result.Status == StatusDegraded {
			degradedComponents++
		}
		if result.Status == StatusUnhealthy {
			if result.Critical {
				criticalFailures++
			} else {
				nonCriticalFailures++
			}
		}
	}

	var status CheckStatus
	var message string
	ready := true
	switch {
	case criticalFailures > 0:
		status = StatusUnhealthy
		message = fmt.Sprintf("%d critical component(s) failing", criticalFailures)
		ready = false
	case degradedComponents > 0:
		status = StatusDegraded
		message = fmt.Sprintf("%d component(s) degraded", degradedComponents)
	case nonCriticalFailures > 0:
		status = StatusDegraded
		message = fmt.Sprintf("%d non-critical component(s) failing", nonCriticalFailures)
	default:
		status = StatusHealthy
		message = fmt.Sprintf("All %d components healthy", summary.Total)
	}

	return OverallHealth{
		Status:   status,
		Message:  message,
		Degraded: status == StatusDegraded,
		Ready:    ready,
		Live:     true,
	}
}

// IsReady returns true if the service is ready to serve requests
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

// Start begins background health checking
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}
	m.started = true
	m.stopCh = make(chan struct{})
	go m.backgroundChecker(ctx, m.stopCh, m.checkInterval)

	m.logger.Info("Health manager started",
		zap.Duration("check_interval", m.checkInterval),
		zap.Int("registered_checkers", len(m.checkers)),
	)
	return nil
}

// Stop stops background health checking
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}
	close(m.stopCh)
	m.started = false

	m.logger.Info("Health manager stopped")
	return nil
}

// SetCheckInterval updates the background check interval; it applies from
// the next Start.
func (m *Manager) SetCheckInterval(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if interval > 0 {
		m.checkInterval = interval
	}
}

func (m *Manager) backgroundChecker(ctx context.Context, stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			detailed := m.GetDetailedHealth(checkCtx)
			cancel()
			m.logger.Debug("Background health checks completed",
				zap.Int("checks_run", detailed.Summary.Total),
				zap.String("status", detailed.Overall.Status.String()),
			)
		}
	}
}

// GetLastResults returns the most recent health check results without running new checks
func (m *Manager) GetLastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make(map[string]CheckResult, len(m.lastResults))
	for name, result := range m.lastResults {
		results[name] = result
	}
	return results
}
