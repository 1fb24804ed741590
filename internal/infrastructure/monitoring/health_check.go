package monitoring

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex
}

type HealthCheck struct {
	Name    string
	Check   func(ctx context.Context) error
	Timeout time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, HealthCheck{Name: name, Check: check, Timeout: timeout})
}

// AddEngineCheck reports unhealthy while the media engine cannot serve.
func (h *HealthChecker) AddEngineCheck(ready func() bool) {
	h.AddCheck("engine", func(context.Context) error {
		if !ready() {
			return errors.New("media engine not ready")
		}
		return nil
	}, time.Second)
}

// CheckAll runs every check concurrently, each under its own timeout.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	results := make([]error, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		i, check := i, check
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
			defer cancel()
			results[i] = check.Check(checkCtx)
			return nil
		})
	}
	_ = g.Wait()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}
	for i, check := range checks {
		if err := results[i]; err != nil {
			status.Status = StatusUnhealthy
			status.Checks[check.Name] = err.Error()
		} else {
			status.Checks[check.Name] = StatusHealthy
		}
	}
	return status
}

func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}
