// Package health serves liveness, readiness and dependency checks.
package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

const checkTimeout = 3 * time.Second

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// Pinger is satisfied by database.DB and, through PingFunc, the redis client.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) PingContext(ctx context.Context) error {
	return f(ctx)
}

type Checker struct {
	mu      sync.RWMutex
	checks  map[string]Pinger
	version string
	started time.Time
	ready   atomic.Bool
}

// NewChecker requires a database. A nil database reports unhealthy.
func NewChecker(database Pinger, version string) *Checker {
	c := &Checker{checks: map[string]Pinger{}, version: version, started: time.Now()}
	if database != nil {
		c.checks["database"] = database
	}
	return c
}

// AddCheck registers an optional dependency such as redis.
func (c *Checker) AddCheck(name string, p Pinger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = p
}

// SetReady flips /ready once startup finishes, and back during shutdown.
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

func (c *Checker) RegisterRoutes(e *echo.Echo) {
	e.GET("/api/v1/health", c.Health)
	e.GET("/api/v1/health/live", c.Live)
	e.GET("/api/v1/health/ready", c.Ready)
}

type Report struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Uptime     string            `json:"uptime"`
	Checks     map[string]Result `json:"checks"`
	ReportedAt time.Time         `json:"reported_at"`
}

type Result struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// run pings every dependency in parallel under one deadline.
func (c *Checker) run(ctx context.Context) map[string]Result {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	c.mu.RLock()
	defer c.mu.RUnlock()

	results := make(map[string]Result, len(c.checks)+1)
	if _, ok := c.checks["database"]; !ok {
		results["database"] = Result{Status: statusUnhealthy, Message: "database not configured"}
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, p := range c.checks {
		wg.Add(1)
		go func(name string, p Pinger) {
			defer wg.Done()
			start := time.Now()
			result := Result{Status: statusHealthy}
			if err := p.PingContext(ctx); err != nil {
				result = Result{Status: statusUnhealthy, Message: err.Error()}
			} else {
				result.Latency = time.Since(start).String()
			}
			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name, p)
	}
	wg.Wait()
	return results
}

// Health reports every dependency, 503 when any is down.
func (c *Checker) Health(ctx echo.Context) error {
	report := Report{
		Status:     statusHealthy,
		Version:    c.version,
		Uptime:     time.Since(c.started).Round(time.Second).String(),
		Checks:     c.run(ctx.Request().Context()),
		ReportedAt: time.Now().UTC(),
	}
	for _, result := range report.Checks {
		if result.Status == statusUnhealthy {
			report.Status = statusUnhealthy
		}
	}

	code := http.StatusOK
	if report.Status == statusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return ctx.JSON(code, report)
}

func (c *Checker) Live(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"status": "alive"})
}

func (c *Checker) Ready(ctx echo.Context) error {
	if !c.ready.Load() {
		return ctx.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
	return ctx.JSON(http.StatusOK, map[string]string{"status": "ready"})
}
