package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
)

// Dependency is one piece of infrastructure brought up before the service accepts traffic.
type Dependency interface {
	GetName() string
	DependsOn() []string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Status int

const (
	StatusPending Status = iota
	StatusStarted
	StatusStopped
	StatusFailed
)

// Startup starts dependencies in dependency order, retrying the whole graph with
// fibonacci backoff until it succeeds or maxAttempts is reached.
type Startup struct {
	dependencies map[string]Dependency
	order        []string
	logger       ectologger.Logger
	statuses     map[string]Status
	attempt      int
	maxAttempts  int
	unit         time.Duration
}

func NewStartup(logger ectologger.Logger, maxAttempts int) *Startup {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Startup{
		logger:       logger,
		dependencies: make(map[string]Dependency),
		statuses:     make(map[string]Status),
		maxAttempts:  maxAttempts,
		unit:         time.Second,
	}
}

// AddDependency registers a dependency. Registration order breaks ties between independent dependencies.
func (s *Startup) AddDependency(dependency Dependency) {
	if _, ok := s.dependencies[dependency.GetName()]; !ok {
		s.order = append(s.order, dependency.GetName())
	}
	s.dependencies[dependency.GetName()] = dependency
}

// Status returns the current state of a named dependency.
func (s *Startup) Status(name string) Status {
	return s.statuses[name]
}

func (s *Startup) Start(ctx context.Context) error {
	s.attempt = 0
	var lastErr error

	a, b := 1, 1
	for s.attempt < s.maxAttempts {
		s.attempt++
		s.logger.WithField("attempt", s.attempt).Infof("Beginning startup attempt %d", s.attempt)

		lastErr = nil
		for _, name := range s.order {
			if err := s.startDependency(ctx, s.dependencies[name], map[string]bool{}); err != nil {
				s.logger.WithError(err).Errorf("Startup dependency '%s' attempt %d failed", name, s.attempt)
				lastErr = err
				break
			}
		}

		if lastErr == nil {
			return nil
		}

		if s.attempt >= s.maxAttempts {
			return fmt.Errorf("startup failed after %d attempts: %w", s.attempt, lastErr)
		}

		s.logger.Infof("Retrying in %d seconds (attempt %d/%d)", a, s.attempt, s.maxAttempts)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(a) * s.unit):
		}

		a, b = b, a+b
	}

	return lastErr
}

func (s *Startup) startDependency(ctx context.Context, dependency Dependency, visiting map[string]bool) error {
	name := dependency.GetName()
	if s.statuses[name] == StatusStarted {
		return nil
	}
	if visiting[name] {
		return fmt.Errorf("dependency cycle detected at '%s'", name)
	}
	visiting[name] = true

	for _, dependencyName := range dependency.DependsOn() {
		upstream, ok := s.dependencies[dependencyName]
		if !ok {
			return fmt.Errorf("dependency '%s' requires unknown dependency '%s'", name, dependencyName)
		}
		if err := s.startDependency(ctx, upstream, visiting); err != nil {
			return err
		}
	}

	s.logger.WithField("dependency", name).Infof("Starting dependency '%s'", name)
	s.statuses[name] = StatusPending
	if err := dependency.Start(ctx); err != nil {
		s.statuses[name] = StatusFailed
		s.logger.WithError(err).WithField("dependency", name).Errorf("Failed to start dependency '%s'", name)
		return err
	}
	s.statuses[name] = StatusStarted
	return nil
}

// Stop stops started dependencies in reverse registration order, dependents first.
func (s *Startup) Stop(ctx context.Context) error {
	var firstErr error
	for i := len(s.order) - 1; i >= 0; i-- {
		name := s.order[i]
		if s.statuses[name] != StatusStarted {
			continue
		}
		if err := s.stopDependency(ctx, s.dependencies[name]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Startup) stopDependency(ctx context.Context, dependency Dependency) error {
	name := dependency.GetName()

	// stop anything that depends on this one first
	for _, other := range s.order {
		if s.statuses[other] != StatusStarted || other == name {
			continue
		}
		for _, upstream := range s.dependencies[other].DependsOn() {
			if upstream == name {
				if err := s.stopDependency(ctx, s.dependencies[other]); err != nil {
					return err
				}
			}
		}
	}

	s.logger.WithField("dependency", name).Infof("Stopping dependency '%s'", name)
	if err := dependency.Stop(ctx); err != nil {
		s.logger.WithError(err).WithField("dependency", name).Errorf("Failed to stop dependency '%s'", name)
		return err
	}
	s.statuses[name] = StatusStopped
	return nil
}
