package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestStartup_StartsInDependencyOrder(t *testing.T) {
	var started []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			started = append(started, name)
			return nil
		}
	}

	s := NewStartup(testLogger(), 1)
	s.AddDependency(&Func{Name: "server", Requires: []string{"database", "kafka"}, OnStart: record("server")})
	s.AddDependency(&Func{Name: "kafka", OnStart: record("kafka")})
	s.AddDependency(&Func{Name: "database", OnStart: record("database")})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"database", "kafka", "server"}, started)
	assert.Equal(t, StatusStarted, s.Status("server"))
}

func TestStartup_RetriesFailedDependency(t *testing.T) {
	calls := 0
	s := NewStartup(testLogger(), 3)
	s.unit = time.Millisecond
	s.AddDependency(&Func{Name: "database", OnStart: func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("connection refused")
		}
		return nil
	}})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestStartup_GivesUp(t *testing.T) {
	s := NewStartup(testLogger(), 2)
	s.unit = time.Millisecond
	s.AddDependency(&Func{Name: "redis", OnStart: func(context.Context) error {
		return errors.New("no route to host")
	}})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, StatusFailed, s.Status("redis"))
}

func TestStartup_UnknownDependency(t *testing.T) {
	s := NewStartup(testLogger(), 1)
	s.AddDependency(&Func{Name: "server", Requires: []string{"missing"}})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown dependency 'missing'")
}

func TestStartup_StopReverseOrder(t *testing.T) {
	var stopped []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			stopped = append(stopped, name)
			return nil
		}
	}

	s := NewStartup(testLogger(), 1)
	s.AddDependency(&Func{Name: "database", OnStop: record("database")})
	s.AddDependency(&Func{Name: "server", Requires: []string{"database"}, OnStop: record("server")})

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{"server", "database"}, stopped)
}
