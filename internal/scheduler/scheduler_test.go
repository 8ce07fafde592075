package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tazhate/repobot/config"
)

type fakeFlows struct {
	before time.Time
	calls  int
	err    error
}

func (f *fakeFlows) ResetStale(_ context.Context, before time.Time) (int, error) {
	f.calls++
	f.before = before
	return 2, f.err
}

type fakeAttempts struct{ calls int }

func (f *fakeAttempts) Sweep() int { f.calls++; return 1 }

type fakeThrottle struct{ idle time.Duration }

func (f *fakeThrottle) PruneThrottle(idle time.Duration) int { f.idle = idle; return 0 }

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Janitor.Schedule = "@every 15m"
	cfg.Janitor.StaleFlowAfter = 24 * time.Hour
	return cfg
}

func TestRunOnce(t *testing.T) {
	flows := &fakeFlows{}
	attempts := &fakeAttempts{}
	throttle := &fakeThrottle{}
	s := New(testConfig(), Jobs{Flows: flows, Attempts: attempts, Throttle: throttle})
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.RunOnce(context.Background())

	assert.Equal(t, 1, flows.calls)
	assert.Equal(t, now.Add(-24*time.Hour), flows.before)
	assert.Equal(t, 1, attempts.calls)
	assert.Equal(t, 24*time.Hour, throttle.idle)
}

func TestRunOnceKeepsGoingAfterFlowError(t *testing.T) {
	flows := &fakeFlows{err: errors.New("store down")}
	attempts := &fakeAttempts{}
	s := New(testConfig(), Jobs{Flows: flows, Attempts: attempts})

	s.RunOnce(context.Background())

	assert.Equal(t, 1, attempts.calls)
}

func TestRunOnceSkipsMissingJobs(t *testing.T) {
	s := New(testConfig(), Jobs{})
	assert.NotPanics(t, func() { s.RunOnce(context.Background()) })
}

func TestStartRejectsBadSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Janitor.Schedule = "every now and then"
	s := New(cfg, Jobs{})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "add janitor")
}

func TestStartStopsWithContext(t *testing.T) {
	s := New(testConfig(), Jobs{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	s.Stop()
}
