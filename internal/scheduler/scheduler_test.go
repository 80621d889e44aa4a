package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"programista_hub/internal/domain"
	"programista_hub/internal/service"
)

type recordingTriggerer struct {
	mu       sync.Mutex
	triggers []domain.Trigger
	err      error
}

func (r *recordingTriggerer) Trigger(trigger domain.Trigger) (*service.Flight, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, trigger)
	return nil, false, r.err
}

func (r *recordingTriggerer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.triggers)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestScheduler_SyncOnBoot(t *testing.T) {
	tr := &recordingTriggerer{}
	s := NewScheduler(tr, "@every 1h", true, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	assert.Eventually(t, func() bool { return tr.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	assert.Equal(t, []domain.Trigger{domain.TriggerSchedule}, tr.triggers)
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	tr := &recordingTriggerer{err: errors.New("sync already in progress")}
	s := NewScheduler(tr, "@every 1s", false, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Start(ctx) }()

	assert.Eventually(t, func() bool { return tr.count() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	s := NewScheduler(&recordingTriggerer{}, "not a schedule", false, testLogger())

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "add sync job")
}
