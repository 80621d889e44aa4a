package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"programista_hub/internal/domain"
	"programista_hub/internal/service"
)

// Triggerer accepts sync requests.
type Triggerer interface {
	Trigger(trigger domain.Trigger) (*service.Flight, bool, error)
}

// Scheduler fires schedule triggers on a cron expression.
type Scheduler struct {
	triggerer  Triggerer
	schedule   string
	syncOnBoot bool
	logger     *slog.Logger
}

func NewScheduler(triggerer Triggerer, schedule string, syncOnBoot bool, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		triggerer:  triggerer,
		schedule:   schedule,
		syncOnBoot: syncOnBoot,
		logger:     logger.With("component", "scheduler"),
	}
}

// Start registers the cron job and blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, s.fire); err != nil {
		return fmt.Errorf("add sync job %q: %w", s.schedule, err)
	}
	c.Start()
	s.logger.Info("scheduler started", "schedule", s.schedule, "sync_on_boot", s.syncOnBoot)

	if s.syncOnBoot {
		s.fire()
	}

	<-ctx.Done()

	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) fire() {
	_, coalesced, err := s.triggerer.Trigger(domain.TriggerSchedule)
	switch {
	case errors.Is(err, service.ErrCoordinatorStopped):
		s.logger.Debug("scheduled sync skipped, coordinator stopped")
	case err != nil:
		s.logger.Error("scheduled sync not started", "error", err)
	case coalesced:
		s.logger.Info("scheduled sync joined the active run")
	default:
		s.logger.Info("scheduled sync started")
	}
}
