package scheduler

import (
	"time"

	"github.com/go-co-op/gocron"

	"github.com/scambiohq/scambio/internal/core/ports"
)

type service struct {
	scheduler *gocron.Scheduler
}

func NewScheduler() ports.SchedulerService {
	return &service{gocron.NewScheduler(time.UTC)}
}

func (s *service) Start() {
	s.scheduler.StartAsync()
}

func (s *service) Stop() {
	s.scheduler.Stop()
}

func (s *service) ScheduleRecurring(interval time.Duration, fn func()) error {
	_, err := s.scheduler.Every(interval).Do(fn)
	return err
}
