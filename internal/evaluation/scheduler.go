package evaluation

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps cron for the maintenance jobs: daily aggregation, daily
// loss reset, WAL checkpoints.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		logger: logger.With("component", "scheduler"),
	}
}

// AddJob registers fn under a standard 5-field cron spec (or a descriptor
// like "@daily", "@every 1m"). Job errors are logged, never propagated.
func (s *Scheduler) AddJob(spec, name string, fn func() error) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := fn(); err != nil {
			s.logger.Error("job failed", "job", name, "err", err)
			return
		}
		s.logger.Debug("job completed", "job", name)
	})
	if err != nil {
		return err
	}
	s.logger.Info("job registered", "job", name, "schedule", spec)
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}
