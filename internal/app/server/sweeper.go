package server

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/skillforge/arena/pkg/logging"
)

// startSweeper schedules the passive maintenance ticks: expired queue
// entries and stale room index members.
func (s *server) startSweeper() (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			removed, err := s.queue.CleanupExpired(context.Background(), s.config.QueueMaxWait)
			if err != nil {
				logging.Warn("queue sweep failed", zap.Error(err))
				return
			}
			if removed > 0 {
				logging.Info("queue entries expired", zap.Int("removed", removed))
			}
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(5*time.Minute),
		gocron.NewTask(func() {
			removed, err := s.sessions.ReconcileIndexes(context.Background())
			if err != nil {
				logging.Warn("index sweep failed", zap.Error(err))
				return
			}
			if removed > 0 {
				logging.Info("stale index members removed", zap.Int("removed", removed))
			}
		}),
	)
	if err != nil {
		return nil, err
	}

	sched.Start()
	return sched, nil
}
