// Package settlement consumes finish records and applies their effects:
// stat credits, achievement evaluation and player notification. Settling
// the same record again is harmless because the credit is the idempotency
// gate for everything downstream.
package settlement

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/skillforge/arena/internal/domains/entities"
	"github.com/skillforge/arena/internal/engine/achievement"
	"github.com/skillforge/arena/pkg/logging"
)

// Ledger credits one participant result and reports whether this session
// was already credited for the user.
type Ledger interface {
	CreditGameResult(ctx context.Context, sessionId, userId string, result entities.GameResult, score int, gameType string, perfectScore int) (entities.LeaderboardRecord, bool, error)
}

// Evaluator runs the achievement pass for one player.
type Evaluator interface {
	Evaluate(ctx context.Context, userId string, snap achievement.Snapshot) ([]achievement.Delta, error)
}

// Notifier pushes settlement outcomes to the player. Failures are logged,
// not returned; notifications are best effort.
type Notifier interface {
	NotifyResult(ctx context.Context, userId string, sessionId string, result entities.ParticipantResult) error
	NotifyUnlock(ctx context.Context, userId string, achievementId string, points int) error
	NotifyProgress(ctx context.Context, userId string, achievementId string, progress float64) error
}

type Settler struct {
	ledger    Ledger
	evaluator Evaluator
	notifier  Notifier
}

func NewSettler(ledger Ledger, evaluator Evaluator, notifier Notifier) *Settler {
	return &Settler{ledger: ledger, evaluator: evaluator, notifier: notifier}
}

// Settle applies one finish record. Each participant settles independently;
// one failing participant does not block the others.
func (s *Settler) Settle(ctx context.Context, rec entities.FinishRecord) error {
	var errs []error
	for _, result := range rec.Results {
		if err := s.settleParticipant(ctx, rec, result); err != nil {
			logging.Error("failed to settle participant",
				zap.String("session_id", rec.SessionId),
				zap.String("user_id", result.UserId),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("settle %s: %w", result.UserId, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Settler) settleParticipant(ctx context.Context, rec entities.FinishRecord, result entities.ParticipantResult) error {
	record, alreadyCredited, err := s.ledger.CreditGameResult(ctx, rec.SessionId, result.UserId, result.Result, result.FinalScore, rec.GameType, rec.PerfectScore)
	if err != nil {
		return err
	}
	if alreadyCredited {
		// replayed record; stats, achievements and notifications already
		// went out on the first delivery
		logging.Info("session already settled for user",
			zap.String("session_id", rec.SessionId),
			zap.String("user_id", result.UserId),
		)
		return nil
	}

	if err := s.notifier.NotifyResult(ctx, result.UserId, rec.SessionId, result); err != nil {
		logging.Warn("failed to notify game result",
			zap.String("user_id", result.UserId),
			zap.Error(err),
		)
	}

	deltas, err := s.evaluator.Evaluate(ctx, result.UserId, achievement.Snapshot{Record: record})
	if err != nil {
		return err
	}
	for _, delta := range deltas {
		switch {
		case delta.Unlocked:
			if err := s.notifier.NotifyUnlock(ctx, result.UserId, delta.AchievementId, delta.Points); err != nil {
				logging.Warn("failed to notify achievement unlock",
					zap.String("user_id", result.UserId),
					zap.String("achievement_id", delta.AchievementId),
					zap.Error(err),
				)
			}
		case delta.AlreadyUnlocked:
			// committed by a concurrent settle; that path announced it
		default:
			if err := s.notifier.NotifyProgress(ctx, result.UserId, delta.AchievementId, delta.Progress); err != nil {
				logging.Warn("failed to notify achievement progress",
					zap.String("user_id", result.UserId),
					zap.String("achievement_id", delta.AchievementId),
					zap.Error(err),
				)
			}
		}
	}
	return nil
}
