// Package stats credits finished games into per-player leaderboard records.
// A credit is applied at most once per (session, user) pair, guarded by an
// idempotency marker and an optimistic version check in the store.
package stats

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/skillforge/arena/internal/domains/entities"
	"github.com/skillforge/arena/pkg/logging"
)

const creditRetries = 5

var (
	ErrRecordNotFound  = errors.New("leaderboard record not found")
	ErrAlreadyCredited = errors.New("session already credited for this user")
	ErrVersionConflict = errors.New("leaderboard record version conflict")
)

var creditsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arena_stat_credits_total",
	Help: "Total number of game results credited, by result",
}, []string{"result"})

// Store is the durable slice of the leaderboard the ledger needs. CommitCredit
// writes the updated record together with the (sessionId, userId) idempotency
// marker in one transaction, conditioned on oldVersion.
type Store interface {
	GetRecord(ctx context.Context, userId string) (entities.LeaderboardRecord, error)
	CommitCredit(ctx context.Context, sessionId string, rec entities.LeaderboardRecord, oldVersion int64) error
}

type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// CreditGameResult folds one participant result into the player's record.
// It returns the record after the credit, and whether the session had
// already been credited for this user (in which case nothing changed).
func (l *Ledger) CreditGameResult(ctx context.Context, sessionId, userId string, result entities.GameResult, score int, gameType string, perfectScore int) (entities.LeaderboardRecord, bool, error) {
	for attempt := 0; attempt < creditRetries; attempt++ {
		rec, err := l.store.GetRecord(ctx, userId)
		if errors.Is(err, ErrRecordNotFound) {
			rec = entities.LeaderboardRecord{UserId: userId}
		} else if err != nil {
			return entities.LeaderboardRecord{}, false, err
		}
		oldVersion := rec.Version

		applyResult(&rec, result, score, gameType, perfectScore)
		rec.Version++

		err = l.store.CommitCredit(ctx, sessionId, rec, oldVersion)
		if errors.Is(err, ErrAlreadyCredited) {
			current, getErr := l.store.GetRecord(ctx, userId)
			if getErr != nil {
				return entities.LeaderboardRecord{}, false, getErr
			}
			return current, true, nil
		}
		if errors.Is(err, ErrVersionConflict) {
			logging.Warn("stat credit raced, retrying",
				zap.String("user_id", userId),
				zap.String("session_id", sessionId),
			)
			continue
		}
		if err != nil {
			return entities.LeaderboardRecord{}, false, err
		}

		creditsApplied.WithLabelValues(string(result)).Inc()
		logging.Info("game result credited",
			zap.String("user_id", userId),
			zap.String("session_id", sessionId),
			zap.String("result", string(result)),
			zap.Int("score", score),
		)
		return rec, false, nil
	}
	return entities.LeaderboardRecord{}, false, fmt.Errorf("failed to credit result for %s: %w", userId, ErrVersionConflict)
}

// Record returns the player's current record, zero-valued when the player
// has never been credited.
func (l *Ledger) Record(ctx context.Context, userId string) (entities.LeaderboardRecord, error) {
	rec, err := l.store.GetRecord(ctx, userId)
	if errors.Is(err, ErrRecordNotFound) {
		return entities.LeaderboardRecord{UserId: userId}, nil
	}
	return rec, err
}

func applyResult(rec *entities.LeaderboardRecord, result entities.GameResult, score int, gameType string, perfectScore int) {
	rec.TotalScore += score
	rec.GamesPlayed++
	rec.AverageScore = round2(float64(rec.TotalScore) / float64(rec.GamesPlayed))

	if rec.GameTypeScores == nil {
		rec.GameTypeScores = map[string]entities.GameTypeScore{}
	}
	gts := rec.GameTypeScores[gameType]
	gts.Score += score
	gts.GamesPlayed++
	rec.GameTypeScores[gameType] = gts

	switch result {
	case entities.ResultWin:
		rec.Wins++
		rec.CurrentWinStreak++
	case entities.ResultLoss:
		rec.Losses++
		rec.CurrentWinStreak = 0
	case entities.ResultDraw:
		// draws leave the win streak untouched
	}

	// additive scoring can push a score past the threshold; an overshoot
	// still counts as a perfect game
	if perfectScore > 0 && score >= perfectScore {
		rec.PerfectGames++
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
