// Package achievement evaluates unlock criteria against a player's stats
// snapshot. Definitions are loaded once and cached; unlocks are committed
// through the store together with their point award so an achievement can
// never pay out twice.
package achievement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/skillforge/arena/internal/domains/entities"
	"github.com/skillforge/arena/pkg/logging"
)

var (
	ErrAlreadyUnlocked = errors.New("achievement already unlocked")
	ErrDefsNotLoaded   = errors.New("achievement definitions not loaded")
	ErrUnknownCriteria = errors.New("unknown achievement criteria type")
)

var unlocksCommitted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "arena_achievements_unlocked_total",
	Help: "Total number of achievement unlocks committed",
})

// Store is the durable slice of achievement state the engine needs.
// CommitUnlock writes the unlocked row and adds points to the player's
// leaderboard record in one transaction.
type Store interface {
	ListDefinitions(ctx context.Context) ([]entities.AchievementDefinition, error)
	ListUserAchievements(ctx context.Context, userId string) ([]entities.UserAchievement, error)
	CommitUnlock(ctx context.Context, ua entities.UserAchievement, points int) error
	PutProgress(ctx context.Context, ua entities.UserAchievement) error
}

// Snapshot carries everything a criteria check can observe. DailyStreak and
// Friends come from outside the leaderboard record.
type Snapshot struct {
	Record      entities.LeaderboardRecord
	DailyStreak int
	Friends     int
}

// Delta reports what Evaluate did for one achievement.
type Delta struct {
	AchievementId   string
	Unlocked        bool
	AlreadyUnlocked bool
	Progress        float64
	Points          int
}

type Engine struct {
	store Store
	now   func() time.Time

	mu   sync.RWMutex
	defs []entities.AchievementDefinition
}

func NewEngine(store Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// LoadDefinitions fetches and caches the definition set. Call once at
// startup; Reload refreshes the cache at runtime.
func (e *Engine) LoadDefinitions(ctx context.Context) error {
	defs, err := e.store.ListDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load achievement definitions: %w", err)
	}
	e.mu.Lock()
	e.defs = defs
	e.mu.Unlock()
	logging.Info("achievement definitions loaded", zap.Int("count", len(defs)))
	return nil
}

func (e *Engine) Reload(ctx context.Context) error {
	return e.LoadDefinitions(ctx)
}

func (e *Engine) Definitions() []entities.AchievementDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]entities.AchievementDefinition, len(e.defs))
	copy(out, e.defs)
	return out
}

// Evaluate runs a single pass over all definitions for one player. The
// unlocked count observed by achievements_unlocked criteria is taken from
// the state before this pass, so meta achievements unlock on the next
// evaluation rather than cascading within one.
func (e *Engine) Evaluate(ctx context.Context, userId string, snap Snapshot) ([]Delta, error) {
	e.mu.RLock()
	defs := e.defs
	e.mu.RUnlock()
	if len(defs) == 0 {
		return nil, ErrDefsNotLoaded
	}

	existing, err := e.store.ListUserAchievements(ctx, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to list user achievements: %w", err)
	}
	byId := make(map[string]entities.UserAchievement, len(existing))
	unlockedBefore := 0
	for _, ua := range existing {
		byId[ua.AchievementId] = ua
		if ua.Unlocked() {
			unlockedBefore++
		}
	}

	var deltas []Delta
	for _, def := range defs {
		prior, tracked := byId[def.AchievementId]
		if tracked && prior.Unlocked() {
			continue
		}

		observed, err := observe(def.Criteria, snap, unlockedBefore)
		if err != nil {
			logging.Warn("skipping achievement with bad criteria",
				zap.String("achievement_id", def.AchievementId),
				zap.Error(err),
			)
			continue
		}

		if def.Criteria.Target > 0 && observed >= def.Criteria.Target {
			now := e.now()
			ua := entities.UserAchievement{
				UserId:        userId,
				AchievementId: def.AchievementId,
				Progress:      100,
				UnlockedAt:    &now,
			}
			err := e.store.CommitUnlock(ctx, ua, def.Points)
			if errors.Is(err, ErrAlreadyUnlocked) {
				deltas = append(deltas, Delta{AchievementId: def.AchievementId, AlreadyUnlocked: true, Progress: 100})
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to unlock %s: %w", def.AchievementId, err)
			}
			unlocksCommitted.Inc()
			logging.Info("achievement unlocked",
				zap.String("user_id", userId),
				zap.String("achievement_id", def.AchievementId),
				zap.Int("points", def.Points),
			)
			deltas = append(deltas, Delta{
				AchievementId: def.AchievementId,
				Unlocked:      true,
				Progress:      100,
				Points:        def.Points,
			})
			continue
		}

		progress := progressPct(observed, def.Criteria.Target)
		if !tracked || progress > prior.Progress {
			ua := entities.UserAchievement{
				UserId:        userId,
				AchievementId: def.AchievementId,
				Progress:      progress,
			}
			if err := e.store.PutProgress(ctx, ua); err != nil {
				return nil, fmt.Errorf("failed to record progress for %s: %w", def.AchievementId, err)
			}
			deltas = append(deltas, Delta{AchievementId: def.AchievementId, Progress: progress})
		}
	}
	return deltas, nil
}

func observe(c entities.AchievementCriteria, snap Snapshot, unlockedBefore int) (int, error) {
	switch c.Type {
	case entities.CriteriaTotalScore:
		return snap.Record.TotalScore, nil
	case entities.CriteriaGamesPlayed:
		return snap.Record.GamesPlayed, nil
	case entities.CriteriaWins:
		return snap.Record.Wins, nil
	case entities.CriteriaWinStreak:
		return snap.Record.CurrentWinStreak, nil
	case entities.CriteriaPerfectScore:
		return snap.Record.PerfectGames, nil
	case entities.CriteriaDailyStreak:
		return snap.DailyStreak, nil
	case entities.CriteriaFriends:
		return snap.Friends, nil
	case entities.CriteriaGameTypeMastery:
		return snap.Record.GameTypeScores[c.Metric].GamesPlayed, nil
	case entities.CriteriaAchievementsUnlocked:
		return unlockedBefore, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownCriteria, c.Type)
	}
}

// progressPct maps observed/target onto [0, 99]; 100 is reserved for
// committed unlocks.
func progressPct(observed, target int) float64 {
	if target <= 0 {
		return 0
	}
	pct := float64(observed) / float64(target) * 100
	pct = math.Floor(pct*100) / 100
	if pct > 99 {
		pct = 99
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}
