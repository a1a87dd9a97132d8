package achievement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillforge/arena/internal/domains/entities"
)

type fakeStore struct {
	defs     []entities.AchievementDefinition
	byUser   map[string]map[string]entities.UserAchievement
	points   map[string]int
	unlocks  int
	progress int
}

func newFakeStore(defs ...entities.AchievementDefinition) *fakeStore {
	return &fakeStore{
		defs:   defs,
		byUser: map[string]map[string]entities.UserAchievement{},
		points: map[string]int{},
	}
}

func (s *fakeStore) ListDefinitions(_ context.Context) ([]entities.AchievementDefinition, error) {
	return s.defs, nil
}

func (s *fakeStore) ListUserAchievements(_ context.Context, userId string) ([]entities.UserAchievement, error) {
	var out []entities.UserAchievement
	for _, ua := range s.byUser[userId] {
		out = append(out, ua)
	}
	return out, nil
}

func (s *fakeStore) CommitUnlock(_ context.Context, ua entities.UserAchievement, points int) error {
	user := s.byUser[ua.UserId]
	if user == nil {
		user = map[string]entities.UserAchievement{}
		s.byUser[ua.UserId] = user
	}
	if existing, ok := user[ua.AchievementId]; ok && existing.Unlocked() {
		return ErrAlreadyUnlocked
	}
	user[ua.AchievementId] = ua
	s.points[ua.UserId] += points
	s.unlocks++
	return nil
}

func (s *fakeStore) PutProgress(_ context.Context, ua entities.UserAchievement) error {
	user := s.byUser[ua.UserId]
	if user == nil {
		user = map[string]entities.UserAchievement{}
		s.byUser[ua.UserId] = user
	}
	user[ua.AchievementId] = ua
	s.progress++
	return nil
}

func def(id, criteriaType string, target, points int) entities.AchievementDefinition {
	return entities.AchievementDefinition{
		AchievementId: id,
		Name:          id,
		Criteria:      entities.AchievementCriteria{Type: criteriaType, Target: target},
		Points:        points,
	}
}

func newTestEngine(t *testing.T, defs ...entities.AchievementDefinition) (*Engine, *fakeStore) {
	t.Helper()
	store := newFakeStore(defs...)
	engine := NewEngine(store)
	require.NoError(t, engine.LoadDefinitions(context.Background()))
	return engine, store
}

func deltaFor(t *testing.T, deltas []Delta, id string) Delta {
	t.Helper()
	for _, d := range deltas {
		if d.AchievementId == id {
			return d
		}
	}
	t.Fatalf("no delta for %s", id)
	return Delta{}
}

func TestEvaluateRequiresLoadedDefinitions(t *testing.T) {
	engine := NewEngine(newFakeStore())
	_, err := engine.Evaluate(context.Background(), "alice", Snapshot{})
	assert.ErrorIs(t, err, ErrDefsNotLoaded)
}

func TestEvaluateUnlocksOnTarget(t *testing.T) {
	engine, store := newTestEngine(t,
		def("first-win", entities.CriteriaWins, 1, 10),
		def("veteran", entities.CriteriaGamesPlayed, 100, 50),
	)

	snap := Snapshot{Record: entities.LeaderboardRecord{UserId: "alice", Wins: 1, GamesPlayed: 3}}
	deltas, err := engine.Evaluate(context.Background(), "alice", snap)
	require.NoError(t, err)

	win := deltaFor(t, deltas, "first-win")
	assert.True(t, win.Unlocked)
	assert.Equal(t, 10, win.Points)
	assert.Equal(t, 100.0, win.Progress)

	vet := deltaFor(t, deltas, "veteran")
	assert.False(t, vet.Unlocked)
	assert.Equal(t, 3.0, vet.Progress)

	assert.Equal(t, 10, store.points["alice"])
}

func TestEvaluateUnlockIsIdempotent(t *testing.T) {
	engine, store := newTestEngine(t, def("first-win", entities.CriteriaWins, 1, 10))
	ctx := context.Background()
	snap := Snapshot{Record: entities.LeaderboardRecord{UserId: "alice", Wins: 1}}

	_, err := engine.Evaluate(ctx, "alice", snap)
	require.NoError(t, err)

	// already unlocked rows are skipped entirely on the next pass
	deltas, err := engine.Evaluate(ctx, "alice", snap)
	require.NoError(t, err)
	assert.Empty(t, deltas)
	assert.Equal(t, 10, store.points["alice"], "points must not be awarded twice")
	assert.Equal(t, 1, store.unlocks)
}

func TestProgressCapsAt99UntilUnlocked(t *testing.T) {
	engine, _ := newTestEngine(t, def("scorer", entities.CriteriaTotalScore, 1000, 25))

	snap := Snapshot{Record: entities.LeaderboardRecord{UserId: "alice", TotalScore: 999}}
	deltas, err := engine.Evaluate(context.Background(), "alice", snap)
	require.NoError(t, err)
	assert.Equal(t, 99.0, deltaFor(t, deltas, "scorer").Progress)
}

func TestProgressOnlyMovesForward(t *testing.T) {
	engine, store := newTestEngine(t, def("streak", entities.CriteriaWinStreak, 10, 25))
	ctx := context.Background()

	_, err := engine.Evaluate(ctx, "alice", Snapshot{Record: entities.LeaderboardRecord{UserId: "alice", CurrentWinStreak: 5}})
	require.NoError(t, err)
	assert.Equal(t, 1, store.progress)

	// a streak reset does not rewrite progress downward
	deltas, err := engine.Evaluate(ctx, "alice", Snapshot{Record: entities.LeaderboardRecord{UserId: "alice", CurrentWinStreak: 0}})
	require.NoError(t, err)
	assert.Empty(t, deltas)
	assert.Equal(t, 1, store.progress)
}

func TestGameTypeMasteryReadsMetric(t *testing.T) {
	mastery := def("quiz-master", entities.CriteriaGameTypeMastery, 10, 30)
	mastery.Criteria.Metric = "quiz"
	engine, _ := newTestEngine(t, mastery)

	snap := Snapshot{Record: entities.LeaderboardRecord{
		UserId: "alice",
		GameTypeScores: map[string]entities.GameTypeScore{
			"quiz":   {Score: 900, GamesPlayed: 10},
			"puzzle": {Score: 50, GamesPlayed: 1},
		},
	}}
	deltas, err := engine.Evaluate(context.Background(), "alice", snap)
	require.NoError(t, err)
	assert.True(t, deltaFor(t, deltas, "quiz-master").Unlocked)
}

func TestMetaAchievementDoesNotCascade(t *testing.T) {
	engine, _ := newTestEngine(t,
		def("first-win", entities.CriteriaWins, 1, 10),
		def("collector", entities.CriteriaAchievementsUnlocked, 1, 20),
	)
	ctx := context.Background()
	snap := Snapshot{Record: entities.LeaderboardRecord{UserId: "alice", Wins: 1}}

	// the pass that unlocks first-win observes zero prior unlocks
	deltas, err := engine.Evaluate(ctx, "alice", snap)
	require.NoError(t, err)
	assert.True(t, deltaFor(t, deltas, "first-win").Unlocked)
	assert.False(t, deltaFor(t, deltas, "collector").Unlocked)

	// the next pass sees the committed unlock
	deltas, err = engine.Evaluate(ctx, "alice", snap)
	require.NoError(t, err)
	assert.True(t, deltaFor(t, deltas, "collector").Unlocked)
}

func TestSnapshotOnlyCriteria(t *testing.T) {
	engine, _ := newTestEngine(t,
		def("regular", entities.CriteriaDailyStreak, 7, 15),
		def("social", entities.CriteriaFriends, 3, 5),
	)

	deltas, err := engine.Evaluate(context.Background(), "alice", Snapshot{DailyStreak: 7, Friends: 2})
	require.NoError(t, err)
	assert.True(t, deltaFor(t, deltas, "regular").Unlocked)
	social := deltaFor(t, deltas, "social")
	assert.False(t, social.Unlocked)
	assert.InDelta(t, 66.66, social.Progress, 0.01)
}

func TestUnknownCriteriaIsSkipped(t *testing.T) {
	engine, store := newTestEngine(t,
		def("weird", "moon_phase", 1, 5),
		def("first-win", entities.CriteriaWins, 1, 10),
	)

	snap := Snapshot{Record: entities.LeaderboardRecord{UserId: "alice", Wins: 1}}
	deltas, err := engine.Evaluate(context.Background(), "alice", snap)
	require.NoError(t, err)
	assert.Len(t, deltas, 1)
	assert.True(t, deltaFor(t, deltas, "first-win").Unlocked)
	assert.Equal(t, 1, store.unlocks)
}

func TestUnlockTimestampComesFromClock(t *testing.T) {
	engine, store := newTestEngine(t, def("first-win", entities.CriteriaWins, 1, 10))
	fixed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return fixed }

	_, err := engine.Evaluate(context.Background(), "alice", Snapshot{Record: entities.LeaderboardRecord{UserId: "alice", Wins: 1}})
	require.NoError(t, err)

	ua := store.byUser["alice"]["first-win"]
	require.NotNil(t, ua.UnlockedAt)
	assert.Equal(t, fixed, *ua.UnlockedAt)
}
