package matchqueue

import (
	"context"
	"math"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillforge/arena/internal/cache"
	"github.com/skillforge/arena/internal/domains/entities"
	"github.com/skillforge/arena/internal/engine/session"
)

type fakeCache struct {
	hashes map[string]map[string]string
	zsets  map[string]map[string]float64

	// beforeClaim runs before the claim script, to inject races.
	beforeClaim func(c *fakeCache)
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		hashes: map[string]map[string]string{},
		zsets:  map[string]map[string]float64{},
	}
}

func (c *fakeCache) HGetAll(_ context.Context, key string) (map[string]string, error) {
	out := map[string]string{}
	for k, v := range c.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (c *fakeCache) HSet(_ context.Context, key string, fields map[string]interface{}) error {
	h := c.hashes[key]
	if h == nil {
		h = map[string]string{}
		c.hashes[key] = h
	}
	for k, v := range fields {
		if s, ok := v.(string); ok {
			h[k] = s
		}
	}
	return nil
}

func (c *fakeCache) Expire(_ context.Context, _ string, _ time.Duration) error { return nil }

func (c *fakeCache) Eval(_ context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	if script != claimScript {
		return nil, assert.AnError
	}
	if c.beforeClaim != nil {
		c.beforeClaim(c)
	}
	a := args[0].(string)
	b := args[1].(string)
	skill := c.zsets[keys[0]]
	if _, okA := skill[a]; okA {
		if _, okB := skill[b]; okB {
			delete(skill, a)
			delete(skill, b)
			delete(c.zsets[keys[1]], a)
			delete(c.zsets[keys[1]], b)
			return int64(1), nil
		}
	}
	return int64(0), nil
}

func (c *fakeCache) ZAdd(_ context.Context, key string, score float64, member string) error {
	z := c.zsets[key]
	if z == nil {
		z = map[string]float64{}
		c.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (c *fakeCache) ZRem(_ context.Context, key string, members ...string) error {
	for _, m := range members {
		delete(c.zsets[key], m)
	}
	return nil
}

func (c *fakeCache) ZScore(_ context.Context, key, member string) (float64, bool, error) {
	score, ok := c.zsets[key][member]
	return score, ok, nil
}

func (c *fakeCache) ZRank(_ context.Context, key, member string) (int64, bool, error) {
	if _, ok := c.zsets[key][member]; !ok {
		return 0, false, nil
	}
	type pair struct {
		member string
		score  float64
	}
	var pairs []pair
	for m, s := range c.zsets[key] {
		pairs = append(pairs, pair{m, s})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })
	for i, p := range pairs {
		if p.member == member {
			return int64(i), true, nil
		}
	}
	return 0, false, nil
}

func (c *fakeCache) ZRangeByScoreWithScores(_ context.Context, key string, min, max float64) ([]cache.ZMember, error) {
	var out []cache.ZMember
	for m, s := range c.zsets[key] {
		if s >= min && s <= max {
			out = append(out, cache.ZMember{Member: m, Score: s})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out, nil
}

func (c *fakeCache) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(c.hashes, k)
	}
	return nil
}

type fakeSessions struct {
	created []session.CreateParams
	fail    bool
}

func (s *fakeSessions) Create(_ context.Context, params session.CreateParams) (entities.Session, error) {
	if s.fail {
		return entities.Session{}, assert.AnError
	}
	s.created = append(s.created, params)
	participants := append([]entities.Participant{params.Creator}, params.Participants...)
	return entities.Session{
		Id:             "room-" + strconv.Itoa(len(s.created)),
		Status:         entities.StatusWaiting,
		MaxPlayers:     params.MaxPlayers,
		CurrentPlayers: len(participants),
		Participants:   participants,
		Creator:        params.Creator.UserId,
	}, nil
}

func newTestQueue() (*Queue, *fakeCache, *fakeSessions) {
	c := newFakeCache()
	s := &fakeSessions{}
	return NewQueue(c, s), c, s
}

func enqueue(t *testing.T, q *Queue, userId string, skill int) {
	t.Helper()
	_, err := q.Enqueue(context.Background(), entities.QueueEntry{
		UserId:        userId,
		Username:      "u-" + userId,
		SkillLevel:    skill,
		PreferredMode: "quiz",
	})
	require.NoError(t, err)
}

func TestEnqueueIsIdempotentUpsert(t *testing.T) {
	q, c, _ := newTestQueue()
	enqueue(t, q, "alice", 1000)
	enqueue(t, q, "alice", 1100)

	assert.Len(t, c.zsets[keySkill], 1)
	assert.Equal(t, float64(1100), c.zsets[keySkill]["alice"])
}

func TestDequeueAbsentIsNoop(t *testing.T) {
	q, _, _ := newTestQueue()
	assert.NoError(t, q.Dequeue(context.Background(), "ghost"))
}

func TestFindBestMatchPrefersClosestSkill(t *testing.T) {
	q, _, _ := newTestQueue()
	ctx := context.Background()
	enqueue(t, q, "A", 1000)
	enqueue(t, q, "B", 1050)
	enqueue(t, q, "C", 1800)

	opponent, err := q.FindBestMatch(ctx, "A", 300)
	require.NoError(t, err)
	assert.Equal(t, "B", opponent.UserId)
}

func TestFindBestMatchTieBreaksByJoinTime(t *testing.T) {
	q, _, _ := newTestQueue()
	ctx := context.Background()

	base := time.Now()
	q.now = func() time.Time { return base }
	enqueue(t, q, "early", 1100)
	q.now = func() time.Time { return base.Add(time.Second) }
	enqueue(t, q, "late", 900)
	q.now = func() time.Time { return base.Add(2 * time.Second) }
	enqueue(t, q, "A", 1000)

	opponent, err := q.FindBestMatch(ctx, "A", 300)
	require.NoError(t, err)
	assert.Equal(t, "early", opponent.UserId)
}

func TestFindBestMatchSkipsOtherVariants(t *testing.T) {
	q, _, _ := newTestQueue()
	ctx := context.Background()
	enqueue(t, q, "A", 1000)
	_, err := q.Enqueue(ctx, entities.QueueEntry{
		UserId:     "team-player",
		Username:   "u-team-player",
		SkillLevel: 1000,
		Variant:    entities.MatchTeam,
	})
	require.NoError(t, err)

	_, err = q.FindBestMatch(ctx, "A", 300)
	assert.ErrorIs(t, err, ErrNoMatchFound)

	enqueue(t, q, "B", 1200)
	opponent, err := q.FindBestMatch(ctx, "A", 300)
	require.NoError(t, err)
	assert.Equal(t, "B", opponent.UserId)
}

func TestFindBestMatchExcludesSelfAndEmptyPool(t *testing.T) {
	q, _, _ := newTestQueue()
	ctx := context.Background()
	enqueue(t, q, "A", 1000)

	_, err := q.FindBestMatch(ctx, "A", 300)
	assert.ErrorIs(t, err, ErrNoMatchFound)
}

func TestPairAndCreateSession(t *testing.T) {
	q, c, s := newTestQueue()
	ctx := context.Background()
	enqueue(t, q, "bob", 1020)

	outcome, err := q.PairAndCreateSession(ctx, entities.QueueEntry{
		UserId: "alice", Username: "u-alice", SkillLevel: 1000, PreferredMode: "quiz",
	}, 300)
	require.NoError(t, err)
	assert.True(t, outcome.Matched)
	assert.Equal(t, "bob", outcome.Opponent)

	require.Len(t, s.created, 1)
	params := s.created[0]
	assert.Equal(t, 2, params.MaxPlayers)
	assert.True(t, params.Creator.IsReady)
	require.Len(t, params.Participants, 1)
	assert.True(t, params.Participants[0].IsReady)

	// both entries atomically removed
	assert.Empty(t, c.zsets[keySkill])
	assert.Empty(t, c.zsets[keyJoined])
}

func TestPairLeavesCallerQueuedWhenPoolEmpty(t *testing.T) {
	q, c, _ := newTestQueue()
	ctx := context.Background()

	outcome, err := q.PairAndCreateSession(ctx, entities.QueueEntry{
		UserId: "alice", SkillLevel: 1000,
	}, 300)
	require.NoError(t, err)
	assert.False(t, outcome.Matched)
	assert.Equal(t, int64(1), outcome.Position)
	assert.Greater(t, outcome.EstimatedWait, time.Duration(0))
	assert.Contains(t, c.zsets[keySkill], "alice")
}

func TestPairRetriesWhenClaimLost(t *testing.T) {
	q, c, s := newTestQueue()
	ctx := context.Background()
	enqueue(t, q, "bob", 1010)
	enqueue(t, q, "carol", 1090)

	// simulate bob being claimed by a concurrent request just before the
	// first claim script runs
	stolen := false
	c.beforeClaim = func(fc *fakeCache) {
		if stolen {
			return
		}
		stolen = true
		delete(fc.zsets[keySkill], "bob")
		delete(fc.zsets[keyJoined], "bob")
	}

	outcome, err := q.PairAndCreateSession(ctx, entities.QueueEntry{
		UserId: "alice", SkillLevel: 1000,
	}, 300)
	require.NoError(t, err)
	assert.True(t, outcome.Matched)
	assert.Equal(t, "carol", outcome.Opponent)
	require.Len(t, s.created, 1)
}

func TestPairRequeuesOpponentOnSessionFailure(t *testing.T) {
	q, c, s := newTestQueue()
	ctx := context.Background()
	s.fail = true
	enqueue(t, q, "bob", 1000)

	_, err := q.PairAndCreateSession(ctx, entities.QueueEntry{
		UserId: "alice", SkillLevel: 1000,
	}, 300)
	require.Error(t, err)
	assert.Contains(t, c.zsets[keySkill], "bob")
}

func TestCleanupExpired(t *testing.T) {
	q, _, _ := newTestQueue()
	ctx := context.Background()

	base := time.Now()
	q.now = func() time.Time { return base.Add(-15 * time.Minute) }
	enqueue(t, q, "stale", 1000)
	q.now = func() time.Time { return base }
	enqueue(t, q, "fresh", 1010)

	removed, err := q.CleanupExpired(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// the expired entry is never matchable again
	_, err = q.FindBestMatch(ctx, "fresh", math.MaxInt32)
	assert.ErrorIs(t, err, ErrNoMatchFound)
}

func TestStatusNotQueued(t *testing.T) {
	q, _, _ := newTestQueue()
	_, _, err := q.Status(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotQueued)
}
