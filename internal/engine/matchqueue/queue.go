// Package matchqueue implements the skill-ordered waiting pool. Pairing
// claims both entries through a single Lua script so two concurrent match
// attempts can never both take the same opponent.
package matchqueue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/skillforge/arena/internal/cache"
	"github.com/skillforge/arena/internal/domains/entities"
	"github.com/skillforge/arena/internal/engine/session"
	"github.com/skillforge/arena/pkg/logging"
)

const (
	keySkill  = "matchmaking:queue"
	keyJoined = "matchmaking:queue:joined"

	// EntryTTL bounds how long queue metadata outlives the sweep.
	EntryTTL = 10 * time.Minute

	// DefaultSkillRange is the accepted rating distance when the caller
	// does not narrow it.
	DefaultSkillRange = 300

	claimAttempts = 4

	// advertised wait estimate per queue position
	waitPerPosition = 5 * time.Second
)

var (
	ErrNoMatchFound = errors.New("no suitable opponent found")
	ErrNotQueued    = errors.New("user is not queued")
)

var (
	matchesPaired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_matches_paired_total",
		Help: "Total number of sessions created by matchmaking",
	})
	queueClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_queue_claim_conflicts_total",
		Help: "Total number of pair claims lost to a concurrent match",
	})
	queueExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_queue_entries_expired_total",
		Help: "Total number of queue entries removed by the expiry sweep",
	})
)

// claimPair removes both members from the skill and joined indexes only if
// both are still present. Returns 1 when the claim wins.
const claimScript = `
if redis.call('ZSCORE', KEYS[1], ARGV[1]) and redis.call('ZSCORE', KEYS[1], ARGV[2]) then
  redis.call('ZREM', KEYS[1], ARGV[1], ARGV[2])
  redis.call('ZREM', KEYS[2], ARGV[1], ARGV[2])
  return 1
end
return 0
`

type Cache interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]interface{}) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	ZRank(ctx context.Context, key, member string) (int64, bool, error)
	ZRangeByScoreWithScores(ctx context.Context, key string, min, max float64) ([]cache.ZMember, error)
	Del(ctx context.Context, keys ...string) error
}

// SessionCreator instantiates the room for a successful pairing.
type SessionCreator interface {
	Create(ctx context.Context, params session.CreateParams) (entities.Session, error)
}

type Queue struct {
	cache    Cache
	sessions SessionCreator
	now      func() time.Time
}

func NewQueue(cache Cache, sessions SessionCreator) *Queue {
	return &Queue{cache: cache, sessions: sessions, now: time.Now}
}

func playerKey(userId string) string { return "player:" + userId }

// Enqueue inserts or refreshes the user's queue entry. Re-queuing is an
// idempotent upsert, not a conflict.
func (q *Queue) Enqueue(ctx context.Context, entry entities.QueueEntry) (entities.QueueEntry, error) {
	if entry.UserId == "" {
		return entities.QueueEntry{}, fmt.Errorf("empty user id")
	}
	if entry.SkillLevel < 0 {
		return entities.QueueEntry{}, fmt.Errorf("negative skill level")
	}
	if entry.Variant == "" {
		entry.Variant = entities.MatchSolo
	}
	entry.JoinedAt = q.now()

	if err := q.cache.ZAdd(ctx, keySkill, float64(entry.SkillLevel), entry.UserId); err != nil {
		return entities.QueueEntry{}, fmt.Errorf("failed to queue user: %w", err)
	}
	if err := q.cache.ZAdd(ctx, keyJoined, float64(entry.JoinedAt.UnixMilli()), entry.UserId); err != nil {
		return entities.QueueEntry{}, fmt.Errorf("failed to queue user: %w", err)
	}
	key := playerKey(entry.UserId)
	err := q.cache.HSet(ctx, key, map[string]interface{}{
		"username": entry.Username,
		"skill":    strconv.Itoa(entry.SkillLevel),
		"mode":     entry.PreferredMode,
		"variant":  string(entry.Variant),
		"joinedAt": entry.JoinedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return entities.QueueEntry{}, fmt.Errorf("failed to store queue entry: %w", err)
	}
	if err := q.cache.Expire(ctx, key, EntryTTL); err != nil {
		return entities.QueueEntry{}, err
	}
	return entry, nil
}

// Dequeue removes the entry; absent entries are a no-op.
func (q *Queue) Dequeue(ctx context.Context, userId string) error {
	if err := q.cache.ZRem(ctx, keySkill, userId); err != nil {
		return err
	}
	if err := q.cache.ZRem(ctx, keyJoined, userId); err != nil {
		return err
	}
	return q.cache.Del(ctx, playerKey(userId))
}

func (q *Queue) entry(ctx context.Context, userId string) (entities.QueueEntry, error) {
	skill, queued, err := q.cache.ZScore(ctx, keySkill, userId)
	if err != nil {
		return entities.QueueEntry{}, err
	}
	if !queued {
		return entities.QueueEntry{}, ErrNotQueued
	}
	fields, err := q.cache.HGetAll(ctx, playerKey(userId))
	if err != nil {
		return entities.QueueEntry{}, err
	}
	entry := entities.QueueEntry{
		UserId:        userId,
		Username:      fields["username"],
		SkillLevel:    int(skill),
		PreferredMode: fields["mode"],
		Variant:       entities.MatchVariant(fields["variant"]),
	}
	if v := fields["joinedAt"]; v != "" {
		entry.JoinedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return entry, nil
}

// FindBestMatch scans queued entries within skillRange of the user and
// returns the candidate of the same variant minimizing skill difference,
// ties broken by the earliest join time. skillRange <= 0 means an unbounded
// scan.
func (q *Queue) FindBestMatch(ctx context.Context, userId string, skillRange int) (entities.QueueEntry, error) {
	self, err := q.entry(ctx, userId)
	if err != nil {
		return entities.QueueEntry{}, err
	}
	min, max := math.Inf(-1), math.Inf(1)
	if skillRange > 0 {
		min = float64(self.SkillLevel - skillRange)
		max = float64(self.SkillLevel + skillRange)
	}
	candidates, err := q.cache.ZRangeByScoreWithScores(ctx, keySkill, min, max)
	if err != nil {
		return entities.QueueEntry{}, fmt.Errorf("failed to scan queue: %w", err)
	}

	var best entities.QueueEntry
	found := false
	bestDiff := math.MaxInt
	for _, cand := range candidates {
		if cand.Member == userId {
			continue
		}
		opponent, err := q.entry(ctx, cand.Member)
		if errors.Is(err, ErrNotQueued) {
			// dequeued between scan and read
			continue
		}
		if err != nil {
			return entities.QueueEntry{}, err
		}
		if opponent.Variant != self.Variant {
			continue
		}
		opponent.SkillLevel = int(cand.Score)
		diff := int(math.Abs(cand.Score - float64(self.SkillLevel)))
		if diff < bestDiff || (diff == bestDiff && opponent.JoinedAt.Before(best.JoinedAt)) {
			best = opponent
			bestDiff = diff
			found = true
		}
	}
	if !found {
		return entities.QueueEntry{}, ErrNoMatchFound
	}
	return best, nil
}

// PairOutcome is the result of a pairing attempt: either a created session
// or the caller's queue status while waiting.
type PairOutcome struct {
	Matched       bool
	Session       entities.Session
	Opponent      string
	Position      int64
	EstimatedWait time.Duration
}

// PairAndCreateSession queues the caller, then tries to claim the best
// opponent and instantiate a two-player room with both marked ready. A
// claim lost to a concurrent match retries against the remaining pool.
func (q *Queue) PairAndCreateSession(ctx context.Context, entry entities.QueueEntry, skillRange int) (PairOutcome, error) {
	entry, err := q.Enqueue(ctx, entry)
	if err != nil {
		return PairOutcome{}, err
	}
	if skillRange <= 0 {
		skillRange = DefaultSkillRange
	}

	for attempt := 0; attempt < claimAttempts; attempt++ {
		opponent, err := q.FindBestMatch(ctx, entry.UserId, skillRange)
		if errors.Is(err, ErrNoMatchFound) {
			return q.queuedOutcome(ctx, entry.UserId)
		}
		if err != nil {
			return PairOutcome{}, err
		}

		res, err := q.cache.Eval(ctx, claimScript,
			[]string{keySkill, keyJoined},
			entry.UserId, opponent.UserId,
		)
		if err != nil {
			return PairOutcome{}, fmt.Errorf("failed to claim pair: %w", err)
		}
		if claimed, _ := res.(int64); claimed != 1 {
			// opponent (or we) got matched elsewhere, retry the pool
			queueClaimConflicts.Inc()
			continue
		}

		sess, err := q.sessions.Create(ctx, session.CreateParams{
			Creator: entities.Participant{
				UserId:     entry.UserId,
				Username:   entry.Username,
				SkillLevel: entry.SkillLevel,
				IsReady:    true,
			},
			MaxPlayers: 2,
			GameSettings: entities.GameSettings{
				Mode: entry.PreferredMode,
			},
			Participants: []entities.Participant{{
				UserId:     opponent.UserId,
				Username:   opponent.Username,
				SkillLevel: opponent.SkillLevel,
				IsReady:    true,
			}},
		})
		if err != nil {
			// claim already consumed both entries; put the opponent back
			if _, reErr := q.Enqueue(ctx, opponent); reErr != nil {
				logging.Error("failed to re-queue opponent",
					zap.String("user_id", opponent.UserId),
					zap.Error(reErr),
				)
			}
			return PairOutcome{}, fmt.Errorf("failed to create session: %w", err)
		}
		_ = q.cache.Del(ctx, playerKey(entry.UserId), playerKey(opponent.UserId))
		matchesPaired.Inc()
		logging.Info("match paired",
			zap.String("room_id", sess.Id),
			zap.String("user_id", entry.UserId),
			zap.String("opponent_id", opponent.UserId),
		)
		return PairOutcome{Matched: true, Session: sess, Opponent: opponent.UserId}, nil
	}
	return q.queuedOutcome(ctx, entry.UserId)
}

func (q *Queue) queuedOutcome(ctx context.Context, userId string) (PairOutcome, error) {
	position, wait, err := q.Status(ctx, userId)
	if err != nil {
		return PairOutcome{}, err
	}
	return PairOutcome{Matched: false, Position: position, EstimatedWait: wait}, nil
}

// Status reports the 1-based queue position by join time and a wait
// estimate derived from it.
func (q *Queue) Status(ctx context.Context, userId string) (int64, time.Duration, error) {
	rank, queued, err := q.cache.ZRank(ctx, keyJoined, userId)
	if err != nil {
		return 0, 0, err
	}
	if !queued {
		return 0, 0, ErrNotQueued
	}
	position := rank + 1
	return position, time.Duration(position) * waitPerPosition, nil
}

// CleanupExpired removes entries older than maxWait. This passive sweep is
// the queue's only timeout mechanism.
func (q *Queue) CleanupExpired(ctx context.Context, maxWait time.Duration) (int, error) {
	cutoff := float64(q.now().Add(-maxWait).UnixMilli())
	stale, err := q.cache.ZRangeByScoreWithScores(ctx, keyJoined, math.Inf(-1), cutoff)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range stale {
		if err := q.Dequeue(ctx, entry.Member); err != nil {
			logging.Error("failed to expire queue entry",
				zap.String("user_id", entry.Member),
				zap.Error(err),
			)
			continue
		}
		removed++
	}
	if removed > 0 {
		queueExpired.Add(float64(removed))
		logging.Info("expired queue entries removed", zap.Int("count", removed))
	}
	return removed, nil
}
