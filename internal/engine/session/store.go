// Package session owns the canonical representation of a room in the cache
// tier. Every mutation goes through a version-checked Lua script so that two
// concurrent events for the same room can never lose an update.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/skillforge/arena/internal/domains/entities"
	"github.com/skillforge/arena/pkg/logging"
	"github.com/skillforge/arena/pkg/utils"
)

const (
	keyActive  = "rooms:active"
	keyWaiting = "rooms:waiting"

	// TTL classes by status; any successful mutation re-applies the class
	// for the room's (possibly new) status.
	TTLWaiting  = 30 * time.Minute
	TTLPlaying  = 60 * time.Minute
	TTLFinished = 5 * time.Minute

	MinPlayers = 2
	MaxPlayers = 8

	casRetries = 5
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrRoomFull        = errors.New("room is full")
	ErrAlreadyJoined   = errors.New("user already joined")
	ErrNotJoinable     = errors.New("room is not accepting players")
	ErrNotParticipant  = errors.New("user is not a participant")
	ErrInvalidInput    = errors.New("invalid input")
	ErrContention      = errors.New("too many concurrent updates")
	ErrBadTransition   = errors.New("invalid status transition")
)

// casWrite applies hash field updates only when the stored version still
// matches, then re-arms the TTL. Returns 1 on success, 0 on version
// mismatch, -1 when the room no longer exists.
const casScript = `
local ver = redis.call('HGET', KEYS[1], 'version')
if not ver then return -1 end
if ver ~= ARGV[1] then return 0 end
for i = 3, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`

// Cache is the slice of the cache tier the store needs.
type Cache interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]interface{}) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	Del(ctx context.Context, keys ...string) error
}

type Store struct {
	cache Cache
	now   func() time.Time
}

func NewStore(cache Cache) *Store {
	return &Store{cache: cache, now: time.Now}
}

func roomKey(id string) string { return "room:" + id }

func ttlFor(status entities.SessionStatus) time.Duration {
	switch status {
	case entities.StatusPlaying:
		return TTLPlaying
	case entities.StatusFinished:
		return TTLFinished
	default:
		return TTLWaiting
	}
}

type CreateParams struct {
	Creator      entities.Participant
	MaxPlayers   int
	GameSettings entities.GameSettings
	// Extra participants seeded at creation, e.g. by matchmaking.
	Participants []entities.Participant
}

func (s *Store) Create(ctx context.Context, params CreateParams) (entities.Session, error) {
	if params.Creator.UserId == "" {
		return entities.Session{}, fmt.Errorf("%w: empty creator id", ErrInvalidInput)
	}
	if params.MaxPlayers < MinPlayers || params.MaxPlayers > MaxPlayers {
		return entities.Session{}, fmt.Errorf("%w: max players must be %d-%d", ErrInvalidInput, MinPlayers, MaxPlayers)
	}
	now := s.now()
	creator := params.Creator
	creator.JoinedAt = now
	creator.Active = true
	sess := entities.Session{
		Id:           utils.GenerateUUID(),
		Status:       entities.StatusWaiting,
		MaxPlayers:   params.MaxPlayers,
		Participants: []entities.Participant{creator},
		Creator:      creator.UserId,
		GameSettings: params.GameSettings,
		CreatedAt:    now,
		LastActivity: now,
		Version:      1,
	}
	for _, p := range params.Participants {
		if p.UserId == creator.UserId {
			continue
		}
		p.JoinedAt = now
		p.Active = true
		sess.Participants = append(sess.Participants, p)
	}
	if len(sess.Participants) > sess.MaxPlayers {
		return entities.Session{}, ErrRoomFull
	}
	sess.CurrentPlayers = len(sess.Participants)

	fields, err := sessionFields(sess)
	if err != nil {
		return entities.Session{}, err
	}
	key := roomKey(sess.Id)
	if err := s.cache.HSet(ctx, key, fields); err != nil {
		return entities.Session{}, fmt.Errorf("failed to store room: %w", err)
	}
	if err := s.cache.Expire(ctx, key, TTLWaiting); err != nil {
		return entities.Session{}, fmt.Errorf("failed to set room ttl: %w", err)
	}
	if err := s.cache.SAdd(ctx, keyActive, sess.Id); err != nil {
		return entities.Session{}, fmt.Errorf("failed to index room: %w", err)
	}
	if sess.HasCapacity() {
		if err := s.cache.ZAdd(ctx, keyWaiting, float64(now.UnixMilli()), sess.Id); err != nil {
			return entities.Session{}, fmt.Errorf("failed to index waiting room: %w", err)
		}
	}
	logging.Info("room created",
		zap.String("room_id", sess.Id),
		zap.String("creator", sess.Creator),
		zap.Int("max_players", sess.MaxPlayers),
	)
	return sess, nil
}

func (s *Store) Get(ctx context.Context, id string) (entities.Session, error) {
	fields, err := s.cache.HGetAll(ctx, roomKey(id))
	if err != nil {
		return entities.Session{}, fmt.Errorf("failed to read room: %w", err)
	}
	if len(fields) == 0 {
		return entities.Session{}, ErrSessionNotFound
	}
	return parseSession(fields)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.cache.Del(ctx, roomKey(id)); err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	if err := s.cache.SRem(ctx, keyActive, id); err != nil {
		return err
	}
	return s.cache.ZRem(ctx, keyWaiting, id)
}

// mutate runs fn against the current room state and commits the result with
// a compare-and-set on the version field, retrying on contention.
func (s *Store) mutate(ctx context.Context, id string, fn func(*entities.Session) error) (entities.Session, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		sess, err := s.Get(ctx, id)
		if err != nil {
			return entities.Session{}, err
		}
		oldVersion := sess.Version
		if err := fn(&sess); err != nil {
			return entities.Session{}, err
		}
		sess.CurrentPlayers = len(sess.Participants)
		sess.Version = oldVersion + 1
		sess.LastActivity = s.now()

		fields, err := sessionFields(sess)
		if err != nil {
			return entities.Session{}, err
		}
		args := []interface{}{
			strconv.FormatInt(oldVersion, 10),
			ttlFor(sess.Status).Milliseconds(),
		}
		for _, f := range sortedFieldNames(fields) {
			args = append(args, f, fields[f])
		}
		res, err := s.cache.Eval(ctx, casScript, []string{roomKey(id)}, args...)
		if err != nil {
			return entities.Session{}, fmt.Errorf("failed to write room: %w", err)
		}
		switch toInt64(res) {
		case 1:
			s.reindex(ctx, sess)
			return sess, nil
		case -1:
			return entities.Session{}, ErrSessionNotFound
		default:
			// lost the race, reload and retry
			continue
		}
	}
	return entities.Session{}, ErrContention
}

// reindex keeps the waiting index consistent with the room's joinability.
func (s *Store) reindex(ctx context.Context, sess entities.Session) {
	joinable := sess.Status == entities.StatusWaiting && sess.HasCapacity()
	var err error
	if joinable {
		err = s.cache.ZAdd(ctx, keyWaiting, float64(sess.CreatedAt.UnixMilli()), sess.Id)
	} else {
		err = s.cache.ZRem(ctx, keyWaiting, sess.Id)
	}
	if err != nil {
		logging.Error("failed to reindex room", zap.String("room_id", sess.Id), zap.Error(err))
	}
}

type UpdateParams struct {
	GameSettings *entities.GameSettings
	MaxPlayers   *int
}

func (s *Store) Update(ctx context.Context, id string, params UpdateParams) (entities.Session, error) {
	return s.mutate(ctx, id, func(sess *entities.Session) error {
		if sess.Status != entities.StatusWaiting {
			return ErrNotJoinable
		}
		if params.GameSettings != nil {
			sess.GameSettings = *params.GameSettings
		}
		if params.MaxPlayers != nil {
			if *params.MaxPlayers < len(sess.Participants) || *params.MaxPlayers > MaxPlayers {
				return fmt.Errorf("%w: max players out of range", ErrInvalidInput)
			}
			sess.MaxPlayers = *params.MaxPlayers
		}
		return nil
	})
}

// UpdateStatus performs a guarded status transition. The from check makes
// the transition fire exactly once under concurrent triggers.
func (s *Store) UpdateStatus(ctx context.Context, id string, from, to entities.SessionStatus) (entities.Session, error) {
	return s.mutate(ctx, id, func(sess *entities.Session) error {
		if sess.Status != from {
			return fmt.Errorf("%w: %s -> %s, currently %s", ErrBadTransition, from, to, sess.Status)
		}
		sess.Status = to
		return nil
	})
}

func (s *Store) AddParticipant(ctx context.Context, id string, p entities.Participant) (entities.Session, error) {
	if p.UserId == "" {
		return entities.Session{}, fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}
	return s.mutate(ctx, id, func(sess *entities.Session) error {
		if sess.Status != entities.StatusWaiting {
			return ErrNotJoinable
		}
		if _, exists := sess.Participant(p.UserId); exists {
			return ErrAlreadyJoined
		}
		if !sess.HasCapacity() {
			return ErrRoomFull
		}
		p.JoinedAt = s.now()
		p.Active = true
		p.IsReady = false
		sess.Participants = append(sess.Participants, p)
		return nil
	})
}

// RemovalOutcome reports the observable side effects of removing a
// participant: room deletion or ownership transfer.
type RemovalOutcome struct {
	Session    entities.Session
	Deleted    bool
	NewCreator string
}

func (s *Store) RemoveParticipant(ctx context.Context, id, userId string) (RemovalOutcome, error) {
	var outcome RemovalOutcome
	sess, err := s.mutate(ctx, id, func(sess *entities.Session) error {
		outcome = RemovalOutcome{}
		idx := -1
		for i := range sess.Participants {
			if sess.Participants[i].UserId == userId {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrNotParticipant
		}
		sess.Participants = append(sess.Participants[:idx], sess.Participants[idx+1:]...)
		if sess.Creator == userId && len(sess.Participants) > 0 {
			// ownership moves to the earliest remaining participant
			next := sess.Participants[0]
			for _, p := range sess.Participants[1:] {
				if p.JoinedAt.Before(next.JoinedAt) {
					next = p
				}
			}
			sess.Creator = next.UserId
			outcome.NewCreator = next.UserId
		}
		return nil
	})
	if err != nil {
		return RemovalOutcome{}, err
	}
	outcome.Session = sess
	if len(sess.Participants) == 0 {
		if err := s.Delete(ctx, id); err != nil {
			return RemovalOutcome{}, err
		}
		outcome.Deleted = true
		logging.Info("room deleted, last participant left", zap.String("room_id", id))
	}
	return outcome, nil
}

// UpdatePlayerReady toggles readiness and reports whether the countdown
// trigger condition holds: all participants ready and at least two present.
func (s *Store) UpdatePlayerReady(ctx context.Context, id, userId string, ready bool) (entities.Session, bool, error) {
	sess, err := s.mutate(ctx, id, func(sess *entities.Session) error {
		if sess.Status != entities.StatusWaiting {
			return ErrNotJoinable
		}
		p, ok := sess.Participant(userId)
		if !ok {
			return ErrNotParticipant
		}
		p.IsReady = ready
		return nil
	})
	if err != nil {
		return entities.Session{}, false, err
	}
	return sess, sess.AllReady(), nil
}

// StartCountdown records the countdown start. The second return value is
// false when a countdown was already running, so the caller arms the timer
// exactly once.
func (s *Store) StartCountdown(ctx context.Context, id string) (entities.Session, bool, error) {
	started := false
	sess, err := s.mutate(ctx, id, func(sess *entities.Session) error {
		started = false
		if sess.Status != entities.StatusWaiting {
			return ErrBadTransition
		}
		if sess.CountdownStartedAt != nil {
			return nil
		}
		now := s.now()
		sess.CountdownStartedAt = &now
		started = true
		return nil
	})
	if err != nil {
		return entities.Session{}, false, err
	}
	return sess, started, nil
}

// CancelCountdown clears a pending countdown, e.g. when a player unreadies
// or leaves before the room starts.
func (s *Store) CancelCountdown(ctx context.Context, id string) (entities.Session, error) {
	return s.mutate(ctx, id, func(sess *entities.Session) error {
		sess.CountdownStartedAt = nil
		return nil
	})
}

// UpdateParticipantScore applies a score event in one of the two supported
// modes. SetMax only overwrites a strictly greater value.
func (s *Store) UpdateParticipantScore(ctx context.Context, id, userId string, points int, mode entities.ScoreMode) (entities.Session, error) {
	return s.mutate(ctx, id, func(sess *entities.Session) error {
		if sess.Status != entities.StatusPlaying {
			return ErrBadTransition
		}
		p, ok := sess.Participant(userId)
		if !ok {
			return ErrNotParticipant
		}
		switch mode {
		case entities.ScoreSetMax:
			if points > p.Score {
				p.Score = points
			}
		default:
			p.Score += points
		}
		return nil
	})
}

func (s *Store) MarkParticipantInactive(ctx context.Context, id, userId string) (entities.Session, error) {
	return s.mutate(ctx, id, func(sess *entities.Session) error {
		p, ok := sess.Participant(userId)
		if !ok {
			return ErrNotParticipant
		}
		p.Active = false
		p.IsReady = false
		return nil
	})
}

type ListFilter struct {
	Mode string
}

// ListAvailable returns waiting rooms with free capacity, newest first.
func (s *Store) ListAvailable(ctx context.Context, filter ListFilter, limit int) ([]entities.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := s.cache.ZRevRange(ctx, keyWaiting, 0, int64(limit*2))
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting rooms: %w", err)
	}
	sessions := make([]entities.Session, 0, limit)
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			// expired underneath the index, reconcile lazily
			_ = s.cache.ZRem(ctx, keyWaiting, id)
			_ = s.cache.SRem(ctx, keyActive, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if sess.Status != entities.StatusWaiting || !sess.HasCapacity() {
			continue
		}
		if filter.Mode != "" && sess.GameSettings.Mode != filter.Mode {
			continue
		}
		sessions = append(sessions, sess)
		if len(sessions) == limit {
			break
		}
	}
	return sessions, nil
}

// ReconcileIndexes drops index entries whose room hash has expired. Run
// periodically by the sweeper; errors are logged and skipped.
func (s *Store) ReconcileIndexes(ctx context.Context) (int, error) {
	ids, err := s.cache.SMembers(ctx, keyActive)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		if _, err := s.Get(ctx, id); errors.Is(err, ErrSessionNotFound) {
			_ = s.cache.SRem(ctx, keyActive, id)
			_ = s.cache.ZRem(ctx, keyWaiting, id)
			removed++
		}
	}
	return removed, nil
}

func sessionFields(sess entities.Session) (map[string]interface{}, error) {
	participants, err := json.Marshal(sess.Participants)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal participants: %w", err)
	}
	settings, err := json.Marshal(sess.GameSettings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal game settings: %w", err)
	}
	countdown := ""
	if sess.CountdownStartedAt != nil {
		countdown = sess.CountdownStartedAt.Format(time.RFC3339Nano)
	}
	return map[string]interface{}{
		"id":             sess.Id,
		"status":         string(sess.Status),
		"maxPlayers":     strconv.Itoa(sess.MaxPlayers),
		"currentPlayers": strconv.Itoa(sess.CurrentPlayers),
		"participants":   string(participants),
		"creator":        sess.Creator,
		"gameSettings":   string(settings),
		"createdAt":      sess.CreatedAt.Format(time.RFC3339Nano),
		"lastActivity":   sess.LastActivity.Format(time.RFC3339Nano),
		"countdownAt":    countdown,
		"version":        strconv.FormatInt(sess.Version, 10),
	}, nil
}

func parseSession(fields map[string]string) (entities.Session, error) {
	var sess entities.Session
	sess.Id = fields["id"]
	sess.Status = entities.SessionStatus(fields["status"])
	sess.Creator = fields["creator"]
	sess.MaxPlayers, _ = strconv.Atoi(fields["maxPlayers"])
	sess.CurrentPlayers, _ = strconv.Atoi(fields["currentPlayers"])
	sess.Version, _ = strconv.ParseInt(fields["version"], 10, 64)
	if v := fields["participants"]; v != "" {
		if err := json.Unmarshal([]byte(v), &sess.Participants); err != nil {
			return entities.Session{}, fmt.Errorf("corrupt participant list: %w", err)
		}
	}
	if v := fields["gameSettings"]; v != "" {
		if err := json.Unmarshal([]byte(v), &sess.GameSettings); err != nil {
			return entities.Session{}, fmt.Errorf("corrupt game settings: %w", err)
		}
	}
	var err error
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["createdAt"]); err != nil {
		return entities.Session{}, fmt.Errorf("corrupt createdAt: %w", err)
	}
	if sess.LastActivity, err = time.Parse(time.RFC3339Nano, fields["lastActivity"]); err != nil {
		return entities.Session{}, fmt.Errorf("corrupt lastActivity: %w", err)
	}
	if v := fields["countdownAt"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return entities.Session{}, fmt.Errorf("corrupt countdownAt: %w", err)
		}
		sess.CountdownStartedAt = &t
	}
	return sess, nil
}

func sortedFieldNames(fields map[string]interface{}) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
