package game

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillforge/arena/internal/domains/entities"
	"github.com/skillforge/arena/internal/engine/session"
)

// fakeStore implements SessionStore over an in-memory map with the same
// guard semantics as the cache-backed store.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*entities.Session
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: map[string]*entities.Session{}}
}

func (s *fakeStore) put(sess entities.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := sess
	s.sessions[sess.Id] = &cp
}

func (s *fakeStore) Get(_ context.Context, id string) (entities.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return entities.Session{}, session.ErrSessionNotFound
	}
	return *sess, nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, id string, from, to entities.SessionStatus) (entities.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return entities.Session{}, session.ErrSessionNotFound
	}
	if sess.Status != from {
		return entities.Session{}, session.ErrBadTransition
	}
	sess.Status = to
	return *sess, nil
}

func (s *fakeStore) UpdateParticipantScore(_ context.Context, id, userId string, points int, mode entities.ScoreMode) (entities.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return entities.Session{}, session.ErrSessionNotFound
	}
	if sess.Status != entities.StatusPlaying {
		return entities.Session{}, session.ErrBadTransition
	}
	p, ok := sess.Participant(userId)
	if !ok {
		return entities.Session{}, session.ErrNotParticipant
	}
	if mode == entities.ScoreSetMax {
		if points > p.Score {
			p.Score = points
		}
	} else {
		p.Score += points
	}
	return *sess, nil
}

func (s *fakeStore) MarkParticipantInactive(_ context.Context, id, userId string) (entities.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return entities.Session{}, session.ErrSessionNotFound
	}
	p, ok := sess.Participant(userId)
	if !ok {
		return entities.Session{}, session.ErrNotParticipant
	}
	p.Active = false
	return *sess, nil
}

func (s *fakeStore) UpdatePlayerReady(_ context.Context, id, userId string, ready bool) (entities.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return entities.Session{}, false, session.ErrSessionNotFound
	}
	p, ok := sess.Participant(userId)
	if !ok {
		return entities.Session{}, false, session.ErrNotParticipant
	}
	p.IsReady = ready
	return *sess, sess.AllReady(), nil
}

func (s *fakeStore) StartCountdown(_ context.Context, id string) (entities.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return entities.Session{}, false, session.ErrSessionNotFound
	}
	if sess.CountdownStartedAt != nil {
		return *sess, false, nil
	}
	now := time.Now()
	sess.CountdownStartedAt = &now
	return *sess, true, nil
}

func (s *fakeStore) CancelCountdown(_ context.Context, id string) (entities.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return entities.Session{}, session.ErrSessionNotFound
	}
	sess.CountdownStartedAt = nil
	return *sess, nil
}

func (s *fakeStore) RemoveParticipant(_ context.Context, id, userId string) (session.RemovalOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.RemovalOutcome{}, session.ErrSessionNotFound
	}
	idx := -1
	for i := range sess.Participants {
		if sess.Participants[i].UserId == userId {
			idx = i
		}
	}
	if idx < 0 {
		return session.RemovalOutcome{}, session.ErrNotParticipant
	}
	sess.Participants = append(sess.Participants[:idx], sess.Participants[idx+1:]...)
	sess.CurrentPlayers = len(sess.Participants)
	outcome := session.RemovalOutcome{Session: *sess}
	if len(sess.Participants) == 0 {
		delete(s.sessions, id)
		outcome.Deleted = true
	}
	return outcome, nil
}

func (s *fakeStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

type fakeOutbox struct {
	mu      sync.Mutex
	records map[string]entities.FinishRecord
}

func newFakeOutbox() *fakeOutbox {
	return &fakeOutbox{records: map[string]entities.FinishRecord{}}
}

func (o *fakeOutbox) PutFinishRecord(_ context.Context, rec entities.FinishRecord) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.records[rec.SessionId]; exists {
		return false, nil
	}
	o.records[rec.SessionId] = rec
	return true, nil
}

type fakeSettler struct {
	mu      sync.Mutex
	records []entities.FinishRecord
}

func (s *fakeSettler) TriggerSettlement(_ context.Context, rec entities.FinishRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (b *fakeBroadcaster) Broadcast(_ string, event string, _ interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *fakeBroadcaster) count(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e == event {
			n++
		}
	}
	return n
}

func playingSession(id string, scores map[string]int) entities.Session {
	sess := entities.Session{
		Id:           id,
		Status:       entities.StatusPlaying,
		MaxPlayers:   len(scores),
		GameSettings: entities.GameSettings{Mode: "quiz", PerfectScore: 1000},
	}
	// deterministic join order: p1, p2, p3...
	order := []string{"p1", "p2", "p3", "p4"}
	for _, userId := range order {
		score, ok := scores[userId]
		if !ok {
			continue
		}
		sess.Participants = append(sess.Participants, entities.Participant{
			UserId: userId,
			Score:  score,
			Active: true,
		})
	}
	sess.CurrentPlayers = len(sess.Participants)
	return sess
}

func newTestProcessor() (*Processor, *fakeStore, *fakeOutbox, *fakeSettler, *fakeBroadcaster) {
	store := newFakeStore()
	outbox := newFakeOutbox()
	settler := &fakeSettler{}
	broadcast := &fakeBroadcaster{}
	p := NewProcessor(store, outbox, settler, broadcast)
	p.SetDelays(10*time.Millisecond, 20*time.Millisecond)
	return p, store, outbox, settler, broadcast
}

func TestScoreEventModes(t *testing.T) {
	p, store, _, _, _ := newTestProcessor()
	ctx := context.Background()
	store.put(playingSession("r1", map[string]int{"p1": 0, "p2": 0}))

	sess, err := p.HandleEvent(ctx, "r1", "p1", entities.ScoreEvent{Points: 10, Mode: entities.ScoreAdditive})
	require.NoError(t, err)
	part, _ := sess.Participant("p1")
	assert.Equal(t, 10, part.Score)

	sess, err = p.HandleEvent(ctx, "r1", "p1", entities.ScoreEvent{Points: 5, Mode: entities.ScoreSetMax})
	require.NoError(t, err)
	part, _ = sess.Participant("p1")
	assert.Equal(t, 10, part.Score, "set_max must not lower the score")
}

func TestEventOnMissingRoom(t *testing.T) {
	p, _, _, _, _ := newTestProcessor()
	_, err := p.HandleEvent(context.Background(), "ghost", "p1", entities.FinishEvent{})
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestEventFromNonParticipant(t *testing.T) {
	p, store, _, _, _ := newTestProcessor()
	store.put(playingSession("r1", map[string]int{"p1": 0, "p2": 0}))
	_, err := p.HandleEvent(context.Background(), "r1", "intruder", entities.FinishEvent{})
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestFinishSingleWinner(t *testing.T) {
	p, store, outbox, settler, _ := newTestProcessor()
	ctx := context.Background()
	store.put(playingSession("r1", map[string]int{"p1": 300, "p2": 150, "p3": 150}))

	sess, err := p.HandleEvent(ctx, "r1", "p1", entities.FinishEvent{})
	require.NoError(t, err)
	assert.Equal(t, entities.StatusFinished, sess.Status)

	rec := outbox.records["r1"]
	require.Len(t, rec.Results, 3)
	assert.Equal(t, entities.ParticipantResult{UserId: "p1", Result: entities.ResultWin, FinalScore: 300, Rank: 1}, rec.Results[0])
	assert.Equal(t, entities.ParticipantResult{UserId: "p2", Result: entities.ResultLoss, FinalScore: 150, Rank: 2}, rec.Results[1])
	assert.Equal(t, entities.ParticipantResult{UserId: "p3", Result: entities.ResultLoss, FinalScore: 150, Rank: 3}, rec.Results[2])
	require.Len(t, settler.records, 1)
}

func TestFinishTopTieIsDraw(t *testing.T) {
	p, store, outbox, _, _ := newTestProcessor()
	ctx := context.Background()
	store.put(playingSession("r1", map[string]int{"p1": 200, "p2": 200, "p3": 50}))

	_, err := p.HandleEvent(ctx, "r1", "p1", entities.FinishEvent{})
	require.NoError(t, err)

	rec := outbox.records["r1"]
	assert.Equal(t, entities.ResultDraw, rec.Results[0].Result)
	assert.Equal(t, entities.ResultDraw, rec.Results[1].Result)
	assert.Equal(t, entities.ResultLoss, rec.Results[2].Result)
	// ranks stay 1-based positions, ties broken by join order
	assert.Equal(t, 1, rec.Results[0].Rank)
	assert.Equal(t, 2, rec.Results[1].Rank)
	assert.Equal(t, 3, rec.Results[2].Rank)
}

func TestFinishIsIdempotent(t *testing.T) {
	p, store, _, settler, _ := newTestProcessor()
	ctx := context.Background()
	store.put(playingSession("r1", map[string]int{"p1": 100, "p2": 50}))

	_, err := p.HandleEvent(ctx, "r1", "p1", entities.FinishEvent{})
	require.NoError(t, err)

	// replaying the finish does not settle twice
	_, err = p.HandleEvent(ctx, "r1", "p1", entities.FinishEvent{})
	require.Error(t, err)
	assert.Len(t, settler.records, 1)
}

func TestSurrenderForfeit(t *testing.T) {
	p, store, outbox, settler, _ := newTestProcessor()
	ctx := context.Background()
	store.put(playingSession("r1", map[string]int{"p1": 0, "p2": 0}))

	sess, err := p.HandleEvent(ctx, "r1", "p2", entities.SurrenderEvent{})
	require.NoError(t, err)
	assert.Equal(t, entities.StatusFinished, sess.Status)

	rec := outbox.records["r1"]
	require.True(t, rec.Forfeit)
	require.Len(t, rec.Results, 2)
	assert.Equal(t, "p1", rec.Results[0].UserId)
	assert.Equal(t, entities.ResultWin, rec.Results[0].Result)
	assert.Equal(t, ForfeitFloorScore, rec.Results[0].FinalScore)
	assert.Equal(t, "p2", rec.Results[1].UserId)
	assert.Equal(t, entities.ResultLoss, rec.Results[1].Result)
	assert.Equal(t, 0, rec.Results[1].FinalScore)
	assert.Len(t, settler.records, 1)
}

func TestForfeitPreservesPositiveScores(t *testing.T) {
	p, store, outbox, _, _ := newTestProcessor()
	ctx := context.Background()
	store.put(playingSession("r1", map[string]int{"p1": 40, "p2": 250}))

	_, err := p.HandleEvent(ctx, "r1", "p2", entities.SurrenderEvent{})
	require.NoError(t, err)

	rec := outbox.records["r1"]
	// forfeit overrides the score ranking: p1 wins despite the lower score
	byUser := map[string]entities.ParticipantResult{}
	for _, r := range rec.Results {
		byUser[r.UserId] = r
	}
	assert.Equal(t, entities.ResultWin, byUser["p1"].Result)
	assert.Equal(t, 40, byUser["p1"].FinalScore)
	assert.Equal(t, entities.ResultLoss, byUser["p2"].Result)
	assert.Equal(t, 250, byUser["p2"].FinalScore)
}

func TestSurrenderWithThreePlayersContinues(t *testing.T) {
	p, store, outbox, _, _ := newTestProcessor()
	ctx := context.Background()
	store.put(playingSession("r1", map[string]int{"p1": 10, "p2": 20, "p3": 30}))

	sess, err := p.HandleEvent(ctx, "r1", "p3", entities.SurrenderEvent{})
	require.NoError(t, err)
	assert.Equal(t, entities.StatusPlaying, sess.Status)
	assert.Empty(t, outbox.records)
}

func TestReadyCountdownFiresOnce(t *testing.T) {
	p, store, _, _, broadcast := newTestProcessor()
	ctx := context.Background()

	sess := playingSession("r1", map[string]int{"p1": 0, "p2": 0})
	sess.Status = entities.StatusWaiting
	store.put(sess)

	_, allReady, err := p.HandleReadyToggle(ctx, "r1", "p1", true)
	require.NoError(t, err)
	assert.False(t, allReady)

	_, allReady, err = p.HandleReadyToggle(ctx, "r1", "p2", true)
	require.NoError(t, err)
	assert.True(t, allReady)

	// re-readying must not arm a second countdown
	_, _, err = p.HandleReadyToggle(ctx, "r1", "p2", true)
	require.NoError(t, err)
	assert.Equal(t, 1, broadcast.count("countdown-started"))

	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, "r1")
		return err == nil && got.Status == entities.StatusPlaying
	}, time.Second, 5*time.Millisecond)
}

func TestUnreadyCancelsCountdown(t *testing.T) {
	p, store, _, _, _ := newTestProcessor()
	ctx := context.Background()

	sess := playingSession("r1", map[string]int{"p1": 0, "p2": 0})
	sess.Status = entities.StatusWaiting
	store.put(sess)

	_, _, err := p.HandleReadyToggle(ctx, "r1", "p1", true)
	require.NoError(t, err)
	_, _, err = p.HandleReadyToggle(ctx, "r1", "p2", true)
	require.NoError(t, err)
	_, _, err = p.HandleReadyToggle(ctx, "r1", "p1", false)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, entities.StatusWaiting, got.Status)
	assert.Nil(t, got.CountdownStartedAt)
}

func TestLeaveDuringCountdownKeepsRoomWaiting(t *testing.T) {
	p, store, _, _, _ := newTestProcessor()
	ctx := context.Background()

	sess := playingSession("r1", map[string]int{"p1": 0, "p2": 0})
	sess.Status = entities.StatusWaiting
	store.put(sess)

	_, _, err := p.HandleReadyToggle(ctx, "r1", "p1", true)
	require.NoError(t, err)
	_, _, err = p.HandleReadyToggle(ctx, "r1", "p2", true)
	require.NoError(t, err)

	left, err := p.HandleLeave(ctx, "r1", "p2")
	require.NoError(t, err)
	assert.Nil(t, left.CountdownStartedAt)

	// the armed countdown must never start a one-player game
	time.Sleep(30 * time.Millisecond)
	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, entities.StatusWaiting, got.Status)
	assert.Len(t, got.Participants, 1)
}

func TestFinishedRoomCleanedUpAfterGrace(t *testing.T) {
	p, store, _, _, _ := newTestProcessor()
	ctx := context.Background()
	store.put(playingSession("r1", map[string]int{"p1": 10, "p2": 5}))

	_, err := p.HandleEvent(ctx, "r1", "p1", entities.FinishEvent{})
	require.NoError(t, err)

	// readable during the grace window
	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, entities.StatusFinished, got.Status)

	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, "r1")
		return err != nil
	}, time.Second, 5*time.Millisecond)
}

func TestLeaveWaitingRoomDeletesWhenEmpty(t *testing.T) {
	p, store, _, _, broadcast := newTestProcessor()
	ctx := context.Background()

	sess := entities.Session{
		Id:             "r1",
		Status:         entities.StatusWaiting,
		MaxPlayers:     2,
		CurrentPlayers: 1,
		Participants:   []entities.Participant{{UserId: "p1", Active: true}},
	}
	store.put(sess)

	_, err := p.HandleLeave(ctx, "r1", "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, broadcast.count("session-deleted"))
	_, err = store.Get(ctx, "r1")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestTimerEventIsPassThrough(t *testing.T) {
	p, store, _, _, broadcast := newTestProcessor()
	ctx := context.Background()
	store.put(playingSession("r1", map[string]int{"p1": 7, "p2": 0}))

	sess, err := p.HandleEvent(ctx, "r1", "p1", entities.TimerEvent{Remaining: 30 * time.Second})
	require.NoError(t, err)
	part, _ := sess.Participant("p1")
	assert.Equal(t, 7, part.Score, "timer must not mutate state")
	assert.Equal(t, 1, broadcast.count("timer"))
}
