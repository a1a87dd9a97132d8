// Package game interprets in-room gameplay events, drives the session state
// machine and produces the authoritative finish record consumed by the
// settlement path.
package game

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/skillforge/arena/internal/domains/entities"
	"github.com/skillforge/arena/internal/engine/session"
	"github.com/skillforge/arena/pkg/logging"
)

const (
	// DefaultCountdown between all-ready and playing.
	DefaultCountdown = 3 * time.Second
	// DefaultGraceDelay keeps the finished room readable before cleanup.
	DefaultGraceDelay = 30 * time.Second

	// ForfeitFloorScore is credited to a forfeit winner with no organic
	// score, so a walkover is never recorded as a zero-score win.
	ForfeitFloorScore = 100
)

var (
	ErrNotParticipant = errors.New("user is not a participant of this room")
	ErrNotPlaying     = errors.New("room is not in a playing state")
)

var (
	eventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_game_events_total",
		Help: "Total number of game events processed, by kind",
	}, []string{"kind"})
	sessionsFinished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_sessions_finished_total",
		Help: "Total number of sessions finished",
	})
)

// SessionStore is the slice of the session store the processor drives.
type SessionStore interface {
	Get(ctx context.Context, id string) (entities.Session, error)
	UpdateStatus(ctx context.Context, id string, from, to entities.SessionStatus) (entities.Session, error)
	UpdateParticipantScore(ctx context.Context, id, userId string, points int, mode entities.ScoreMode) (entities.Session, error)
	MarkParticipantInactive(ctx context.Context, id, userId string) (entities.Session, error)
	UpdatePlayerReady(ctx context.Context, id, userId string, ready bool) (entities.Session, bool, error)
	StartCountdown(ctx context.Context, id string) (entities.Session, bool, error)
	CancelCountdown(ctx context.Context, id string) (entities.Session, error)
	RemoveParticipant(ctx context.Context, id, userId string) (session.RemovalOutcome, error)
	Delete(ctx context.Context, id string) error
}

// Outbox persists the finish record; the put reports whether this call won
// the write, which gates settlement to exactly once.
type Outbox interface {
	PutFinishRecord(ctx context.Context, rec entities.FinishRecord) (bool, error)
}

// Settler hands the finish record to the settlement consumer.
type Settler interface {
	TriggerSettlement(ctx context.Context, rec entities.FinishRecord) error
}

// Broadcaster pushes room events to connected clients.
type Broadcaster interface {
	Broadcast(roomId, event string, payload interface{})
}

type Processor struct {
	store     SessionStore
	outbox    Outbox
	settler   Settler
	broadcast Broadcaster

	countdown  time.Duration
	graceDelay time.Duration

	timers sync.Map // roomId -> *time.Timer
}

func NewProcessor(store SessionStore, outbox Outbox, settler Settler, broadcast Broadcaster) *Processor {
	return &Processor{
		store:      store,
		outbox:     outbox,
		settler:    settler,
		broadcast:  broadcast,
		countdown:  DefaultCountdown,
		graceDelay: DefaultGraceDelay,
	}
}

// HandleEvent dispatches one in-room gameplay event on behalf of userId.
func (p *Processor) HandleEvent(ctx context.Context, roomId, userId string, ev entities.GameEvent) (entities.Session, error) {
	sess, err := p.store.Get(ctx, roomId)
	if err != nil {
		return entities.Session{}, err
	}
	if _, ok := sess.Participant(userId); !ok {
		return entities.Session{}, ErrNotParticipant
	}
	eventsProcessed.WithLabelValues(ev.Kind()).Inc()

	switch ev := ev.(type) {
	case entities.ScoreEvent:
		sess, err = p.store.UpdateParticipantScore(ctx, roomId, userId, ev.Points, ev.Mode)
		if errors.Is(err, session.ErrBadTransition) {
			return entities.Session{}, ErrNotPlaying
		}
		if err != nil {
			return entities.Session{}, err
		}
		p.broadcast.Broadcast(roomId, "session-updated", sess)
		return sess, nil

	case entities.TimerEvent:
		// pass-through notification, no state mutation
		p.broadcast.Broadcast(roomId, "timer", map[string]interface{}{
			"userId":    userId,
			"remaining": ev.Remaining.Seconds(),
		})
		return sess, nil

	case entities.SurrenderEvent:
		return p.handleWithdrawal(ctx, roomId, userId)

	case entities.FinishEvent:
		if sess.Status != entities.StatusPlaying {
			return entities.Session{}, ErrNotPlaying
		}
		return p.finish(ctx, sess, false)

	default:
		return entities.Session{}, fmt.Errorf("%w: %s", entities.ErrUnknownEventKind, ev.Kind())
	}
}

// HandleReadyToggle flips readiness and starts the countdown exactly once
// when the trigger condition holds. Unreadying cancels a pending countdown.
func (p *Processor) HandleReadyToggle(ctx context.Context, roomId, userId string, ready bool) (entities.Session, bool, error) {
	sess, allReady, err := p.store.UpdatePlayerReady(ctx, roomId, userId, ready)
	if err != nil {
		return entities.Session{}, false, err
	}
	if !allReady {
		if sess.CountdownStartedAt != nil {
			if sess, err = p.store.CancelCountdown(ctx, roomId); err != nil {
				return entities.Session{}, false, err
			}
			p.stopTimer(roomId)
		}
		p.broadcast.Broadcast(roomId, "session-updated", sess)
		return sess, false, nil
	}

	sess, started, err := p.store.StartCountdown(ctx, roomId)
	if err != nil {
		return entities.Session{}, false, err
	}
	if started {
		p.broadcast.Broadcast(roomId, "countdown-started", map[string]interface{}{
			"roomId":  roomId,
			"seconds": p.countdown.Seconds(),
		})
		p.armTimer(roomId, p.countdown, func() {
			p.beginPlay(context.Background(), roomId)
		})
	}
	return sess, true, nil
}

func (p *Processor) beginPlay(ctx context.Context, roomId string) {
	// the countdown may have raced a leave; never start play unless the
	// trigger condition still holds
	sess, err := p.store.Get(ctx, roomId)
	if err != nil {
		logging.Warn("countdown did not start play",
			zap.String("room_id", roomId),
			zap.Error(err),
		)
		return
	}
	if !sess.AllReady() {
		if _, err := p.store.CancelCountdown(ctx, roomId); err != nil {
			logging.Warn("failed to cancel stale countdown",
				zap.String("room_id", roomId),
				zap.Error(err),
			)
		}
		return
	}

	sess, err = p.store.UpdateStatus(ctx, roomId, entities.StatusWaiting, entities.StatusPlaying)
	if err != nil {
		// countdown raced a leave or the room expired
		logging.Warn("countdown did not start play",
			zap.String("room_id", roomId),
			zap.Error(err),
		)
		return
	}
	p.broadcast.Broadcast(roomId, "session-updated", sess)
	logging.Info("session playing", zap.String("room_id", roomId))
}

// HandleLeave removes the player from a waiting room, or treats the leave
// as a surrender when the game is already running.
func (p *Processor) HandleLeave(ctx context.Context, roomId, userId string) (entities.Session, error) {
	sess, err := p.store.Get(ctx, roomId)
	if err != nil {
		return entities.Session{}, err
	}
	if _, ok := sess.Participant(userId); !ok {
		return entities.Session{}, ErrNotParticipant
	}

	if sess.Status == entities.StatusPlaying {
		return p.handleWithdrawal(ctx, roomId, userId)
	}

	outcome, err := p.store.RemoveParticipant(ctx, roomId, userId)
	if err != nil {
		return entities.Session{}, err
	}
	if outcome.Deleted {
		p.stopTimer(roomId)
		p.broadcast.Broadcast(roomId, "session-deleted", map[string]string{"roomId": roomId})
		return outcome.Session, nil
	}
	sess = outcome.Session
	if sess.CountdownStartedAt != nil {
		if sess, err = p.store.CancelCountdown(ctx, roomId); err != nil {
			return entities.Session{}, err
		}
		p.stopTimer(roomId)
	}
	p.broadcast.Broadcast(roomId, "session-left", sess)
	return sess, nil
}

// handleWithdrawal marks the player inactive; when exactly one active
// participant remains, that participant wins by forfeit immediately.
func (p *Processor) handleWithdrawal(ctx context.Context, roomId, userId string) (entities.Session, error) {
	sess, err := p.store.MarkParticipantInactive(ctx, roomId, userId)
	if err != nil {
		return entities.Session{}, err
	}
	logging.Info("participant withdrew",
		zap.String("room_id", roomId),
		zap.String("user_id", userId),
	)
	if sess.Status == entities.StatusPlaying && len(sess.ActiveParticipants()) == 1 {
		return p.finish(ctx, sess, true)
	}
	p.broadcast.Broadcast(roomId, "session-updated", sess)
	return sess, nil
}

// finish transitions the session to finished, persists the authoritative
// finish record and schedules cleanup after the read grace window.
func (p *Processor) finish(ctx context.Context, sess entities.Session, forfeit bool) (entities.Session, error) {
	finished, err := p.store.UpdateStatus(ctx, sess.Id, sess.Status, entities.StatusFinished)
	if errors.Is(err, session.ErrBadTransition) {
		// a concurrent finish won; report current state
		return p.store.Get(ctx, sess.Id)
	}
	if err != nil {
		return entities.Session{}, err
	}

	rec := entities.FinishRecord{
		SessionId:    finished.Id,
		GameType:     finished.GameSettings.Mode,
		PerfectScore: finished.GameSettings.PerfectScore,
		Forfeit:      forfeit,
		Results:      computeResults(finished, forfeit),
		FinishedAt:   time.Now(),
	}

	created, err := p.outbox.PutFinishRecord(ctx, rec)
	if err != nil {
		return entities.Session{}, fmt.Errorf("failed to persist finish record: %w", err)
	}
	if created {
		if err := p.settler.TriggerSettlement(ctx, rec); err != nil {
			// the record is durable; the settlement consumer can replay it
			logging.Error("failed to trigger settlement",
				zap.String("room_id", finished.Id),
				zap.Error(err),
			)
		}
		sessionsFinished.Inc()
	}

	p.broadcast.Broadcast(finished.Id, "session-finished", rec)
	p.armTimer(finished.Id, p.graceDelay, func() {
		if err := p.store.Delete(context.Background(), finished.Id); err != nil {
			logging.Error("failed to clean up finished room",
				zap.String("room_id", finished.Id),
				zap.Error(err),
			)
		}
	})
	logging.Info("session finished",
		zap.String("room_id", finished.Id),
		zap.Bool("forfeit", forfeit),
	)
	return finished, nil
}

// computeResults sorts participants by score descending (original order on
// ties) and assigns results: every holder of the top score wins; a shared
// top score is recorded as a draw. A forfeit overrides the score ranking:
// the remaining active participant wins outright.
func computeResults(sess entities.Session, forfeit bool) []entities.ParticipantResult {
	type scored struct {
		p     entities.Participant
		score int
		order int
	}
	rows := make([]scored, 0, len(sess.Participants))
	for i, p := range sess.Participants {
		score := p.Score
		if forfeit {
			if !p.Active && score < 0 {
				score = 0
			}
			if p.Active && score == 0 {
				score = ForfeitFloorScore
			}
		}
		if score < 0 {
			score = 0
		}
		rows = append(rows, scored{p: p, score: score, order: i})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].score != rows[j].score {
			return rows[i].score > rows[j].score
		}
		return rows[i].order < rows[j].order
	})

	results := make([]entities.ParticipantResult, 0, len(rows))
	top := rows[0].score
	winners := 0
	for _, r := range rows {
		if r.score == top {
			winners++
		}
	}
	for rank, r := range rows {
		var result entities.GameResult
		switch {
		case forfeit:
			if r.p.Active {
				result = entities.ResultWin
			} else {
				result = entities.ResultLoss
			}
		case r.score == top && winners > 1:
			result = entities.ResultDraw
		case r.score == top:
			result = entities.ResultWin
		default:
			result = entities.ResultLoss
		}
		results = append(results, entities.ParticipantResult{
			UserId:     r.p.UserId,
			Result:     result,
			FinalScore: r.score,
			Rank:       rank + 1,
		})
	}
	return results
}

func (p *Processor) armTimer(roomId string, d time.Duration, fn func()) {
	p.stopTimer(roomId)
	timer := time.AfterFunc(d, func() {
		p.timers.Delete(roomId)
		fn()
	})
	p.timers.Store(roomId, timer)
}

func (p *Processor) stopTimer(roomId string) {
	if v, ok := p.timers.LoadAndDelete(roomId); ok {
		v.(*time.Timer).Stop()
	}
}

// SetDelays overrides the countdown and grace delays; used by the server
// config and by tests.
func (p *Processor) SetDelays(countdown, grace time.Duration) {
	if countdown > 0 {
		p.countdown = countdown
	}
	if grace > 0 {
		p.graceDelay = grace
	}
}
