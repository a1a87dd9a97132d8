package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/skillforge/arena/internal/domains/dtos"
	"github.com/skillforge/arena/internal/domains/entities"
	"github.com/skillforge/arena/internal/engine/session"
	"github.com/skillforge/arena/pkg/logging"
)

type payload struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// handleMessage dispatches one websocket message on behalf of the actor.
func (s *server) handleMessage(ctx context.Context, c *client, claims *Claims, p payload) {
	switch p.Type {
	case "enqueue":
		s.handleEnqueue(ctx, c, claims, p.Data)
	case "cancel-queue":
		s.handleCancelQueue(ctx, c, claims)
	case "queue-status":
		s.handleQueueStatus(ctx, c, claims)
	case "create-session":
		s.handleCreateSession(ctx, c, claims, p.Data)
	case "join-session":
		s.handleJoinSession(ctx, c, claims, p.Data)
	case "leave-session":
		s.handleLeaveSession(ctx, c, claims, p.Data)
	case "toggle-ready":
		s.handleToggleReady(ctx, c, claims, p.Data)
	case "game-event":
		s.handleGameEvent(ctx, c, claims, p.Data)
	default:
		logging.Info("invalid payload type", zap.String("type", p.Type))
		c.sendError(ErrStatusValidation, "unknown message type: "+p.Type)
	}
}

func (s *server) handleEnqueue(ctx context.Context, c *client, claims *Claims, data json.RawMessage) {
	var req dtos.EnqueueRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError(ErrStatusValidation, "malformed enqueue request")
		return
	}
	entry := entities.QueueEntry{
		UserId:        claims.UserId,
		Username:      claims.Username,
		SkillLevel:    req.SkillLevel,
		PreferredMode: req.PreferredMode,
		Variant:       entities.MatchVariant(req.Variant),
	}

	outcome, err := s.queue.PairAndCreateSession(ctx, entry, s.config.SkillRange)
	if err != nil {
		kind, text := errorKind(err)
		c.sendError(kind, text)
		return
	}
	if outcome.Matched {
		s.broadcast.subscribe(outcome.Session.Id, c)
		c.send(message{Type: "session-created", Data: dtos.MatchResponseFromOutcome(
			true, outcome.Session, outcome.Opponent, 0, 0,
		)})
		logging.Info("players matched",
			zap.String("user_id", claims.UserId),
			zap.String("opponent", outcome.Opponent),
			zap.String("room_id", outcome.Session.Id),
		)
		return
	}
	c.send(message{Type: "queue-status", Data: dtos.MatchResponseFromOutcome(
		false, entities.Session{}, "", outcome.Position, outcome.EstimatedWait.Seconds(),
	)})
}

func (s *server) handleCancelQueue(ctx context.Context, c *client, claims *Claims) {
	if err := s.queue.Dequeue(ctx, claims.UserId); err != nil {
		kind, text := errorKind(err)
		c.sendError(kind, text)
		return
	}
	c.send(message{Type: "queue-cancelled"})
}

func (s *server) handleQueueStatus(ctx context.Context, c *client, claims *Claims) {
	position, wait, err := s.queue.Status(ctx, claims.UserId)
	if err != nil {
		kind, text := errorKind(err)
		c.sendError(kind, text)
		return
	}
	c.send(message{Type: "queue-status", Data: dtos.QueueStatusResponse{
		Position:             position,
		EstimatedWaitSeconds: wait.Seconds(),
	}})
}

func (s *server) handleCreateSession(ctx context.Context, c *client, claims *Claims, data json.RawMessage) {
	var req dtos.CreateSessionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError(ErrStatusValidation, "malformed create request")
		return
	}
	sess, err := s.sessions.Create(ctx, session.CreateParams{
		Creator: entities.Participant{
			UserId:   claims.UserId,
			Username: claims.Username,
			Active:   true,
		},
		MaxPlayers:   req.MaxPlayers,
		GameSettings: req.GameSettings,
	})
	if err != nil {
		kind, text := errorKind(err)
		c.sendError(kind, text)
		return
	}
	s.broadcast.subscribe(sess.Id, c)
	c.send(message{Type: "session-created", Data: dtos.SessionResponseFromEntity(sess)})
	logging.Info("session created",
		zap.String("room_id", sess.Id),
		zap.String("creator", claims.UserId),
	)
}

func (s *server) handleJoinSession(ctx context.Context, c *client, claims *Claims, data json.RawMessage) {
	var req dtos.JoinSessionRequest
	if err := json.Unmarshal(data, &req); err != nil || req.RoomId == "" {
		c.sendError(ErrStatusValidation, "malformed join request")
		return
	}
	sess, err := s.sessions.AddParticipant(ctx, req.RoomId, entities.Participant{
		UserId:   claims.UserId,
		Username: claims.Username,
		Active:   true,
	})
	if err != nil {
		kind, text := errorKind(err)
		c.sendError(kind, text)
		return
	}
	s.broadcast.subscribe(sess.Id, c)
	c.send(message{Type: "session-joined", Data: dtos.SessionResponseFromEntity(sess)})
	s.broadcast.Broadcast(sess.Id, "session-updated", dtos.SessionResponseFromEntity(sess))
}

func (s *server) handleLeaveSession(ctx context.Context, c *client, claims *Claims, data json.RawMessage) {
	var req dtos.LeaveSessionRequest
	if err := json.Unmarshal(data, &req); err != nil || req.RoomId == "" {
		c.sendError(ErrStatusValidation, "malformed leave request")
		return
	}
	sess, err := s.processor.HandleLeave(ctx, req.RoomId, claims.UserId)
	if err != nil {
		kind, text := errorKind(err)
		c.sendError(kind, text)
		return
	}
	s.broadcast.unsubscribe(c)
	c.send(message{Type: "session-left", Data: dtos.SessionResponseFromEntity(sess)})
}

func (s *server) handleToggleReady(ctx context.Context, c *client, claims *Claims, data json.RawMessage) {
	var req dtos.ToggleReadyRequest
	if err := json.Unmarshal(data, &req); err != nil || req.RoomId == "" {
		c.sendError(ErrStatusValidation, "malformed ready request")
		return
	}
	sess, allReady, err := s.processor.HandleReadyToggle(ctx, req.RoomId, claims.UserId, req.IsReady)
	if err != nil {
		kind, text := errorKind(err)
		c.sendError(kind, text)
		return
	}
	resp := dtos.SessionResponseFromEntity(sess)
	c.send(message{Type: "session-updated", Data: resp})
	logging.Info("ready toggled",
		zap.String("room_id", req.RoomId),
		zap.String("user_id", claims.UserId),
		zap.Bool("is_ready", req.IsReady),
		zap.Bool("all_ready", allReady),
	)
}

func (s *server) handleGameEvent(ctx context.Context, c *client, claims *Claims, data json.RawMessage) {
	var req dtos.GameEventRequest
	if err := json.Unmarshal(data, &req); err != nil || req.RoomId == "" {
		c.sendError(ErrStatusValidation, "malformed game event")
		return
	}
	ev, err := entities.ParseGameEvent(req.Kind, req.Event)
	if err != nil {
		kind, text := errorKind(err)
		c.sendError(kind, text)
		return
	}
	sess, err := s.processor.HandleEvent(ctx, req.RoomId, claims.UserId, ev)
	if err != nil {
		kind, text := errorKind(err)
		c.sendError(kind, text)
		return
	}
	c.send(message{Type: "session-updated", Data: dtos.SessionResponseFromEntity(sess)})
}

func (s *server) handleDisconnect(c *client) {
	s.broadcast.unsubscribe(c)
	if err := s.queue.Dequeue(context.Background(), c.userId); err != nil {
		logging.Warn("failed to dequeue on disconnect",
			zap.String("user_id", c.userId),
			zap.Error(err),
		)
	}
}

type mintTokenRequest struct {
	UserId   string `json:"userId"`
	Username string `json:"username"`
}

// handleMintToken issues a signed token for local development. The route is
// only registered when Server.DevTokenMint is set.
func (s *server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	var req mintTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserId == "" {
		writeJson(w, http.StatusBadRequest, errorResponse{Type: ErrStatusValidation, Error: "userId required"})
		return
	}
	token, err := s.jwt.GenerateToken(req.UserId, req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJson(w, http.StatusOK, map[string]string{"token": token})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.cacheClient.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	sessions, err := s.sessions.ListAvailable(r.Context(), session.ListFilter{
		Mode: r.URL.Query().Get("mode"),
	}, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJson(w, http.StatusOK, dtos.SessionListResponseFromEntities(sessions))
}

// handleGetRoom also serves finished rooms until their grace window lapses,
// so a reconnecting client can read the final scores.
func (s *server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "roomId"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJson(w, http.StatusOK, dtos.SessionResponseFromEntity(sess))
}

func (s *server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := int32(20)
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = int32(n)
		}
	}
	records, _, err := s.storageClient.TopRecords(r.Context(), nil, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJson(w, http.StatusOK, dtos.LeaderboardResponseFromEntities(records))
}

func (s *server) handleLeaderboardUser(w http.ResponseWriter, r *http.Request) {
	userId := chi.URLParam(r, "userId")
	rec, err := s.storageClient.GetRecord(r.Context(), userId)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJson(w, http.StatusOK, dtos.LeaderboardEntryResponseFromEntity(rec))
}

func writeJson(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	kind, text := errorKind(err)
	writeJson(w, status, errorResponse{Type: kind, Error: text})
}
