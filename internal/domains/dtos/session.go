package dtos

import (
	"encoding/json"
	"time"

	"github.com/skillforge/arena/internal/domains/entities"
)

type CreateSessionRequest struct {
	MaxPlayers   int                   `json:"maxPlayers"`
	GameSettings entities.GameSettings `json:"gameSettings"`
}

type JoinSessionRequest struct {
	RoomId string `json:"roomId"`
}

type LeaveSessionRequest struct {
	RoomId string `json:"roomId"`
}

type ToggleReadyRequest struct {
	RoomId  string `json:"roomId"`
	IsReady bool   `json:"isReady"`
}

type GameEventRequest struct {
	RoomId string          `json:"roomId"`
	Kind   string          `json:"kind"`
	Event  json.RawMessage `json:"event"`
}

type ParticipantResponse struct {
	UserId     string    `json:"userId"`
	Username   string    `json:"username"`
	SkillLevel int       `json:"skillLevel"`
	JoinedAt   time.Time `json:"joinedAt"`
	IsReady    bool      `json:"isReady"`
	Score      int       `json:"score"`
	Active     bool      `json:"active"`
}

type SessionResponse struct {
	Id             string                `json:"id"`
	Status         string                `json:"status"`
	MaxPlayers     int                   `json:"maxPlayers"`
	CurrentPlayers int                   `json:"currentPlayers"`
	Participants   []ParticipantResponse `json:"participants"`
	Creator        string                `json:"creator"`
	GameSettings   entities.GameSettings `json:"gameSettings"`
	CreatedAt      time.Time             `json:"createdAt"`
}

func SessionResponseFromEntity(session entities.Session) SessionResponse {
	participants := make([]ParticipantResponse, 0, len(session.Participants))
	for _, p := range session.Participants {
		participants = append(participants, ParticipantResponse{
			UserId:     p.UserId,
			Username:   p.Username,
			SkillLevel: p.SkillLevel,
			JoinedAt:   p.JoinedAt,
			IsReady:    p.IsReady,
			Score:      p.Score,
			Active:     p.Active,
		})
	}
	return SessionResponse{
		Id:             session.Id,
		Status:         string(session.Status),
		MaxPlayers:     session.MaxPlayers,
		CurrentPlayers: session.CurrentPlayers,
		Participants:   participants,
		Creator:        session.Creator,
		GameSettings:   session.GameSettings,
		CreatedAt:      session.CreatedAt,
	}
}

func SessionListResponseFromEntities(sessions []entities.Session) []SessionResponse {
	out := make([]SessionResponse, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, SessionResponseFromEntity(session))
	}
	return out
}
