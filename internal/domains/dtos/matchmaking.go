package dtos

import "github.com/skillforge/arena/internal/domains/entities"

type EnqueueRequest struct {
	SkillLevel    int    `json:"skillLevel"`
	PreferredMode string `json:"preferredMode"`
	Variant       string `json:"variant,omitempty"`
}

type QueueStatusResponse struct {
	Position             int64   `json:"position"`
	EstimatedWaitSeconds float64 `json:"estimatedWaitSeconds"`
}

type MatchResponse struct {
	Matched  bool                 `json:"matched"`
	Opponent string               `json:"opponent,omitempty"`
	Session  *SessionResponse     `json:"session,omitempty"`
	Queue    *QueueStatusResponse `json:"queue,omitempty"`
}

func MatchResponseFromOutcome(matched bool, session entities.Session, opponent string, position int64, waitSeconds float64) MatchResponse {
	if !matched {
		return MatchResponse{
			Matched: false,
			Queue: &QueueStatusResponse{
				Position:             position,
				EstimatedWaitSeconds: waitSeconds,
			},
		}
	}
	resp := SessionResponseFromEntity(session)
	return MatchResponse{
		Matched:  true,
		Opponent: opponent,
		Session:  &resp,
	}
}
