package entities

import "time"

type MatchVariant string

const (
	MatchSolo MatchVariant = "solo"
	MatchTeam MatchVariant = "team"
)

type QueueEntry struct {
	UserId        string       `json:"userId"`
	Username      string       `json:"username"`
	SkillLevel    int          `json:"skillLevel"`
	PreferredMode string       `json:"preferredMode"`
	Variant       MatchVariant `json:"variant"`
	JoinedAt      time.Time    `json:"joinedAt"`
}
