package entities

import "time"

type SessionStatus string

const (
	StatusWaiting  SessionStatus = "waiting"
	StatusPlaying  SessionStatus = "playing"
	StatusFinished SessionStatus = "finished"
)

type Participant struct {
	UserId     string    `json:"userId"`
	Username   string    `json:"username"`
	SkillLevel int       `json:"skillLevel"`
	JoinedAt   time.Time `json:"joinedAt"`
	IsReady    bool      `json:"isReady"`
	Score      int       `json:"score"`
	Active     bool      `json:"active"`
}

type GameSettings struct {
	Mode         string `json:"mode"`
	TimeLimit    int    `json:"timeLimit"`
	Difficulty   string `json:"difficulty"`
	PerfectScore int    `json:"perfectScore"`
}

type Session struct {
	Id                 string        `json:"id"`
	Status             SessionStatus `json:"status"`
	MaxPlayers         int           `json:"maxPlayers"`
	CurrentPlayers     int           `json:"currentPlayers"`
	Participants       []Participant `json:"participants"`
	Creator            string        `json:"creator"`
	GameSettings       GameSettings  `json:"gameSettings"`
	CreatedAt          time.Time     `json:"createdAt"`
	LastActivity       time.Time     `json:"lastActivity"`
	CountdownStartedAt *time.Time    `json:"countdownStartedAt,omitempty"`

	// Version guards every cache write; bumped on each successful mutation.
	Version int64 `json:"version"`
}

func (s *Session) Participant(userId string) (*Participant, bool) {
	for i := range s.Participants {
		if s.Participants[i].UserId == userId {
			return &s.Participants[i], true
		}
	}
	return nil, false
}

func (s *Session) ActiveParticipants() []*Participant {
	var active []*Participant
	for i := range s.Participants {
		if s.Participants[i].Active {
			active = append(active, &s.Participants[i])
		}
	}
	return active
}

// AllReady reports the countdown trigger condition: every current
// participant is ready and there are at least two of them.
func (s *Session) AllReady() bool {
	if len(s.Participants) < 2 {
		return false
	}
	for i := range s.Participants {
		if !s.Participants[i].IsReady {
			return false
		}
	}
	return true
}

func (s *Session) HasCapacity() bool {
	return s.CurrentPlayers < s.MaxPlayers
}
