package entities

import (
	"encoding/json"
	"fmt"
	"time"
)

type ScoreMode string

const (
	// ScoreAdditive adds the points to the participant's current score.
	ScoreAdditive ScoreMode = "add"
	// ScoreSetMax overwrites the score only if the new value is strictly
	// greater, used for incremental progress tracking.
	ScoreSetMax ScoreMode = "set_max"
)

const (
	EventKindScore     = "score"
	EventKindTimer     = "timer"
	EventKindSurrender = "surrender"
	EventKindFinish    = "finish"
)

// GameEvent is a closed union of in-room gameplay events. Unknown kinds are
// rejected at parse time, never dispatched.
type GameEvent interface {
	Kind() string
}

type ScoreEvent struct {
	Points int       `json:"points"`
	Mode   ScoreMode `json:"mode"`
}

type TimerEvent struct {
	Remaining time.Duration `json:"remaining"`
}

type SurrenderEvent struct{}

type FinishEvent struct{}

func (ScoreEvent) Kind() string     { return EventKindScore }
func (TimerEvent) Kind() string     { return EventKindTimer }
func (SurrenderEvent) Kind() string { return EventKindSurrender }
func (FinishEvent) Kind() string    { return EventKindFinish }

var ErrUnknownEventKind = fmt.Errorf("unknown game event kind")

// ParseGameEvent decodes a wire event into its typed payload.
func ParseGameEvent(kind string, data json.RawMessage) (GameEvent, error) {
	switch kind {
	case EventKindScore:
		var ev ScoreEvent
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ev); err != nil {
				return nil, fmt.Errorf("invalid score event payload: %w", err)
			}
		}
		if ev.Mode == "" {
			ev.Mode = ScoreAdditive
		}
		if ev.Mode != ScoreAdditive && ev.Mode != ScoreSetMax {
			return nil, fmt.Errorf("invalid score mode %q", ev.Mode)
		}
		if ev.Points < 0 {
			return nil, fmt.Errorf("negative score delta")
		}
		return ev, nil
	case EventKindTimer:
		var ev TimerEvent
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ev); err != nil {
				return nil, fmt.Errorf("invalid timer event payload: %w", err)
			}
		}
		return ev, nil
	case EventKindSurrender:
		return SurrenderEvent{}, nil
	case EventKindFinish:
		return FinishEvent{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventKind, kind)
	}
}
