package server

import (
	"errors"

	"github.com/skillforge/arena/internal/domains/entities"
	"github.com/skillforge/arena/internal/engine/game"
	"github.com/skillforge/arena/internal/engine/matchqueue"
	"github.com/skillforge/arena/internal/engine/session"
	"github.com/skillforge/arena/internal/engine/stats"
)

// Stable wire-visible error kinds. Messages may change, kinds may not.
var (
	ErrStatusValidation   string = "VALIDATION"
	ErrStatusNotFound     string = "NOT_FOUND"
	ErrStatusConflict     string = "CONFLICT"
	ErrStatusUnauthorized string = "UNAUTHORIZED"
	ErrStatusTransient    string = "TRANSIENT"
	ErrStatusInternal     string = "INTERNAL"
)

type errorResponse struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// errorKind maps a domain error onto its wire kind. Internal details never
// leave the process; unknown errors collapse to a generic internal failure.
func errorKind(err error) (string, string) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, matchqueue.ErrNotQueued),
		errors.Is(err, stats.ErrRecordNotFound):
		return ErrStatusNotFound, err.Error()
	case errors.Is(err, session.ErrAlreadyJoined),
		errors.Is(err, session.ErrRoomFull),
		errors.Is(err, session.ErrNotJoinable),
		errors.Is(err, session.ErrBadTransition),
		errors.Is(err, game.ErrNotPlaying):
		return ErrStatusConflict, err.Error()
	case errors.Is(err, session.ErrNotParticipant),
		errors.Is(err, game.ErrNotParticipant):
		return ErrStatusUnauthorized, err.Error()
	case errors.Is(err, entities.ErrUnknownEventKind),
		errors.Is(err, session.ErrInvalidInput):
		return ErrStatusValidation, err.Error()
	case errors.Is(err, session.ErrContention):
		return ErrStatusTransient, err.Error()
	default:
		return ErrStatusInternal, "internal error"
	}
}
