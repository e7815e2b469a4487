package raceengine

import "errors"

// Error taxonomy surfaced by Engine operations. The Fan-out Layer and HTTP
// surface translate these into wire codes and status codes respectively;
// Engine itself never knows about transports.
var (
	// ErrGameNotFound indicates the referenced session id has no session.
	ErrGameNotFound = errors.New("raceengine: game not found")
	// ErrGameFull indicates the session roster is already at capacity.
	ErrGameFull = errors.New("raceengine: game full")
	// ErrPlayerNotFound indicates the referenced player id has no player in
	// the session.
	ErrPlayerNotFound = errors.New("raceengine: player not found")
	// ErrPlayerAlreadyExists indicates a join from a player id that already
	// holds a connected seat in the session.
	ErrPlayerAlreadyExists = errors.New("raceengine: player already exists")
	// ErrInvalidState indicates the operation is not valid for the
	// session's current state.
	ErrInvalidState = errors.New("raceengine: invalid state for operation")
	// ErrServiceUnavailable indicates the Controller has stopped accepting
	// new players.
	ErrServiceUnavailable = errors.New("raceengine: not accepting new players")
	// ErrQueued indicates a create request was accepted into the creation
	// backlog rather than satisfied immediately.
	ErrQueued = errors.New("raceengine: request queued")
	// ErrQueueExpired indicates a queued create request aged out of the
	// backlog (entries older than 30s are discarded) before it was drained.
	ErrQueueExpired = errors.New("raceengine: queued request expired")
	// ErrReplayNotFound indicates no replay is buffered for the session,
	// either because it never reached Countdown or because it has since
	// been evicted.
	ErrReplayNotFound = errors.New("raceengine: replay not found")
	// ErrInternal wraps unexpected failures from collaborators (e.g. the
	// text provider running out of material).
	ErrInternal = errors.New("raceengine: internal error")
)

// Code maps an Engine error to the wire-level error taxonomy code used in
// the outbound error{message, code} event and HTTP status translation.
// Unauthorized is not produced here; it belongs to the admin HTTP surface.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrGameNotFound):
		return "GAME_NOT_FOUND"
	case errors.Is(err, ErrGameFull):
		return "GAME_FULL"
	case errors.Is(err, ErrPlayerNotFound):
		return "PLAYER_NOT_FOUND"
	case errors.Is(err, ErrPlayerAlreadyExists):
		return "PLAYER_ALREADY_EXISTS"
	case errors.Is(err, ErrInvalidState):
		return "INVALID_STATE"
	case errors.Is(err, ErrServiceUnavailable):
		return "SERVICE_UNAVAILABLE"
	case errors.Is(err, ErrQueued):
		return "QUEUED"
	case errors.Is(err, ErrQueueExpired):
		return "QUEUE_EXPIRED"
	case errors.Is(err, ErrReplayNotFound):
		return "REPLAY_NOT_FOUND"
	case err == nil:
		return ""
	default:
		return "INTERNAL"
	}
}
