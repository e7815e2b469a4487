package raceengine

import "sync"

// SessionState is one of the four totally-ordered race phases. States
// advance monotonically Waiting -> Countdown -> Racing -> Finished; no
// cycles or skips.
type SessionState int

const (
	Waiting SessionState = iota
	Countdown
	Racing
	Finished
)

func (s SessionState) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Countdown:
		return "countdown"
	case Racing:
		return "racing"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Player is a connection-bound race participant. Engine methods never
// return the internal pointer: every Player crossing the package boundary
// is a defensive copy.
type Player struct {
	ID           string
	Name         string
	Color        string
	Position     float64
	CurrentIndex int
	WPM          float64
	Accuracy     float64
	IsReady      bool
	FinishTime   *int64
	IsConnected  bool
	IsSpectator  bool
}

func (p Player) clone() Player {
	clone := p
	if p.FinishTime != nil {
		t := *p.FinishTime
		clone.FinishTime = &t
	}
	return clone
}

// RankedPlayer is one entry of a computed ranking; ranks are derived, never
// stored on Player.
type RankedPlayer struct {
	ID       string
	Name     string
	Rank     int
	WPM      float64
	Accuracy float64
	Finished bool
}

// Stats aggregates per-session summary figures, computed only over finished
// players (zero values when none have finished).
type Stats struct {
	AvgWPM      float64
	AvgAccuracy float64
	FinishRate  float64
}

// Summary is emitted once, on entry to Finished.
type Summary struct {
	TotalTime       int64
	Rankings        []RankedPlayer
	Stats           Stats
	ReplayAvailable bool
}

// Session is a single race instance and its finite state machine. The
// zero value is not usable; construct via Engine operations only.
type Session struct {
	mu sync.Mutex

	ID                 string
	State              SessionState
	Players            []*Player
	Text               string
	MaxPlayers         int
	MinPlayersToStart  int
	CreatedAt          int64
	StartTime          *int64
	EndTime            *int64
	CountdownRemaining int

	countdownCancel    func()
	raceDeadlineCancel func()
	cleanupCancel      func()
}

// playerByID returns the player with the given id, or nil.
func (s *Session) playerByID(id string) *Player {
	for _, p := range s.Players {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// connectedNonSpectators returns every connected, non-spectator player.
func (s *Session) connectedNonSpectators() []*Player {
	out := make([]*Player, 0, len(s.Players))
	for _, p := range s.Players {
		if p.IsConnected && !p.IsSpectator {
			out = append(out, p)
		}
	}
	return out
}

// SessionView is the defensive, external-facing copy of Session returned by
// every Engine accessor. Callers cannot mutate engine-owned state through
// it.
type SessionView struct {
	ID                 string
	State              SessionState
	Players            []Player
	Text               string
	MaxPlayers         int
	MinPlayersToStart  int
	CreatedAt          int64
	StartTime          *int64
	EndTime            *int64
	CountdownRemaining int
}

func (s *Session) view() SessionView {
	players := make([]Player, 0, len(s.Players))
	for _, p := range s.Players {
		players = append(players, p.clone())
	}
	view := SessionView{
		ID:                 s.ID,
		State:              s.State,
		Players:            players,
		Text:               s.Text,
		MaxPlayers:         s.MaxPlayers,
		MinPlayersToStart:  s.MinPlayersToStart,
		CreatedAt:          s.CreatedAt,
		CountdownRemaining: s.CountdownRemaining,
	}
	if s.StartTime != nil {
		t := *s.StartTime
		view.StartTime = &t
	}
	if s.EndTime != nil {
		t := *s.EndTime
		view.EndTime = &t
	}
	return view
}

// GameAge returns now-startTime once the session has reached Racing,
// otherwise now-createdAt, per the settled Open Question.
func (v SessionView) GameAge(nowMs int64) int64 {
	if v.StartTime != nil {
		return nowMs - *v.StartTime
	}
	return nowMs - v.CreatedAt
}

// EventSink receives every room-scoped or connection-scoped event an Engine
// operation produces, whether triggered synchronously by a caller or by an
// internal timer. It is the typed replacement for stringly-dispatched
// broadcast calls; the Fan-out Layer is the sole implementation.
type EventSink interface {
	// PlayerJoined is emitted after create_game and join_game.
	PlayerJoined(sessionID string, player Player)
	// PlayerLeft is emitted after a player is removed or marked
	// disconnected.
	PlayerLeft(sessionID string, playerID string)
	// GameCountdown is emitted once per second while Countdown is active.
	GameCountdown(sessionID string, countdown int)
	// GameStarted is emitted exactly once, on entry to Racing.
	GameStarted(sessionID string, startTime int64)
	// ProgressUpdate is emitted after updateProgress; the Fan-out Layer
	// applies throttling to this call only.
	ProgressUpdate(sessionID string, player Player)
	// GameFinished is emitted exactly once, on entry to Finished.
	GameFinished(sessionID string, summary Summary)
	// GameTerminated is emitted when a session is destroyed by the cleanup
	// timer (including the normal one after Finished) or by idle termination.
	GameTerminated(sessionID string, reason string)
	// QueueResolved is emitted when a backlogged createGame request is
	// finally drained (sessionID/player set, err nil) or discarded for
	// age (err set). The spec is silent on how a queued requester is
	// eventually notified once past the immediate Queued reply; this
	// is the resolution this implementation settles on.
	QueueResolved(playerID string, sessionID string, player Player, err error)
}
