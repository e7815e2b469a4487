package raceengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"typerace/broker/internal/flags"
	"typerace/broker/internal/replay"
	"typerace/broker/internal/textprovider"
)

type fakeSink struct {
	mu         sync.Mutex
	joined     []Player
	left       []string
	countdowns []int
	started    []int64
	progress   []Player
	finished   []Summary
	terminated []string
	queued     []error
}

func (f *fakeSink) PlayerJoined(sessionID string, player Player) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, player)
}
func (f *fakeSink) PlayerLeft(sessionID string, playerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, playerID)
}
func (f *fakeSink) GameCountdown(sessionID string, countdown int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countdowns = append(f.countdowns, countdown)
}
func (f *fakeSink) GameStarted(sessionID string, startTime int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, startTime)
}
func (f *fakeSink) ProgressUpdate(sessionID string, player Player) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, player)
}
func (f *fakeSink) GameFinished(sessionID string, summary Summary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, summary)
}
func (f *fakeSink) GameTerminated(sessionID string, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, sessionID)
}
func (f *fakeSink) QueueResolved(playerID string, sessionID string, player Player, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, err)
}

func (f *fakeSink) countdownEvents() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.countdowns...)
}

func (f *fakeSink) startedEvents() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func (f *fakeSink) finishedEvents() []Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Summary(nil), f.finished...)
}

func newTestEngine(t *testing.T) (*Engine, *fakeSink) {
	t.Helper()
	provider, err := textprovider.New(1)
	if err != nil {
		t.Fatalf("textprovider.New: %v", err)
	}
	now := time.UnixMilli(1_700_000_000_000)
	clock := func() time.Time { return now }
	sink := &fakeSink{}
	cfg := EngineConfig{
		DefaultMaxPlayers: 4,
		MinPlayersToStart: 2,
		CountdownSeconds:  1,
		MaxRaceTime:       3 * time.Minute,
		CleanupDelay:      3 * time.Minute,
	}
	engine := NewEngine(cfg, provider, replay.NewStore(flags.NewStore(), clock), flags.NewStore(), clock, sink, 1, nil)
	return engine, sink
}

func TestCreateGameThenJoinGameReachesReady(t *testing.T) {
	engine, sink := newTestEngine(t)

	sessionID, p1, err := engine.CreateGame("conn-1", "Ada", 0)
	if err != nil {
		t.Fatalf("CreateGame: %v", err)
	}
	if p1.Color == "" {
		t.Fatalf("expected an assigned color")
	}

	sid2, p2, spectator, err := engine.JoinGame("conn-2", "Grace", sessionID)
	if err != nil {
		t.Fatalf("JoinGame: %v", err)
	}
	if sid2 != sessionID {
		t.Fatalf("expected join to land in the same session")
	}
	if spectator {
		t.Fatalf("expected a Waiting-state join to seat a racer, not a spectator")
	}
	if p2.Color == p1.Color {
		t.Fatalf("expected distinct colors for distinct seats")
	}

	if _, err := engine.PlayerReady(sessionID, "conn-1"); err != nil {
		t.Fatalf("PlayerReady conn-1: %v", err)
	}
	ok, err := engine.CanStartGame(sessionID)
	if err != nil {
		t.Fatalf("CanStartGame: %v", err)
	}
	if ok {
		t.Fatalf("expected CanStartGame false until every connected player is ready")
	}
	if _, err := engine.PlayerReady(sessionID, "conn-2"); err != nil {
		t.Fatalf("PlayerReady conn-2: %v", err)
	}
	ok, err = engine.CanStartGame(sessionID)
	if err != nil || !ok {
		t.Fatalf("expected CanStartGame true once everyone is ready, got ok=%v err=%v", ok, err)
	}

	if len(sink.joined) != 2 {
		t.Fatalf("expected two player_joined events, got %d", len(sink.joined))
	}
}

func TestJoinGameFullSessionRejected(t *testing.T) {
	engine, _ := newTestEngine(t)
	sessionID, _, err := engine.CreateGame("conn-1", "A", 1)
	if err != nil {
		t.Fatalf("CreateGame: %v", err)
	}
	if _, _, _, err := engine.JoinGame("conn-2", "B", sessionID); err != ErrGameFull {
		t.Fatalf("expected ErrGameFull, got %v", err)
	}
}

func TestJoinGameAfterWaitingSeatsSpectator(t *testing.T) {
	engine, _ := newTestEngine(t)
	sessionID, _, err := engine.CreateGame("conn-1", "A", 0)
	if err != nil {
		t.Fatalf("CreateGame: %v", err)
	}
	session := engine.getSession(sessionID)
	session.mu.Lock()
	session.State = Racing
	session.mu.Unlock()

	_, player, spectator, err := engine.JoinGame("conn-2", "Late", sessionID)
	if err != nil {
		t.Fatalf("JoinGame: %v", err)
	}
	if !spectator {
		t.Fatalf("expected a late joiner to be seated as a spectator")
	}
	if !player.IsReady {
		t.Fatalf("expected a spectator to be marked ready")
	}
}

func TestStartCountdownEmitsThenStartsRace(t *testing.T) {
	engine, sink := newTestEngine(t)
	sessionID, _, _ := engine.CreateGame("conn-1", "A", 0)
	engine.JoinGame("conn-2", "B", sessionID)
	engine.PlayerReady(sessionID, "conn-1")
	engine.PlayerReady(sessionID, "conn-2")

	if err := engine.StartCountdown(sessionID); err != nil {
		t.Fatalf("StartCountdown: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sink.startedEvents() > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if sink.startedEvents() != 1 {
		t.Fatalf("expected game_started to fire once countdown reaches zero, got %d", sink.startedEvents())
	}
	events := sink.countdownEvents()
	if len(events) == 0 || events[0] != 1 {
		t.Fatalf("expected the first game_countdown event to carry the configured countdown, got %+v", events)
	}

	state, err := engine.GetGameState(sessionID)
	if err != nil {
		t.Fatalf("GetGameState: %v", err)
	}
	if state.State != Racing {
		t.Fatalf("expected session to reach Racing, got %v", state.State)
	}
}

func TestUpdateProgressAndPlayerFinishedEndsRace(t *testing.T) {
	engine, sink := newTestEngine(t)
	sessionID, _, _ := engine.CreateGame("conn-1", "A", 0)
	engine.JoinGame("conn-2", "B", sessionID)

	session := engine.getSession(sessionID)
	session.mu.Lock()
	session.State = Countdown
	session.mu.Unlock()
	// StartCountdown creates the replay on entry to Countdown; do the same
	// here since the state was set directly.
	engine.replays.Create(sessionID, session.Text)
	if err := engine.StartRace(sessionID); err != nil {
		t.Fatalf("StartRace: %v", err)
	}

	if err := engine.UpdateProgress(sessionID, "conn-1", 5, 40, 0.95); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}

	done1, err := engine.PlayerFinished(sessionID, "conn-1", 80, 0.97, 1_000)
	if err != nil {
		t.Fatalf("PlayerFinished conn-1: %v", err)
	}
	if done1 {
		t.Fatalf("expected race to continue with conn-2 still racing")
	}
	// Idempotent re-finish changes nothing and reports false.
	if again, err := engine.PlayerFinished(sessionID, "conn-1", 999, 0.5, 5_000); err != nil || again {
		t.Fatalf("expected a repeated finish to be a no-op, got again=%v err=%v", again, err)
	}

	done2, err := engine.PlayerFinished(sessionID, "conn-2", 60, 0.9, 1_500)
	if err != nil {
		t.Fatalf("PlayerFinished conn-2: %v", err)
	}
	if !done2 {
		t.Fatalf("expected the race to end once every connected racer has finished")
	}

	summaries := sink.finishedEvents()
	if len(summaries) != 1 {
		t.Fatalf("expected exactly one game_finished event, got %d", len(summaries))
	}
	if len(summaries[0].Rankings) != 2 {
		t.Fatalf("expected both racers ranked, got %+v", summaries[0].Rankings)
	}
	if summaries[0].Rankings[0].ID != "conn-1" {
		t.Fatalf("expected conn-1 (faster finish) ranked first, got %+v", summaries[0].Rankings)
	}

	rep, err := engine.GetReplay(sessionID)
	if err != nil {
		t.Fatalf("GetReplay: %v", err)
	}
	if rep.Players["conn-1"].Final == nil || rep.Players["conn-1"].Final.Rank != 1 {
		t.Fatalf("expected the replay's final stats to carry the computed rank, got %+v", rep.Players["conn-1"].Final)
	}
}

func TestPlayerLeftDuringWaitingRemovesSeatAndDestroysEmptySession(t *testing.T) {
	engine, sink := newTestEngine(t)
	sessionID, _, _ := engine.CreateGame("conn-1", "A", 0)

	if _, err := engine.PlayerLeft(sessionID, "conn-1"); err != nil {
		t.Fatalf("PlayerLeft: %v", err)
	}
	if _, err := engine.GetGameState(sessionID); err != ErrGameNotFound {
		t.Fatalf("expected the now-empty Waiting session to be destroyed, got %v", err)
	}
	if len(sink.left) != 1 {
		t.Fatalf("expected one player_left event, got %d", len(sink.left))
	}
}

func TestPlayerLeftDuringRacingPreservesSeatAndEndsOnEmpty(t *testing.T) {
	engine, sink := newTestEngine(t)
	sessionID, _, _ := engine.CreateGame("conn-1", "A", 0)
	engine.JoinGame("conn-2", "B", sessionID)
	session := engine.getSession(sessionID)
	session.mu.Lock()
	session.State = Countdown
	session.mu.Unlock()
	engine.StartRace(sessionID)

	engine.PlayerLeft(sessionID, "conn-1")
	state, err := engine.GetGameState(sessionID)
	if err != nil {
		t.Fatalf("expected session to survive with one racer remaining: %v", err)
	}
	if len(state.Players) != 2 {
		t.Fatalf("expected the disconnected player's seat preserved, got %d players", len(state.Players))
	}

	engine.PlayerLeft(sessionID, "conn-2")
	if len(sink.finishedEvents()) != 1 {
		t.Fatalf("expected the race to be force-ended once every racer disconnects")
	}
}

func TestCreateGameQueuedWhenBacklogEnabled(t *testing.T) {
	flagStore := flags.NewStore()
	flagStore.Mutate(func(s flags.Snapshot) flags.Snapshot {
		s.GameCreationQueueEnabled = true
		return s
	})
	now := time.UnixMilli(1_700_000_000_000)
	clock := func() time.Time { return now }
	provider, _ := textprovider.New(1)
	sink := &fakeSink{}
	cfg := EngineConfig{DefaultMaxPlayers: 4, MinPlayersToStart: 2, CountdownSeconds: 3, MaxRaceTime: time.Minute, CleanupDelay: time.Minute}
	engine := NewEngine(cfg, provider, replay.NewStore(flags.NewStore(), clock), flagStore, clock, sink, 1, nil)

	_, _, err := engine.CreateGame("conn-1", "Ada", 0)
	if err != ErrQueued {
		t.Fatalf("expected ErrQueued while the backlog flag is set, got %v", err)
	}
	if engine.queue.len() != 1 {
		t.Fatalf("expected the request to land in the backlog, got queue len %d", engine.queue.len())
	}
}

func TestServiceUnavailableWhenNotAcceptingPlayers(t *testing.T) {
	flagStore := flags.NewStore()
	flagStore.Mutate(func(s flags.Snapshot) flags.Snapshot {
		s.AcceptingNewPlayers = false
		return s
	})
	now := time.UnixMilli(1_700_000_000_000)
	clock := func() time.Time { return now }
	provider, _ := textprovider.New(1)
	sink := &fakeSink{}
	cfg := EngineConfig{DefaultMaxPlayers: 4, MinPlayersToStart: 2, CountdownSeconds: 3, MaxRaceTime: time.Minute, CleanupDelay: time.Minute}
	engine := NewEngine(cfg, provider, replay.NewStore(flags.NewStore(), clock), flagStore, clock, sink, 1, nil)

	if _, _, err := engine.CreateGame("conn-1", "Ada", 0); err != ErrServiceUnavailable {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
}

func TestTerminateIdleGamesRemovesFinishedSessions(t *testing.T) {
	engine, sink := newTestEngine(t)
	sessionID, _, _ := engine.CreateGame("conn-1", "A", 0)
	engine.JoinGame("conn-2", "B", sessionID)
	session := engine.getSession(sessionID)
	session.mu.Lock()
	session.State = Countdown
	session.mu.Unlock()
	engine.StartRace(sessionID)
	engine.EndRace(sessionID)

	removed := engine.TerminateIdleGames(1_700_000_999_999)
	if removed != 1 {
		t.Fatalf("expected the finished session to be force-removed, got %d", removed)
	}
	if _, err := engine.GetGameState(sessionID); err != ErrGameNotFound {
		t.Fatalf("expected the session gone after termination, got %v", err)
	}
	found := false
	for _, id := range sink.terminated {
		if id == sessionID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a game_terminated event for the removed session")
	}
}

func TestEngineStartStopsOnContextCancel(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	engine.Start(ctx)
	cancel()
}
