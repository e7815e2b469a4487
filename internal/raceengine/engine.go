package raceengine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"typerace/broker/internal/flags"
	"typerace/broker/internal/ids"
	"typerace/broker/internal/logging"
	"typerace/broker/internal/replay"
	"typerace/broker/internal/textprovider"
)

// longTextOdds is the 1-in-N chance a new game draws its passage from the
// long corpus pool instead of the short one, keeping most races quick while
// still exercising the long pool outside of tests.
const longTextOdds = 5

// EngineConfig holds the static defaults an Engine falls back to when a
// caller or the Controller does not override them.
type EngineConfig struct {
	DefaultMaxPlayers int
	MinPlayersToStart int
	CountdownSeconds  int
	MaxRaceTime       time.Duration
	CleanupDelay      time.Duration
}

// GameSummary is the lightweight per-session projection used by the
// get_all_games listing.
type GameSummary struct {
	ID          string
	PlayerCount int
	State       SessionState
}

// Engine owns the authoritative session registry and is the single mutator
// of race state. Every externally observable transition flows through
// EventSink, whether triggered synchronously by a caller or by one of the
// Engine's own timers.
type Engine struct {
	mu             sync.RWMutex
	sessions       map[string]*Session
	playerSessions map[string]map[string]struct{}

	text    *textprovider.Provider
	replays *replay.Store
	flags   *flags.Store
	clock   ids.Clock
	cfg     EngineConfig
	sink    EventSink
	queue   *creationQueue
	log     *logging.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewEngine wires an Engine over its collaborators. clock and log may be
// nil, defaulting to the system clock and the package-global logger.
func NewEngine(cfg EngineConfig, text *textprovider.Provider, replays *replay.Store, flagStore *flags.Store, clock ids.Clock, sink EventSink, seed int64, log *logging.Logger) *Engine {
	if clock == nil {
		clock = ids.SystemClock
	}
	if log == nil {
		log = logging.L()
	}
	return &Engine{
		sessions:       make(map[string]*Session),
		playerSessions: make(map[string]map[string]struct{}),
		text:           text,
		replays:        replays,
		flags:          flagStore,
		clock:          clock,
		cfg:            cfg,
		sink:           sink,
		queue:          newCreationQueue(),
		log:            log,
		rng:            rand.New(rand.NewSource(seed)),
	}
}

// Start launches the Engine's background goroutines (currently just the
// creation-backlog drain loop) and returns immediately. Callers cancel ctx
// to stop them.
func (e *Engine) Start(ctx context.Context) {
	go e.runCreationQueue(ctx)
}

// CreateGame either starts a new session immediately or, when the
// Controller has enabled GameCreationQueueEnabled, enqueues the request and
// returns ErrQueued so the caller can relay an immediate "queued"
// acknowledgement.
func (e *Engine) CreateGame(playerID, playerName string, maxPlayers int) (string, Player, error) {
	fl := e.flags.Load()
	if !fl.AcceptingNewPlayers {
		return "", Player{}, ErrServiceUnavailable
	}
	if fl.GameCreationQueueEnabled {
		e.queue.enqueue(creationEntry{
			playerID:    playerID,
			playerName:  playerName,
			maxPlayers:  maxPlayers,
			submittedAt: ids.NowMillis(e.clock),
		})
		return "", Player{}, ErrQueued
	}
	return e.createNow(playerID, playerName, maxPlayers)
}

func (e *Engine) createNow(playerID, playerName string, maxPlayers int) (string, Player, error) {
	fl := e.flags.Load()
	effectiveMax := maxPlayers
	if effectiveMax <= 0 {
		effectiveMax = e.cfg.DefaultMaxPlayers
	}
	if fl.MaxPlayersPerGameOverride > 0 && effectiveMax > fl.MaxPlayersPerGameOverride {
		effectiveMax = fl.MaxPlayersPerGameOverride
	}

	e.rngMu.Lock()
	length := textprovider.LengthShort
	if e.rng.Intn(longTextOdds) == 0 {
		length = textprovider.LengthLong
	}
	name := sanitizeName(playerName, e.rng)
	e.rngMu.Unlock()

	text, err := e.text.Random(length)
	if err != nil {
		return "", Player{}, errors.Join(ErrInternal, err)
	}

	now := ids.NowMillis(e.clock)
	player := &Player{ID: playerID, Name: name, Color: assignColor(0), IsConnected: true}
	sessionID := ids.NewSessionID()
	session := &Session{
		ID:                sessionID,
		State:             Waiting,
		Players:           []*Player{player},
		Text:              text,
		MaxPlayers:        effectiveMax,
		MinPlayersToStart: e.cfg.MinPlayersToStart,
		CreatedAt:         now,
	}

	e.mu.Lock()
	e.sessions[sessionID] = session
	e.mu.Unlock()
	e.addPlayerSession(playerID, sessionID)

	e.sink.PlayerJoined(sessionID, player.clone())
	return sessionID, player.clone(), nil
}

// JoinGame seats playerID into sessionID, or into any joinable Waiting
// session when sessionID is empty, or creates a fresh session when none is
// joinable. Joining a session that has already left Waiting seats the
// caller as a spectator instead of failing.
func (e *Engine) JoinGame(playerID, playerName, sessionID string) (string, Player, bool, error) {
	if sessionID == "" {
		if target := e.findJoinableWaiting(); target != "" {
			sessionID = target
		} else {
			id, p, err := e.CreateGame(playerID, playerName, 0)
			return id, p, false, err
		}
	}

	session := e.getSession(sessionID)
	if session == nil {
		return "", Player{}, false, ErrGameNotFound
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if existing := session.playerByID(playerID); existing != nil {
		if existing.IsConnected {
			return "", Player{}, false, ErrPlayerAlreadyExists
		}
		existing.IsConnected = true
		view := existing.clone()
		e.sink.PlayerJoined(sessionID, view)
		return sessionID, view, existing.IsSpectator, nil
	}

	e.rngMu.Lock()
	name := sanitizeName(playerName, e.rng)
	e.rngMu.Unlock()

	if session.State != Waiting {
		player := &Player{ID: playerID, Name: name, Color: spectatorColor, IsReady: true, IsSpectator: true, IsConnected: true}
		session.Players = append(session.Players, player)
		e.addPlayerSession(playerID, sessionID)
		view := player.clone()
		e.sink.PlayerJoined(sessionID, view)
		return sessionID, view, true, nil
	}

	if len(session.Players) >= session.MaxPlayers {
		return "", Player{}, false, ErrGameFull
	}
	player := &Player{ID: playerID, Name: name, Color: assignColor(len(session.Players)), IsConnected: true}
	session.Players = append(session.Players, player)
	e.addPlayerSession(playerID, sessionID)
	view := player.clone()
	e.sink.PlayerJoined(sessionID, view)
	return sessionID, view, false, nil
}

// PlayerReady marks playerID ready to start within sessionID.
func (e *Engine) PlayerReady(sessionID, playerID string) (SessionView, error) {
	session := e.getSession(sessionID)
	if session == nil {
		return SessionView{}, ErrGameNotFound
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	p := session.playerByID(playerID)
	if p == nil {
		return SessionView{}, ErrPlayerNotFound
	}
	p.IsReady = true
	return session.view(), nil
}

// CanStartGame reports whether sessionID has reached the minimum connected
// non-spectator headcount and every one of them is ready.
func (e *Engine) CanStartGame(sessionID string) (bool, error) {
	session := e.getSession(sessionID)
	if session == nil {
		return false, ErrGameNotFound
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	connected := session.connectedNonSpectators()
	if len(connected) < session.MinPlayersToStart {
		return false, nil
	}
	for _, p := range connected {
		if !p.IsReady {
			return false, nil
		}
	}
	return true, nil
}

// StartCountdown transitions sessionID from Waiting to Countdown and arms
// the per-second countdown ticker that eventually calls StartRace.
func (e *Engine) StartCountdown(sessionID string) error {
	session := e.getSession(sessionID)
	if session == nil {
		return ErrGameNotFound
	}

	session.mu.Lock()
	if session.State != Waiting {
		session.mu.Unlock()
		return ErrInvalidState
	}
	session.State = Countdown
	session.CountdownRemaining = e.cfg.CountdownSeconds
	text := session.Text
	remaining := session.CountdownRemaining
	session.mu.Unlock()

	e.replays.Create(sessionID, text)
	e.sink.GameCountdown(sessionID, remaining)

	ticker := time.NewTicker(time.Second)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(done); ticker.Stop() }) }

	session.mu.Lock()
	session.countdownCancel = cancel
	session.mu.Unlock()

	go e.runCountdown(session, ticker, done, cancel)
	return nil
}

func (e *Engine) runCountdown(session *Session, ticker *time.Ticker, done chan struct{}, cancel func()) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			session.mu.Lock()
			if session.State != Countdown {
				session.mu.Unlock()
				cancel()
				return
			}
			session.CountdownRemaining--
			remaining := session.CountdownRemaining
			sessionID := session.ID
			session.mu.Unlock()

			if remaining <= 0 {
				cancel()
				if err := e.StartRace(sessionID); err != nil {
					e.log.Warn("countdown-triggered start race failed",
						logging.String("session", sessionID), logging.Error(err))
				}
				return
			}
			e.sink.GameCountdown(sessionID, remaining)
		}
	}
}

// StartRace transitions sessionID from Countdown to Racing, resets every
// non-spectator player's running stats, and arms the max-race-time deadline.
func (e *Engine) StartRace(sessionID string) error {
	session := e.getSession(sessionID)
	if session == nil {
		return ErrGameNotFound
	}

	session.mu.Lock()
	if session.State != Countdown {
		session.mu.Unlock()
		return ErrInvalidState
	}
	now := ids.NowMillis(e.clock)
	session.State = Racing
	session.StartTime = &now
	for _, p := range session.Players {
		if p.IsSpectator {
			continue
		}
		p.Position = 0
		p.CurrentIndex = 0
		p.WPM = 0
		p.Accuracy = 0
		p.FinishTime = nil
		e.replays.EnsurePlayer(sessionID, p.ID)
	}
	session.mu.Unlock()

	e.replays.SetStartTime(sessionID, now)

	deadline := time.AfterFunc(e.cfg.MaxRaceTime, func() {
		if err := e.EndRace(sessionID); err != nil && !errors.Is(err, ErrInvalidState) && !errors.Is(err, ErrGameNotFound) {
			e.log.Warn("race deadline forced end failed", logging.String("session", sessionID), logging.Error(err))
		}
	})
	session.mu.Lock()
	session.raceDeadlineCancel = func() { deadline.Stop() }
	session.mu.Unlock()

	e.sink.GameStarted(sessionID, now)
	return nil
}

// UpdateProgress records a typing-progress tick for playerID. Progress past
// the end of the text marks the player as finished, but ranking still
// happens on endRace; UpdateProgress never ends the race itself.
func (e *Engine) UpdateProgress(sessionID, playerID string, currentIndex int, wpm, accuracy float64) error {
	session := e.getSession(sessionID)
	if session == nil {
		return ErrGameNotFound
	}

	session.mu.Lock()
	if session.State != Racing {
		session.mu.Unlock()
		return ErrInvalidState
	}
	p := session.playerByID(playerID)
	if p == nil {
		session.mu.Unlock()
		return ErrPlayerNotFound
	}
	if p.IsSpectator {
		session.mu.Unlock()
		return nil
	}

	if currentIndex < 0 {
		currentIndex = 0
	}
	position := 0.0
	if textLen := len(session.Text); textLen > 0 {
		position = math.Min(100, float64(currentIndex)/float64(textLen)*100)
	}
	p.CurrentIndex = currentIndex
	p.Position = position
	p.WPM = wpm
	p.Accuracy = accuracy

	now := ids.NowMillis(e.clock)
	justFinished := position >= 100 && p.FinishTime == nil
	if justFinished {
		p.FinishTime = &now
	}
	view := p.clone()
	session.mu.Unlock()

	snapshot := replay.ProgressSnapshot{
		Timestamp: now, Position: view.Position, CurrentIndex: view.CurrentIndex, WPM: view.WPM, Accuracy: view.Accuracy,
	}
	if justFinished {
		// The finish snapshot must always be retained even if it lands
		// inside the normal admission window relative to the previous one.
		e.replays.RecordFinishSnapshot(sessionID, playerID, snapshot)
	} else {
		e.replays.RecordSnapshot(sessionID, playerID, snapshot)
	}
	if justFinished {
		e.replays.FinalizeStats(sessionID, playerID, replay.FinalStats{WPM: view.WPM, Accuracy: view.Accuracy, FinishTime: now})
	}
	e.sink.ProgressUpdate(sessionID, view)
	return nil
}

// PlayerFinished records playerID's authoritative finish line crossing. It
// returns true iff every connected non-spectator player has now finished,
// in which case it also invokes EndRace. A second call for an already
// finished player changes no state and returns false.
func (e *Engine) PlayerFinished(sessionID, playerID string, wpm, accuracy float64, finishTime int64) (bool, error) {
	session := e.getSession(sessionID)
	if session == nil {
		return false, ErrGameNotFound
	}

	session.mu.Lock()
	p := session.playerByID(playerID)
	if p == nil {
		session.mu.Unlock()
		return false, ErrPlayerNotFound
	}
	// A player who already has a recorded finish is a duplicate call, even
	// if the race itself has since moved on to Finished as a result of that
	// first call (single connected finisher, or the last-player-to-finish
	// case). Check this before the session-state gate so it stays a no-op
	// rather than surfacing as an invalid-state error.
	if p.FinishTime != nil {
		session.mu.Unlock()
		return false, nil
	}
	if session.State != Racing {
		session.mu.Unlock()
		return false, ErrInvalidState
	}
	if p.IsSpectator {
		session.mu.Unlock()
		return false, nil
	}

	p.Position = 100
	p.WPM = wpm
	p.Accuracy = accuracy
	ft := finishTime
	p.FinishTime = &ft

	allFinished := true
	for _, cp := range session.connectedNonSpectators() {
		if cp.FinishTime == nil {
			allFinished = false
			break
		}
	}
	session.mu.Unlock()

	e.replays.FinalizeStats(sessionID, playerID, replay.FinalStats{WPM: wpm, Accuracy: accuracy, FinishTime: finishTime})

	if allFinished {
		if err := e.EndRace(sessionID); err != nil && !errors.Is(err, ErrInvalidState) {
			e.log.Warn("endRace after full finish failed", logging.String("session", sessionID), logging.Error(err))
		}
		return true, nil
	}
	return false, nil
}

// EndRace transitions sessionID to Finished, finalizing any connected
// non-spectator player who had not yet crossed the line with their last
// observed stats, computing the final ranking, and arming cleanup.
func (e *Engine) EndRace(sessionID string) error {
	session := e.getSession(sessionID)
	if session == nil {
		return ErrGameNotFound
	}

	session.mu.Lock()
	if session.State != Racing {
		session.mu.Unlock()
		return ErrInvalidState
	}
	now := ids.NowMillis(e.clock)
	session.State = Finished
	session.EndTime = &now
	if session.raceDeadlineCancel != nil {
		session.raceDeadlineCancel()
	}
	for _, p := range session.connectedNonSpectators() {
		if p.FinishTime == nil {
			e.replays.FinalizeStats(sessionID, p.ID, replay.FinalStats{WPM: p.WPM, Accuracy: p.Accuracy, FinishTime: now})
		}
	}
	var startTime int64
	if session.StartTime != nil {
		startTime = *session.StartTime
	}
	totalTime := now - startTime
	summary := Summarize(session.Players, totalTime)
	cleanupDelay := e.cfg.CleanupDelay
	session.mu.Unlock()

	for _, r := range summary.Rankings {
		e.replays.SetFinalRank(sessionID, r.ID, r.Rank)
	}
	e.replays.SetEndTime(sessionID, now)
	e.scheduleCleanup(session, cleanupDelay)
	e.sink.GameFinished(sessionID, summary)
	return nil
}

func (e *Engine) scheduleCleanup(session *Session, delay time.Duration) {
	timer := time.AfterFunc(delay, func() {
		e.cleanupSession(session, "cleanup delay elapsed")
	})
	session.mu.Lock()
	if session.cleanupCancel != nil {
		session.cleanupCancel()
	}
	session.cleanupCancel = func() { timer.Stop() }
	session.mu.Unlock()
}

func (e *Engine) cleanupSession(session *Session, reason string) {
	e.removeSession(session)
	e.replays.ScheduleEviction(session.ID, ids.NowMillis(e.clock))
	e.sink.GameTerminated(session.ID, reason)
}

// PlayerLeft handles a disconnect. While Waiting the player is removed
// outright and an empty session is destroyed immediately; from Countdown
// onward the player is only marked disconnected and stays in the session's
// player list (Rank leaves disconnected players out of the final ranking),
// and an emptied Racing session is force-ended while an
// emptied Countdown session is cleaned up without ever starting.
func (e *Engine) PlayerLeft(sessionID, playerID string) (SessionView, error) {
	session := e.getSession(sessionID)
	if session == nil {
		return SessionView{}, ErrGameNotFound
	}

	session.mu.Lock()
	p := session.playerByID(playerID)
	if p == nil {
		session.mu.Unlock()
		return SessionView{}, ErrPlayerNotFound
	}

	if session.State == Waiting {
		session.Players = removePlayer(session.Players, playerID)
		empty := len(session.Players) == 0
		view := session.view()
		session.mu.Unlock()

		e.removePlayerSession(playerID, sessionID)
		e.sink.PlayerLeft(sessionID, playerID)
		if empty {
			e.removeSession(session)
		}
		return view, nil
	}

	p.IsConnected = false
	connected := session.connectedNonSpectators()
	state := session.State
	countdownCancel := session.countdownCancel
	view := session.view()
	session.mu.Unlock()

	e.sink.PlayerLeft(sessionID, playerID)

	if len(connected) == 0 {
		switch state {
		case Racing:
			if err := e.EndRace(sessionID); err != nil && !errors.Is(err, ErrInvalidState) {
				e.log.Warn("endRace after empty racing session failed", logging.String("session", sessionID), logging.Error(err))
			}
		case Countdown:
			if countdownCancel != nil {
				countdownCancel()
			}
			e.scheduleCleanup(session, 0)
		}
	}
	return view, nil
}

// GetGameState returns a defensive snapshot of sessionID.
func (e *Engine) GetGameState(sessionID string) (SessionView, error) {
	session := e.getSession(sessionID)
	if session == nil {
		return SessionView{}, ErrGameNotFound
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.view(), nil
}

// GetAllGames lists every currently registered session.
func (e *Engine) GetAllGames() []GameSummary {
	sessions := e.snapshotSessions()
	out := make([]GameSummary, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, GameSummary{ID: s.ID, PlayerCount: len(s.Players), State: s.State})
		s.mu.Unlock()
	}
	return out
}

// GetReplay returns the buffered replay for sessionID.
func (e *Engine) GetReplay(sessionID string) (replay.Replay, error) {
	rep, ok := e.replays.Get(sessionID)
	if !ok {
		return replay.Replay{}, ErrReplayNotFound
	}
	return rep, nil
}

// SessionCount reports the number of sessions currently registered, used by
// the Controller's game-count mitigation.
func (e *Engine) SessionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessions)
}

// QueueDepth reports how many createGame requests are currently backlogged
// awaiting the creation queue's drain loop, exposed through the admin
// /metrics endpoint so operators can see the queue building up before it
// starts discarding entries past creationQueueMaxAgeMs.
func (e *Engine) QueueDepth() int {
	return e.queue.len()
}

// TerminateIdleGames force-destroys Finished sessions and long-idle,
// near-empty Waiting sessions. It is invoked by the Controller's memory
// mitigation and returns the number of sessions removed.
func (e *Engine) TerminateIdleGames(nowMs int64) int {
	sessions := e.snapshotSessions()
	removed := 0
	for _, s := range sessions {
		s.mu.Lock()
		state := s.State
		connected := len(s.connectedNonSpectators())
		age := s.view().GameAge(nowMs)
		cleanupCancel := s.cleanupCancel
		s.mu.Unlock()

		shouldTerminate := state == Finished || (state == Waiting && connected <= 1 && age >= 5*60*1000)
		if !shouldTerminate {
			continue
		}
		if cleanupCancel != nil {
			cleanupCancel()
		}
		e.removeSession(s)
		e.replays.Delete(s.ID)
		e.sink.GameTerminated(s.ID, "idle termination")
		removed++
	}
	return removed
}

func (e *Engine) runCreationQueue(ctx context.Context) {
	for {
		interval := 2 * time.Second
		if e.flags.Load().CreationBackoffEnabled {
			interval = 5 * time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		now := ids.NowMillis(e.clock)
		fresh, expired := e.queue.drain(now)
		for _, entry := range expired {
			e.sink.QueueResolved(entry.playerID, "", Player{}, ErrQueueExpired)
		}
		for _, entry := range fresh {
			if !e.flags.Load().AcceptingNewPlayers {
				e.queue.enqueue(entry)
				continue
			}
			sessionID, player, err := e.createNow(entry.playerID, entry.playerName, entry.maxPlayers)
			e.sink.QueueResolved(entry.playerID, sessionID, player, err)
		}
	}
}

func (e *Engine) findJoinableWaiting() string {
	for _, s := range e.snapshotSessions() {
		s.mu.Lock()
		ok := s.State == Waiting && len(s.Players) < s.MaxPlayers
		id := s.ID
		s.mu.Unlock()
		if ok {
			return id
		}
	}
	return ""
}

func (e *Engine) getSession(id string) *Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[id]
}

func (e *Engine) snapshotSessions() []*Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

func (e *Engine) removeSession(session *Session) {
	e.mu.Lock()
	delete(e.sessions, session.ID)
	e.mu.Unlock()

	session.mu.Lock()
	players := append([]*Player(nil), session.Players...)
	session.mu.Unlock()
	for _, p := range players {
		e.removePlayerSession(p.ID, session.ID)
	}
}

func (e *Engine) addPlayerSession(playerID, sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.playerSessions[playerID]
	if !ok {
		set = make(map[string]struct{})
		e.playerSessions[playerID] = set
	}
	set[sessionID] = struct{}{}
}

func (e *Engine) removePlayerSession(playerID, sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.playerSessions[playerID]
	if !ok {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(e.playerSessions, playerID)
	}
}

// SessionsForPlayer lists every session playerID currently occupies, used
// by the Fan-out Layer to route a connection's disconnect across every
// room it was part of.
func (e *Engine) SessionsForPlayer(playerID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	set := e.playerSessions[playerID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func removePlayer(players []*Player, id string) []*Player {
	out := players[:0]
	for _, p := range players {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}
