// Package fanout implements the §4.2 Fan-out Layer: the bidirectional
// event transport that multiplexes one logical race session over many
// client connections. It owns connection identity, room membership,
// inbound dispatch into Race Engine calls, and the per-connection bounded
// write path with adaptive progress throttling.
package fanout

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"typerace/broker/internal/flags"
	"typerace/broker/internal/ids"
	"typerace/broker/internal/logging"
	"typerace/broker/internal/networking"
	"typerace/broker/internal/raceengine"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub is the sole EventSink implementation: every Engine-originated event,
// whether triggered synchronously by an inbound call or by one of the
// Engine's own timers, flows through here to reach the rooms of connected
// clients.
type Hub struct {
	engine    *raceengine.Engine
	flags     *flags.Store
	log       *logging.Logger
	bandwidth *networking.ProgressBandwidthRegulator

	mu    sync.RWMutex
	conns map[string]*connection
	rooms map[string]map[string]struct{}

	eventsDelivered int64
	throttleCounter uint64
}

// NewHub constructs a Hub ready to serve connections. Because raceengine.NewEngine
// takes its EventSink at construction time while the Hub needs the Engine
// back to service get_game_state/get_all_games lookups, wiring is two-step:
// build the Hub first, pass it as the Engine's sink, then call SetEngine.
func NewHub(flagStore *flags.Store, log *logging.Logger) *Hub {
	if log == nil {
		log = logging.L()
	}
	return &Hub{
		flags: flagStore,
		log:   log,
		conns: make(map[string]*connection),
		rooms: make(map[string]map[string]struct{}),
	}
}

// SetEngine completes Hub construction once the Engine has been built with
// this Hub as its EventSink. Must be called before ServeHTTP handles any
// connection.
func (h *Hub) SetEngine(engine *raceengine.Engine) {
	h.engine = engine
}

// SetBandwidth attaches a per-connection byte-budget regulator. When set,
// non-critical broadcasts that would exceed a connection's throughput
// budget are dropped for that connection only, isolating one over-budget
// peer from the rest of its room exactly as the bounded outbound queue
// isolates a slow one. Critical events bypass the budget entirely, same as
// they bypass queue eviction.
func (h *Hub) SetBandwidth(bandwidth *networking.ProgressBandwidthRegulator) {
	h.bandwidth = bandwidth
}

// ServeHTTP upgrades the request to a WebSocket connection and runs its
// reader/writer goroutines until the peer disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	id := ids.NewPlayerID()
	conn := newConnection(id, ws, h, h.log)

	h.mu.Lock()
	h.conns[id] = conn
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		conn.runWriter()
		close(done)
	}()
	conn.runReader()
	conn.close()
	<-done

	h.disconnect(id)
}

// disconnect routes a dropped connection's cleanup across every session it
// was part of, mirroring PlayerLeft's disconnect semantics for each.
func (h *Hub) disconnect(playerID string) {
	h.mu.Lock()
	delete(h.conns, playerID)
	h.mu.Unlock()
	if h.bandwidth != nil {
		h.bandwidth.Forget(playerID)
	}

	for _, sessionID := range h.engine.SessionsForPlayer(playerID) {
		if _, err := h.engine.PlayerLeft(sessionID, playerID); err != nil {
			h.log.Debug("playerLeft on disconnect failed", logging.String("session", sessionID), logging.Error(err))
		}
		h.leaveRoom(sessionID, playerID)
	}
}

// ClientCount reports how many connections are currently registered, used
// by the admin/monitoring readiness and metrics surface.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Stats reports cumulative event-delivery and client counts for the
// metrics endpoint.
func (h *Hub) Stats() (events, clients int) {
	return int(atomic.LoadInt64(&h.eventsDelivered)), h.ClientCount()
}

// GetAllGames projects the Engine's session registry for the get_all_games
// reply and the admin games listing.
func (h *Hub) GetAllGames() []raceengine.GameSummary {
	return h.engine.GetAllGames()
}

func (h *Hub) joinRoom(sessionID, playerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[sessionID]
	if !ok {
		room = make(map[string]struct{})
		h.rooms[sessionID] = room
	}
	room[playerID] = struct{}{}
}

func (h *Hub) leaveRoom(sessionID, playerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[sessionID]
	if !ok {
		return
	}
	delete(room, playerID)
	if len(room) == 0 {
		delete(h.rooms, sessionID)
	}
}

func (h *Hub) connByID(id string) *connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[id]
}

func (h *Hub) roomMembers(sessionID string) []*connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room := h.rooms[sessionID]
	out := make([]*connection, 0, len(room))
	for id := range room {
		if c, ok := h.conns[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// broadcastRoom delivers payload to every connection currently in
// sessionID's room, in emission order relative to other broadcasts from
// this goroutine. Slow peers never block delivery to the rest of the room.
func (h *Hub) broadcastRoom(sessionID string, payload []byte, critical bool) {
	for _, c := range h.roomMembers(sessionID) {
		if h.bandwidth != nil {
			if critical {
				h.bandwidth.BypassCritical(c.id, len(payload))
			} else if !h.bandwidth.AllowProgress(c.id, len(payload)) {
				continue
			}
		}
		c.send(payload, critical)
		atomic.AddInt64(&h.eventsDelivered, 1)
	}
}

func (h *Hub) sendDirect(playerID string, payload []byte) {
	if c := h.connByID(playerID); c != nil {
		c.send(payload, true)
		atomic.AddInt64(&h.eventsDelivered, 1)
	}
}

func (h *Hub) sendError(playerID string, err error) {
	h.sendDirect(playerID, encodeEnvelope(outError, errorPayload{Message: err.Error(), Code: raceengine.Code(err)}))
}

// shouldThrottleProgress reports whether the current progress_update
// broadcast should be dropped under the Controller's adaptive throttling.
// It drops exactly 4 of every 5 calls (80%) once both ThrottlingEnabled and
// UpdateFrequency=low are set, matching the ~80% suppression contract
// deterministically rather than by sampling.
func (h *Hub) shouldThrottleProgress() bool {
	fl := h.flags.Load()
	if !fl.ThrottlingEnabled || fl.UpdateFrequency != flags.FrequencyLow {
		return false
	}
	n := atomic.AddUint64(&h.throttleCounter, 1)
	return n%5 != 0
}

// --- raceengine.EventSink ---

func (h *Hub) PlayerJoined(sessionID string, player raceengine.Player) {
	h.joinRoom(sessionID, player.ID)
	h.broadcastRoom(sessionID, encodeEnvelope(outPlayerJoined, playerJoinedPayload{GameID: sessionID, Player: toPlayerDTO(player)}), true)
}

func (h *Hub) PlayerLeft(sessionID string, playerID string) {
	h.broadcastRoom(sessionID, encodeEnvelope(outPlayerLeft, playerLeftPayload{GameID: sessionID, PlayerID: playerID}), true)
}

func (h *Hub) GameCountdown(sessionID string, countdown int) {
	h.broadcastRoom(sessionID, encodeEnvelope(outGameCountdown, gameCountdownPayload{GameID: sessionID, Countdown: countdown}), true)
}

func (h *Hub) GameStarted(sessionID string, startTime int64) {
	h.broadcastRoom(sessionID, encodeEnvelope(outGameStarted, gameStartedPayload{GameID: sessionID, StartTime: startTime}), true)
}

func (h *Hub) ProgressUpdate(sessionID string, player raceengine.Player) {
	if h.shouldThrottleProgress() {
		return
	}
	payload := encodeEnvelope(outGameStateUpdate, gameStateUpdatePayload{Type: kindProgressUpdate, GameID: sessionID, Player: refPlayer(toPlayerDTO(player))})
	h.broadcastRoom(sessionID, payload, false)
}

func (h *Hub) GameFinished(sessionID string, summary raceengine.Summary) {
	view, err := h.engine.GetGameState(sessionID)
	var state gameStateDTO
	if err == nil {
		state = toGameStateDTO(view)
	}
	h.broadcastRoom(sessionID, encodeEnvelope(outGameFinished, gameFinishedPayload{GameState: state, Summary: toSummaryDTO(summary)}), true)
}

func (h *Hub) GameTerminated(sessionID string, reason string) {
	h.broadcastRoom(sessionID, encodeEnvelope(outGameTerminated, gameTerminatedPayload{GameID: sessionID, Reason: reason}), true)
	h.mu.Lock()
	delete(h.rooms, sessionID)
	h.mu.Unlock()
}

func (h *Hub) QueueResolved(playerID string, sessionID string, player raceengine.Player, err error) {
	if err != nil {
		h.sendError(playerID, err)
		return
	}
	h.joinRoom(sessionID, playerID)
	h.sendDirect(playerID, encodeEnvelope(outGameStateUpdate, gameStateUpdatePayload{Type: kindFullState, GameID: sessionID, Player: refPlayer(toPlayerDTO(player))}))
	h.broadcastRoom(sessionID, encodeEnvelope(outPlayerJoined, playerJoinedPayload{GameID: sessionID, Player: toPlayerDTO(player)}), true)
}

func refPlayer(p playerDTO) *playerDTO { return &p }

// --- inbound dispatch ---

// handleInbound decodes raw into a typed envelope and dispatches it by an
// exhaustive switch on its Type, replacing stringly-typed handler lookup
// with a compile-time-checked dispatch table.
func (h *Hub) handleInbound(c *connection, raw []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.sendError(c.id, raceengine.ErrInternal)
		return
	}

	switch env.Type {
	case eventCreateGame:
		h.onCreateGame(c, env.Payload)
	case eventJoinGame:
		h.onJoinGame(c, env.Payload)
	case eventPlayerReady:
		h.onPlayerReady(c, env.Payload)
	case eventUpdateProgress:
		h.onUpdateProgress(c, env.Payload)
	case eventPlayerFinished:
		h.onPlayerFinished(c, env.Payload)
	case eventLeaveGame:
		h.onLeaveGame(c, env.Payload)
	case eventGetReplay:
		h.onGetReplay(c, env.Payload)
	case eventGetGameState:
		h.onGetGameState(c, env.Payload)
	case eventGetAllGames:
		h.onGetAllGames(c)
	case eventGetSystemStatus:
		h.onGetSystemStatus(c)
	case eventSetSystemConfig:
		h.onSetSystemConfig(c, env.Payload)
	default:
		h.sendError(c.id, raceengine.ErrInternal)
	}
}

func (h *Hub) onCreateGame(c *connection, raw json.RawMessage) {
	var p createGamePayload
	_ = json.Unmarshal(raw, &p)
	sessionID, player, err := h.engine.CreateGame(c.id, p.PlayerName, p.MaxPlayers)
	if err != nil {
		h.sendError(c.id, err)
		return
	}
	h.joinRoom(sessionID, c.id)
	view, _ := h.engine.GetGameState(sessionID)
	h.sendDirect(c.id, encodeEnvelope(outGameStateUpdate, gameStateUpdatePayload{Type: kindFullState, GameID: sessionID, GameState: refState(toGameStateDTO(view)), Player: refPlayer(toPlayerDTO(player))}))
}

func (h *Hub) onJoinGame(c *connection, raw json.RawMessage) {
	var p joinGamePayload
	_ = json.Unmarshal(raw, &p)
	sessionID, player, _, err := h.engine.JoinGame(c.id, p.PlayerName, p.GameID)
	if err != nil {
		h.sendError(c.id, err)
		return
	}
	h.joinRoom(sessionID, c.id)
	view, _ := h.engine.GetGameState(sessionID)
	h.sendDirect(c.id, encodeEnvelope(outGameStateUpdate, gameStateUpdatePayload{Type: kindFullState, GameID: sessionID, GameState: refState(toGameStateDTO(view)), Player: refPlayer(toPlayerDTO(player))}))

	if ok, _ := h.engine.CanStartGame(sessionID); ok {
		if err := h.engine.StartCountdown(sessionID); err != nil {
			h.log.Debug("auto countdown after join failed", logging.Error(err))
		}
	}
}

func (h *Hub) onPlayerReady(c *connection, raw json.RawMessage) {
	var p gameIDPayload
	_ = json.Unmarshal(raw, &p)
	if _, err := h.engine.PlayerReady(p.GameID, c.id); err != nil {
		h.sendError(c.id, err)
		return
	}
	if ok, _ := h.engine.CanStartGame(p.GameID); ok {
		if err := h.engine.StartCountdown(p.GameID); err != nil {
			h.log.Debug("startCountdown after ready failed", logging.Error(err))
		}
	}
}

func (h *Hub) onUpdateProgress(c *connection, raw json.RawMessage) {
	var p updateProgressPayload
	_ = json.Unmarshal(raw, &p)
	if err := h.engine.UpdateProgress(p.GameID, c.id, p.CurrentIndex, p.WPM, p.Accuracy); err != nil {
		h.log.Debug("update_progress dropped", logging.String("session", p.GameID), logging.Error(err))
	}
}

func (h *Hub) onPlayerFinished(c *connection, raw json.RawMessage) {
	var p playerFinishedPayload
	_ = json.Unmarshal(raw, &p)
	if _, err := h.engine.PlayerFinished(p.GameID, c.id, p.WPM, p.Accuracy, p.FinishTime); err != nil {
		h.sendError(c.id, err)
	}
}

func (h *Hub) onLeaveGame(c *connection, raw json.RawMessage) {
	var p gameIDPayload
	_ = json.Unmarshal(raw, &p)
	if _, err := h.engine.PlayerLeft(p.GameID, c.id); err != nil {
		h.sendError(c.id, err)
		return
	}
	h.leaveRoom(p.GameID, c.id)
}

func (h *Hub) onGetReplay(c *connection, raw json.RawMessage) {
	var p gameIDPayload
	_ = json.Unmarshal(raw, &p)
	rep, err := h.engine.GetReplay(p.GameID)
	if err != nil {
		h.sendError(c.id, err)
		return
	}
	h.sendDirect(c.id, encodeEnvelope(outReplayData, replayDataPayload{GameID: p.GameID, Replay: rep}))
}

func (h *Hub) onGetGameState(c *connection, raw json.RawMessage) {
	var p gameIDPayload
	_ = json.Unmarshal(raw, &p)
	view, err := h.engine.GetGameState(p.GameID)
	if err != nil {
		h.sendError(c.id, err)
		return
	}
	h.sendDirect(c.id, encodeEnvelope(outGameStateUpdate, gameStateUpdatePayload{Type: kindFullState, GameID: p.GameID, GameState: refState(toGameStateDTO(view))}))
}

func (h *Hub) onGetAllGames(c *connection) {
	games := h.engine.GetAllGames()
	out := make([]allGamesEntry, 0, len(games))
	for _, g := range games {
		out = append(out, allGamesEntry{ID: g.ID, PlayerCount: g.PlayerCount, State: g.State.String()})
	}
	h.sendDirect(c.id, encodeEnvelope(outAllGames, allGamesPayload{Games: out}))
}

func (h *Hub) onGetSystemStatus(c *connection) {
	h.sendDirect(c.id, encodeEnvelope(outGameStateUpdate, gameStateUpdatePayload{Type: kindSystemStatus, Status: refStatus(h.systemStatus())}))
}

func (h *Hub) onSetSystemConfig(c *connection, raw json.RawMessage) {
	var p setSystemConfigPayload
	_ = json.Unmarshal(raw, &p)
	h.flags.Mutate(func(snap flags.Snapshot) flags.Snapshot {
		if p.AcceptingNewPlayers != nil {
			snap.AcceptingNewPlayers = *p.AcceptingNewPlayers
		}
		if p.ThrottlingEnabled != nil {
			snap.ThrottlingEnabled = *p.ThrottlingEnabled
		}
		if p.UpdateFrequency != nil {
			if *p.UpdateFrequency == string(flags.FrequencyLow) {
				snap.UpdateFrequency = flags.FrequencyLow
			} else {
				snap.UpdateFrequency = flags.FrequencyNormal
			}
		}
		return snap
	})
	h.broadcastSystemStatus()
}

// broadcastSystemStatus rebroadcasts the current status to every connected
// client, used after a set_system_config call.
func (h *Hub) broadcastSystemStatus() {
	payload := encodeEnvelope(outGameStateUpdate, gameStateUpdatePayload{Type: kindSystemStatus, Status: refStatus(h.systemStatus())})
	h.mu.RLock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.send(payload, true)
		atomic.AddInt64(&h.eventsDelivered, 1)
	}
}

func (h *Hub) systemStatus() systemStatusDTO {
	fl := h.flags.Load()
	return systemStatusDTO{
		AcceptingNewPlayers: fl.AcceptingNewPlayers,
		ThrottlingEnabled:   fl.ThrottlingEnabled,
		UpdateFrequency:     string(fl.UpdateFrequency),
		MemoryAlert:         fl.MemoryAlert,
		LoadAlert:           fl.LoadAlert,
		GameCountAlert:      fl.GameCountAlert,
		ActiveSessions:      h.engine.SessionCount(),
	}
}

func refState(s gameStateDTO) *gameStateDTO        { return &s }
func refStatus(s systemStatusDTO) *systemStatusDTO { return &s }
