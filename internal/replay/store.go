package replay

import (
	"strings"
	"sync"

	"typerace/broker/internal/flags"
	"typerace/broker/internal/ids"
)

// snapshotPositionDelta is the minimum absolute position change that admits
// a snapshot even when the interval threshold has not elapsed.
const snapshotPositionDelta = 5

// compactionThreshold is the per-player snapshot count above which
// ClearCaches compacts a player's timeline.
const compactionThreshold = 20

type entry struct {
	mu      sync.Mutex
	replay  Replay
	evictAt int64 // 0 means no eviction scheduled
}

// Store is the in-memory, per-process replay buffer. It reads
// ReplaySnapshotIntervalMs and ReplayRetentionMs from the shared flags
// snapshot so the Controller's mitigations take effect without the Store
// depending on the Controller directly.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	flags   *flags.Store
	clock   ids.Clock
	dumps   int64
}

// NewStore constructs an empty replay buffer.
func NewStore(flagStore *flags.Store, clock ids.Clock) *Store {
	if clock == nil {
		clock = ids.SystemClock
	}
	return &Store{entries: make(map[string]*entry), flags: flagStore, clock: clock}
}

// Create starts a new replay buffer for sessionID, called on entry to
// Countdown.
func (s *Store) Create(sessionID, text string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sessionID] = &entry{replay: Replay{SessionID: sessionID, Text: text, Players: make(map[string]*PlayerReplay)}}
}

// EnsurePlayer registers a non-spectator player's timeline, called on entry
// to Racing for every participant.
func (s *Store) EnsurePlayer(sessionID, playerID string) {
	e := s.lookup(sessionID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.replay.Players[playerID]; !ok {
		e.replay.Players[playerID] = &PlayerReplay{}
	}
}

// SetStartTime stamps the replay's startTime on entry to Racing.
func (s *Store) SetStartTime(sessionID string, t int64) {
	e := s.lookup(sessionID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.replay.StartTime = &t
	e.mu.Unlock()
}

// SetEndTime stamps the replay's endTime on entry to Finished.
func (s *Store) SetEndTime(sessionID string, t int64) {
	e := s.lookup(sessionID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.replay.EndTime = &t
	e.mu.Unlock()
}

// RecordSnapshot admits snap into playerID's timeline per the admission
// rule: admit if there is no previous snapshot, or the interval threshold
// has elapsed, or the position moved by at least snapshotPositionDelta.
// Snapshots are ignored once the player has been finalized.
func (s *Store) RecordSnapshot(sessionID, playerID string, snap ProgressSnapshot) {
	s.recordSnapshot(sessionID, playerID, snap, false)
}

// RecordFinishSnapshot admits snap unconditionally, bypassing the interval
// and position-delta admission rule. Called for the snapshot that carries a
// player's finish-line crossing, so the replay always retains the frame
// that shows a race actually ending even when it lands within the same
// admission window as the snapshot before it.
func (s *Store) RecordFinishSnapshot(sessionID, playerID string, snap ProgressSnapshot) {
	s.recordSnapshot(sessionID, playerID, snap, true)
}

func (s *Store) recordSnapshot(sessionID, playerID string, snap ProgressSnapshot, force bool) {
	e := s.lookup(sessionID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pr, ok := e.replay.Players[playerID]
	if !ok {
		pr = &PlayerReplay{}
		e.replay.Players[playerID] = pr
	}
	if pr.Final != nil {
		return
	}
	if !force {
		intervalMs := int64(flags.DefaultReplaySnapshotIntervalMs)
		if s.flags != nil {
			intervalMs = int64(s.flags.Load().ReplaySnapshotIntervalMs)
		}
		if len(pr.Snapshots) > 0 {
			prev := pr.Snapshots[len(pr.Snapshots)-1]
			elapsed := snap.Timestamp - prev.Timestamp
			delta := snap.Position - prev.Position
			if delta < 0 {
				delta = -delta
			}
			if elapsed < intervalMs && delta < snapshotPositionDelta {
				return
			}
		}
	}
	pr.Snapshots = append(pr.Snapshots, snap)
}

// FinalizeStats sets PlayerReplay.finalStats exactly once; subsequent calls
// for the same player are no-ops, reported via the bool return.
func (s *Store) FinalizeStats(sessionID, playerID string, stats FinalStats) bool {
	e := s.lookup(sessionID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pr, ok := e.replay.Players[playerID]
	if !ok {
		pr = &PlayerReplay{}
		e.replay.Players[playerID] = pr
	}
	if pr.Final != nil {
		return false
	}
	final := stats
	pr.Final = &final
	return true
}

// SetFinalRank updates a previously finalized player's rank in place. It
// bypasses FinalizeStats's once-only guard because ranking is only known
// once the whole race ends, after stats were already finalized for players
// who crossed the finish line earlier.
func (s *Store) SetFinalRank(sessionID, playerID string, rank int) {
	e := s.lookup(sessionID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if pr, ok := e.replay.Players[playerID]; ok && pr.Final != nil {
		pr.Final.Rank = rank
	}
}

// Get returns a defensive copy of the replay, or false if it does not
// exist (including after eviction).
func (s *Store) Get(sessionID string) (Replay, bool) {
	e := s.lookup(sessionID)
	if e == nil {
		return Replay{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.replay.clone(), true
}

// ScheduleEviction arms sessionID's replay for deletion retentionMs from
// nowMs, called on session destruction. The actual removal happens on the
// next Sweep.
func (s *Store) ScheduleEviction(sessionID string, nowMs int64) {
	e := s.lookup(sessionID)
	if e == nil {
		return
	}
	retentionMs := int64(flags.DefaultReplayRetentionMs)
	if s.flags != nil {
		retentionMs = s.flags.Load().ReplayRetentionMs
	}
	e.mu.Lock()
	e.evictAt = nowMs + retentionMs
	e.mu.Unlock()
}

// Delete immediately removes sessionID's replay, bypassing retention.
func (s *Store) Delete(sessionID string) {
	s.mu.Lock()
	delete(s.entries, sessionID)
	s.mu.Unlock()
}

// Sweep removes every replay whose scheduled eviction deadline has passed.
// It is driven by the Sweeper's periodic background loop.
func (s *Store) Sweep(nowMs int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		e.mu.Lock()
		expired := e.evictAt != 0 && nowMs >= e.evictAt
		e.mu.Unlock()
		if expired {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// ClearCaches compacts every replay whose player has more than
// compactionThreshold snapshots, retaining every 5th (order-preserving,
// 0-indexed so the count left is ceil(N/5)). Invoked by the Controller's
// memory mitigation.
func (s *Store) ClearCaches() {
	s.mu.RLock()
	snapshot := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		snapshot = append(snapshot, e)
	}
	s.mu.RUnlock()

	for _, e := range snapshot {
		e.mu.Lock()
		for _, pr := range e.replay.Players {
			if len(pr.Snapshots) <= compactionThreshold {
				continue
			}
			compacted := make([]ProgressSnapshot, 0, (len(pr.Snapshots)+4)/5)
			for i, snap := range pr.Snapshots {
				if i%5 == 0 {
					compacted = append(compacted, snap)
				}
			}
			pr.Snapshots = compacted
		}
		e.mu.Unlock()
	}
}

// Stats summarises store-wide buffer health for monitoring endpoints.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Stats{Sessions: len(s.entries), Dumps: s.dumps}
	for _, e := range s.entries {
		e.mu.Lock()
		for _, pr := range e.replay.Players {
			out.BufferedFrames += len(pr.Snapshots)
		}
		e.mu.Unlock()
	}
	return out
}

func (s *Store) lookup(sessionID string) *entry {
	if s == nil || strings.TrimSpace(sessionID) == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[sessionID]
}

func (s *Store) incrementDumps() {
	s.mu.Lock()
	s.dumps++
	s.mu.Unlock()
}
