package networking

import (
	"math"
	"sync"
	"time"
)

const (
	// DefaultProgressBandwidthBytesPerSecond caps a single player's
	// progress_update throughput at 48 kbps (decimal) absent an override.
	DefaultProgressBandwidthBytesPerSecond = 48000.0 / 8.0
)

// BandwidthUsage reports one player's observed progress_update throughput
// and throttling state, surfaced through the /metrics endpoint.
type BandwidthUsage struct {
	PlayerID              string
	AvailableBytes        float64
	ProgressBytesPerSecond float64
	ObservedSeconds       float64
	ProgressFramesDropped int64
	CriticalBytesBypassed int64
	LastUpdatedTimestamp  time.Time
}

type playerBudget struct {
	tokens         float64
	last           time.Time
	window         time.Time
	progressSent   int64
	progressDenied int64
	criticalBytes  int64
}

// ProgressBandwidthRegulator enforces a per-player token-bucket budget
// against the progress_update broadcast stream only. Critical events
// (player_joined, game_countdown, game_started, game_finished,
// game_terminated, player_left) always bypass the budget, since dropping
// one would desync a client's view of session state rather than just cost
// it a few interpolated positions between two progress frames; those bytes
// are still tallied so SnapshotUsage reflects total outbound volume.
type ProgressBandwidthRegulator struct {
	mu       sync.Mutex
	budgets  map[string]*playerBudget
	capacity float64
	refill   float64
	now      func() time.Time
}

// NewProgressBandwidthRegulator constructs a regulator enforcing the
// supplied per-player progress_update byte rate.
func NewProgressBandwidthRegulator(targetBytesPerSecond float64, clock func() time.Time) *ProgressBandwidthRegulator {
	//1.- Normalise the configuration so downstream logic operates with sane defaults.
	if targetBytesPerSecond <= 0 {
		targetBytesPerSecond = DefaultProgressBandwidthBytesPerSecond
	}
	if clock == nil {
		clock = time.Now
	}
	return &ProgressBandwidthRegulator{
		budgets:  make(map[string]*playerBudget),
		capacity: targetBytesPerSecond,
		refill:   targetBytesPerSecond,
		now:      clock,
	}
}

func (r *ProgressBandwidthRegulator) replenish(budget *playerBudget, now time.Time) {
	if budget == nil {
		return
	}
	//1.- Skip negative intervals to protect against clock skew.
	if now.Before(budget.last) {
		return
	}
	elapsed := now.Sub(budget.last).Seconds()
	if elapsed <= 0 {
		budget.last = now
		return
	}
	//2.- Accumulate fresh tokens using the configured refill rate.
	budget.tokens += elapsed * r.refill
	if budget.tokens > r.capacity {
		budget.tokens = r.capacity
	}
	budget.last = now
}

func (r *ProgressBandwidthRegulator) bucket(playerID string, now time.Time) *playerBudget {
	budget := r.budgets[playerID]
	if budget == nil {
		//1.- Seed new players with a full bucket so their first burst of
		// progress frames is never throttled.
		budget = &playerBudget{tokens: r.capacity, last: now, window: now}
		r.budgets[playerID] = budget
	}
	r.replenish(budget, now)
	return budget
}

// AllowProgress charges a progress_update payload against playerID's
// budget, reporting false once it is exhausted so the Fan-out Layer can
// drop that one broadcast for that one connection without affecting
// critical delivery or the rest of the room.
func (r *ProgressBandwidthRegulator) AllowProgress(playerID string, payloadBytes int) bool {
	if r == nil || playerID == "" || payloadBytes <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	budget := r.bucket(playerID, r.now())
	request := float64(payloadBytes)
	if request > budget.tokens {
		//1.- Record the refusal so monitoring can surface sustained throttling.
		budget.progressDenied++
		return false
	}

	//2.- Deduct the approved payload and track throughput statistics.
	budget.tokens -= request
	budget.progressSent += int64(payloadBytes)
	if budget.window.IsZero() {
		budget.window = r.now()
	}
	return true
}

// BypassCritical records a critical event's bytes against playerID's usage
// without charging its progress budget, so the /metrics exposition still
// reflects total outbound volume even though critical traffic is never
// throttled.
func (r *ProgressBandwidthRegulator) BypassCritical(playerID string, payloadBytes int) {
	if r == nil || playerID == "" || payloadBytes <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	budget := r.bucket(playerID, r.now())
	budget.criticalBytes += int64(payloadBytes)
}

// Forget removes the budget for a disconnected player.
func (r *ProgressBandwidthRegulator) Forget(playerID string) {
	if r == nil || playerID == "" {
		return
	}
	//1.- Drop the bucket so future SnapshotUsage calls do not emit stale metrics.
	r.mu.Lock()
	delete(r.budgets, playerID)
	r.mu.Unlock()
}

// SnapshotUsage reports the most recent throttling statistics per player.
func (r *ProgressBandwidthRegulator) SnapshotUsage() map[string]BandwidthUsage {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.budgets) == 0 {
		return nil
	}

	//1.- Materialise a consistent view of every budget by applying a refresh using the shared clock.
	now := r.now()
	snapshot := make(map[string]BandwidthUsage, len(r.budgets))
	for playerID, budget := range r.budgets {
		if budget == nil {
			continue
		}
		r.replenish(budget, now)

		//2.- Compute the observed window and derive the sustained throughput sample.
		observed := now.Sub(budget.window).Seconds()
		if observed <= 0 {
			observed = 0
		}
		rate := 0.0
		if observed > 0 {
			rate = float64(budget.progressSent) / observed
		}

		//3.- Export the usage so Prometheus collectors and tests can inspect throttle health.
		snapshot[playerID] = BandwidthUsage{
			PlayerID:               playerID,
			AvailableBytes:         math.Max(budget.tokens, 0),
			ProgressBytesPerSecond: rate,
			ObservedSeconds:        observed,
			ProgressFramesDropped:  budget.progressDenied,
			CriticalBytesBypassed:  budget.criticalBytes,
			LastUpdatedTimestamp:   budget.last,
		}
	}
	if len(snapshot) == 0 {
		return nil
	}
	return snapshot
}
