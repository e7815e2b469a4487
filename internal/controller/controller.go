// Package controller implements the periodic health sampler and
// hysteresis-gated mitigation latches that protect the Race Engine and
// Fan-out Layer under memory, CPU, or session-count pressure. It writes the
// flags.Store every other subsystem reads lock-free; the Fan-out Layer's
// set_system_config handler is the only other writer.
package controller

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"typerace/broker/internal/flags"
	"typerace/broker/internal/ids"
	"typerace/broker/internal/logging"
	"typerace/broker/internal/raceengine"
	"typerace/broker/internal/replay"
)

// Thresholds mirror the hysteresis table: each signal trips at the high
// bound and only recovers once it falls back below the low bound, so a
// signal hovering at the edge does not chatter between states.
const (
	memTripPct, memRecoverPct   = 0.90, 0.70
	cpuTripRatio, cpuRecoverRatio = 0.80, 0.60
	gameCountTrip, gameCountRecover = 100, 80

	deferredOpGap = 100 * time.Millisecond
	logEveryNTicks = 6
)

// Controller owns the process-wide mitigation flags and the deferred
// operations queue. Construct one per process; Run blocks until ctx is
// cancelled.
type Controller struct {
	engine            *raceengine.Engine
	replays           *replay.Store
	flags             *flags.Store
	log               *logging.Logger
	clock             ids.Clock
	sample            SampleFunc
	gc                func()
	defaultMaxPlayers int

	ops *opQueue

	tickCount int
}

// New wires a Controller over its collaborators. sample may be nil to use
// the real runtime/loadavg sampler; tests inject a scripted SampleFunc
// instead.
func New(engine *raceengine.Engine, replays *replay.Store, flagStore *flags.Store, clock ids.Clock, log *logging.Logger, defaultMaxPlayers int, sample SampleFunc) *Controller {
	if clock == nil {
		clock = ids.SystemClock
	}
	if log == nil {
		log = logging.L()
	}
	c := &Controller{
		engine:            engine,
		replays:           replays,
		flags:             flagStore,
		log:               log,
		clock:             clock,
		gc:                runtime.GC,
		defaultMaxPlayers: defaultMaxPlayers,
		ops:               newOpQueue(),
	}
	if sample != nil {
		c.sample = sample
	} else {
		c.sample = func() HealthSample { return defaultSample(engine.SessionCount) }
	}
	return c
}

// QueueResourceIntensiveOperation admits task for later execution once
// deferResourceIntensiveOps clears, ordered by priority (1-10, higher
// first) then FIFO. Errors are logged by the drain loop; a failing task
// never blocks the ones behind it.
func (c *Controller) QueueResourceIntensiveOperation(task func() error, priority int) {
	c.ops.enqueue(task, priority)
}

// Run starts the 10s health sampler and the deferred-operations drain loop,
// both stopping when ctx is cancelled.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go c.runDeferredOps(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick samples host health once and evaluates every latch against it.
func (c *Controller) tick() {
	s := c.sample()
	c.tickCount++
	fields := []logging.Field{
		logging.String("memPct", strconv.FormatFloat(s.MemPct, 'f', 4, 64)),
		logging.String("loadPerCpu", strconv.FormatFloat(s.LoadPerCpu, 'f', 4, 64)),
		logging.Int("activeSessions", s.ActiveSessions),
	}
	if c.tickCount%logEveryNTicks == 0 {
		c.log.Info("self-healing sampler snapshot", fields...)
	} else {
		c.log.Debug("self-healing sampler snapshot", fields...)
	}

	c.evaluateMemory(s)
	c.evaluateCPU(s)
	c.evaluateGameCount(s)
}

func (c *Controller) evaluateMemory(s HealthSample) {
	fl := c.flags.Load()
	switch {
	case !fl.MemoryAlert && s.MemPct > memTripPct:
		c.tripMemory()
	case fl.MemoryAlert && s.MemPct < memRecoverPct:
		c.recoverMemory()
	}
}

func (c *Controller) tripMemory() {
	c.flags.Mutate(func(snap flags.Snapshot) flags.Snapshot {
		snap.MemoryAlert = true
		snap.AcceptingNewPlayers = false
		return snap
	})
	c.log.Warn("memory mitigation engaged")
	if c.gc != nil {
		c.gc()
	}
	c.replays.ClearCaches()

	if c.sample().MemPct > memTripPct {
		removed := c.engine.TerminateIdleGames(ids.NowMillis(c.clock))
		c.log.Warn("terminated idle games under sustained memory pressure", logging.Int("removed", removed))
	}
}

func (c *Controller) recoverMemory() {
	c.flags.Mutate(func(snap flags.Snapshot) flags.Snapshot {
		snap.MemoryAlert = false
		snap.AcceptingNewPlayers = true
		return snap
	})
	c.log.Info("memory mitigation recovered")
}

func (c *Controller) evaluateCPU(s HealthSample) {
	fl := c.flags.Load()
	switch {
	case !fl.LoadAlert && s.LoadPerCpu > cpuTripRatio:
		c.tripCPU()
	case fl.LoadAlert && s.LoadPerCpu < cpuRecoverRatio:
		c.recoverCPU()
	}
}

func (c *Controller) tripCPU() {
	c.flags.Mutate(func(snap flags.Snapshot) flags.Snapshot {
		snap.LoadAlert = true
		snap.UpdateFrequency = flags.FrequencyLow
		snap.ThrottlingEnabled = true
		snap.DeferResourceIntensiveOps = true
		snap.ReplaySnapshotIntervalMs = flags.LoadAlertSnapshotIntervalMs
		return snap
	})
	c.log.Warn("cpu mitigation engaged")
}

func (c *Controller) recoverCPU() {
	c.flags.Mutate(func(snap flags.Snapshot) flags.Snapshot {
		snap.LoadAlert = false
		snap.UpdateFrequency = flags.FrequencyNormal
		snap.ThrottlingEnabled = false
		snap.DeferResourceIntensiveOps = false
		snap.ReplaySnapshotIntervalMs = flags.DefaultReplaySnapshotIntervalMs
		return snap
	})
	c.log.Info("cpu mitigation recovered")
}

func (c *Controller) evaluateGameCount(s HealthSample) {
	fl := c.flags.Load()
	switch {
	case !fl.GameCountAlert && s.ActiveSessions > gameCountTrip:
		c.tripGameCount()
	case fl.GameCountAlert && s.ActiveSessions < gameCountRecover:
		c.recoverGameCount()
	}
}

func (c *Controller) tripGameCount() {
	reduced := c.defaultMaxPlayers - 1
	if reduced < 2 {
		reduced = 2
	}
	c.flags.Mutate(func(snap flags.Snapshot) flags.Snapshot {
		snap.GameCountAlert = true
		snap.GameCreationQueueEnabled = true
		snap.CreationBackoffEnabled = true
		snap.ReplayRetentionMs = flags.GameCountAlertRetentionMs
		snap.MaxPlayersPerGameOverride = reduced
		return snap
	})
	c.log.Warn("game count mitigation engaged", logging.Int("maxPlayersPerGameOverride", reduced))
}

func (c *Controller) recoverGameCount() {
	c.flags.Mutate(func(snap flags.Snapshot) flags.Snapshot {
		snap.GameCountAlert = false
		snap.GameCreationQueueEnabled = false
		snap.CreationBackoffEnabled = false
		snap.ReplayRetentionMs = flags.DefaultReplayRetentionMs
		snap.MaxPlayersPerGameOverride = 0
		return snap
	})
	c.log.Info("game count mitigation recovered")
}

// runDeferredOps drains the queue with a fixed gap between dispatches,
// parking (rather than busy-looping) whenever deferResourceIntensiveOps is
// set or the queue is empty.
func (c *Controller) runDeferredOps(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if c.flags.Load().DeferResourceIntensiveOps {
			if !sleepOrDone(ctx, deferredOpGap) {
				return
			}
			continue
		}
		op, ok := c.ops.popHighest()
		if !ok {
			if !sleepOrDone(ctx, deferredOpGap) {
				return
			}
			continue
		}
		if err := op.task(); err != nil {
			c.log.Warn("deferred operation failed", logging.Error(err))
		}
		if !sleepOrDone(ctx, deferredOpGap) {
			return
		}
	}
}

// sleepOrDone waits for d or ctx cancellation, reporting false if ctx won
// the race so the caller can exit promptly.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
