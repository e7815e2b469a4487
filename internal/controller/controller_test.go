package controller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"typerace/broker/internal/flags"
	"typerace/broker/internal/logging"
	"typerace/broker/internal/raceengine"
	"typerace/broker/internal/replay"
	"typerace/broker/internal/textprovider"
)

func newTestController(t *testing.T, sample SampleFunc) (*Controller, *flags.Store) {
	t.Helper()
	flagStore := flags.NewStore()
	text, err := textprovider.New(1)
	if err != nil {
		t.Fatalf("textprovider.New: %v", err)
	}
	replays := replay.NewStore(flagStore, nil)
	log := logging.NewTestLogger()
	engine := raceengine.NewEngine(raceengine.EngineConfig{
		DefaultMaxPlayers: 4,
		MinPlayersToStart: 2,
		CountdownSeconds:  3,
		MaxRaceTime:       3 * time.Minute,
		CleanupDelay:      3 * time.Minute,
	}, text, replays, flagStore, nil, noopSink{}, 1, log)

	c := New(engine, replays, flagStore, nil, log, 4, sample)
	return c, flagStore
}

type noopSink struct{}

func (noopSink) PlayerJoined(string, raceengine.Player)                       {}
func (noopSink) PlayerLeft(string, string)                                    {}
func (noopSink) GameCountdown(string, int)                                   {}
func (noopSink) GameStarted(string, int64)                                   {}
func (noopSink) ProgressUpdate(string, raceengine.Player)                     {}
func (noopSink) GameFinished(string, raceengine.Summary)                     {}
func (noopSink) GameTerminated(string, string)                               {}
func (noopSink) QueueResolved(string, string, raceengine.Player, error)       {}

func TestMemoryLatchTripsAndRecovers(t *testing.T) {
	c, flagStore := newTestController(t, func() HealthSample { return HealthSample{MemPct: 0.95} })
	c.tick()
	if !flagStore.Load().MemoryAlert {
		t.Fatalf("expected memory alert to trip at 0.95")
	}
	if flagStore.Load().AcceptingNewPlayers {
		t.Fatalf("expected acceptingNewPlayers=false once memory trips")
	}

	c.sample = func() HealthSample { return HealthSample{MemPct: 0.80} }
	c.tick()
	if !flagStore.Load().MemoryAlert {
		t.Fatalf("expected memory alert to stay latched between 0.70 and 0.90")
	}

	c.sample = func() HealthSample { return HealthSample{MemPct: 0.50} }
	c.tick()
	if flagStore.Load().MemoryAlert {
		t.Fatalf("expected memory alert to clear below 0.70")
	}
	if !flagStore.Load().AcceptingNewPlayers {
		t.Fatalf("expected acceptingNewPlayers restored on recovery")
	}
}

func TestCPULatchTripsAndRecovers(t *testing.T) {
	c, flagStore := newTestController(t, func() HealthSample { return HealthSample{LoadPerCpu: 0.85} })
	c.tick()
	fl := flagStore.Load()
	if !fl.LoadAlert || !fl.ThrottlingEnabled || fl.UpdateFrequency != flags.FrequencyLow {
		t.Fatalf("expected cpu mitigation engaged, got %+v", fl)
	}

	c.sample = func() HealthSample { return HealthSample{LoadPerCpu: 0.50} }
	c.tick()
	fl = flagStore.Load()
	if fl.LoadAlert || fl.ThrottlingEnabled || fl.UpdateFrequency != flags.FrequencyNormal {
		t.Fatalf("expected cpu mitigation recovered, got %+v", fl)
	}
}

func TestGameCountLatchReducesMaxPlayers(t *testing.T) {
	c, flagStore := newTestController(t, func() HealthSample { return HealthSample{ActiveSessions: 150} })
	c.tick()
	fl := flagStore.Load()
	if !fl.GameCountAlert || fl.MaxPlayersPerGameOverride != 3 {
		t.Fatalf("expected game count mitigation with override=3, got %+v", fl)
	}

	c.sample = func() HealthSample { return HealthSample{ActiveSessions: 10} }
	c.tick()
	fl = flagStore.Load()
	if fl.GameCountAlert || fl.MaxPlayersPerGameOverride != 0 {
		t.Fatalf("expected game count mitigation recovered, got %+v", fl)
	}
}

func TestDeferredOpsRunInPriorityThenFIFOOrder(t *testing.T) {
	c, _ := newTestController(t, func() HealthSample { return HealthSample{} })
	var order []int
	done := make(chan struct{})
	var remaining int32 = 3

	record := func(n int) func() error {
		return func() error {
			order = append(order, n)
			if atomic.AddInt32(&remaining, -1) == 0 {
				close(done)
			}
			return nil
		}
	}
	c.QueueResourceIntensiveOperation(record(1), 1)
	c.QueueResourceIntensiveOperation(record(2), 5)
	c.QueueResourceIntensiveOperation(record(3), 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.runDeferredOps(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("deferred ops did not complete in time, order so far: %v", order)
	}

	if len(order) != 3 || order[0] != 2 || order[1] != 3 || order[2] != 1 {
		t.Fatalf("expected priority-then-FIFO order [2 3 1], got %v", order)
	}
}

func TestDeferredOpsParkWhileDisabled(t *testing.T) {
	c, flagStore := newTestController(t, func() HealthSample { return HealthSample{} })
	flagStore.Mutate(func(s flags.Snapshot) flags.Snapshot {
		s.DeferResourceIntensiveOps = true
		return s
	})

	ran := make(chan struct{}, 1)
	c.QueueResourceIntensiveOperation(func() error {
		ran <- struct{}{}
		return nil
	}, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.runDeferredOps(ctx)

	select {
	case <-ran:
		t.Fatalf("deferred op ran while deferResourceIntensiveOps was set")
	case <-time.After(300 * time.Millisecond):
	}
}
