package replay

import (
	"testing"
	"time"

	"typerace/broker/internal/flags"
)

func TestSweeperRunOnceEvictsExpired(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	clock := func() time.Time { return now }

	store := NewStore(flags.NewStore(), clock)
	store.Create("s1", "text")
	store.ScheduleEviction("s1", now.UnixMilli())

	sweeper := NewSweeper(store, clock, nil)
	sweeper.RunOnce()
	if _, ok := store.Get("s1"); !ok {
		t.Fatalf("expected replay to survive before retention elapses")
	}

	now = now.Add(time.Duration(flags.DefaultReplayRetentionMs) * time.Millisecond)
	sweeper.RunOnce()
	if _, ok := store.Get("s1"); ok {
		t.Fatalf("expected replay evicted after retention elapses")
	}
}
