package raceengine

import (
	"math"
	"testing"
)

func millis(ms int64) *int64 { return &ms }

func TestRankOrdersByPositionThenFinishTime(t *testing.T) {
	players := []*Player{
		{ID: "a", Position: 80, IsConnected: true},
		{ID: "b", Position: 100, FinishTime: millis(500), IsConnected: true},
		{ID: "c", Position: 100, FinishTime: millis(200), IsConnected: true},
	}
	ranked := Rank(players)
	if len(ranked) != 3 {
		t.Fatalf("expected 3 ranked players, got %d", len(ranked))
	}
	want := []string{"c", "b", "a"}
	for i, id := range want {
		if ranked[i].ID != id {
			t.Fatalf("position %d: want %s, got %s", i, id, ranked[i].ID)
		}
		if ranked[i].Rank != i+1 {
			t.Fatalf("position %d: want rank %d, got %d", i, i+1, ranked[i].Rank)
		}
	}
}

func TestRankExcludesDisconnectedAndSpectators(t *testing.T) {
	players := []*Player{
		{ID: "a", Position: 90, IsConnected: true},
		{ID: "b", Position: 95, IsConnected: false},
		{ID: "c", Position: 99, IsConnected: true, IsSpectator: true},
	}
	ranked := Rank(players)
	if len(ranked) != 1 || ranked[0].ID != "a" {
		t.Fatalf("expected only the connected non-spectator, got %+v", ranked)
	}
}

func TestRankPreservesJoinOrderOnExactTie(t *testing.T) {
	players := []*Player{
		{ID: "first", Position: 50, IsConnected: true},
		{ID: "second", Position: 50, IsConnected: true},
	}
	ranked := Rank(players)
	if ranked[0].ID != "first" || ranked[1].ID != "second" {
		t.Fatalf("expected join order preserved on tie, got %+v", ranked)
	}
}

func TestSummarizeAveragesOnlyFinishedPlayers(t *testing.T) {
	players := []*Player{
		{ID: "a", Position: 100, FinishTime: millis(100), WPM: 60, Accuracy: 0.9, IsConnected: true},
		{ID: "b", Position: 100, FinishTime: millis(200), WPM: 40, Accuracy: 0.8, IsConnected: true},
		{ID: "c", Position: 70, IsConnected: true},
	}
	summary := Summarize(players, 12_000)
	if summary.TotalTime != 12_000 {
		t.Fatalf("expected total time to pass through, got %d", summary.TotalTime)
	}
	if got := summary.Stats.AvgWPM; got != 50 {
		t.Fatalf("expected avg wpm 50, got %v", got)
	}
	if got := summary.Stats.AvgAccuracy; math.Abs(got-0.85) > 1e-9 {
		t.Fatalf("expected avg accuracy 0.85, got %v", got)
	}
	if got := summary.Stats.FinishRate; got < 0.666 || got > 0.667 {
		t.Fatalf("expected finish rate ~2/3, got %v", got)
	}
	if !summary.ReplayAvailable {
		t.Fatalf("expected replay to be marked available")
	}
}

func TestSummarizeNoFinishersYieldsZeroStats(t *testing.T) {
	players := []*Player{{ID: "a", Position: 10, IsConnected: true}}
	summary := Summarize(players, 5_000)
	if summary.Stats.AvgWPM != 0 || summary.Stats.AvgAccuracy != 0 || summary.Stats.FinishRate != 0 {
		t.Fatalf("expected zero stats when nobody finished, got %+v", summary.Stats)
	}
}
