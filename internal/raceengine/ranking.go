package raceengine

import "sort"

// Rank computes the total, stable ranking of connected non-spectator
// players: higher position first; ties broken by earlier non-null
// finishTime; a non-null finishTime beats a null one; otherwise the
// original (join) order is preserved. It is a pure function of the player
// list so it can be tested in isolation from any session machinery.
func Rank(players []*Player) []RankedPlayer {
	eligible := make([]*Player, 0, len(players))
	for _, p := range players {
		if p.IsConnected && !p.IsSpectator {
			eligible = append(eligible, p)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Position != b.Position {
			return a.Position > b.Position
		}
		switch {
		case a.FinishTime != nil && b.FinishTime != nil:
			return *a.FinishTime < *b.FinishTime
		case a.FinishTime != nil:
			return true
		case b.FinishTime != nil:
			return false
		default:
			return false
		}
	})
	out := make([]RankedPlayer, len(eligible))
	for i, p := range eligible {
		out[i] = RankedPlayer{
			ID:       p.ID,
			Name:     p.Name,
			Rank:     i + 1,
			WPM:      p.WPM,
			Accuracy: p.Accuracy,
			Finished: p.Position >= 100,
		}
	}
	return out
}

// Summarize computes the Finished-state summary over a player list and a
// race duration. Stats are computed only over finished players, matching
// the settled Open Question on summary averaging.
func Summarize(players []*Player, totalTime int64) Summary {
	rankings := Rank(players)
	var (
		sumWPM, sumAccuracy float64
		finishedCount       int
	)
	for _, r := range rankings {
		if !r.Finished {
			continue
		}
		finishedCount++
		sumWPM += r.WPM
		sumAccuracy += r.Accuracy
	}
	stats := Stats{}
	if finishedCount > 0 {
		stats.AvgWPM = sumWPM / float64(finishedCount)
		stats.AvgAccuracy = sumAccuracy / float64(finishedCount)
		stats.FinishRate = float64(finishedCount) / float64(len(rankings))
	}
	return Summary{
		TotalTime:       totalTime,
		Rankings:        rankings,
		Stats:           stats,
		ReplayAvailable: true,
	}
}
