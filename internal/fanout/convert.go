package fanout

import (
	"typerace/broker/internal/raceengine"
)

func toPlayerDTO(p raceengine.Player) playerDTO {
	return playerDTO{
		ID:           p.ID,
		Name:         p.Name,
		Color:        p.Color,
		Position:     p.Position,
		CurrentIndex: p.CurrentIndex,
		WPM:          p.WPM,
		Accuracy:     p.Accuracy,
		IsReady:      p.IsReady,
		FinishTime:   p.FinishTime,
		IsConnected:  p.IsConnected,
		IsSpectator:  p.IsSpectator,
	}
}

func toGameStateDTO(v raceengine.SessionView) gameStateDTO {
	players := make([]playerDTO, 0, len(v.Players))
	for _, p := range v.Players {
		players = append(players, toPlayerDTO(p))
	}
	return gameStateDTO{
		ID:                 v.ID,
		State:              v.State.String(),
		Players:            players,
		Text:               v.Text,
		MaxPlayers:         v.MaxPlayers,
		MinPlayersToStart:  v.MinPlayersToStart,
		StartTime:          v.StartTime,
		EndTime:            v.EndTime,
		CountdownRemaining: v.CountdownRemaining,
	}
}

func toSummaryDTO(s raceengine.Summary) summaryDTO {
	rankings := make([]rankingDTO, 0, len(s.Rankings))
	for _, r := range s.Rankings {
		rankings = append(rankings, rankingDTO{
			ID: r.ID, Name: r.Name, Rank: r.Rank, WPM: r.WPM, Accuracy: r.Accuracy, Finished: r.Finished,
		})
	}
	return summaryDTO{
		TotalTime: s.TotalTime,
		Rankings:  rankings,
		Stats: statsDTO{
			AvgWPM:      s.Stats.AvgWPM,
			AvgAccuracy: s.Stats.AvgAccuracy,
			FinishRate:  s.Stats.FinishRate,
		},
		ReplayAvailable: s.ReplayAvailable,
	}
}
