package challenge

import (
	"sort"

	"github.com/mcdev12/arena/internal/protocol"
)

// recomputeLeaderboard rebuilds the leaderboard from participant scores.
// Entries sort score-descending; equal scores order earliest-achieved
// first, then by player id for determinism. Ranks are reassigned from the
// sort order and trends compare against the previous leaderboard.
func recomputeLeaderboard(state *ChallengeState) {
	previous := make(map[string]float64, len(state.Leaderboard))
	for _, e := range state.Leaderboard {
		previous[e.PlayerID] = e.Score
	}

	entries := make([]protocol.LeaderboardEntry, 0, len(state.Participants))
	for _, p := range state.Participants {
		entry := protocol.LeaderboardEntry{
			PlayerID:   p.PlayerID,
			Score:      p.Score,
			AchievedAt: p.ScoreUpdatedAt,
			Trend:      protocol.TrendStable,
		}
		if prev, ok := previous[p.PlayerID]; ok {
			switch {
			case p.Score > prev:
				entry.Trend = protocol.TrendRising
			case p.Score < prev:
				entry.Trend = protocol.TrendFalling
			}
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		if !entries[i].AchievedAt.Equal(entries[j].AchievedAt) {
			return entries[i].AchievedAt.Before(entries[j].AchievedAt)
		}
		return entries[i].PlayerID < entries[j].PlayerID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}

	state.Leaderboard = entries
}
