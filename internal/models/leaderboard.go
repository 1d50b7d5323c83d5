package models

import "sort"

// RankLeaderboard orders entries by percentage, then score, then total
// questions (all descending), then earliest timestamp, and assigns 1-based
// ranks in that order.
func RankLeaderboard(entries []LeaderboardEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Percentage != b.Percentage {
			return a.Percentage > b.Percentage
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.TotalQuestions != b.TotalQuestions {
			return a.TotalQuestions > b.TotalQuestions
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
}

// SummarizeHistory aggregates a player's games. The best game is the first
// entry with the highest percentage.
func SummarizeHistory(history []LeaderboardEntry) PlayerSummary {
	var sum PlayerSummary
	if len(history) == 0 {
		return sum
	}

	var pctTotal float64
	for i := range history {
		g := history[i]
		sum.TotalGames++
		sum.TotalQuestions += g.TotalQuestions
		sum.TotalCorrect += g.Score
		pctTotal += g.Percentage
		if sum.BestGame == nil || g.Percentage > sum.BestGame.Percentage {
			best := g
			sum.BestGame = &best
		}
	}
	sum.AveragePercentage = Round1(pctTotal / float64(sum.TotalGames))
	return sum
}
