package dtos

import "github.com/skillforge/arena/internal/domains/entities"

type LeaderboardEntryResponse struct {
	UserId            string  `json:"userId"`
	TotalScore        int     `json:"totalScore"`
	GamesPlayed       int     `json:"gamesPlayed"`
	AverageScore      float64 `json:"averageScore"`
	Wins              int     `json:"wins"`
	Losses            int     `json:"losses"`
	CurrentWinStreak  int     `json:"currentWinStreak"`
	PerfectGames      int     `json:"perfectGames"`
	AchievementPoints int     `json:"achievementPoints"`
}

type LeaderboardResponse struct {
	Entries []LeaderboardEntryResponse `json:"entries"`
}

func LeaderboardEntryResponseFromEntity(rec entities.LeaderboardRecord) LeaderboardEntryResponse {
	return LeaderboardEntryResponse{
		UserId:            rec.UserId,
		TotalScore:        rec.TotalScore,
		GamesPlayed:       rec.GamesPlayed,
		AverageScore:      rec.AverageScore,
		Wins:              rec.Wins,
		Losses:            rec.Losses,
		CurrentWinStreak:  rec.CurrentWinStreak,
		PerfectGames:      rec.PerfectGames,
		AchievementPoints: rec.AchievementPoints,
	}
}

func LeaderboardResponseFromEntities(records []entities.LeaderboardRecord) LeaderboardResponse {
	entries := make([]LeaderboardEntryResponse, 0, len(records))
	for _, rec := range records {
		entries = append(entries, LeaderboardEntryResponseFromEntity(rec))
	}
	return LeaderboardResponse{Entries: entries}
}
