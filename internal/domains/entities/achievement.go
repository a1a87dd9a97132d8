package entities

import "time"

const (
	CriteriaTotalScore           = "total_score"
	CriteriaGamesPlayed          = "games_played"
	CriteriaWins                 = "wins"
	CriteriaWinStreak            = "win_streak"
	CriteriaPerfectScore         = "perfect_score"
	CriteriaDailyStreak          = "daily_streak"
	CriteriaFriends              = "friends"
	CriteriaGameTypeMastery      = "game_type_mastery"
	CriteriaAchievementsUnlocked = "achievements_unlocked"
)

type AchievementCriteria struct {
	Type   string `dynamodbav:"Type" json:"type"`
	Target int    `dynamodbav:"Target" json:"target"`
	Metric string `dynamodbav:"Metric,omitempty" json:"metric,omitempty"`
}

type AchievementDefinition struct {
	AchievementId string              `dynamodbav:"AchievementId" json:"achievementId"`
	Name          string              `dynamodbav:"Name" json:"name"`
	Description   string              `dynamodbav:"Description" json:"description"`
	Criteria      AchievementCriteria `dynamodbav:"Criteria" json:"criteria"`
	Points        int                 `dynamodbav:"Points" json:"points"`
}

type UserAchievement struct {
	UserId        string     `dynamodbav:"UserId" json:"userId"`
	AchievementId string     `dynamodbav:"AchievementId" json:"achievementId"`
	Progress      float64    `dynamodbav:"Progress" json:"progress"`
	UnlockedAt    *time.Time `dynamodbav:"UnlockedAt,omitempty" json:"unlockedAt,omitempty"`
}

func (ua UserAchievement) Unlocked() bool {
	return ua.UnlockedAt != nil
}
