package storage

import (
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

type Client struct {
	dynamodb *dynamodb.Client
	cfg      config
}

type config struct {
	LeaderboardTableName      *string
	AchievementsTableName     *string
	UserAchievementsTableName *string
	SessionCreditsTableName   *string
	FinishRecordsTableName    *string
}

func NewClient(dynamoClient *dynamodb.Client) *Client {
	return &Client{
		dynamodb: dynamoClient,
		cfg:      loadConfig(),
	}
}

func loadConfig() config {
	return config{
		LeaderboardTableName:      tableName("LEADERBOARD_TABLE_NAME", "Leaderboard"),
		AchievementsTableName:     tableName("ACHIEVEMENTS_TABLE_NAME", "Achievements"),
		UserAchievementsTableName: tableName("USER_ACHIEVEMENTS_TABLE_NAME", "UserAchievements"),
		SessionCreditsTableName:   tableName("SESSION_CREDITS_TABLE_NAME", "SessionCredits"),
		FinishRecordsTableName:    tableName("FINISH_RECORDS_TABLE_NAME", "FinishRecords"),
	}
}

func tableName(env, fallback string) *string {
	if v := os.Getenv(env); v != "" {
		return aws.String(v)
	}
	return aws.String(fallback)
}
