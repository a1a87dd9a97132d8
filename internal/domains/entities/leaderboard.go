package entities

type GameResult string

const (
	ResultWin  GameResult = "win"
	ResultLoss GameResult = "loss"
	ResultDraw GameResult = "draw"
)

type GameTypeScore struct {
	Score       int `dynamodbav:"Score" json:"score"`
	GamesPlayed int `dynamodbav:"GamesPlayed" json:"gamesPlayed"`
}

type LeaderboardRecord struct {
	UserId            string                   `dynamodbav:"UserId" json:"userId"`
	TotalScore        int                      `dynamodbav:"TotalScore" json:"totalScore"`
	GamesPlayed       int                      `dynamodbav:"GamesPlayed" json:"gamesPlayed"`
	AverageScore      float64                  `dynamodbav:"AverageScore" json:"averageScore"`
	Wins              int                      `dynamodbav:"Wins" json:"wins"`
	Losses            int                      `dynamodbav:"Losses" json:"losses"`
	CurrentWinStreak  int                      `dynamodbav:"CurrentWinStreak" json:"currentWinStreak"`
	PerfectGames      int                      `dynamodbav:"PerfectGames" json:"perfectGames"`
	GameTypeScores    map[string]GameTypeScore `dynamodbav:"GameTypeScores" json:"gameTypeScores"`
	AchievementPoints int                      `dynamodbav:"AchievementPoints" json:"achievementPoints"`

	// Version guards read-modify-write cycles against concurrent credits.
	Version int64 `dynamodbav:"Version" json:"version"`
}
