package entities

import "time"

type ParticipantResult struct {
	UserId     string     `dynamodbav:"UserId" json:"userId"`
	Result     GameResult `dynamodbav:"Result" json:"result"`
	FinalScore int        `dynamodbav:"FinalScore" json:"finalScore"`
	Rank       int        `dynamodbav:"Rank" json:"rank"`
}

// FinishRecord is the single authoritative record of a finished session.
// It is written once (conditional put) and consumed exactly once by the
// settlement path; replays of the finish event hit the existing record.
type FinishRecord struct {
	SessionId    string              `dynamodbav:"SessionId" json:"sessionId"`
	GameType     string              `dynamodbav:"GameType" json:"gameType"`
	PerfectScore int                 `dynamodbav:"PerfectScore" json:"perfectScore"`
	Forfeit      bool                `dynamodbav:"Forfeit" json:"forfeit"`
	Results      []ParticipantResult `dynamodbav:"Results" json:"results"`
	FinishedAt   time.Time           `dynamodbav:"FinishedAt" json:"finishedAt"`
}
