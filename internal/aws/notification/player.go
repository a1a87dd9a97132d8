package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/skillforge/arena/internal/domains/entities"
)

// NotifyResult publishes the player's game result to the player topic.
// Subscribers filter on the userId and kind message attributes.
func (client *Client) NotifyResult(
	ctx context.Context,
	userId string,
	sessionId string,
	result entities.ParticipantResult,
) error {
	return client.publish(ctx, userId, "game-result", map[string]interface{}{
		"sessionId":  sessionId,
		"result":     result.Result,
		"finalScore": result.FinalScore,
		"rank":       result.Rank,
	})
}

func (client *Client) NotifyUnlock(
	ctx context.Context,
	userId string,
	achievementId string,
	points int,
) error {
	return client.publish(ctx, userId, "achievement-unlocked", map[string]interface{}{
		"achievementId": achievementId,
		"points":        points,
	})
}

func (client *Client) NotifyProgress(
	ctx context.Context,
	userId string,
	achievementId string,
	progress float64,
) error {
	return client.publish(ctx, userId, "achievement-progress", map[string]interface{}{
		"achievementId": achievementId,
		"progress":      progress,
	})
}

func (client *Client) publish(ctx context.Context, userId, kind string, payload map[string]interface{}) error {
	payload["userId"] = userId
	payload["at"] = time.Now().Format(time.RFC3339)
	message, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	_, err = client.sns.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(client.cfg.PlayerTopicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"userId": {
				DataType:    aws.String("String"),
				StringValue: aws.String(userId),
			},
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(kind),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}
