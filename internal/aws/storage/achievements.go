package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/skillforge/arena/internal/domains/entities"
	"github.com/skillforge/arena/internal/engine/achievement"
)

func (client *Client) ListDefinitions(ctx context.Context) ([]entities.AchievementDefinition, error) {
	var defs []entities.AchievementDefinition
	var lastKey map[string]types.AttributeValue
	for {
		output, err := client.dynamodb.Scan(ctx, &dynamodb.ScanInput{
			TableName:         client.cfg.AchievementsTableName,
			ExclusiveStartKey: lastKey,
		})
		if err != nil {
			return nil, err
		}
		var page []entities.AchievementDefinition
		if err := attributevalue.UnmarshalListOfMaps(output.Items, &page); err != nil {
			return nil, err
		}
		defs = append(defs, page...)
		lastKey = output.LastEvaluatedKey
		if lastKey == nil {
			return defs, nil
		}
	}
}

func (client *Client) PutDefinition(ctx context.Context, def entities.AchievementDefinition) error {
	av, err := attributevalue.MarshalMap(def)
	if err != nil {
		return fmt.Errorf("failed to marshal achievement definition: %w", err)
	}
	_, err = client.dynamodb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: client.cfg.AchievementsTableName,
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to put achievement definition: %w", err)
	}
	return nil
}

func (client *Client) ListUserAchievements(ctx context.Context, userId string) ([]entities.UserAchievement, error) {
	output, err := client.dynamodb.Query(ctx, &dynamodb.QueryInput{
		TableName:              client.cfg.UserAchievementsTableName,
		KeyConditionExpression: aws.String("UserId = :userId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":userId": &types.AttributeValueMemberS{Value: userId},
		},
	})
	if err != nil {
		return nil, err
	}
	var achievements []entities.UserAchievement
	if err := attributevalue.UnmarshalListOfMaps(output.Items, &achievements); err != nil {
		return nil, err
	}
	return achievements, nil
}

// CommitUnlock writes the unlocked row and adds the point award to the
// player's leaderboard record in one transaction, so a replayed unlock can
// never pay out twice.
func (client *Client) CommitUnlock(ctx context.Context, ua entities.UserAchievement, points int) error {
	item, err := attributevalue.MarshalMap(ua)
	if err != nil {
		return fmt.Errorf("failed to marshal user achievement: %w", err)
	}

	_, err = client.dynamodb.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           client.cfg.UserAchievementsTableName,
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(UnlockedAt)"),
				},
			},
			{
				Update: &types.Update{
					TableName: client.cfg.LeaderboardTableName,
					Key: map[string]types.AttributeValue{
						"UserId": &types.AttributeValueMemberS{Value: ua.UserId},
					},
					UpdateExpression: aws.String("ADD AchievementPoints :points"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":points": &types.AttributeValueMemberN{
							Value: fmt.Sprintf("%d", points),
						},
					},
				},
			},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) && conditionFailed(canceled, 0) {
			return achievement.ErrAlreadyUnlocked
		}
		return fmt.Errorf("failed to commit achievement unlock: %w", err)
	}
	return nil
}

// PutProgress records partial progress. Unlocked rows are immutable; a
// racing unlock wins and the progress write is dropped.
func (client *Client) PutProgress(ctx context.Context, ua entities.UserAchievement) error {
	item, err := attributevalue.MarshalMap(ua)
	if err != nil {
		return fmt.Errorf("failed to marshal user achievement: %w", err)
	}
	_, err = client.dynamodb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           client.cfg.UserAchievementsTableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(UnlockedAt)"),
	})
	if err != nil {
		var conditionErr *types.ConditionalCheckFailedException
		if errors.As(err, &conditionErr) {
			return nil
		}
		return fmt.Errorf("failed to put achievement progress: %w", err)
	}
	return nil
}
