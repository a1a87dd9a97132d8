package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/skillforge/arena/internal/domains/entities"
	"github.com/skillforge/arena/internal/engine/stats"
)

// leaderboardBoard is the constant partition key of the TotalScoreIndex
// GSI, which orders all records by total score for the top-N read path.
const leaderboardBoard = "global"

func (client *Client) GetRecord(ctx context.Context, userId string) (entities.LeaderboardRecord, error) {
	output, err := client.dynamodb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: client.cfg.LeaderboardTableName,
		Key: map[string]types.AttributeValue{
			"UserId": &types.AttributeValueMemberS{
				Value: userId,
			},
		},
	})
	if err != nil {
		return entities.LeaderboardRecord{}, err
	}
	if output.Item == nil {
		return entities.LeaderboardRecord{}, stats.ErrRecordNotFound
	}
	var record entities.LeaderboardRecord
	if err := attributevalue.UnmarshalMap(output.Item, &record); err != nil {
		return entities.LeaderboardRecord{}, err
	}
	return record, nil
}

// CommitCredit writes the updated record and the (sessionId, userId) credit
// marker in one transaction. The marker put fails when the session was
// already credited; the record put fails when another credit bumped the
// version since our read.
func (client *Client) CommitCredit(ctx context.Context, sessionId string, rec entities.LeaderboardRecord, oldVersion int64) error {
	recordItem, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal leaderboard record: %w", err)
	}
	recordItem["Board"] = &types.AttributeValueMemberS{Value: leaderboardBoard}

	_, err = client.dynamodb.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName: client.cfg.SessionCreditsTableName,
					Item: map[string]types.AttributeValue{
						"SessionId":  &types.AttributeValueMemberS{Value: sessionId},
						"UserId":     &types.AttributeValueMemberS{Value: rec.UserId},
						"CreditedAt": &types.AttributeValueMemberS{Value: time.Now().Format(time.RFC3339)},
					},
					ConditionExpression: aws.String("attribute_not_exists(SessionId)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           client.cfg.LeaderboardTableName,
					Item:                recordItem,
					ConditionExpression: aws.String("attribute_not_exists(UserId) OR Version = :oldVersion"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":oldVersion": &types.AttributeValueMemberN{
							Value: strconv.FormatInt(oldVersion, 10),
						},
					},
				},
			},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			if conditionFailed(canceled, 0) {
				return stats.ErrAlreadyCredited
			}
			if conditionFailed(canceled, 1) {
				return stats.ErrVersionConflict
			}
		}
		return fmt.Errorf("failed to commit stat credit: %w", err)
	}
	return nil
}

// TopRecords queries the score GSI highest first.
func (client *Client) TopRecords(
	ctx context.Context,
	lastKey map[string]types.AttributeValue,
	limit int32,
) (
	[]entities.LeaderboardRecord,
	map[string]types.AttributeValue,
	error,
) {
	input := &dynamodb.QueryInput{
		TableName:              client.cfg.LeaderboardTableName,
		IndexName:              aws.String("TotalScoreIndex"),
		KeyConditionExpression: aws.String("Board = :board"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":board": &types.AttributeValueMemberS{Value: leaderboardBoard},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(limit),
	}
	if lastKey != nil {
		input.ExclusiveStartKey = lastKey
	}
	output, err := client.dynamodb.Query(ctx, input)
	if err != nil {
		return nil, nil, err
	}
	var records []entities.LeaderboardRecord
	if err := attributevalue.UnmarshalListOfMaps(output.Items, &records); err != nil {
		return nil, nil, err
	}
	return records, output.LastEvaluatedKey, nil
}

func conditionFailed(canceled *types.TransactionCanceledException, index int) bool {
	if index >= len(canceled.CancellationReasons) {
		return false
	}
	reason := canceled.CancellationReasons[index]
	return reason.Code != nil && *reason.Code == "ConditionalCheckFailed"
}
