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
)

var ErrFinishRecordNotFound = fmt.Errorf("finish record not found")

// PutFinishRecord writes the record once. The return reports whether this
// call created it; a false return means a concurrent finish already won.
func (client *Client) PutFinishRecord(ctx context.Context, rec entities.FinishRecord) (bool, error) {
	av, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return false, fmt.Errorf("failed to marshal finish record: %w", err)
	}
	_, err = client.dynamodb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           client.cfg.FinishRecordsTableName,
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(SessionId)"),
	})
	if err != nil {
		var conditionErr *types.ConditionalCheckFailedException
		if errors.As(err, &conditionErr) {
			return false, nil
		}
		return false, fmt.Errorf("failed to put finish record: %w", err)
	}
	return true, nil
}

func (client *Client) GetFinishRecord(ctx context.Context, sessionId string) (entities.FinishRecord, error) {
	output, err := client.dynamodb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: client.cfg.FinishRecordsTableName,
		Key: map[string]types.AttributeValue{
			"SessionId": &types.AttributeValueMemberS{
				Value: sessionId,
			},
		},
	})
	if err != nil {
		return entities.FinishRecord{}, err
	}
	if output.Item == nil {
		return entities.FinishRecord{}, ErrFinishRecordNotFound
	}
	var rec entities.FinishRecord
	if err := attributevalue.UnmarshalMap(output.Item, &rec); err != nil {
		return entities.FinishRecord{}, err
	}
	return rec, nil
}
