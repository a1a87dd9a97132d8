package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"

	"github.com/skillforge/arena/internal/aws/auth"
	"github.com/skillforge/arena/internal/aws/storage"
	"github.com/skillforge/arena/internal/domains/dtos"
	"github.com/skillforge/arena/pkg/logging"
)

var storageClient *storage.Client

func init() {
	cfg, _ := config.LoadDefaultConfig(context.TODO())
	storageClient = storage.NewClient(dynamodb.NewFromConfig(cfg))
}

func handler(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if _, err := auth.UserId(event.RequestContext.Authorizer); err != nil {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusUnauthorized}, nil
	}

	if userId, ok := event.PathParameters["userId"]; ok && userId != "" {
		rec, err := storageClient.GetRecord(ctx, userId)
		if err != nil {
			logging.Error("Failed to get leaderboard record", zap.Error(err))
			return events.APIGatewayProxyResponse{StatusCode: http.StatusNotFound}, nil
		}
		return respond(dtos.LeaderboardEntryResponseFromEntity(rec))
	}

	limit := int32(20)
	if v, ok := event.QueryStringParameters["limit"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = int32(n)
		}
	}
	records, _, err := storageClient.TopRecords(ctx, nil, limit)
	if err != nil {
		logging.Error("Failed to list leaderboard", zap.Error(err))
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError}, nil
	}
	return respond(dtos.LeaderboardResponseFromEntities(records))
}

func respond(v interface{}) (events.APIGatewayProxyResponse, error) {
	body, err := json.Marshal(v)
	if err != nil {
		logging.Error("Failed to marshal response", zap.Error(err))
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError}, nil
	}
	return events.APIGatewayProxyResponse{StatusCode: http.StatusOK, Body: string(body)}, nil
}

func main() {
	lambda.Start(handler)
}
