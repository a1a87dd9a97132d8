package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/skillforge/arena/internal/aws/notification"
	"github.com/skillforge/arena/internal/aws/storage"
	"github.com/skillforge/arena/internal/domains/entities"
	"github.com/skillforge/arena/internal/engine/achievement"
	"github.com/skillforge/arena/internal/engine/settlement"
	"github.com/skillforge/arena/internal/engine/stats"
	"github.com/skillforge/arena/pkg/logging"
)

var (
	storageClient *storage.Client
	settler       *settlement.Settler
	engine        *achievement.Engine
)

func init() {
	cfg, _ := config.LoadDefaultConfig(context.TODO())
	storageClient = storage.NewClient(dynamodb.NewFromConfig(cfg))
	engine = achievement.NewEngine(storageClient)
	settler = settlement.NewSettler(
		stats.NewLedger(storageClient),
		engine,
		notification.NewClient(sns.NewFromConfig(cfg)),
	)
}

// handler settles one finish record. The invoke payload may carry only the
// session id; the durable record is the source of truth either way.
func handler(ctx context.Context, event json.RawMessage) error {
	var rec entities.FinishRecord
	if err := json.Unmarshal(event, &rec); err != nil {
		return fmt.Errorf("failed to unmarshal finish record: %w", err)
	}
	if rec.SessionId == "" {
		return fmt.Errorf("missing session id")
	}
	if len(rec.Results) == 0 {
		stored, err := storageClient.GetFinishRecord(ctx, rec.SessionId)
		if err != nil {
			return fmt.Errorf("failed to load finish record: %w", err)
		}
		rec = stored
	}

	if err := engine.LoadDefinitions(ctx); err != nil {
		return err
	}
	if err := settler.Settle(ctx, rec); err != nil {
		logging.Error("settlement failed",
			zap.String("session_id", rec.SessionId),
			zap.Error(err),
		)
		return err
	}
	logging.Info("session settled", zap.String("session_id", rec.SessionId))
	return nil
}

func main() {
	lambda.Start(handler)
}
