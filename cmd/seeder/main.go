package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"

	"github.com/skillforge/arena/internal/aws/storage"
	"github.com/skillforge/arena/internal/domains/entities"
	"github.com/skillforge/arena/pkg/logging"
)

// Seeds achievement definitions from a JSON file into the Achievements
// table. Run once per environment, rerunning overwrites by id.
func main() {
	file := flag.String("file", "configs/achievements.json", "definition file")
	flag.Parse()

	raw, err := os.ReadFile(*file)
	if err != nil {
		logging.Fatal("failed to read definition file", zap.Error(err))
	}
	var defs []entities.AchievementDefinition
	if err := json.Unmarshal(raw, &defs); err != nil {
		logging.Fatal("failed to parse definition file", zap.Error(err))
	}

	ctx := context.Background()
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		logging.Fatal("failed to load aws config", zap.Error(err))
	}
	client := storage.NewClient(dynamodb.NewFromConfig(cfg))

	for _, def := range defs {
		if err := client.PutDefinition(ctx, def); err != nil {
			logging.Fatal("failed to seed definition",
				zap.String("achievement_id", def.AchievementId),
				zap.Error(err),
			)
		}
		logging.Info("definition seeded", zap.String("achievement_id", def.AchievementId))
	}
	logging.Info("seeding complete", zap.Int("count", len(defs)))
}
