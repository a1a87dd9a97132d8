package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/skillforge/arena/internal/domains/entities"
)

type Client struct {
	lambda *lambda.Client
	cfg    config
}

type config struct {
	SessionFinishFunctionName string
}

func NewClient(lambdaClient *lambda.Client) *Client {
	return &Client{
		lambda: lambdaClient,
		cfg: config{
			SessionFinishFunctionName: os.Getenv("SESSION_FINISH_FUNCTION_NAME"),
		},
	}
}

// TriggerSettlement hands the finish record to the settlement function
// asynchronously. The record is already durable; a lost invoke only delays
// settlement until the next replay.
func (client *Client) TriggerSettlement(ctx context.Context, rec entities.FinishRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal finish record: %w", err)
	}
	_, err = client.lambda.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(client.cfg.SessionFinishFunctionName),
		Payload:        payload,
		InvocationType: types.InvocationTypeEvent,
	})
	if err != nil {
		return fmt.Errorf("failed to invoke settlement: %w", err)
	}
	return nil
}
