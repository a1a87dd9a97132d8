package notification

import (
	"os"

	"github.com/aws/aws-sdk-go-v2/service/sns"
)

type Client struct {
	sns *sns.Client
	cfg config
}

type config struct {
	PlayerTopicArn string
}

func NewClient(snsClient *sns.Client) *Client {
	return &Client{
		sns: snsClient,
		cfg: loadConfig(),
	}
}

func loadConfig() config {
	return config{
		PlayerTopicArn: os.Getenv("PLAYER_TOPIC_ARN"),
	}
}
