package server

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string
	IdleTimeout time.Duration

	RedisUrl     string
	JwtSecret    string
	JwtIssuer    string
	DevTokenMint bool

	AwsRegion                 string
	SessionFinishFunctionName string

	SkillRange   int
	QueueMaxWait time.Duration
	Countdown    time.Duration
	GraceDelay   time.Duration
}

func NewConfig() Config {
	var config Config

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs/server")
	viper.AddConfigPath(".")
	err := viper.ReadInConfig()
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %s", err))
	}

	// List of env files to load
	envFiles := []string{
		"./configs/aws/base.env",
		"./configs/aws/lambda.env",
	}

	// Load all env files
	err = loadEnvFiles(envFiles)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %s", err))
	}

	config.Port = viper.GetString("Server.Port")
	idleTimeout, err := time.ParseDuration(viper.GetString("Server.IdleTimeout"))
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %s", err))
	}
	config.IdleTimeout = idleTimeout
	config.RedisUrl = viper.GetString("Server.RedisUrl")
	config.JwtSecret = viper.GetString("Server.JwtSecret")
	config.JwtIssuer = viper.GetString("Server.JwtIssuer")
	config.DevTokenMint = viper.GetBool("Server.DevTokenMint")
	config.SkillRange = viper.GetInt("Matchmaking.SkillRange")
	config.QueueMaxWait = viper.GetDuration("Matchmaking.MaxWait")
	config.Countdown = viper.GetDuration("Session.Countdown")
	config.GraceDelay = viper.GetDuration("Session.GraceDelay")
	config.AwsRegion = viper.GetString("AWS_REGION")
	config.SessionFinishFunctionName = viper.GetString("SESSION_FINISH_FUNCTION_NAME")

	return config
}

func loadEnvFiles(filenames []string) error {
	for _, file := range filenames {
		viper.SetConfigFile(file) // Set specific file
		viper.SetConfigType("env")
		viper.AutomaticEnv() // Allow override by OS environment variables

		err := viper.MergeInConfig()
		if err != nil {
			return err
		}
	}
	return nil
}
