package main

import (
	"go.uber.org/zap"

	"github.com/skillforge/arena/internal/app/server"
	"github.com/skillforge/arena/pkg/logging"
)

func main() {
	logging.Fatal("Arena server exited: ", zap.Error(
		server.NewServer().Start(),
	))
}
