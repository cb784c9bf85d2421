package main

import (
	"context"
	"log"

	"go.uber.org/zap"

	"github.com/dsievert/federation/internal/logging"
	"github.com/dsievert/federation/internal/server"
	"github.com/dsievert/federation/internal/server/config"
)

func main() {
	ctx := context.Background()
	cfg := config.LoadConfig()

	zl, err := zap.NewProduction()
	if err != nil {
		log.Printf("%v", err)
		return
	}
	defer zl.Sync()

	app, err := server.NewApp(cfg, logging.NewZapLogger(zl))
	if err != nil {
		log.Printf("%v", err)
		return
	}

	app.Run(ctx)
}
