package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"openmates"
	"openmates/logger"
	"openmates/server"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	// console plus daily-rotating file under the state home
	log.Logger = logger.Get()

	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			log.Fatal().Err(err).Msg("Error loading .env file")
		}
	}

	core, err := openmates.GetCore()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize core")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := core.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start core")
	}

	srv := server.RunServer(core)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// graceful shutdown: stop intake, then drain, flush and spill
	srv.Shutdown(context.Background())
	core.Shutdown(context.Background())
	cancel()
}
