package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"fieldsync/internal/pkg/logger"
	"fieldsync/internal/platform/config"
	"fieldsync/internal/platform/database"

	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	list := flag.Bool("list", false, "List embedded migrations without applying them")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Logging)

	if *list {
		migrations, err := database.Migrations()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to read migrations")
		}
		for _, m := range migrations {
			fmt.Println(m.Version)
		}
		return
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	applied, err := database.Migrate(ctx, db)
	if err != nil {
		log.Fatal().Err(err).Strs("applied", applied).Msg("migration failed")
	}
	log.Info().Strs("applied", applied).Str("driver", db.Driver()).Msg("migrations complete")
}
