package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/opentrusty/opentrusty-admin/internal/config"
	"github.com/opentrusty/opentrusty-admin/internal/observability/logger"
	"github.com/opentrusty/opentrusty-admin/internal/store/postgres"
)

func main() {
	down := flag.Bool("down", false, "roll back all migrations")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
		DisableOTel: true,
	})

	err = postgres.Migrate(postgres.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	}, *down)
	if err != nil {
		slog.Error("migration failed", logger.Error(err))
		os.Exit(1)
	}
	slog.Info("migration complete", slog.Bool("down", *down))
}
