package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/opentrusty/opentrusty-admin/internal/config"
	"github.com/opentrusty/opentrusty-admin/internal/observability/logger"
	"github.com/opentrusty/opentrusty-admin/internal/store/postgres"
)

// cleanup purges sessions that have been inactive for longer than the
// configured retention.
func main() {
	retention := flag.Duration("retention", 0, "override SESSION_CLEANUP_RETENTION")
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

	keep := cfg.Session.CleanupRetention
	if *retention > 0 {
		keep = *retention
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := postgres.New(ctx, postgres.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		slog.Error("failed to connect to database", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	n, err := postgres.NewSessionRepository(db).PurgeInactive(ctx, time.Now().Add(-keep))
	if err != nil {
		slog.Error("cleanup failed", logger.Error(err))
		os.Exit(1)
	}
	slog.Info("purged inactive sessions", slog.Int64("count", n), slog.Duration("retention", keep))
}
