// Command errlyd is Errly's single binary: it opens the embedded store,
// wires the Error Grouper, Log Watcher, Retention Sweeper and Push Hub
// together, and serves the dashboard/API over HTTP until a shutdown
// signal arrives. Grounded on the teacher's services/*/cmd/main.go
// pattern of "load config, init logger, build collaborators top-down,
// register them on a server, run".
package main

import (
	"context"
	"log"

	"errly/internal/grouper"
	"errly/internal/httpapi"
	"errly/internal/platformclient"
	"errly/internal/pushhub"
	"errly/internal/retention"
	"errly/internal/store"
	"errly/internal/watcher"
	"errly/internal/webhook"
	"errly/pkg/config"
	"errly/pkg/database"
	"errly/pkg/httpserver"
	"errly/pkg/logger"
)

// railwayAPIBaseURL is the platform's GraphQL endpoint. Auto-capture is
// entirely inert (the Log Watcher never starts) when no API token is
// configured, so this is never dialed in direct-ingestion-only deployments.
const railwayAPIBaseURL = "https://backboard.railway.app/graphql/v2"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.InitWithConfig(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	if cfg.WeakPassword() {
		logger.Log.Warn("ERRLY_PASSWORD is shorter than the recommended minimum", "min_length", 8)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewSQLiteDB(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("failed to open database", "error", err)
	}
	defer db.Close()

	if err := database.RunMigrations(ctx, db.Sqlx(), database.Migrations, database.MigrationsDir); err != nil {
		logger.Fatal("failed to run migrations", "error", err)
	}

	st := store.New(db.Sqlx())
	hub := pushhub.New(st, cfg.Limits.MaxSSEClients)
	hub.Start(ctx)
	hook := webhook.New()
	g := grouper.New(db, st, hook, hub)

	sweeper := retention.New(st, hub)
	go sweeper.Run(ctx)

	var (
		platform *platformclient.Client
		w        *watcher.Watcher
	)
	if cfg.AutoCaptureEnabled() {
		platform = platformclient.New(cfg.Railway, railwayAPIBaseURL)
		w = watcher.New(platform, g, cfg.Railway, cfg.Limits.MaxSubscriptions)
		w.Start(ctx)
		logger.Log.Info("auto-capture enabled", "project_id", cfg.Railway.ProjectID, "environment", cfg.Railway.EnvironmentName)
	} else {
		logger.Log.Info("auto-capture disabled, running in direct-ingestion-only mode")
	}

	handler := httpapi.New(cfg, db, st, g, hub, w, platform)
	defer handler.Close()

	srv := httpserver.New(cfg.HTTP.Port)
	handler.RegisterRoutes(srv.Router)

	logger.Log.Info("starting errly",
		"port", cfg.HTTP.Port,
		"environment", cfg.App.Environment,
		"auto_capture", cfg.AutoCaptureEnabled(),
	)

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server failed", "error", err)
	}
}
