package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chronicle/comments/internal/app"
	"chronicle/comments/internal/archive"
	"chronicle/comments/internal/cache"
	"chronicle/comments/internal/config"
	"chronicle/comments/internal/gitrepo"
	"chronicle/comments/internal/search"
	"chronicle/comments/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	opts := []app.Option{app.WithHistory(gitrepo.New(cfg.ReposDir))}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	opts = append(opts, app.WithSearch(search.NewService(meiliClient, search.NewPgFTS(dataStore))))

	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis snapshot cache")
		redisStore, err := cache.NewRedisStore(cfg.RedisURL, cfg.SnapshotTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		opts = append(opts, app.WithCache(redisStore))
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archiveStore, err := archive.New(ctx, archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("archive setup failed: %v", err)
		}
		log.Printf("Archiving snapshots to %s/%s", cfg.MinioEndpoint, cfg.MinioBucket)
		opts = append(opts, app.WithArchive(archiveStore))
	}

	service := app.New(cfg, dataStore, opts...)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Chronicle comments API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
