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

	"github.com/redis/go-redis/v9"

	"daoread/api/internal/app"
	"daoread/api/internal/archive"
	"daoread/api/internal/batch"
	"daoread/api/internal/config"
	"daoread/api/internal/corpus"
	"daoread/api/internal/export"
	"daoread/api/internal/identity"
	"daoread/api/internal/prefs"
	"daoread/api/internal/saved"
	"daoread/api/internal/search"
	"daoread/api/internal/session"
	"daoread/api/internal/snapshot"
	"daoread/api/internal/store"
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

	if err := os.MkdirAll(cfg.SnapshotDir, 0o755); err != nil {
		log.Fatalf("failed to create snapshot dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid redis url: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Fatalf("redis connection failed: %v", err)
	}
	cancelPing()

	sessionStore := session.NewRedisStoreWithClient(redisClient)
	prefStore := prefs.NewRedisStore(redisClient)

	corpusCache := corpus.NewCache(dataStore)
	engine := corpus.NewEngine(prefStore)
	savedCoordinator := saved.NewCoordinator(dataStore)

	var importArchive *archive.MinioArchive
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		importArchive, err = archive.NewMinioArchive(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("object storage connection failed: %v", err)
		}
		log.Printf("archiving imports to bucket %s", cfg.MinioBucket)
	}

	snapshotService := snapshot.New(cfg.SnapshotDir)

	var updater *batch.Updater
	if importArchive != nil {
		updater = batch.NewUpdater(dataStore, importArchive, cfg.MaxOpsPerBatch)
	} else {
		updater = batch.NewUpdater(dataStore, nil, cfg.MaxOpsPerBatch)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewMemory(corpusCache))

	deps := app.Deps{
		Store:    dataStore,
		Identity: identity.NewService(dataStore),
		Sessions: sessionStore,
		Prefs:    prefStore,
		Corpus:   corpusCache,
		Engine:   engine,
		Saved:    savedCoordinator,
		Updater:  updater,
		Search:   searchService,
		Snapshot: snapshotService,
		Export:   export.NewService(dataStore),
	}
	if importArchive != nil {
		deps.Archive = importArchive
	}

	service := app.New(cfg, deps)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("daoread API listening on %s", cfg.Addr)
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
