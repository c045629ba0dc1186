package main

import (
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"shelfmark/internal/app"
	"shelfmark/internal/config"
	"shelfmark/internal/server"
	"shelfmark/internal/util"
	"shelfmark/pkg/storage"
	"shelfmark/pkg/store"
)

func main() {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	sessionTTL, err := config.ParseDuration(cfg.SessionTTL, 7*24*time.Hour)
	if err != nil {
		log.Fatalf("failed to parse sessionTTL: %v", err)
	}
	jwtLeeway, err := config.ParseDuration(cfg.JWTLeeway, 0)
	if err != nil {
		log.Fatalf("failed to parse jwtLeeway: %v", err)
	}
	storeTimeout, err := config.ParseDuration(cfg.StoreTimeout, 5*time.Second)
	if err != nil {
		log.Fatalf("failed to parse storeTimeout: %v", err)
	}
	uploadTimeout, err := config.ParseDuration(cfg.UploadTimeout, 60*time.Second)
	if err != nil {
		log.Fatalf("failed to parse uploadTimeout: %v", err)
	}

	var dataStore store.Store
	if cfg.DatabaseURL != "" {
		gormStore, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to init postgres store: %v", err)
		}
		dataStore = gormStore
	} else {
		slog.Warn("databaseURL not set, using in-memory store")
		dataStore = store.NewMemoryStore()
	}

	sessions, err := store.NewJWTSessionStore(cfg.JWTSecret, store.JWTOptions{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      sessionTTL,
		Leeway:   jwtLeeway,
	})
	if err != nil {
		log.Fatalf("failed to init session store: %v", err)
	}

	objects, err := storage.NewMinioStore(
		cfg.MinioEndpoint,
		cfg.MinioAccessKey,
		cfg.MinioSecretKey,
		cfg.MinioBucket,
		cfg.MinioPublicBaseURL,
		cfg.MinioUseSSL,
	)
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	appCore, err := app.New(app.Config{
		Store:         dataStore,
		Sessions:      sessions,
		Objects:       objects,
		StoreTimeout:  storeTimeout,
		UploadTimeout: uploadTimeout,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                        appCore,
		UploadDir:                  cfg.UploadDir,
		MaxUploadBytes:             cfg.MaxUploadBytes,
		RedisAddr:                  cfg.RedisAddr,
		RedisPassword:              cfg.RedisPassword,
		RegisterRateLimitPerMinute: cfg.RegisterRateLimitPerMinute,
		LoginRateLimitPerMinute:    cfg.LoginRateLimitPerMinute,
		TrustedProxyCIDRs:          cfg.TrustedProxyCIDRs,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
