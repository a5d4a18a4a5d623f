package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"talqs/internal/ratelimit"
	"talqs/internal/usertoken"
	"talqs/internal/util"
	"talqs/pkg/ai"
	"talqs/pkg/storage"
	"talqs/pkg/store"
	"talqs/services/assistant/internal/app"
	"talqs/services/assistant/internal/config"
	"talqs/services/assistant/internal/server"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("ignoring .env: %v", err)
	}
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode, err := store.ParseMode(cfg.StorageMode)
	if err != nil {
		util.Fatal(logger, "invalid storage mode", "err", err)
	}

	var primary store.Provider
	if cfg.PrimaryEnabled {
		redisStore, err := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisKeyPrefix)
		if err != nil {
			logger.Warn("primary store unavailable", "err", err)
		} else {
			defer redisStore.Close()
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if err := redisStore.Ping(pingCtx); err != nil {
				logger.Warn("primary store ping failed", "addr", cfg.RedisAddr, "err", err)
			}
			cancel()
			primary = redisStore
		}
	}

	var secondary store.Provider
	if cfg.SecondaryEnabled {
		gormStore, err := store.NewGormStore(cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			logger.Warn("secondary store unavailable", "driver", cfg.DatabaseDriver, "err", err)
		} else {
			defer gormStore.Close()
			secondary = gormStore
		}
	}

	router := store.NewRouter(store.RouterConfig{
		Mode:      mode,
		Primary:   store.ProviderConfig{Provider: primary, Enabled: cfg.PrimaryEnabled},
		Secondary: store.ProviderConfig{Provider: secondary, Enabled: cfg.SecondaryEnabled},
		Logger:    logger,
	})

	var inference app.Inference
	if cfg.SummarizeURL != "" || cfg.AnswerURL != "" || cfg.BulkAnswerURL != "" {
		inference = ai.NewInferenceClient(ai.InferenceConfig{
			SummarizeURL:  cfg.SummarizeURL,
			AnswerURL:     cfg.AnswerURL,
			BulkAnswerURL: cfg.BulkAnswerURL,
			HealthURL:     cfg.InferenceHealthURL,
			Timeout:       config.Seconds(cfg.InferenceTimeoutSeconds),
			MaxLength:     cfg.SummaryMaxLength,
			MinLength:     cfg.SummaryMinLength,
		})
	} else {
		logger.Warn("no inference endpoints configured, using extractive answers only")
	}

	var archive storage.Archive
	if cfg.MinioEndpoint != "" {
		minioStore, err := storage.NewMinioStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			util.Fatal(logger, "failed to init object store", "err", err)
		}
		archive = minioStore
	}

	appCore, err := app.New(app.Config{
		Router:             router,
		Inference:          inference,
		Archive:            archive,
		ChunkMaxTokens:     cfg.ChunkMaxTokens,
		SummaryConcurrency: cfg.SummaryConcurrency,
		RequestTimeout:     config.Seconds(cfg.RequestTimeoutSeconds),
		AllowedExtensions:  cfg.AllowedExtensions,
	})
	if err != nil {
		util.Fatal(logger, "failed to init app", "err", err)
	}

	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		util.Fatal(logger, "failed to parse jwt leeway", "err", err)
	}
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret:     cfg.JWTSecret,
		JWKSURL:    cfg.JWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal(logger, "failed to init token verifier", "err", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal(logger, "invalid trusted proxy list", "err", err)
	}

	serverCfg := server.Config{
		App:            appCore,
		TokenVerifier:  tokenVerifier,
		TrustedProxies: trusted,
		CORSOrigins:    cfg.CORSOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}
	if cfg.RateLimitPerMinute > 0 {
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisKeyPrefix+":ratelimit", cfg.RateLimitPerMinute, time.Minute)
		if err != nil {
			util.Fatal(logger, "failed to init rate limiter", "err", err)
		}
		defer limiter.Close()
		serverCfg.Limiter = limiter
	}
	httpServer, err := server.New(serverCfg)
	if err != nil {
		util.Fatal(logger, "failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	// WriteTimeout stays generous for inference calls; the history stream
	// clears its own deadline.
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      config.Seconds(cfg.RequestTimeoutSeconds) + 15*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("assistant server listening", "addr", addr, "storage_mode", string(mode), "providers", router.Providers())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
