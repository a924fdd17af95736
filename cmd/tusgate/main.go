package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/driftware/tusgate/internal/common"
	"github.com/driftware/tusgate/internal/gcs"
	"github.com/driftware/tusgate/internal/metadata"
	"github.com/driftware/tusgate/internal/tus"
	"github.com/driftware/tusgate/internal/upload"
	"github.com/driftware/tusgate/pkg/config"
)

func main() {
	cfg := config.LoadFromEnv()

	setupLogging(cfg.Logging)

	log.Info().Msg("starting tusgate upload gateway")

	tokens, err := buildTokenSource(&cfg.GCS)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load backend credentials")
	}

	buckets := gcs.NewBucketResolver(cfg.GCS.Bucket, cfg.GCS.Project, cfg.GCS.APIEndpoint, tokens)
	backend := gcs.NewClient(cfg.GCS.UploadEndpoint, cfg.GCS.APIEndpoint, cfg.Upload.ChunkSize, tokens)

	// Session records live in memory; Redis, when configured, mirrors them so
	// uploads survive a gateway restart.
	var store upload.SessionStore = upload.NewMemoryStore()
	var redisClient *redis.Client
	if cfg.Redis.Host != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisStore, err := upload.NewRedisStore(redisClient)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		store = redisStore
		defer redisClient.Close()
	}

	sinks := upload.MultiSink{upload.LogSink{}}
	if redisClient != nil {
		sinks = append(sinks, upload.NewRedisSink(redisClient))
	}

	if cfg.Database.Host != "" {
		db, err := common.NewDatabase(&cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		recorder, err := metadata.NewRecorder(db.DB)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to migrate upload records")
		}
		sinks = append(sinks, recorder)
	}

	registry := upload.NewRegistry(store)
	machine := upload.NewMachine(backend, buckets, registry, sinks, cfg.Upload)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go machine.RunSweeper(sweepCtx, time.Hour)

	router := setupRouter(machine, backend, cfg.Upload)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	} else {
		log.Info().Msg("server shutdown complete")
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func buildTokenSource(cfg *config.GCSConfig) (gcs.TokenSource, error) {
	if cfg.CredentialsFile != "" {
		return gcs.NewServiceAccountTokenSourceFromFile(cfg.CredentialsFile)
	}
	if cfg.ClientEmail != "" && cfg.PrivateKeyPEM != "" {
		return gcs.NewServiceAccountTokenSource(cfg.ClientEmail, cfg.PrivateKeyPEM, cfg.TokenURL)
	}
	return nil, fmt.Errorf("no backend credentials configured")
}

func setupRouter(machine *upload.Machine, backend *gcs.Client, cfg config.UploadConfig) *gin.Engine {
	if zerolog.GlobalLevel() == zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	handlers := tus.NewHandlers(machine, backend, cfg)
	tus.Routes(router, handlers)

	return router
}
