package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/pixelmuse/pixelmuse-backend/internal/clients/huggingface"
	"github.com/pixelmuse/pixelmuse-backend/internal/clients/replicate"
	"github.com/pixelmuse/pixelmuse-backend/internal/db"
	"github.com/pixelmuse/pixelmuse-backend/internal/handlers"
	"github.com/pixelmuse/pixelmuse-backend/internal/logger"
	"github.com/pixelmuse/pixelmuse-backend/internal/repos"
	"github.com/pixelmuse/pixelmuse-backend/internal/server"
	"github.com/pixelmuse/pixelmuse-backend/internal/services"
	"github.com/pixelmuse/pixelmuse-backend/internal/sse"
	"github.com/pixelmuse/pixelmuse-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Env
	log.Info("Loading environment variables from main...")
	port := utils.GetEnv("PORT", "8080", log)
	allowedOrigins := utils.GetEnv("CORS_ALLOWED_ORIGINS", "", log)
	redisAddr := utils.GetEnv("REDIS_ADDR", "", log)
	redisPassword := utils.GetEnv("REDIS_PASSWORD", "", log)
	redisDB := utils.GetEnvAsInt("REDIS_DB", 0, log)

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	runRepo := repos.NewTrainingRunRepo(thePG, log)
	modelRepo := repos.NewTrainedModelRepo(thePG, log)

	// SSE
	log.Info("Setting up SSE hub now...")
	sseHub := sse.NewSSEHub(log)

	// Provider clients
	log.Info("Setting up provider clients from main...")
	replicateClient, err := replicate.New(log)
	if err != nil {
		log.Fatal("Replicate client init failed", "error", err)
	}
	huggingfaceClient, err := huggingface.New(log)
	if err != nil {
		log.Fatal("HuggingFace client init failed", "error", err)
	}

	// Services
	log.Info("Setting up Services from main...")
	bucketService, err := services.NewBucketService(log)
	if err != nil {
		log.Fatal("Bucket service init failed", "error", err)
	}
	bundler := services.NewImageBundlerService(log, bucketService)
	parser := services.NewReplicateLogParser()

	var tracker services.PublishTracker
	if redisAddr != "" {
		tracker, err = services.NewRedisPublishTracker(log, redisAddr, redisPassword, redisDB)
		if err != nil {
			log.Fatal("Redis publish tracker init failed", "error", err)
		}
	} else {
		log.Warn("REDIS_ADDR not set, publish idempotency is per-process only")
		tracker = services.NewMemoryPublishTracker()
	}

	resolver := services.NewStatusResolver(log, parser, tracker)
	stageMapper := services.NewStageMapper()
	pipeline := services.NewTrainingPipelineService(
		thePG,
		log,
		sseHub,
		runRepo,
		modelRepo,
		bundler,
		replicateClient,
		huggingfaceClient,
		resolver,
		tracker,
		stageMapper,
	)

	// Handlers
	log.Info("Setting up Handlers from main...")
	trainingHandler := handlers.NewTrainingHandler(log, pipeline, runRepo)
	sseHandler := handlers.NewSSEHandler(log, sseHub)

	// Router
	var origins []string
	if allowedOrigins != "" {
		for _, o := range strings.Split(allowedOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}
	router := server.NewRouter(server.RouterConfig{
		Mode:            logMode,
		AllowedOrigins:  origins,
		TrainingHandler: trainingHandler,
		SSEHandler:      sseHandler,
	})

	log.Info("Starting server", "port", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatal("Server exited", "error", err)
	}
}
