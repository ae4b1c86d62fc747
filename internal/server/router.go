package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/pixelmuse/pixelmuse-backend/internal/handlers"
)

type RouterConfig struct {
	Mode            string
	AllowedOrigins  []string
	TrainingHandler *handlers.TrainingHandler
	SSEHandler      *handlers.SSEHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	if strings.HasPrefix(strings.ToLower(cfg.Mode), "prod") {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", "X-User-ID"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	router.GET("/sse/stream", cfg.SSEHandler.Stream)

	api := router.Group("/api")
	{
		api.POST("/trainings", cfg.TrainingHandler.StartTraining)
		api.GET("/trainings", cfg.TrainingHandler.List)
		api.GET("/trainings/:id/status", cfg.TrainingHandler.GetStatus)
		api.POST("/trainings/:id/upload", cfg.TrainingHandler.TriggerUpload)
		api.POST("/trainings/:id/cancel", cfg.TrainingHandler.Cancel)
		api.GET("/trainings/:id/stages", cfg.TrainingHandler.Stages)
	}

	return router
}
