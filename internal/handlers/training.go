package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pixelmuse/pixelmuse-backend/internal/logger"
	"github.com/pixelmuse/pixelmuse-backend/internal/repos"
	"github.com/pixelmuse/pixelmuse-backend/internal/services"
)

// maxUploadBytes bounds the whole multipart request; individual image limits
// are enforced by the bundler.
const maxUploadBytes = 512 << 20

type TrainingHandler struct {
	log      *logger.Logger
	pipeline services.TrainingPipelineService
	runRepo  repos.TrainingRunRepo
}

func NewTrainingHandler(log *logger.Logger, pipeline services.TrainingPipelineService, runRepo repos.TrainingRunRepo) *TrainingHandler {
	return &TrainingHandler{
		log:      log.With("handler", "TrainingHandler"),
		pipeline: pipeline,
		runRepo:  runRepo,
	}
}

func userIDFromHeader(c *gin.Context) (uuid.UUID, error) {
	raw := c.GetHeader("X-User-ID")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("missing X-User-ID header")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid X-User-ID header")
	}
	return id, nil
}

// POST /api/trainings
// multipart/form-data: model_name, trigger_word, and repeated "images" files;
// optional base_model, steps, learning_rate, lora_rank, batch_size, resolution.
func (h *TrainingHandler) StartTraining(c *gin.Context) {
	userID, err := userIDFromHeader(c)
	if err != nil {
		RespondError(c, http.StatusUnauthorized, "unauthenticated", err)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	form, err := c.MultipartForm()
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_multipart", err)
		return
	}

	params := services.StartTrainingParams{
		UserID:      userID,
		ModelName:   c.PostForm("model_name"),
		TriggerWord: c.PostForm("trigger_word"),
		BaseModel:   c.PostForm("base_model"),
		Resolution:  c.PostForm("resolution"),
	}
	if v := c.PostForm("steps"); v != "" {
		params.Steps, _ = strconv.Atoi(v)
	}
	if v := c.PostForm("learning_rate"); v != "" {
		params.LearningRate, _ = strconv.ParseFloat(v, 64)
	}
	if v := c.PostForm("lora_rank"); v != "" {
		params.LoraRank, _ = strconv.Atoi(v)
	}
	if v := c.PostForm("batch_size"); v != "" {
		params.BatchSize, _ = strconv.Atoi(v)
	}

	for _, fh := range form.File["images"] {
		f, err := fh.Open()
		if err != nil {
			RespondError(c, http.StatusBadRequest, "bad_image", fmt.Errorf("open %q: %w", fh.Filename, err))
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			RespondError(c, http.StatusBadRequest, "bad_image", fmt.Errorf("read %q: %w", fh.Filename, err))
			return
		}
		params.Images = append(params.Images, services.TrainingImage{Filename: fh.Filename, Data: data})
	}

	result, err := h.pipeline.StartTraining(c.Request.Context(), params)
	if err != nil {
		h.log.Error("StartTraining failed", "user_id", userID, "error", err)
		RespondError(c, http.StatusInternalServerError, "start_training", err)
		return
	}
	if !result.Valid {
		c.JSON(http.StatusBadRequest, result)
		return
	}
	RespondOK(c, result)
}

// GET /api/trainings/:id/status?publish=true&name=My+Model
func (h *TrainingHandler) GetStatus(c *gin.Context) {
	trainingID := c.Param("id")
	publish := c.Query("publish") == "true"
	name := c.Query("name")

	us, err := h.pipeline.GetTrainingStatus(c.Request.Context(), trainingID, name, publish)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "training_status", err)
		return
	}
	RespondOK(c, us)
}

// POST /api/trainings/:id/upload
func (h *TrainingHandler) TriggerUpload(c *gin.Context) {
	trainingID := c.Param("id")
	name := c.Query("name")

	us, err := h.pipeline.TriggerHuggingFaceUpload(c.Request.Context(), trainingID, name)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "trigger_upload", err)
		return
	}
	RespondOK(c, us)
}

// POST /api/trainings/:id/cancel
func (h *TrainingHandler) Cancel(c *gin.Context) {
	trainingID := c.Param("id")
	if err := h.pipeline.CancelTraining(c.Request.Context(), trainingID); err != nil {
		RespondError(c, http.StatusBadGateway, "cancel_training", err)
		return
	}
	RespondOK(c, gin.H{"canceled": true, "training_id": trainingID})
}

// GET /api/trainings/:id/stages
func (h *TrainingHandler) Stages(c *gin.Context) {
	trainingID := c.Param("id")
	name := c.Query("name")

	timeline, err := h.pipeline.StageTimeline(c.Request.Context(), trainingID, name)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "training_stages", err)
		return
	}
	RespondOK(c, gin.H{"training_id": trainingID, "stages": timeline})
}

// GET /api/trainings
func (h *TrainingHandler) List(c *gin.Context) {
	userID, err := userIDFromHeader(c)
	if err != nil {
		RespondError(c, http.StatusUnauthorized, "unauthenticated", err)
		return
	}

	limit := 0
	if v := c.Query("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	runs, err := h.runRepo.ListByUser(c.Request.Context(), nil, userID, limit)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "list_trainings", err)
		return
	}
	RespondOK(c, gin.H{"trainings": runs})
}
