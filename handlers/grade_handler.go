package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"grading-orchestrator/middleware"
	"grading-orchestrator/models"
	"grading-orchestrator/services"
)

type GradeHandler struct {
	orchestrator *services.OrchestratorService
}

func NewGradeHandler(svc *services.OrchestratorService) *GradeHandler {
	return &GradeHandler{orchestrator: svc}
}

// SubmitGrade godoc
// @Summary Submit a grading job
// @Description Accept a code submission for asynchronous grading
// @Tags grading
// @Accept json
// @Produce json
// @Param submission body models.GradeRequest true "Submission to grade"
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Router /grade [post]
func (h *GradeHandler) SubmitGrade(c *fiber.Ctx) error {
	var req models.GradeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	// Validation
	if req.Code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "code is required",
		})
	}
	if req.Language == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "language is required",
		})
	}
	if req.ChallengeID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "challengeId is required",
		})
	}

	job, err := h.orchestrator.Submit(middleware.GetXRayContext(c), &req)
	if err != nil {
		if errors.Is(err, models.ErrUnsupportedLanguage) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":       err.Error(),
				"error_class": models.FailureUnsupportedLanguage,
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"jobId":  job.JobID,
		"status": job.Status,
	})
}

// GetGradeStatus godoc
// @Summary Get grading job status
// @Description Poll a grading job; terminal jobs include the full result
// @Tags grading
// @Produce json
// @Param jobId path string true "Job ID"
// @Success 200 {object} models.GradingJob
// @Failure 404 {object} map[string]string
// @Router /grade/{jobId} [get]
func (h *GradeHandler) GetGradeStatus(c *fiber.Ctx) error {
	jobID := c.Params("jobId")

	job, err := h.orchestrator.GetStatus(middleware.GetXRayContext(c), jobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "job not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	if !job.Terminal() {
		// Pending jobs expose submission time only.
		return c.JSON(fiber.Map{
			"jobId":       job.JobID,
			"status":      job.Status,
			"submittedAt": job.SubmittedAt,
		})
	}

	resp := fiber.Map{
		"jobId":       job.JobID,
		"status":      job.Status,
		"submittedAt": job.SubmittedAt,
		"completedAt": job.CompletedAt,
	}
	if job.Status == models.StatusCompleted {
		resp["result"] = job.Result
	} else {
		resp["error"] = job.Error
		resp["error_class"] = job.ErrorClass
	}
	return c.JSON(resp)
}

// SubmitBatch godoc
// @Summary Submit a batch of grading jobs
// @Description Accept independent submissions under one batch id; returns accept/reject counts without waiting for execution
// @Tags grading
// @Accept json
// @Produce json
// @Param batch body models.BatchGradeRequest true "Batch of submissions"
// @Success 200 {object} models.BatchGradeResponse
// @Failure 400 {object} map[string]string
// @Router /grade/batch [post]
func (h *GradeHandler) SubmitBatch(c *fiber.Ctx) error {
	var req models.BatchGradeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if len(req.Submissions) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "submissions is required",
		})
	}

	resp := h.orchestrator.SubmitBatch(middleware.GetXRayContext(c), &req)
	return c.JSON(resp)
}
