package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"grading-orchestrator/middleware"
	"grading-orchestrator/models"
	"grading-orchestrator/services"
)

// TelemetryHandler ingests events emitted by surfaces outside the
// grading path (the upload service) so the anomaly detectors see them.
type TelemetryHandler struct {
	db *services.DBService
}

func NewTelemetryHandler(db *services.DBService) *TelemetryHandler {
	return &TelemetryHandler{db: db}
}

// RecordUpload godoc
// @Summary Record an upload event
// @Description Append one upload telemetry row for anomaly detection
// @Tags telemetry
// @Accept json
// @Produce json
// @Param event body models.UploadEvent true "Upload event"
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Router /telemetry/upload [post]
func (h *TelemetryHandler) RecordUpload(c *fiber.Ctx) error {
	var ev models.UploadEvent
	if err := c.BodyParser(&ev); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if ev.UserID == "" || ev.FileName == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id and file_name are required",
		})
	}
	if ev.UploadedAt.IsZero() {
		ev.UploadedAt = time.Now()
	}

	if err := h.db.RecordUploadEvent(middleware.GetXRayContext(c), &ev); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{"status": "recorded"})
}
