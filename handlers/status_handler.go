package handlers

import (
	"github.com/gofiber/fiber/v2"

	"grading-orchestrator/middleware"
	"grading-orchestrator/services"
)

type StatusHandler struct {
	orchestrator *services.OrchestratorService
	pool         *services.PoolService
	anomaly      *services.AnomalyService
	redis        *services.RedisService
	db           *services.DBService
}

func NewStatusHandler(orchestrator *services.OrchestratorService, pool *services.PoolService,
	anomaly *services.AnomalyService, redis *services.RedisService, db *services.DBService) *StatusHandler {
	return &StatusHandler{
		orchestrator: orchestrator,
		pool:         pool,
		anomaly:      anomaly,
		redis:        redis,
		db:           db,
	}
}

// WorkersStatus godoc
// @Summary Worker pool status
// @Description Per-worker state plus aggregate counts by type and status
// @Tags status
// @Produce json
// @Success 200 {object} models.PoolSnapshot
// @Router /workers/status [get]
func (h *StatusHandler) WorkersStatus(c *fiber.Ctx) error {
	return c.JSON(h.pool.Snapshot())
}

// QueueStatus godoc
// @Summary Queue status
// @Description Aggregate job counts and an average-wait estimate
// @Tags status
// @Produce json
// @Success 200 {object} models.QueueStats
// @Router /queue/status [get]
func (h *StatusHandler) QueueStatus(c *fiber.Ctx) error {
	stats, err := h.orchestrator.QueueStats(middleware.GetXRayContext(c))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(stats)
}

// Health godoc
// @Summary Orchestrator liveness
// @Description Process liveness plus dependency checks and pool aggregates
// @Tags status
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health [get]
func (h *StatusHandler) Health(c *fiber.Ctx) error {
	snap := h.pool.Snapshot()
	deps := fiber.Map{}
	status := "UP"

	if h.redis != nil {
		if err := h.redis.Ping(middleware.GetXRayContext(c)); err != nil {
			deps["redis"] = err.Error()
			status = "DEGRADED"
		} else {
			deps["redis"] = "UP"
		}
	}
	if h.db != nil {
		if err := h.db.Ping(middleware.GetXRayContext(c)); err != nil {
			deps["postgres"] = err.Error()
			status = "DEGRADED"
		} else {
			deps["postgres"] = "UP"
		}
	}

	return c.JSON(fiber.Map{
		"status":       status,
		"dependencies": deps,
		"pool": fiber.Map{
			"countByType":   snap.CountByClass,
			"countByStatus": snap.CountByState,
		},
	})
}

// AnomalyReport godoc
// @Summary On-demand anomaly detection pass
// @Description Run the detectors over the recent telemetry window and return scored findings
// @Tags anomaly
// @Produce json
// @Success 200 {object} models.AnomalyReport
// @Router /anomaly/report [get]
func (h *StatusHandler) AnomalyReport(c *fiber.Ctx) error {
	report, err := h.anomaly.DetectNow(middleware.GetXRayContext(c))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(report)
}
