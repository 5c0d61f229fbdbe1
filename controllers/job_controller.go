package controller

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"coldsend/models"
	"coldsend/store"
	"coldsend/utils"
)

type JobController struct {
	DB     *gorm.DB
	Store  *store.Store
	Logger *log.Logger

	Dispatcher Waker
}

func NewJobController(db *gorm.DB, st *store.Store, logger *log.Logger) *JobController {
	return &JobController{
		DB:     db,
		Store:  st,
		Logger: logger,
	}
}

// RetryJob resets a FAILED job to PENDING for immediate execution
func (jc *JobController) RetryJob(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	jobID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid job id", err)
	}

	// Verify ownership through the campaign before touching the job.
	var owned int64
	jc.DB.Model(&models.Job{}).
		Joins("JOIN campaigns ON campaigns.id = jobs.campaign_id").
		Where("jobs.id = ? AND campaigns.user_id = ?", jobID, user.ID).
		Count(&owned)
	if owned == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Job not found",
		})
	}

	job, err := jc.Store.RetryFailedJob(jobID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Job not found",
			})
		case errors.Is(err, store.ErrInvalidState):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Only failed jobs can be retried",
			})
		default:
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to retry job", err)
		}
	}

	if jc.Dispatcher != nil {
		jc.Dispatcher.Wake()
	}

	jc.Logger.Printf("Job %s reset for retry", job.ID)
	return c.JSON(fiber.Map{
		"message": "Job reset for retry",
		"job":     job,
	})
}

// RetryAllFailed resets every FAILED job of a campaign
func (jc *JobController) RetryAllFailed(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	campaignID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", err)
	}

	var campaign models.Campaign
	if err := jc.DB.Where("id = ? AND user_id = ?", campaignID, user.ID).First(&campaign).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}

	count, err := jc.Store.RetryAllFailedJobs(campaignID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to retry jobs", err)
	}

	if count > 0 && jc.Dispatcher != nil {
		jc.Dispatcher.Wake()
	}

	jc.Logger.Printf("Reset %d failed jobs for campaign %s", count, campaignID)
	return c.JSON(fiber.Map{
		"message": "Failed jobs reset for retry",
		"count":   count,
	})
}

// GetStepSummary returns per-step job counters for a campaign
func (jc *JobController) GetStepSummary(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	campaignID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", err)
	}

	var campaign models.Campaign
	if err := jc.DB.Where("id = ? AND user_id = ?", campaignID, user.ID).First(&campaign).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}

	summary, err := jc.Store.StepSummary(campaignID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to compute step summary", err)
	}
	return c.JSON(fiber.Map{
		"steps": summary,
	})
}
