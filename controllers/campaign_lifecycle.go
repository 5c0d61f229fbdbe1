package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"coldsend/models"
	"coldsend/utils"
)

// Waker lets lifecycle endpoints nudge the dispatcher so a launch with an
// immediate start does not wait out a poll interval.
type Waker interface {
	Wake()
}

type LaunchCampaignInput struct {
	StartTime *time.Time `json:"start_time"`
}

// LaunchCampaign moves a campaign from DRAFT to ACTIVE and schedules the
// step-1 job for every lead. A second launch returns 409.
func (cc *CampaignController) LaunchCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	campaignID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", err)
	}

	var input LaunchCampaignInput
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&input); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
		}
	}

	campaign, err := cc.Store.LaunchCampaign(campaignID, user.ID, input.StartTime)
	if err != nil {
		return storeErrorResponse(c, err, "Failed to launch campaign")
	}

	if cc.Dispatcher != nil {
		cc.Dispatcher.Wake()
	}

	cc.Logger.Printf("Launched campaign %s starting at %s", campaign.ID, campaign.StartTime)
	return c.JSON(fiber.Map{
		"message":  "Campaign launched successfully",
		"campaign": campaign,
	})
}

// PauseCampaign stops sending. Job rows are left untouched; the
// dispatcher's pre-send check defers them until resume.
func (cc *CampaignController) PauseCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	campaignID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", err)
	}

	campaign, err := cc.Store.PauseCampaign(campaignID, user.ID)
	if err != nil {
		return storeErrorResponse(c, err, "Failed to pause campaign")
	}

	cc.Logger.Printf("Paused campaign %s", campaign.ID)
	return c.JSON(fiber.Map{
		"message":  "Campaign paused successfully",
		"campaign": campaign,
	})
}

// ResumeCampaign reactivates a paused campaign. Overdue jobs keep their
// original scheduled_at and go out on the next tick.
func (cc *CampaignController) ResumeCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	campaignID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", err)
	}

	campaign, err := cc.Store.ResumeCampaign(campaignID, user.ID)
	if err != nil {
		return storeErrorResponse(c, err, "Failed to resume campaign")
	}

	if cc.Dispatcher != nil {
		cc.Dispatcher.Wake()
	}

	cc.Logger.Printf("Resumed campaign %s", campaign.ID)
	return c.JSON(fiber.Map{
		"message":  "Campaign resumed successfully",
		"campaign": campaign,
	})
}

type DuplicateCampaignInput struct {
	Name string `json:"name" validate:"omitempty,max=255"`
}

// DuplicateCampaign copies a campaign's templates and tags into a new draft
func (cc *CampaignController) DuplicateCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	campaignID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", err)
	}

	var input DuplicateCampaignInput
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&input); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
		}
	}

	dup, err := cc.Store.DuplicateCampaign(campaignID, user.ID, input.Name)
	if err != nil {
		return storeErrorResponse(c, err, "Failed to duplicate campaign")
	}

	cc.Logger.Printf("Duplicated campaign %s to %s", campaignID, dup.ID)
	return c.Status(fiber.StatusCreated).JSON(dup)
}
