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

type CampaignController struct {
	DB     *gorm.DB
	Store  *store.Store
	Logger *log.Logger

	// Dispatcher, when set, is woken after launch/resume so due jobs go
	// out without waiting for the next poll.
	Dispatcher Waker
}

func NewCampaignController(db *gorm.DB, st *store.Store, logger *log.Logger) *CampaignController {
	return &CampaignController{
		DB:     db,
		Store:  st,
		Logger: logger,
	}
}

type CreateCampaignInput struct {
	Name  string `json:"name" validate:"required,max=255"`
	Pitch string `json:"pitch" validate:"max=2000"`
	Tone  string `json:"tone" validate:"omitempty,oneof=professional casual urgent friendly direct"`
}

// CreateCampaign creates a new campaign in DRAFT status
func (cc *CampaignController) CreateCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input CreateCampaignInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	campaign := models.Campaign{
		UserID: user.ID,
		Name:   input.Name,
		Pitch:  input.Pitch,
		Status: models.CampaignStatusDraft,
	}
	if input.Tone != "" {
		campaign.Tone = input.Tone
	}

	if err := cc.DB.Create(&campaign).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create campaign", err)
	}

	cc.Logger.Printf("Created campaign %s - %s", campaign.ID, campaign.Name)
	return c.Status(fiber.StatusCreated).JSON(campaign)
}

// GetCampaigns lists the user's campaigns, newest first
func (cc *CampaignController) GetCampaigns(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 50)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 50
	}

	var campaigns []models.Campaign
	var total int64
	cc.DB.Model(&models.Campaign{}).Where("user_id = ?", user.ID).Count(&total)
	if err := cc.DB.Where("user_id = ?", user.ID).
		Preload("Tags").
		Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&campaigns).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch campaigns", err)
	}

	return c.JSON(utils.PaginatedResponse{
		Data:  campaigns,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

// GetCampaign returns one campaign with its templates, tags and stats
func (cc *CampaignController) GetCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	campaignID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", err)
	}

	var campaign models.Campaign
	if err := cc.DB.Where("id = ? AND user_id = ?", campaignID, user.ID).
		Preload("Templates", func(db *gorm.DB) *gorm.DB { return db.Order("step_number ASC") }).
		Preload("Tags").
		First(&campaign).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}

	stats, err := cc.Store.CampaignStatsFor(campaign.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to compute stats", err)
	}

	return c.JSON(fiber.Map{
		"campaign": campaign,
		"stats":    stats,
	})
}

type UpdateCampaignInput struct {
	Name  *string `json:"name" validate:"omitempty,max=255"`
	Pitch *string `json:"pitch" validate:"omitempty,max=2000"`
	Tone  *string `json:"tone" validate:"omitempty,oneof=professional casual urgent friendly direct"`
}

// UpdateCampaign edits campaign details. Only allowed in DRAFT status.
func (cc *CampaignController) UpdateCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	campaignID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", err)
	}

	var input UpdateCampaignInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	var campaign models.Campaign
	if err := cc.DB.Where("id = ? AND user_id = ?", campaignID, user.ID).First(&campaign).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}
	if campaign.Status != models.CampaignStatusDraft {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Can only update campaigns in draft status",
		})
	}

	if input.Name != nil {
		campaign.Name = *input.Name
	}
	if input.Pitch != nil {
		campaign.Pitch = *input.Pitch
	}
	if input.Tone != nil {
		campaign.Tone = *input.Tone
	}

	if err := cc.DB.Save(&campaign).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update campaign", err)
	}
	return c.JSON(campaign)
}

// DeleteCampaign removes a DRAFT campaign and all its leads, templates and jobs
func (cc *CampaignController) DeleteCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	campaignID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", err)
	}

	if err := cc.Store.DeleteCampaign(campaignID, user.ID); err != nil {
		return storeErrorResponse(c, err, "Failed to delete campaign")
	}

	cc.Logger.Printf("Deleted campaign %s", campaignID)
	return c.JSON(fiber.Map{
		"message": "Campaign deleted successfully",
	})
}

type TagInput struct {
	Tag string `json:"tag" validate:"required,max=50"`
}

// AddTag attaches a tag to a campaign
func (cc *CampaignController) AddTag(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	campaignID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", err)
	}

	var input TagInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	if err := cc.Store.AddTag(campaignID, user.ID, input.Tag); err != nil {
		return storeErrorResponse(c, err, "Failed to add tag")
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Tag added",
	})
}

// RemoveTag detaches a tag from a campaign
func (cc *CampaignController) RemoveTag(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	campaignID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", err)
	}

	if err := cc.Store.RemoveTag(campaignID, user.ID, c.Params("tag")); err != nil {
		return storeErrorResponse(c, err, "Failed to remove tag")
	}
	return c.JSON(fiber.Map{
		"message": "Tag removed",
	})
}

// storeErrorResponse maps store sentinel errors onto HTTP codes.
func storeErrorResponse(c *fiber.Ctx, err error, fallback string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	case errors.Is(err, store.ErrInvalidState):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": err.Error(),
		})
	default:
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, fallback, err)
	}
}
