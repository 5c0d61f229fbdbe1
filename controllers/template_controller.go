package controller

import (
	"log"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"coldsend/models"
	"coldsend/utils"
)

type TemplateController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewTemplateController(db *gorm.DB, logger *log.Logger) *TemplateController {
	return &TemplateController{
		DB:     db,
		Logger: logger,
	}
}

type UpsertTemplateInput struct {
	StepNumber   int    `json:"step_number" validate:"required,gte=1"`
	Subject      string `json:"subject" validate:"required,max=200"`
	BodyHTML     string `json:"body_html" validate:"required,max=10000"`
	DelayMinutes int    `json:"delay_minutes" validate:"gte=0"`
}

// UpsertTemplate creates or replaces the template for one step of a DRAFT
// campaign. Step 1's delay is stored but never used for scheduling.
func (tc *TemplateController) UpsertTemplate(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	campaignID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", err)
	}

	var input UpsertTemplateInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	var campaign models.Campaign
	if err := tc.DB.Where("id = ? AND user_id = ?", campaignID, user.ID).First(&campaign).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}
	if campaign.Status != models.CampaignStatusDraft {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Can only edit templates of campaigns in draft status",
		})
	}

	var tmpl models.Template
	err = tc.DB.Where("campaign_id = ? AND step_number = ?", campaignID, input.StepNumber).First(&tmpl).Error
	if err == nil {
		tmpl.Subject = input.Subject
		tmpl.BodyHTML = input.BodyHTML
		tmpl.DelayMinutes = input.DelayMinutes
		if err := tc.DB.Save(&tmpl).Error; err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update template", err)
		}
		return c.JSON(tmpl)
	}
	if err != gorm.ErrRecordNotFound {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load template", err)
	}

	tmpl = models.Template{
		CampaignID:   campaignID,
		StepNumber:   input.StepNumber,
		Subject:      input.Subject,
		BodyHTML:     input.BodyHTML,
		DelayMinutes: input.DelayMinutes,
	}
	if err := tc.DB.Create(&tmpl).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create template", err)
	}

	tc.Logger.Printf("Created template step %d for campaign %s", tmpl.StepNumber, campaignID)
	return c.Status(fiber.StatusCreated).JSON(tmpl)
}

// GetTemplates lists a campaign's templates in step order
func (tc *TemplateController) GetTemplates(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	campaignID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", err)
	}

	var campaign models.Campaign
	if err := tc.DB.Where("id = ? AND user_id = ?", campaignID, user.ID).First(&campaign).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}

	var templates []models.Template
	if err := tc.DB.Where("campaign_id = ?", campaignID).
		Order("step_number ASC").
		Find(&templates).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch templates", err)
	}
	return c.JSON(templates)
}

// DeleteTemplate removes one step's template from a DRAFT campaign
func (tc *TemplateController) DeleteTemplate(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	campaignID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", err)
	}

	var campaign models.Campaign
	if err := tc.DB.Where("id = ? AND user_id = ?", campaignID, user.ID).First(&campaign).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}
	if campaign.Status != models.CampaignStatusDraft {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Can only edit templates of campaigns in draft status",
		})
	}

	step := c.QueryInt("step", 0)
	if step < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "step query parameter is required",
		})
	}

	res := tc.DB.Where("campaign_id = ? AND step_number = ?", campaignID, step).Delete(&models.Template{})
	if res.Error != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete template", res.Error)
	}
	if res.RowsAffected == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Template not found",
		})
	}
	return c.JSON(fiber.Map{
		"message": "Template deleted",
	})
}
