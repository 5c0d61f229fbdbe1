package controller

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"coldsend/config"
	"coldsend/models"
	"coldsend/store"
	"coldsend/utils"
)

const maxLeadsPerImport = 10000

type LeadController struct {
	DB     *gorm.DB
	Store  *store.Store
	Logger *log.Logger
}

func NewLeadController(db *gorm.DB, st *store.Store, logger *log.Logger) *LeadController {
	return &LeadController{
		DB:     db,
		Store:  st,
		Logger: logger,
	}
}

type CreateLeadInput struct {
	Email     string  `json:"email" validate:"required,max=255"`
	FirstName *string `json:"first_name" validate:"omitempty,max=100"`
	Company   *string `json:"company" validate:"omitempty,max=255"`
}

// CreateLead adds a single lead to a DRAFT campaign
func (lc *LeadController) CreateLead(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	campaignID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", err)
	}

	var input CreateLeadInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	email := utils.NormalizeEmail(input.Email)
	if err := utils.ValidateEmailFormat(email); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid email format", err)
	}

	var campaign models.Campaign
	if err := lc.DB.Where("id = ? AND user_id = ?", campaignID, user.ID).First(&campaign).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}
	if campaign.Status != models.CampaignStatusDraft {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Can only add leads to campaigns in draft status",
		})
	}

	var existing int64
	lc.DB.Model(&models.Lead{}).
		Where("campaign_id = ? AND email = ?", campaignID, email).
		Count(&existing)
	if existing > 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": fmt.Sprintf("Email %q already exists in this campaign", email),
		})
	}

	lead := models.Lead{
		CampaignID: campaignID,
		Email:      email,
		FirstName:  trimmed(input.FirstName),
		Company:    trimmed(input.Company),
		Status:     models.LeadStatusPending,
	}
	if err := lc.DB.Create(&lead).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create lead", err)
	}

	lc.Logger.Printf("Created lead %s for campaign %s", lead.ID, campaignID)
	return c.Status(fiber.StatusCreated).JSON(lead)
}

// GetLeads lists leads for a campaign with optional status filter
func (lc *LeadController) GetLeads(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	campaignID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", err)
	}

	var campaign models.Campaign
	if err := lc.DB.Where("id = ? AND user_id = ?", campaignID, user.ID).First(&campaign).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}

	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", 100)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}

	query := lc.DB.Model(&models.Lead{}).Where("campaign_id = ?", campaignID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	query.Count(&total)

	var leads []models.Lead
	if err := query.Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&leads).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch leads", err)
	}

	return c.JSON(utils.PaginatedResponse{
		Data:  leads,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

type LeadImportResult struct {
	TotalRows int      `json:"total_rows"`
	Imported  int      `json:"imported"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors"`
}

// ImportLeads bulk-imports leads from a CSV body. The file must have an
// "email" column; "first_name" and "company" are optional.
func (lc *LeadController) ImportLeads(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	campaignID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", err)
	}

	var campaign models.Campaign
	if err := lc.DB.Where("id = ? AND user_id = ?", campaignID, user.ID).First(&campaign).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}
	if campaign.Status != models.CampaignStatusDraft {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Can only import leads to campaigns in draft status",
		})
	}

	body := c.Body()
	if file, err := c.FormFile("file"); err == nil {
		f, err := file.Open()
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Failed to open uploaded file", err)
		}
		defer f.Close()
		body, err = io.ReadAll(f)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Failed to read uploaded file", err)
		}
	}

	reader := csv.NewReader(strings.NewReader(string(body)))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid CSV format", err)
	}

	columns := make(map[string]int)
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	emailCol, ok := columns["email"]
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "CSV must have an 'email' column",
		})
	}

	existingEmails := make(map[string]struct{})
	var existing []string
	lc.DB.Model(&models.Lead{}).Where("campaign_id = ?", campaignID).Pluck("email", &existing)
	for _, e := range existing {
		existingEmails[e] = struct{}{}
	}

	result := LeadImportResult{Errors: []string{}}
	rowNum := 1 // header is row 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		rowNum++
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Row %d: unreadable", rowNum))
			result.Skipped++
			continue
		}
		if result.Imported+result.Skipped >= maxLeadsPerImport {
			result.Errors = append(result.Errors, fmt.Sprintf("Maximum import limit (%d) reached", maxLeadsPerImport))
			break
		}

		email := ""
		if emailCol < len(row) {
			email = utils.NormalizeEmail(row[emailCol])
		}
		if email == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("Row %d: missing email", rowNum))
			result.Skipped++
			continue
		}
		if err := utils.ValidateEmailFormat(email); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Row %d: invalid email %q", rowNum, email))
			result.Skipped++
			continue
		}
		if _, dup := existingEmails[email]; dup {
			result.Errors = append(result.Errors, fmt.Sprintf("Row %d: duplicate email %q", rowNum, email))
			result.Skipped++
			continue
		}

		lead := models.Lead{
			CampaignID: campaignID,
			Email:      email,
			Status:     models.LeadStatusPending,
		}
		if col, ok := columns["first_name"]; ok && col < len(row) {
			lead.FirstName = trimmed(utils.Pointer(row[col]))
		}
		if col, ok := columns["company"]; ok && col < len(row) {
			lead.Company = trimmed(utils.Pointer(row[col]))
		}
		if err := lc.DB.Create(&lead).Error; err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Row %d: %v", rowNum, err))
			result.Skipped++
			continue
		}
		existingEmails[email] = struct{}{}
		result.Imported++
	}
	result.TotalRows = result.Imported + result.Skipped
	if len(result.Errors) > 50 {
		result.Errors = result.Errors[:50]
	}

	lc.Logger.Printf("CSV import to campaign %s: %d imported, %d skipped",
		campaignID, result.Imported, result.Skipped)
	return c.JSON(result)
}

// GetEmailHistory returns the per-step send history for a lead
func (lc *LeadController) GetEmailHistory(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	campaignID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", err)
	}
	leadID, err := utils.ParseUUIDParam(c, "lead_id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead id", err)
	}

	var campaign models.Campaign
	if err := lc.DB.Where("id = ? AND user_id = ?", campaignID, user.ID).First(&campaign).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}

	history, err := lc.Store.EmailHistory(campaignID, leadID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch email history", err)
	}
	return c.JSON(fiber.Map{
		"history": history,
	})
}

// MarkReplied manually transitions a lead to REPLIED. Only available when
// REPLY_MODE=simulated, for development without an inbound webhook.
func (lc *LeadController) MarkReplied(c *fiber.Ctx) error {
	if config.AppConfig.ReplyMode != config.ReplyModeSimulated {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "Manual reply marking requires REPLY_MODE=simulated",
		})
	}

	user := c.Locals("user").(*models.User)
	campaignID, err := utils.ParseUUIDParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", err)
	}
	leadID, err := utils.ParseUUIDParam(c, "lead_id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead id", err)
	}

	var lead models.Lead
	if err := lc.DB.
		Joins("JOIN campaigns ON campaigns.id = leads.campaign_id").
		Where("leads.id = ? AND leads.campaign_id = ? AND campaigns.user_id = ?", leadID, campaignID, user.ID).
		First(&lead).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Lead not found",
		})
	}

	changed, err := lc.Store.MarkLeadReplied(leadID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to mark lead replied", err)
	}

	lc.Logger.Printf("Lead %s marked as replied (simulated, changed=%t)", leadID, changed)
	return c.JSON(fiber.Map{
		"message": "Lead marked as replied",
		"changed": changed,
	})
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
