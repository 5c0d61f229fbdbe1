package routes

import (
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"gorm.io/gorm"

	"coldsend/config"
	controller "coldsend/controllers"
	"coldsend/middleware"
	"coldsend/store"
	"coldsend/utils"
)

// SetupRoutes registers the full HTTP surface. The dispatcher is passed in
// so launch/resume/retry endpoints can wake it.
func SetupRoutes(app *fiber.App, db *gorm.DB, st *store.Store, transport utils.EmailTransport, dispatcher controller.Waker) {
	campaignController := controller.NewCampaignController(db, st, log.New(os.Stdout, "CAMPAIGN: ", log.LstdFlags))
	campaignController.Dispatcher = dispatcher
	leadController := controller.NewLeadController(db, st, log.New(os.Stdout, "LEAD: ", log.LstdFlags))
	templateController := controller.NewTemplateController(db, log.New(os.Stdout, "TEMPLATE: ", log.LstdFlags))
	jobController := controller.NewJobController(db, st, log.New(os.Stdout, "JOB: ", log.LstdFlags))
	jobController.Dispatcher = dispatcher
	webhookController := controller.NewWebhookController(st, transport, log.New(os.Stdout, "WEBHOOK: ", log.LstdFlags))

	// Health check endpoints
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Campaign routes
	campaign := api.Group("/campaigns")
	campaign.Post("/", campaignController.CreateCampaign)
	campaign.Get("/", campaignController.GetCampaigns)
	campaign.Get("/:id", campaignController.GetCampaign)
	campaign.Put("/:id", campaignController.UpdateCampaign)
	campaign.Delete("/:id", campaignController.DeleteCampaign)

	// Lifecycle
	campaign.Post("/:id/launch", campaignController.LaunchCampaign)
	campaign.Post("/:id/pause", campaignController.PauseCampaign)
	campaign.Post("/:id/resume", campaignController.ResumeCampaign)
	campaign.Post("/:id/duplicate", campaignController.DuplicateCampaign)

	// Tags
	campaign.Post("/:id/tags", campaignController.AddTag)
	campaign.Delete("/:id/tags/:tag", campaignController.RemoveTag)

	// Templates
	campaign.Post("/:id/templates", templateController.UpsertTemplate)
	campaign.Get("/:id/templates", templateController.GetTemplates)
	campaign.Delete("/:id/templates", templateController.DeleteTemplate)

	// Leads
	campaign.Post("/:id/leads", leadController.CreateLead)
	campaign.Get("/:id/leads", leadController.GetLeads)
	campaign.Post("/:id/leads/import", leadController.ImportLeads)
	campaign.Get("/:id/leads/:lead_id/email-history", leadController.GetEmailHistory)
	campaign.Post("/:id/leads/:lead_id/mark-replied", leadController.MarkReplied)

	// Jobs
	campaign.Post("/:id/jobs/retry-all", jobController.RetryAllFailed)
	campaign.Get("/:id/steps/summary", jobController.GetStepSummary)
	api.Post("/jobs/:id/retry", jobController.RetryJob)

	// Webhook routes: HTTP Basic, no session auth. With no credentials
	// configured every request is rejected.
	webhookUsers := map[string]string{}
	if config.AppConfig.WebhookUsername != "" && config.AppConfig.WebhookPassword != "" {
		webhookUsers[config.AppConfig.WebhookUsername] = config.AppConfig.WebhookPassword
	}
	webhooks := app.Group("/webhooks", basicauth.New(basicauth.Config{
		Users: webhookUsers,
	}))
	webhooks.Post("/inbound", webhookController.HandleInbound)
	webhooks.Post("/bounce", webhookController.HandleBounce)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})

	log.Println("API routes initialized successfully")
}
