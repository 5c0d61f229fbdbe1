package controller

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"coldsend/store"
	"coldsend/utils"
)

// WebhookController handles the provider's inbound reply and bounce
// webhooks. Authentication is HTTP Basic, wired as middleware in routes.
type WebhookController struct {
	Store     *store.Store
	Transport utils.EmailTransport
	Logger    *log.Logger
}

func NewWebhookController(st *store.Store, transport utils.EmailTransport, logger *log.Logger) *WebhookController {
	return &WebhookController{
		Store:     st,
		Transport: transport,
		Logger:    logger,
	}
}

// HandleInbound processes an inbound reply: correlate to a lead, mark it
// REPLIED, cancel its pending follow-ups. Unmatched messages return 200 so
// the provider stops redelivering them; replays are no-ops.
func (wc *WebhookController) HandleInbound(c *fiber.Ctx) error {
	msg, err := wc.Transport.ParseInbound(c.Body())
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid webhook payload", err)
	}

	logrus.WithFields(logrus.Fields{
		"from":         msg.From,
		"subject":      msg.Subject,
		"mailbox_hash": msg.MailboxHash,
	}).Info("inbound email received")

	leadID, changed, err := wc.Store.IngestReply(msg)
	if err != nil {
		if errors.Is(err, store.ErrNoMatch) {
			wc.Logger.Printf("Inbound email from %s matches no lead - ignoring", msg.From)
			return c.JSON(fiber.Map{
				"status":  "ignored",
				"message": "No matching lead",
			})
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to process inbound email", err)
	}

	if changed {
		wc.Logger.Printf("Lead %s marked as replied", leadID)
	}
	return c.JSON(fiber.Map{
		"status":  "success",
		"message": "Reply processed",
	})
}

// HandleBounce processes a bounce notification: the bounced job fails, and
// the lead fails too unless an earlier step already went through.
func (wc *WebhookController) HandleBounce(c *fiber.Ctx) error {
	msg, err := wc.Transport.ParseInbound(c.Body())
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid webhook payload", err)
	}
	if msg.BounceType == "" {
		msg.BounceType = "unknown"
	}

	logrus.WithFields(logrus.Fields{
		"email":       msg.From,
		"bounce_type": msg.BounceType,
		"message_id":  msg.MessageID,
	}).Warn("bounce received")

	changed, err := wc.Store.IngestBounce(msg)
	if err != nil {
		if errors.Is(err, store.ErrNoMatch) {
			wc.Logger.Printf("Bounce for %s matches no job - ignoring", msg.From)
			return c.JSON(fiber.Map{
				"status":  "ignored",
				"message": "No matching job",
			})
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to process bounce", err)
	}

	return c.JSON(fiber.Map{
		"status":  "received",
		"changed": changed,
	})
}
