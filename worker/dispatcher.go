package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"coldsend/models"
	"coldsend/store"
	"coldsend/utils"
)

const sendTimeout = 30 * time.Second

// Dispatcher is the polling worker that claims due jobs and executes them.
// Several dispatcher processes may poll the same database; the per-job row
// lock keeps their claims disjoint.
type Dispatcher struct {
	Store       *store.Store
	Transport   utils.EmailTransport
	Clock       utils.Clock
	Logger      *log.Logger
	FromAddress string
	FromName    string
	ReplyTo     string

	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int

	wake chan struct{}
}

func NewDispatcher(st *store.Store, transport utils.EmailTransport, clock utils.Clock, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		Store:        st,
		Transport:    transport,
		Clock:        clock,
		Logger:       logger,
		PollInterval: 5 * time.Second,
		BatchSize:    10,
		MaxAttempts:  3,
		wake:         make(chan struct{}, 1),
	}
}

// Wake nudges the loop to poll immediately instead of waiting out the
// current interval.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start runs the polling loop until ctx is canceled. The in-flight job
// transaction finishes before the loop exits; anything still uncommitted
// rolls back and its row reverts to PENDING.
func (d *Dispatcher) Start(ctx context.Context) {
	d.Logger.Println("Dispatcher started")

	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.Logger.Println("Dispatcher shutting down...")
			return
		case <-ticker.C:
			d.Tick(ctx)
		case <-d.wake:
			d.Tick(ctx)
		}
	}
}

// Tick claims and executes one batch of due jobs, then completion-checks
// the campaigns it touched.
func (d *Dispatcher) Tick(ctx context.Context) {
	now := d.Clock.Now()
	ids, err := d.Store.DueJobIDs(now, d.BatchSize)
	if err != nil {
		d.Logger.Printf("Error fetching due jobs: %v", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	d.Logger.Printf("Processing %d due jobs", len(ids))

	campaigns := make(map[uuid.UUID]struct{})
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if campaignID, ok := d.processJob(ctx, id); ok {
			campaigns[campaignID] = struct{}{}
		}
	}

	for campaignID := range campaigns {
		completed, err := d.Store.CheckCampaignCompletion(campaignID)
		if err != nil {
			d.Logger.Printf("Error checking completion for campaign %s: %v", campaignID, err)
			continue
		}
		if completed {
			d.Logger.Printf("Campaign %s completed", campaignID)
		}
	}
}

// processJob runs one job in its own transaction: lock the row, re-validate
// campaign/lead/template under the lock, render, send, record the outcome
// and enqueue the next step. Panics in the send path are contained here so
// a bad job cannot take the worker down.
func (d *Dispatcher) processJob(ctx context.Context, jobID uuid.UUID) (campaignID uuid.UUID, processed bool) {
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			d.Logger.Printf("Panic processing job %s: %v", jobID, r)
			d.recordPanic(jobID, r)
		}
	}()

	err := d.Store.Transaction(func(tx *gorm.DB) error {
		now := d.Clock.Now()

		job, err := d.Store.ClaimJob(tx, jobID, now)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Another worker holds or already handled the row.
				return nil
			}
			return err
		}
		campaignID = job.CampaignID
		processed = true

		// Final pre-send validation, after the lock. A reply ingested
		// concurrently either committed before this read (we skip) or is
		// blocked on this row until we commit (it cancels nothing SENT).
		campaign, err := d.Store.LoadCampaign(tx, job.CampaignID)
		if err != nil {
			return d.Store.MarkSkipped(tx, job, "campaign missing")
		}
		switch campaign.Status {
		case models.CampaignStatusActive:
			// proceed
		case models.CampaignStatusPaused:
			// Leave the row untouched so Resume picks it up with its
			// original scheduled_at.
			processed = false
			return nil
		default:
			return d.Store.MarkSkipped(tx, job, "campaign not active")
		}

		lead, err := d.Store.LoadLead(tx, job.LeadID)
		if err != nil {
			return d.Store.MarkSkipped(tx, job, "lead missing")
		}
		if lead.IsTerminal() {
			return d.Store.MarkSkipped(tx, job, "lead terminal: "+lead.Status)
		}

		tmpl, err := d.Store.LoadTemplate(tx, job.CampaignID, job.StepNumber)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return d.Store.MarkSkipped(tx, job, "template missing")
			}
			return err
		}

		user, err := d.Store.LoadUser(tx, campaign.UserID)
		if err != nil {
			return d.Store.MarkSkipped(tx, job, "owner missing")
		}

		subject, body := utils.Render(tmpl, lead, user.SignatureHTML)

		email := &utils.OutboundEmail{
			From:     d.FromAddress,
			FromName: d.FromName,
			To:       lead.Email,
			Subject:  subject,
			HTMLBody: body,
			Headers: map[string]string{
				"X-Campaign-ID": job.CampaignID.String(),
				"X-Lead-ID":     job.LeadID.String(),
			},
		}
		if d.ReplyTo != "" {
			email.ReplyTo = utils.ReplyToWithToken(d.ReplyTo, lead.ID)
		}

		// The transport call runs with the row lock held; a bounded
		// timeout keeps a stuck provider from pinning the lock forever.
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		messageID, sendErr := d.Transport.Send(sendCtx, email)
		cancel()

		if sendErr != nil {
			return d.handleSendFailure(tx, job, lead, sendErr)
		}

		sentAt := d.Clock.Now()
		if err := d.Store.MarkSent(tx, job, sentAt, messageID); err != nil {
			return err
		}
		if lead.Status == models.LeadStatusPending {
			lead.Status = models.LeadStatusContacted
			lead.UpdatedAt = sentAt
			if err := tx.Save(lead).Error; err != nil {
				return err
			}
		}

		logrus.WithFields(logrus.Fields{
			"job_id":     job.ID,
			"campaign":   job.CampaignID,
			"lead":       lead.Email,
			"step":       job.StepNumber,
			"message_id": messageID,
		}).Info("email sent")

		return d.scheduleNextStep(tx, job, sentAt)
	})
	if err != nil {
		d.Logger.Printf("Error processing job %s: %v", jobID, err)
	}
	return campaignID, processed
}

// scheduleNextStep creates the job for step n+1, if a template exists for
// it. The delay counts from the actual send time just recorded.
func (d *Dispatcher) scheduleNextStep(tx *gorm.DB, completed *models.Job, sentAt time.Time) error {
	nextStep := completed.StepNumber + 1

	tmpl, err := d.Store.LoadTemplate(tx, completed.CampaignID, nextStep)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Sequence exhausted for this lead.
			return nil
		}
		return err
	}

	nextAt := utils.NextStepAt(sentAt, tmpl.DelayMinutes)
	_, err = d.Store.CreateJob(tx, completed.CampaignID, completed.LeadID, nextStep, nextAt)
	if err == nil {
		d.Logger.Printf("Scheduled step %d for lead %s at %s", nextStep, completed.LeadID, nextAt)
	}
	return err
}

// handleSendFailure applies the retry policy: transient errors back off
// exponentially until MaxAttempts, permanent errors fail at once. A job
// that fails for good takes its lead with it unless an earlier step
// already got through.
func (d *Dispatcher) handleSendFailure(tx *gorm.DB, job *models.Job, lead *models.Lead, sendErr error) error {
	now := d.Clock.Now()
	attempts := job.Attempts + 1

	permanent := utils.IsPermanentSendError(sendErr)
	exhausted := attempts >= d.MaxAttempts

	logrus.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"lead":      lead.Email,
		"step":      job.StepNumber,
		"attempt":   attempts,
		"permanent": permanent,
	}).Warn("send failed: ", sendErr)

	if !permanent && !exhausted {
		nextAt := utils.RetryBackoffAt(now, attempts)
		return d.Store.RescheduleForRetry(tx, job, nextAt, sendErr.Error())
	}

	if err := d.Store.MarkFailed(tx, job, sendErr.Error()); err != nil {
		return err
	}
	return d.failLead(tx, job, lead)
}

// failLead marks the lead FAILED unless it is already terminal or another
// job for it has been sent successfully.
func (d *Dispatcher) failLead(tx *gorm.DB, job *models.Job, lead *models.Lead) error {
	if lead.IsTerminal() {
		return nil
	}
	var otherSent int64
	if err := tx.Model(&models.Job{}).
		Where("lead_id = ? AND id <> ? AND status = ?", lead.ID, job.ID, models.JobStatusSent).
		Count(&otherSent).Error; err != nil {
		return err
	}
	if otherSent > 0 {
		return nil
	}
	lead.Status = models.LeadStatusFailed
	lead.UpdatedAt = d.Clock.Now()
	if err := tx.Save(lead).Error; err != nil {
		return err
	}
	_, err := d.Store.CancelPendingJobsForLead(tx, lead.ID)
	return err
}

// recordPanic converts a recovered panic into a transient failure on the
// job, outside the rolled-back transaction.
func (d *Dispatcher) recordPanic(jobID uuid.UUID, r interface{}) {
	err := d.Store.Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			return err
		}
		if job.Status != models.JobStatusPending {
			return nil
		}
		msg := fmt.Sprintf("panic: %v", r)
		if job.Attempts+1 >= d.MaxAttempts {
			return d.Store.MarkFailed(tx, &job, msg)
		}
		return d.Store.RescheduleForRetry(tx, &job, utils.RetryBackoffAt(d.Clock.Now(), job.Attempts+1), msg)
	})
	if err != nil {
		d.Logger.Printf("Failed to record panic for job %s: %v", jobID, err)
	}
}
