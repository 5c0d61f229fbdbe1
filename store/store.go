package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"coldsend/models"
	"coldsend/utils"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
)

// Store wraps the database with the transactional operations the campaign
// core needs. The jobs table is both queue and source of truth, so every
// mutation here happens inside a single transaction.
type Store struct {
	DB    *gorm.DB
	Clock utils.Clock
}

func New(db *gorm.DB, clock utils.Clock) *Store {
	return &Store{DB: db, Clock: clock}
}

// Transaction runs fn inside a database transaction.
func (s *Store) Transaction(fn func(tx *gorm.DB) error) error {
	return s.DB.Transaction(fn)
}

// --- fetches ---

func (s *Store) LoadCampaign(tx *gorm.DB, id uuid.UUID) (*models.Campaign, error) {
	var campaign models.Campaign
	if err := tx.First(&campaign, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &campaign, nil
}

func (s *Store) LoadLead(tx *gorm.DB, id uuid.UUID) (*models.Lead, error) {
	var lead models.Lead
	if err := tx.First(&lead, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &lead, nil
}

func (s *Store) LoadTemplate(tx *gorm.DB, campaignID uuid.UUID, step int) (*models.Template, error) {
	var tmpl models.Template
	err := tx.Where("campaign_id = ? AND step_number = ?", campaignID, step).First(&tmpl).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &tmpl, nil
}

func (s *Store) LoadUser(tx *gorm.DB, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := tx.First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// --- claiming ---

// DueJobIDs returns ids of jobs that look ready to run, ordered
// deterministically. The ids are candidates only: the authoritative check
// happens when ClaimJob re-reads the row under its lock.
func (s *Store) DueJobIDs(now time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.DB.Model(&models.Job{}).
		Where("status = ? AND scheduled_at <= ?", models.JobStatusPending, now).
		Order("scheduled_at ASC, campaign_id ASC, lead_id ASC, step_number ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// ClaimJob locks a single due PENDING job inside tx. With the postgres
// dialect the lock is FOR UPDATE SKIP LOCKED, so concurrent workers get
// disjoint jobs; a row another worker holds is reported as ErrNotFound and
// simply retried next tick.
func (s *Store) ClaimJob(tx *gorm.DB, jobID uuid.UUID, now time.Time) (*models.Job, error) {
	q := tx.Where("id = ? AND status = ? AND scheduled_at <= ?", jobID, models.JobStatusPending, now)
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var job models.Job
	if err := q.First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// --- outcome writes ---

// MarkSent records a successful send. Counts as an attempt.
func (s *Store) MarkSent(tx *gorm.DB, job *models.Job, sentAt time.Time, messageID string) error {
	job.Status = models.JobStatusSent
	job.SentAt = &sentAt
	job.MessageID = &messageID
	job.Attempts++
	job.LastError = nil
	job.UpdatedAt = s.Clock.Now()
	return tx.Save(job).Error
}

// MarkFailed records a terminal failure. Counts as an attempt.
func (s *Store) MarkFailed(tx *gorm.DB, job *models.Job, errMsg string) error {
	job.Status = models.JobStatusFailed
	job.Attempts++
	job.LastError = truncateError(errMsg)
	job.UpdatedAt = s.Clock.Now()
	return tx.Save(job).Error
}

// MarkSkipped records a validation skip. Skips are not attempts.
func (s *Store) MarkSkipped(tx *gorm.DB, job *models.Job, reason string) error {
	job.Status = models.JobStatusSkipped
	job.LastError = truncateError(reason)
	job.UpdatedAt = s.Clock.Now()
	return tx.Save(job).Error
}

// RescheduleForRetry keeps the job PENDING and pushes scheduled_at out.
func (s *Store) RescheduleForRetry(tx *gorm.DB, job *models.Job, nextAt time.Time, errMsg string) error {
	job.Status = models.JobStatusPending
	job.ScheduledAt = nextAt
	job.Attempts++
	job.LastError = truncateError(errMsg)
	job.UpdatedAt = s.Clock.Now()
	return tx.Save(job).Error
}

// CreateJob inserts a job for (lead, step), idempotently: if a non-FAILED
// job already exists for the pair it is returned unchanged, so retried
// transactions and double launches cannot produce duplicate sends.
func (s *Store) CreateJob(tx *gorm.DB, campaignID, leadID uuid.UUID, step int, scheduledAt time.Time) (*models.Job, error) {
	var existing models.Job
	err := tx.Where("lead_id = ? AND step_number = ? AND status <> ?",
		leadID, step, models.JobStatusFailed).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	job := &models.Job{
		CampaignID:  campaignID,
		LeadID:      leadID,
		StepNumber:  step,
		ScheduledAt: scheduledAt,
		Status:      models.JobStatusPending,
	}
	if err := tx.Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

// CancelPendingJobsForLead flips every PENDING job of a terminal lead to
// SKIPPED. The bulk UPDATE takes the same row locks the dispatcher claims,
// which is what serializes a reply against an in-flight send.
func (s *Store) CancelPendingJobsForLead(tx *gorm.DB, leadID uuid.UUID) (int64, error) {
	res := tx.Model(&models.Job{}).
		Where("lead_id = ? AND status = ?", leadID, models.JobStatusPending).
		Updates(map[string]interface{}{
			"status":     models.JobStatusSkipped,
			"last_error": "lead terminal",
			"updated_at": s.Clock.Now(),
		})
	return res.RowsAffected, res.Error
}

// RetryFailedJob resets a FAILED job for immediate re-execution.
func (s *Store) RetryFailedJob(jobID uuid.UUID) (*models.Job, error) {
	var job *models.Job
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var j models.Job
		if err := tx.First(&j, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if j.Status != models.JobStatusFailed {
			return ErrInvalidState
		}

		j.Status = models.JobStatusPending
		j.ScheduledAt = s.Clock.Now()
		j.Attempts = 0
		j.LastError = nil
		j.SentAt = nil
		j.UpdatedAt = s.Clock.Now()
		if err := tx.Save(&j).Error; err != nil {
			return err
		}

		// A failed final step marked the lead FAILED; give it another run.
		res := tx.Model(&models.Lead{}).
			Where("id = ? AND status = ?", j.LeadID, models.LeadStatusFailed).
			Update("status", models.LeadStatusPending)
		if res.Error != nil {
			return res.Error
		}

		job = &j
		return nil
	})
	return job, err
}

// RetryAllFailedJobs resets every FAILED job of a campaign.
func (s *Store) RetryAllFailedJobs(campaignID uuid.UUID) (int64, error) {
	var count int64
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var jobs []models.Job
		if err := tx.Where("campaign_id = ? AND status = ?",
			campaignID, models.JobStatusFailed).Find(&jobs).Error; err != nil {
			return err
		}
		now := s.Clock.Now()
		for i := range jobs {
			jobs[i].Status = models.JobStatusPending
			jobs[i].ScheduledAt = now
			jobs[i].Attempts = 0
			jobs[i].LastError = nil
			jobs[i].SentAt = nil
			jobs[i].UpdatedAt = now
			if err := tx.Save(&jobs[i]).Error; err != nil {
				return err
			}
			res := tx.Model(&models.Lead{}).
				Where("id = ? AND status = ?", jobs[i].LeadID, models.LeadStatusFailed).
				Update("status", models.LeadStatusPending)
			if res.Error != nil {
				return res.Error
			}
		}
		count = int64(len(jobs))
		return nil
	})
	return count, err
}

// HistoryEntry is one row of a lead's send history.
type HistoryEntry struct {
	StepNumber  int        `json:"step_number"`
	Status      string     `json:"status"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	SentAt      *time.Time `json:"sent_at"`
	Subject     string     `json:"subject"`
	Attempts    int        `json:"attempts"`
	LastError   *string    `json:"last_error"`
}

// EmailHistory returns the per-step send history for one lead, in step
// order, with the template subject joined in for display.
func (s *Store) EmailHistory(campaignID, leadID uuid.UUID) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	err := s.DB.Model(&models.Job{}).
		Select("jobs.step_number, jobs.status, jobs.scheduled_at, jobs.sent_at, "+
			"COALESCE(templates.subject, '') AS subject, jobs.attempts, jobs.last_error").
		Joins("LEFT JOIN templates ON templates.campaign_id = jobs.campaign_id AND templates.step_number = jobs.step_number").
		Where("jobs.campaign_id = ? AND jobs.lead_id = ?", campaignID, leadID).
		Order("jobs.step_number ASC, jobs.created_at ASC").
		Scan(&entries).Error
	return entries, err
}

// StepSummaryRow aggregates job outcomes for one step of a campaign.
type StepSummaryRow struct {
	StepNumber      int        `json:"step_number"`
	Sent            int64      `json:"sent"`
	Pending         int64      `json:"pending"`
	Failed          int64      `json:"failed"`
	Skipped         int64      `json:"skipped"`
	NextScheduledAt *time.Time `json:"next_scheduled_at"`
}

// StepSummary returns per-step counts for a campaign's jobs.
func (s *Store) StepSummary(campaignID uuid.UUID) ([]StepSummaryRow, error) {
	var rows []StepSummaryRow
	err := s.DB.Model(&models.Job{}).
		Select("step_number, "+
			"COUNT(CASE WHEN status = 'sent' THEN 1 END) AS sent, "+
			"COUNT(CASE WHEN status = 'pending' THEN 1 END) AS pending, "+
			"COUNT(CASE WHEN status = 'failed' THEN 1 END) AS failed, "+
			"COUNT(CASE WHEN status = 'skipped' THEN 1 END) AS skipped, "+
			"MIN(CASE WHEN status = 'pending' THEN scheduled_at END) AS next_scheduled_at").
		Where("campaign_id = ?", campaignID).
		Group("step_number").
		Order("step_number ASC").
		Scan(&rows).Error
	return rows, err
}

func truncateError(msg string) *string {
	if len(msg) > 1000 {
		msg = msg[:1000]
	}
	return &msg
}
