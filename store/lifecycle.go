package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"coldsend/models"
	"coldsend/utils"
)

// LaunchCampaign moves a DRAFT campaign to ACTIVE and creates the step-1
// job for every non-terminal lead, all in one transaction. A second launch
// finds the campaign no longer in DRAFT and fails with ErrInvalidState.
func (s *Store) LaunchCampaign(campaignID, userID uuid.UUID, startTime *time.Time) (*models.Campaign, error) {
	var campaign *models.Campaign
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		c, err := s.loadOwnedCampaign(tx, campaignID, userID)
		if err != nil {
			return err
		}
		if c.Status != models.CampaignStatusDraft {
			return fmt.Errorf("%w: campaign must be in draft status to launch", ErrInvalidState)
		}

		var templateCount int64
		if err := tx.Model(&models.Template{}).
			Where("campaign_id = ? AND step_number = 1", campaignID).
			Count(&templateCount).Error; err != nil {
			return err
		}
		if templateCount == 0 {
			return fmt.Errorf("%w: campaign must have a step-1 template", ErrInvalidState)
		}

		var leads []models.Lead
		if err := tx.Where("campaign_id = ? AND status IN ?",
			campaignID, []string{models.LeadStatusPending, models.LeadStatusContacted}).
			Find(&leads).Error; err != nil {
			return err
		}
		if len(leads) == 0 {
			return fmt.Errorf("%w: campaign must have at least one lead", ErrInvalidState)
		}

		now := s.Clock.Now()
		anchor := utils.FirstStepAt(startTime, now)
		for i := range leads {
			if _, err := s.CreateJob(tx, campaignID, leads[i].ID, 1, anchor); err != nil {
				return err
			}
		}

		c.Status = models.CampaignStatusActive
		c.StartTime = &anchor
		c.UpdatedAt = now
		if err := tx.Save(c).Error; err != nil {
			return err
		}
		campaign = c
		return nil
	})
	return campaign, err
}

// PauseCampaign stops dispatching without touching job rows; the
// dispatcher's pre-send check defers PENDING jobs while paused.
func (s *Store) PauseCampaign(campaignID, userID uuid.UUID) (*models.Campaign, error) {
	return s.transition(campaignID, userID, models.CampaignStatusPaused)
}

// ResumeCampaign reactivates a paused campaign. Overdue jobs keep their
// original scheduled_at and become eligible on the next tick.
func (s *Store) ResumeCampaign(campaignID, userID uuid.UUID) (*models.Campaign, error) {
	return s.transition(campaignID, userID, models.CampaignStatusActive)
}

func (s *Store) transition(campaignID, userID uuid.UUID, target string) (*models.Campaign, error) {
	var campaign *models.Campaign
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		c, err := s.loadOwnedCampaign(tx, campaignID, userID)
		if err != nil {
			return err
		}
		if !c.CanTransitionTo(target) {
			return fmt.Errorf("%w: cannot move campaign from %s to %s", ErrInvalidState, c.Status, target)
		}
		c.Status = target
		c.UpdatedAt = s.Clock.Now()
		if err := tx.Save(c).Error; err != nil {
			return err
		}
		campaign = c
		return nil
	})
	return campaign, err
}

// DeleteCampaign removes a DRAFT campaign and everything under it.
func (s *Store) DeleteCampaign(campaignID, userID uuid.UUID) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		c, err := s.loadOwnedCampaign(tx, campaignID, userID)
		if err != nil {
			return err
		}
		if c.Status != models.CampaignStatusDraft {
			return fmt.Errorf("%w: only draft campaigns can be deleted", ErrInvalidState)
		}

		if err := tx.Where("campaign_id = ?", campaignID).Delete(&models.Job{}).Error; err != nil {
			return err
		}
		if err := tx.Where("campaign_id = ?", campaignID).Delete(&models.Template{}).Error; err != nil {
			return err
		}
		if err := tx.Where("campaign_id = ?", campaignID).Delete(&models.Lead{}).Error; err != nil {
			return err
		}
		if err := tx.Where("campaign_id = ?", campaignID).Delete(&models.CampaignTag{}).Error; err != nil {
			return err
		}
		return tx.Delete(c).Error
	})
}

// DuplicateCampaign copies a campaign's templates and tags into a fresh
// DRAFT. Leads and jobs are not copied.
func (s *Store) DuplicateCampaign(campaignID, userID uuid.UUID, newName string) (*models.Campaign, error) {
	var dup *models.Campaign
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		original, err := s.loadOwnedCampaign(tx, campaignID, userID)
		if err != nil {
			return err
		}

		if newName == "" {
			newName = original.Name + " (Copy)"
		}
		clone := &models.Campaign{
			UserID: userID,
			Name:   newName,
			Pitch:  original.Pitch,
			Tone:   original.Tone,
			Status: models.CampaignStatusDraft,
		}
		if err := tx.Create(clone).Error; err != nil {
			return err
		}

		var templates []models.Template
		if err := tx.Where("campaign_id = ?", campaignID).Find(&templates).Error; err != nil {
			return err
		}
		for i := range templates {
			t := models.Template{
				CampaignID:   clone.ID,
				StepNumber:   templates[i].StepNumber,
				Subject:      templates[i].Subject,
				BodyHTML:     templates[i].BodyHTML,
				DelayMinutes: templates[i].DelayMinutes,
			}
			if err := tx.Create(&t).Error; err != nil {
				return err
			}
		}

		var tags []models.CampaignTag
		if err := tx.Where("campaign_id = ?", campaignID).Find(&tags).Error; err != nil {
			return err
		}
		for i := range tags {
			tag := models.CampaignTag{CampaignID: clone.ID, Tag: tags[i].Tag}
			if err := tx.Create(&tag).Error; err != nil {
				return err
			}
		}

		dup = clone
		return nil
	})
	return dup, err
}

// CheckCampaignCompletion marks an ACTIVE campaign COMPLETED once no
// PENDING jobs remain: at that point every lead is terminal or has
// exhausted its sequence. Returns true if the transition happened.
func (s *Store) CheckCampaignCompletion(campaignID uuid.UUID) (bool, error) {
	completed := false
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var campaign models.Campaign
		if err := tx.First(&campaign, "id = ?", campaignID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if campaign.Status != models.CampaignStatusActive {
			return nil
		}

		var pendingJobs int64
		if err := tx.Model(&models.Job{}).
			Where("campaign_id = ? AND status = ?", campaignID, models.JobStatusPending).
			Count(&pendingJobs).Error; err != nil {
			return err
		}
		if pendingJobs > 0 {
			return nil
		}

		campaign.Status = models.CampaignStatusCompleted
		campaign.UpdatedAt = s.Clock.Now()
		if err := tx.Save(&campaign).Error; err != nil {
			return err
		}
		completed = true
		return nil
	})
	return completed, err
}

// CampaignStatsFor computes the lead and job counters shown on reads.
func (s *Store) CampaignStatsFor(campaignID uuid.UUID) (*models.CampaignStats, error) {
	stats := &models.CampaignStats{}

	type statusCount struct {
		Status string
		Count  int64
	}
	var leadCounts []statusCount
	if err := s.DB.Model(&models.Lead{}).
		Select("status, COUNT(id) AS count").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Scan(&leadCounts).Error; err != nil {
		return nil, err
	}
	for _, lc := range leadCounts {
		stats.TotalLeads += lc.Count
		switch lc.Status {
		case models.LeadStatusPending:
			stats.PendingLeads = lc.Count
		case models.LeadStatusContacted:
			stats.ContactedLeads = lc.Count
		case models.LeadStatusReplied:
			stats.RepliedLeads = lc.Count
		case models.LeadStatusFailed:
			stats.FailedLeads = lc.Count
		}
	}

	if err := s.DB.Model(&models.Job{}).
		Where("campaign_id = ? AND status = ?", campaignID, models.JobStatusPending).
		Count(&stats.PendingJobs).Error; err != nil {
		return nil, err
	}
	return stats, nil
}

// AddTag attaches a tag to a campaign, ignoring duplicates.
func (s *Store) AddTag(campaignID, userID uuid.UUID, tag string) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if _, err := s.loadOwnedCampaign(tx, campaignID, userID); err != nil {
			return err
		}
		var existing models.CampaignTag
		err := tx.Where("campaign_id = ? AND tag = ?", campaignID, tag).First(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(&models.CampaignTag{CampaignID: campaignID, Tag: tag}).Error
	})
}

// RemoveTag detaches a tag from a campaign.
func (s *Store) RemoveTag(campaignID, userID uuid.UUID, tag string) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if _, err := s.loadOwnedCampaign(tx, campaignID, userID); err != nil {
			return err
		}
		return tx.Where("campaign_id = ? AND tag = ?", campaignID, tag).
			Delete(&models.CampaignTag{}).Error
	})
}

func (s *Store) loadOwnedCampaign(tx *gorm.DB, campaignID, userID uuid.UUID) (*models.Campaign, error) {
	var campaign models.Campaign
	err := tx.Where("id = ? AND user_id = ?", campaignID, userID).First(&campaign).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &campaign, nil
}
