package store

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"coldsend/models"
	"coldsend/utils"
)

// ErrNoMatch means an inbound message could not be correlated to a lead.
// Webhooks log it and return 200; it is not an operator-facing error.
var ErrNoMatch = errors.New("inbound message matches no lead")

// ResolveLeadFromInbound correlates an inbound message to a lead: first via
// the plus-address routing token (the lead id itself), then by joining the
// In-Reply-To / References message-ids against jobs.message_id.
func (s *Store) ResolveLeadFromInbound(msg *utils.InboundMessage) (uuid.UUID, error) {
	if msg.MailboxHash != "" {
		if leadID, err := uuid.Parse(msg.MailboxHash); err == nil {
			var count int64
			if err := s.DB.Model(&models.Lead{}).Where("id = ?", leadID).Count(&count).Error; err != nil {
				return uuid.Nil, err
			}
			if count > 0 {
				return leadID, nil
			}
		}
	}

	candidates := messageIDCandidates(msg)
	if len(candidates) == 0 {
		return uuid.Nil, ErrNoMatch
	}

	var job models.Job
	err := s.DB.Where("message_id IN ?", candidates).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, ErrNoMatch
		}
		return uuid.Nil, err
	}
	return job.LeadID, nil
}

// IngestReply marks the correlated lead REPLIED and cancels its pending
// jobs in one transaction. Replaying the same webhook is a no-op because a
// terminal lead is left untouched.
func (s *Store) IngestReply(msg *utils.InboundMessage) (uuid.UUID, bool, error) {
	leadID, err := s.ResolveLeadFromInbound(msg)
	if err != nil {
		return uuid.Nil, false, err
	}
	changed, err := s.MarkLeadReplied(leadID)
	return leadID, changed, err
}

// MarkLeadReplied transitions a non-terminal lead to REPLIED and flips its
// PENDING jobs to SKIPPED. The job updates contend on the row locks the
// dispatcher holds, so a reply either lands before a follow-up's final
// validation (and the send is skipped) or after the job is already SENT.
// Canceling here may drain the campaign's last pending job, so the
// completion check runs once the cancellation commits.
func (s *Store) MarkLeadReplied(leadID uuid.UUID) (bool, error) {
	changed := false
	var campaignID uuid.UUID
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		lead, err := s.LoadLead(tx, leadID)
		if err != nil {
			return err
		}
		if lead.IsTerminal() {
			return nil
		}

		lead.Status = models.LeadStatusReplied
		lead.UpdatedAt = s.Clock.Now()
		if err := tx.Save(lead).Error; err != nil {
			return err
		}
		if _, err := s.CancelPendingJobsForLead(tx, leadID); err != nil {
			return err
		}
		campaignID = lead.CampaignID
		changed = true
		return nil
	})
	if err != nil || !changed {
		return changed, err
	}
	if _, err := s.CheckCampaignCompletion(campaignID); err != nil {
		return changed, err
	}
	return changed, nil
}

// IngestBounce fails the bounced job, and fails the lead only when no
// other job for that lead has already gone out successfully. Like a reply,
// a bounce can drain the campaign's last pending job, so the completion
// check runs after the transaction commits.
func (s *Store) IngestBounce(msg *utils.InboundMessage) (bool, error) {
	changed := false
	var campaignID uuid.UUID
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		candidates := messageIDCandidates(msg)
		if len(candidates) == 0 {
			return ErrNoMatch
		}

		var job models.Job
		if err := tx.Where("message_id IN ?", candidates).First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoMatch
			}
			return err
		}
		if job.Status == models.JobStatusFailed {
			return nil
		}

		reason := "bounced"
		if msg.BounceType != "" {
			reason = "bounced: " + msg.BounceType
		}
		job.Status = models.JobStatusFailed
		job.LastError = truncateError(reason)
		job.UpdatedAt = s.Clock.Now()
		if err := tx.Save(&job).Error; err != nil {
			return err
		}

		var otherSent int64
		if err := tx.Model(&models.Job{}).
			Where("lead_id = ? AND id <> ? AND status = ?", job.LeadID, job.ID, models.JobStatusSent).
			Count(&otherSent).Error; err != nil {
			return err
		}
		if otherSent == 0 {
			lead, err := s.LoadLead(tx, job.LeadID)
			if err != nil {
				return err
			}
			if !lead.IsTerminal() {
				lead.Status = models.LeadStatusFailed
				lead.UpdatedAt = s.Clock.Now()
				if err := tx.Save(lead).Error; err != nil {
					return err
				}
			}
			if _, err := s.CancelPendingJobsForLead(tx, job.LeadID); err != nil {
				return err
			}
		}
		campaignID = job.CampaignID
		changed = true
		return nil
	})
	if err != nil || !changed {
		return changed, err
	}
	if _, err := s.CheckCampaignCompletion(campaignID); err != nil {
		return changed, err
	}
	return changed, nil
}

// messageIDCandidates collects the message-ids an inbound payload may
// reference, with and without RFC 5322 angle brackets.
func messageIDCandidates(msg *utils.InboundMessage) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		bare := strings.Trim(id, "<>")
		for _, v := range []string{id, bare, "<" + bare + ">"} {
			if _, ok := seen[v]; !ok {
				seen[v] = struct{}{}
				out = append(out, v)
			}
		}
	}
	add(msg.InReplyTo)
	for _, ref := range strings.Fields(msg.References) {
		add(ref)
	}
	if msg.BounceType != "" {
		// Bounce payloads carry the original outbound message-id directly.
		add(msg.MessageID)
	}
	return out
}
