package store

import (
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"coldsend/models"
)

func TestLaunchCampaign(t *testing.T) {
	s, clock := newTestStore(t)
	user, campaign, lead := seedCampaign(t, s, models.CampaignStatusDraft)
	seedTemplate(t, s, campaign.ID, 1, 0)

	launched, err := s.LaunchCampaign(campaign.ID, user.ID, nil)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if launched.Status != models.CampaignStatusActive {
		t.Errorf("expected ACTIVE, got %s", launched.Status)
	}
	if launched.StartTime == nil || !sameTime(*launched.StartTime, clock.Now()) {
		t.Errorf("start_time must default to now, got %v", launched.StartTime)
	}

	var jobs []models.Job
	s.DB.Where("campaign_id = ?", campaign.ID).Find(&jobs)
	if len(jobs) != 1 {
		t.Fatalf("expected one step-1 job, got %d", len(jobs))
	}
	if jobs[0].LeadID != lead.ID || jobs[0].StepNumber != 1 {
		t.Errorf("wrong job created: %+v", jobs[0])
	}
	if !sameTime(jobs[0].ScheduledAt, clock.Now()) {
		t.Errorf("step-1 job anchored at launch time, got %v", jobs[0].ScheduledAt)
	}
}

func TestLaunchCampaignWithFutureStart(t *testing.T) {
	s, clock := newTestStore(t)
	user, campaign, _ := seedCampaign(t, s, models.CampaignStatusDraft)
	seedTemplate(t, s, campaign.ID, 1, 0)

	start := clock.Now().Add(4 * time.Hour)
	launched, err := s.LaunchCampaign(campaign.ID, user.ID, &start)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if !sameTime(*launched.StartTime, start) {
		t.Errorf("future start must be kept, got %v", launched.StartTime)
	}

	var job models.Job
	s.DB.Where("campaign_id = ?", campaign.ID).First(&job)
	if !sameTime(job.ScheduledAt, start) {
		t.Errorf("step-1 job must be anchored at start_time, got %v", job.ScheduledAt)
	}
}

func TestLaunchTwiceFails(t *testing.T) {
	s, _ := newTestStore(t)
	user, campaign, _ := seedCampaign(t, s, models.CampaignStatusDraft)
	seedTemplate(t, s, campaign.ID, 1, 0)

	if _, err := s.LaunchCampaign(campaign.ID, user.ID, nil); err != nil {
		t.Fatalf("first launch: %v", err)
	}
	if _, err := s.LaunchCampaign(campaign.ID, user.ID, nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second launch must fail with ErrInvalidState, got %v", err)
	}

	var count int64
	s.DB.Model(&models.Job{}).Where("campaign_id = ?", campaign.ID).Count(&count)
	if count != 1 {
		t.Fatalf("double launch must not duplicate step-1 jobs, got %d", count)
	}
}

func TestLaunchRequiresLeadAndTemplate(t *testing.T) {
	s, _ := newTestStore(t)

	user := &models.User{Email: "solo@example.test"}
	if err := s.DB.Create(user).Error; err != nil {
		t.Fatal(err)
	}
	campaign := &models.Campaign{UserID: user.ID, Name: "empty", Status: models.CampaignStatusDraft}
	if err := s.DB.Create(campaign).Error; err != nil {
		t.Fatal(err)
	}

	// no template at all
	if _, err := s.LaunchCampaign(campaign.ID, user.ID, nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("launch without template must fail, got %v", err)
	}

	// template but no leads
	seedTemplate(t, s, campaign.ID, 1, 0)
	if _, err := s.LaunchCampaign(campaign.ID, user.ID, nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("launch without leads must fail, got %v", err)
	}
}

func TestPauseResumeKeepsSchedule(t *testing.T) {
	s, _ := newTestStore(t)
	user, campaign, _ := seedCampaign(t, s, models.CampaignStatusDraft)
	seedTemplate(t, s, campaign.ID, 1, 0)

	if _, err := s.LaunchCampaign(campaign.ID, user.ID, nil); err != nil {
		t.Fatalf("launch: %v", err)
	}
	var before models.Job
	s.DB.Where("campaign_id = ?", campaign.ID).First(&before)

	paused, err := s.PauseCampaign(campaign.ID, user.ID)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.Status != models.CampaignStatusPaused {
		t.Errorf("expected PAUSED, got %s", paused.Status)
	}

	resumed, err := s.ResumeCampaign(campaign.ID, user.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != models.CampaignStatusActive {
		t.Errorf("expected ACTIVE, got %s", resumed.Status)
	}

	var after models.Job
	s.DB.Where("campaign_id = ?", campaign.ID).First(&after)
	if !after.ScheduledAt.Equal(before.ScheduledAt) {
		t.Errorf("pause/resume must not touch scheduled_at: %v != %v", after.ScheduledAt, before.ScheduledAt)
	}
	if after.Status != models.JobStatusPending {
		t.Errorf("job must stay PENDING across pause/resume, got %s", after.Status)
	}
}

func TestPauseDraftFails(t *testing.T) {
	s, _ := newTestStore(t)
	user, campaign, _ := seedCampaign(t, s, models.CampaignStatusDraft)

	if _, err := s.PauseCampaign(campaign.ID, user.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("pausing a draft must fail, got %v", err)
	}
}

func TestDeleteCampaign(t *testing.T) {
	s, clock := newTestStore(t)
	user, campaign, lead := seedCampaign(t, s, models.CampaignStatusDraft)
	seedTemplate(t, s, campaign.ID, 1, 0)
	err := s.Transaction(func(tx *gorm.DB) error {
		_, err := s.CreateJob(tx, campaign.ID, lead.ID, 1, clock.Now())
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteCampaign(campaign.ID, user.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	for name, count := range map[string]int64{
		"campaigns": tableCount(s.DB, &models.Campaign{}),
		"leads":     tableCount(s.DB, &models.Lead{}),
		"templates": tableCount(s.DB, &models.Template{}),
		"jobs":      tableCount(s.DB, &models.Job{}),
	} {
		if count != 0 {
			t.Errorf("%s not cascaded, %d rows left", name, count)
		}
	}
}

func TestDeleteNonDraftFails(t *testing.T) {
	s, _ := newTestStore(t)
	user, campaign, _ := seedCampaign(t, s, models.CampaignStatusActive)

	if err := s.DeleteCampaign(campaign.ID, user.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("deleting an active campaign must fail, got %v", err)
	}
}

func TestDuplicateCampaign(t *testing.T) {
	s, _ := newTestStore(t)
	user, campaign, _ := seedCampaign(t, s, models.CampaignStatusCompleted)
	seedTemplate(t, s, campaign.ID, 1, 0)
	seedTemplate(t, s, campaign.ID, 2, 60)
	if err := s.AddTag(campaign.ID, user.ID, "warm"); err != nil {
		t.Fatal(err)
	}

	dup, err := s.DuplicateCampaign(campaign.ID, user.ID, "")
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if dup.Status != models.CampaignStatusDraft {
		t.Errorf("duplicate must be a draft, got %s", dup.Status)
	}
	if dup.Name != campaign.Name+" (Copy)" {
		t.Errorf("default name wrong: %q", dup.Name)
	}

	var templates []models.Template
	s.DB.Where("campaign_id = ?", dup.ID).Order("step_number").Find(&templates)
	if len(templates) != 2 || templates[1].DelayMinutes != 60 {
		t.Errorf("templates not copied: %+v", templates)
	}

	var leads int64
	s.DB.Model(&models.Lead{}).Where("campaign_id = ?", dup.ID).Count(&leads)
	if leads != 0 {
		t.Error("leads must not be copied")
	}
}

func TestCheckCampaignCompletion(t *testing.T) {
	s, clock := newTestStore(t)
	_, campaign, lead := seedCampaign(t, s, models.CampaignStatusActive)

	var job *models.Job
	err := s.Transaction(func(tx *gorm.DB) error {
		var err error
		job, err = s.CreateJob(tx, campaign.ID, lead.ID, 1, clock.Now())
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	completed, err := s.CheckCampaignCompletion(campaign.ID)
	if err != nil || completed {
		t.Fatalf("campaign with pending work must not complete (completed=%t err=%v)", completed, err)
	}

	err = s.Transaction(func(tx *gorm.DB) error {
		return s.MarkSent(tx, job, clock.Now(), "msg-1")
	})
	if err != nil {
		t.Fatal(err)
	}

	completed, err = s.CheckCampaignCompletion(campaign.ID)
	if err != nil || !completed {
		t.Fatalf("expected completion (completed=%t err=%v)", completed, err)
	}

	var got models.Campaign
	s.DB.First(&got, "id = ?", campaign.ID)
	if got.Status != models.CampaignStatusCompleted {
		t.Errorf("expected COMPLETED, got %s", got.Status)
	}

	// idempotent: a completed campaign stays completed
	completed, err = s.CheckCampaignCompletion(campaign.ID)
	if err != nil || completed {
		t.Fatalf("re-check must be a no-op (completed=%t err=%v)", completed, err)
	}
}

func TestCampaignStats(t *testing.T) {
	s, clock := newTestStore(t)
	_, campaign, lead := seedCampaign(t, s, models.CampaignStatusActive)
	lead.Status = models.LeadStatusContacted
	s.DB.Save(lead)

	err := s.Transaction(func(tx *gorm.DB) error {
		_, err := s.CreateJob(tx, campaign.ID, lead.ID, 2, clock.Now())
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	stats, err := s.CampaignStatsFor(campaign.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalLeads != 1 || stats.ContactedLeads != 1 || stats.PendingJobs != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func tableCount(db *gorm.DB, model interface{}) int64 {
	var n int64
	db.Model(model).Count(&n)
	return n
}
