package controller_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	controller "coldsend/controllers"

	"coldsend/config"
	"coldsend/middleware"
	"coldsend/models"
	"coldsend/routes"
	"coldsend/store"
	"coldsend/utils"
)

// ---------- test helpers ----------

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

// newTestAPI wires a full fiber app against an in-memory database and
// returns an authenticated user + bearer token.
func newTestAPI(t *testing.T) (*fiber.App, *store.Store, *models.User, string) {
	t.Helper()
	dsn := fmt.Sprintf("file:api_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := config.MigrateDB(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	config.DB = db
	config.AppConfig.SecretKey = "test-secret"
	config.AppConfig.WebhookUsername = "hook"
	config.AppConfig.WebhookPassword = "hookpw"
	config.AppConfig.ReplyMode = config.ReplyModeWebhook

	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	st := store.New(db, clock)
	transport := utils.NewPostmarkTransport("test-token")

	app := fiber.New()
	app.Use(middleware.CORS())
	routes.SetupRoutes(app, db, st, transport, nil)

	user := &models.User{Email: "owner@example.test", SignatureHTML: "<p>-- O</p>", IsActive: true}
	if err := db.Create(user).Error; err != nil {
		t.Fatal(err)
	}
	token, err := utils.GenerateJWTToken(user.ID)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return app, st, user, token
}

func doJSON(t *testing.T, app *fiber.App, method, path, token, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	payload := map[string]interface{}{}
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &payload)
	return resp, payload
}

func seedLaunchable(t *testing.T, st *store.Store, user *models.User) (*models.Campaign, *models.Lead) {
	t.Helper()
	campaign := &models.Campaign{UserID: user.ID, Name: "api test", Status: models.CampaignStatusDraft}
	if err := st.DB.Create(campaign).Error; err != nil {
		t.Fatal(err)
	}
	tmpl := &models.Template{CampaignID: campaign.ID, StepNumber: 1, Subject: "Hi", BodyHTML: "<p>x</p>"}
	if err := st.DB.Create(tmpl).Error; err != nil {
		t.Fatal(err)
	}
	lead := &models.Lead{CampaignID: campaign.ID, Email: "jane@acme.test", Status: models.LeadStatusPending}
	if err := st.DB.Create(lead).Error; err != nil {
		t.Fatal(err)
	}
	return campaign, lead
}

// ---------- auth ----------

func TestAPIRequiresAuth(t *testing.T) {
	app, _, _, _ := newTestAPI(t)

	resp, _ := doJSON(t, app, "GET", "/api/v1/campaigns", "", "")
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
}

// ---------- lifecycle over HTTP ----------

func TestLaunchEndpoint(t *testing.T) {
	app, st, user, token := newTestAPI(t)
	campaign, lead := seedLaunchable(t, st, user)

	path := "/api/v1/campaigns/" + campaign.ID.String() + "/launch"
	resp, _ := doJSON(t, app, "POST", path, token, "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("launch: expected 200, got %d", resp.StatusCode)
	}

	var jobs int64
	st.DB.Model(&models.Job{}).Where("lead_id = ?", lead.ID).Count(&jobs)
	if jobs != 1 {
		t.Fatalf("expected one step-1 job, got %d", jobs)
	}

	// second launch conflicts and creates nothing new
	resp, _ = doJSON(t, app, "POST", path, token, "")
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("second launch: expected 409, got %d", resp.StatusCode)
	}
	st.DB.Model(&models.Job{}).Where("lead_id = ?", lead.ID).Count(&jobs)
	if jobs != 1 {
		t.Fatalf("double launch must not duplicate jobs, got %d", jobs)
	}
}

func TestPauseResumeEndpoints(t *testing.T) {
	app, st, user, token := newTestAPI(t)
	campaign, _ := seedLaunchable(t, st, user)

	base := "/api/v1/campaigns/" + campaign.ID.String()
	if resp, _ := doJSON(t, app, "POST", base+"/pause", token, ""); resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("pausing a draft must 409, got %d", resp.StatusCode)
	}

	doJSON(t, app, "POST", base+"/launch", token, "")
	if resp, _ := doJSON(t, app, "POST", base+"/pause", token, ""); resp.StatusCode != fiber.StatusOK {
		t.Fatalf("pause: expected 200, got %d", resp.StatusCode)
	}
	if resp, _ := doJSON(t, app, "POST", base+"/resume", token, ""); resp.StatusCode != fiber.StatusOK {
		t.Fatalf("resume: expected 200, got %d", resp.StatusCode)
	}
}

func TestRetryEndpointRules(t *testing.T) {
	app, st, user, token := newTestAPI(t)
	campaign, lead := seedLaunchable(t, st, user)
	doJSON(t, app, "POST", "/api/v1/campaigns/"+campaign.ID.String()+"/launch", token, "")

	var job models.Job
	st.DB.Where("lead_id = ?", lead.ID).First(&job)

	// PENDING job cannot be retried
	resp, _ := doJSON(t, app, "POST", "/api/v1/jobs/"+job.ID.String()+"/retry", token, "")
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("retrying a pending job must 409, got %d", resp.StatusCode)
	}

	st.DB.Model(&job).Updates(map[string]interface{}{"status": models.JobStatusFailed, "attempts": 3})
	resp, _ = doJSON(t, app, "POST", "/api/v1/jobs/"+job.ID.String()+"/retry", token, "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("retrying a failed job: expected 200, got %d", resp.StatusCode)
	}

	var got models.Job
	st.DB.First(&got, "id = ?", job.ID)
	if got.Status != models.JobStatusPending || got.Attempts != 0 {
		t.Errorf("retried job must be PENDING with attempts=0, got %s/%d", got.Status, got.Attempts)
	}

	// unknown job id
	resp, _ = doJSON(t, app, "POST", "/api/v1/jobs/"+uuid.NewString()+"/retry", token, "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("unknown job must 404, got %d", resp.StatusCode)
	}
}

func TestEmailHistoryEndpoint(t *testing.T) {
	app, st, user, token := newTestAPI(t)
	campaign, lead := seedLaunchable(t, st, user)
	doJSON(t, app, "POST", "/api/v1/campaigns/"+campaign.ID.String()+"/launch", token, "")

	path := fmt.Sprintf("/api/v1/campaigns/%s/leads/%s/email-history", campaign.ID, lead.ID)
	resp, payload := doJSON(t, app, "GET", path, token, "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("history: expected 200, got %d", resp.StatusCode)
	}
	history, ok := payload["history"].([]interface{})
	if !ok || len(history) != 1 {
		t.Fatalf("expected one history entry, got %v", payload["history"])
	}
	entry := history[0].(map[string]interface{})
	if entry["status"] != models.JobStatusPending || entry["subject"] != "Hi" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

// ---------- simulated reply mode ----------

func TestMarkRepliedRequiresSimulatedMode(t *testing.T) {
	app, st, user, token := newTestAPI(t)
	campaign, lead := seedLaunchable(t, st, user)
	doJSON(t, app, "POST", "/api/v1/campaigns/"+campaign.ID.String()+"/launch", token, "")

	path := fmt.Sprintf("/api/v1/campaigns/%s/leads/%s/mark-replied", campaign.ID, lead.ID)

	config.AppConfig.ReplyMode = config.ReplyModeWebhook
	if resp, _ := doJSON(t, app, "POST", path, token, ""); resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("mark-replied outside simulated mode must 403, got %d", resp.StatusCode)
	}

	config.AppConfig.ReplyMode = config.ReplyModeSimulated
	if resp, _ := doJSON(t, app, "POST", path, token, ""); resp.StatusCode != fiber.StatusOK {
		t.Fatalf("mark-replied: expected 200, got %d", resp.StatusCode)
	}

	var got models.Lead
	st.DB.First(&got, "id = ?", lead.ID)
	if got.Status != models.LeadStatusReplied {
		t.Errorf("lead must be REPLIED, got %s", got.Status)
	}
	var job models.Job
	st.DB.Where("lead_id = ?", lead.ID).First(&job)
	if job.Status != models.JobStatusSkipped {
		t.Errorf("pending job must be canceled, got %s", job.Status)
	}
}

// ---------- webhooks ----------

func TestWebhookAuth(t *testing.T) {
	app, _, _, _ := newTestAPI(t)

	req := httptest.NewRequest("POST", "/webhooks/inbound", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("unauthenticated webhook must 401, got %d", resp.StatusCode)
	}

	req = httptest.NewRequest("POST", "/webhooks/inbound", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("hook", "wrong")
	resp, err = app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("bad credentials must 401, got %d", resp.StatusCode)
	}
}

func TestInboundWebhookReply(t *testing.T) {
	app, st, user, token := newTestAPI(t)
	campaign, lead := seedLaunchable(t, st, user)
	doJSON(t, app, "POST", "/api/v1/campaigns/"+campaign.ID.String()+"/launch", token, "")

	// mark step 1 sent so a pending step-2 exists to cancel
	var job models.Job
	st.DB.Where("lead_id = ?", lead.ID).First(&job)
	now := time.Now().UTC()
	st.DB.Model(&job).Updates(map[string]interface{}{
		"status": models.JobStatusSent, "sent_at": now, "message_id": "pm-100",
	})
	var followUp *models.Job
	st.Transaction(func(tx *gorm.DB) error {
		var err error
		followUp, err = st.CreateJob(tx, campaign.ID, lead.ID, 2, now.Add(time.Hour))
		return err
	})

	payload := fmt.Sprintf(`{"From":"jane@acme.test","MailboxHash":"%s","Subject":"Re: Hi"}`, lead.ID)
	req := httptest.NewRequest("POST", "/webhooks/inbound", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("hook", "hookpw")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("inbound: expected 200, got %d", resp.StatusCode)
	}

	var gotLead models.Lead
	st.DB.First(&gotLead, "id = ?", lead.ID)
	if gotLead.Status != models.LeadStatusReplied {
		t.Errorf("lead must be REPLIED, got %s", gotLead.Status)
	}
	var gotJob models.Job
	st.DB.First(&gotJob, "id = ?", followUp.ID)
	if gotJob.Status != models.JobStatusSkipped {
		t.Errorf("follow-up must be SKIPPED, got %s", gotJob.Status)
	}

	// replay: 200, no further change
	req = httptest.NewRequest("POST", "/webhooks/inbound", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("hook", "hookpw")
	if resp, err := app.Test(req, -1); err != nil || resp.StatusCode != fiber.StatusOK {
		t.Fatalf("replay must 200, got %d (%v)", resp.StatusCode, err)
	}
}

func TestInboundWebhookUnmatched(t *testing.T) {
	app, _, _, _ := newTestAPI(t)

	req := httptest.NewRequest("POST", "/webhooks/inbound",
		strings.NewReader(`{"From":"stranger@x.test","Subject":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("hook", "hookpw")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("unmatched inbound must still 200, got %d", resp.StatusCode)
	}
}

func TestBounceWebhook(t *testing.T) {
	app, st, user, token := newTestAPI(t)
	campaign, lead := seedLaunchable(t, st, user)
	doJSON(t, app, "POST", "/api/v1/campaigns/"+campaign.ID.String()+"/launch", token, "")

	var job models.Job
	st.DB.Where("lead_id = ?", lead.ID).First(&job)
	st.DB.Model(&job).Updates(map[string]interface{}{
		"status": models.JobStatusSent, "sent_at": time.Now().UTC(), "message_id": "pm-200",
	})

	payload := `{"Type":"HardBounce","Email":"jane@acme.test","MessageID":"pm-200"}`
	req := httptest.NewRequest("POST", "/webhooks/bounce", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("hook", "hookpw")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("bounce: expected 200, got %d", resp.StatusCode)
	}

	var gotJob models.Job
	st.DB.First(&gotJob, "id = ?", job.ID)
	if gotJob.Status != models.JobStatusFailed {
		t.Errorf("bounced job must be FAILED, got %s", gotJob.Status)
	}
	var gotLead models.Lead
	st.DB.First(&gotLead, "id = ?", lead.ID)
	if gotLead.Status != models.LeadStatusFailed {
		t.Errorf("lead with no other success must be FAILED, got %s", gotLead.Status)
	}
}

// ---------- leads ----------

func TestCreateLeadValidation(t *testing.T) {
	app, st, user, token := newTestAPI(t)
	campaign := &models.Campaign{UserID: user.ID, Name: "leads", Status: models.CampaignStatusDraft}
	if err := st.DB.Create(campaign).Error; err != nil {
		t.Fatal(err)
	}

	path := "/api/v1/campaigns/" + campaign.ID.String() + "/leads"

	resp, _ := doJSON(t, app, "POST", path, token, `{"email":"not-an-email"}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("invalid email must 400, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, app, "POST", path, token, `{"email":"JANE@Acme.Test","first_name":"Jane"}`)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("create lead: expected 201, got %d", resp.StatusCode)
	}
	var lead models.Lead
	st.DB.Where("campaign_id = ?", campaign.ID).First(&lead)
	if lead.Email != "jane@acme.test" {
		t.Errorf("email must be lowercased, got %q", lead.Email)
	}

	// duplicate within the campaign
	resp, _ = doJSON(t, app, "POST", path, token, `{"email":"jane@acme.test"}`)
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("duplicate lead must 409, got %d", resp.StatusCode)
	}
}

func TestImportLeadsCSV(t *testing.T) {
	app, st, user, token := newTestAPI(t)
	campaign := &models.Campaign{UserID: user.ID, Name: "import", Status: models.CampaignStatusDraft}
	if err := st.DB.Create(campaign).Error; err != nil {
		t.Fatal(err)
	}

	csv := "Email,First_Name,company\n" +
		"jane@acme.test,Jane,Acme\n" +
		"bob@acme.test,Bob,\n" +
		",Missing,\n" +
		"jane@acme.test,Dup,\n" +
		"broken-email,Bad,\n"

	path := "/api/v1/campaigns/" + campaign.ID.String() + "/leads/import"
	req := httptest.NewRequest("POST", path, strings.NewReader(csv))
	req.Header.Set("Content-Type", "text/csv")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("import: expected 200, got %d", resp.StatusCode)
	}

	raw, _ := io.ReadAll(resp.Body)
	var result controller.LeadImportResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Imported != 2 || result.Skipped != 3 {
		t.Errorf("expected 2 imported / 3 skipped, got %+v", result)
	}

	var count int64
	st.DB.Model(&models.Lead{}).Where("campaign_id = ?", campaign.ID).Count(&count)
	if count != 2 {
		t.Errorf("expected 2 leads persisted, got %d", count)
	}
}
