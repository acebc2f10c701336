package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/seleznev/blast/internal/campaign"
	"github.com/seleznev/blast/internal/compliance"
	"github.com/seleznev/blast/internal/db"
	"github.com/seleznev/blast/internal/models"
	"github.com/seleznev/blast/internal/repository"
	"github.com/seleznev/blast/internal/throttle"
)

// fakeControl implements CampaignControl and records lifecycle calls
type fakeControl struct {
	calls    []string
	err      error
	statuses map[string]campaign.RunnerStatus
}

func (f *fakeControl) op(name, id string) error {
	f.calls = append(f.calls, name+":"+id)
	return f.err
}

func (f *fakeControl) Start(id string) error  { return f.op("start", id) }
func (f *fakeControl) Pause(id string) error  { return f.op("pause", id) }
func (f *fakeControl) Resume(id string) error { return f.op("resume", id) }
func (f *fakeControl) Stop(id string) error   { return f.op("stop", id) }

func (f *fakeControl) Status(id string) *campaign.RunnerStatus {
	if st, ok := f.statuses[id]; ok {
		return &st
	}
	return nil
}

func (f *fakeControl) ListActive() map[string]campaign.RunnerStatus {
	out := make(map[string]campaign.RunnerStatus, len(f.statuses))
	for k, v := range f.statuses {
		out[k] = v
	}
	return out
}

// fakeThrottleStatus implements ThrottleStatus with static values
type fakeThrottleStatus struct {
	counters throttle.Counters
	health   int
}

func (f *fakeThrottleStatus) Snapshot() throttle.Counters { return f.counters }
func (f *fakeThrottleStatus) HealthScore() (int, error)   { return f.health, nil }
func (f *fakeThrottleStatus) BanRiskAssessment() (throttle.Assessment, error) {
	return throttle.Assessment{RiskLevel: "low", HealthScore: f.health}, nil
}

type testEnv struct {
	server     *Server
	control    *fakeControl
	campaigns  *repository.CampaignRepository
	templates  *repository.TemplateRepository
	recipients *repository.RecipientRepository
	sends      *repository.SendRepository
	dnd        *repository.DNDRepository
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	env := &testEnv{
		control:    &fakeControl{statuses: make(map[string]campaign.RunnerStatus)},
		campaigns:  repository.NewCampaignRepository(database.DB),
		templates:  repository.NewTemplateRepository(database.DB),
		recipients: repository.NewRecipientRepository(database.DB),
		sends:      repository.NewSendRepository(database.DB),
		dnd:        repository.NewDNDRepository(database.DB),
	}
	settings := repository.NewSettingsRepository(database.DB)
	gate := compliance.NewGate(env.dnd, env.sends)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	env.server = NewServer(
		env.campaigns, env.templates, env.recipients, env.sends, env.dnd, settings,
		env.control, &fakeThrottleStatus{health: 90}, gate, nil,
		Config{APIKey: apiKey}, logger)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		buf = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Authorization", "Bearer test-key")
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return out
}

func (e *testEnv) createTemplate(t *testing.T) *models.Template {
	t.Helper()
	tmpl := &models.Template{Name: "greeting", Body: "Hi {{name}}, your order is ready"}
	if err := e.templates.Create(tmpl); err != nil {
		t.Fatalf("Failed to create template: %v", err)
	}
	return tmpl
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, "test-key")

	// health is open
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for /health without auth, got %d", w.Code)
	}

	// API without a key is rejected
	req = httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil)
	w = httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", w.Code)
	}

	// wrong key rejected
	req = httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong key, got %d", w.Code)
	}

	// X-API-Key also works
	req = httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil)
	req.Header.Set("X-API-Key", "test-key")
	w = httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with X-API-Key, got %d", w.Code)
	}
}

func TestCreateCampaign(t *testing.T) {
	env := newTestEnv(t, "test-key")
	tmpl := env.createTemplate(t)

	w := env.do(t, http.MethodPost, "/api/v1/campaigns", CreateCampaignRequest{
		Name:       "spring-sale",
		TemplateID: tmpl.ID,
		Segment:    "main_list",
		RateLimit:  &models.RateLimitProfile{MessagesPerMinute: 5, BatchSize: 10, BatchRestMs: 30000},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	created := decode[models.Campaign](t, w)
	if created.ID == "" {
		t.Error("Expected campaign ID to be assigned")
	}
	if created.Status != models.CampaignDraft {
		t.Errorf("Expected draft status, got %s", created.Status)
	}

	profile := created.RateLimitProfile()
	if profile.MessagesPerMinute != 5 {
		t.Errorf("Expected 5 messages per minute, got %d", profile.MessagesPerMinute)
	}
}

func TestCreateCampaign_UnknownTemplate(t *testing.T) {
	env := newTestEnv(t, "test-key")

	w := env.do(t, http.MethodPost, "/api/v1/campaigns", CreateCampaignRequest{
		Name:       "spring-sale",
		TemplateID: "nonexistent",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown template, got %d", w.Code)
	}
}

func TestCampaignControl(t *testing.T) {
	env := newTestEnv(t, "test-key")

	for _, action := range []string{"start", "pause", "resume", "stop"} {
		w := env.do(t, http.MethodPost, "/api/v1/campaigns/c1/"+action, nil)
		if w.Code != http.StatusOK {
			t.Errorf("Expected 200 for %s, got %d", action, w.Code)
		}
	}

	want := []string{"start:c1", "pause:c1", "resume:c1", "stop:c1"}
	if len(env.control.calls) != len(want) {
		t.Fatalf("Expected %d calls, got %v", len(want), env.control.calls)
	}
	for i, c := range want {
		if env.control.calls[i] != c {
			t.Errorf("Call %d: expected %s, got %s", i, c, env.control.calls[i])
		}
	}
}

func TestCampaignControl_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{campaign.ErrCampaignNotFound, http.StatusNotFound},
		{campaign.ErrTooManyCampaigns, http.StatusTooManyRequests},
		{campaign.ErrAlreadyRunning, http.StatusConflict},
		{campaign.ErrNotPaused, http.StatusConflict},
		{repository.ErrInvalidTransition, http.StatusConflict},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		env := newTestEnv(t, "test-key")
		env.control.err = tt.err

		w := env.do(t, http.MethodPost, "/api/v1/campaigns/c1/start", nil)
		if w.Code != tt.code {
			t.Errorf("Error %v: expected %d, got %d", tt.err, tt.code, w.Code)
		}
	}
}

func TestScheduleCampaign(t *testing.T) {
	env := newTestEnv(t, "test-key")
	tmpl := env.createTemplate(t)

	c := &models.Campaign{Name: "later", TemplateID: tmpl.ID}
	if err := env.campaigns.Create(c); err != nil {
		t.Fatalf("Failed to create campaign: %v", err)
	}

	at := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)
	w := env.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/schedule", ScheduleRequest{At: at})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	stored, err := env.campaigns.GetByID(c.ID)
	if err != nil {
		t.Fatalf("Failed to reload campaign: %v", err)
	}
	if stored.Status != models.CampaignScheduled {
		t.Errorf("Expected scheduled status, got %s", stored.Status)
	}
	if stored.ScheduledAt == nil || !stored.ScheduledAt.Equal(at) {
		t.Errorf("Expected scheduled_at %v, got %v", at, stored.ScheduledAt)
	}

	// unknown campaign
	w = env.do(t, http.MethodPost, "/api/v1/campaigns/nope/schedule", ScheduleRequest{At: at})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown campaign, got %d", w.Code)
	}
}

func TestCampaignStats(t *testing.T) {
	env := newTestEnv(t, "test-key")
	tmpl := env.createTemplate(t)

	c := &models.Campaign{Name: "stats", TemplateID: tmpl.ID}
	if err := env.campaigns.Create(c); err != nil {
		t.Fatalf("Failed to create campaign: %v", err)
	}
	if err := env.campaigns.UpdateCounters(c.ID, 10, 4, 1, 0); err != nil {
		t.Fatalf("Failed to update counters: %v", err)
	}
	env.control.statuses[c.ID] = campaign.RunnerStatus{
		CampaignID: c.ID,
		State:      campaign.RunnerRunning,
		Sent:       4,
	}

	w := env.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID+"/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[CampaignStatsResponse](t, w)
	if resp.Campaign.TotalRecipients != 10 {
		t.Errorf("Expected 10 total recipients, got %d", resp.Campaign.TotalRecipients)
	}
	if resp.Runner == nil || resp.Runner.Sent != 4 {
		t.Errorf("Expected live runner snapshot with 4 sent, got %+v", resp.Runner)
	}
}

func TestImportRecipients(t *testing.T) {
	env := newTestEnv(t, "test-key")

	w := env.do(t, http.MethodPost, "/api/v1/recipients/import", ImportRequest{
		Recipients: []ImportRecipient{
			{Phone: "+15550001111", Name: "Alice", ConsentStatus: "opted_in", Tags: []string{"vip"}},
			{Phone: "+15550002222", Name: "Bob", ConsentStatus: "opted_in"},
			{Name: "no phone"},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	result := decode[models.RecipientImportResult](t, w)
	if result.Imported != 2 || result.Skipped != 1 {
		t.Errorf("Expected 2 imported 1 skipped, got %+v", result)
	}

	// re-import updates instead of duplicating
	w = env.do(t, http.MethodPost, "/api/v1/recipients/import", ImportRequest{
		Recipients: []ImportRecipient{{Phone: "+15550001111", Name: "Alice B"}},
	})
	result = decode[models.RecipientImportResult](t, w)
	if result.Updated != 1 || result.Imported != 0 {
		t.Errorf("Expected 1 updated on re-import, got %+v", result)
	}
}

func TestListRecipients_Filter(t *testing.T) {
	env := newTestEnv(t, "test-key")

	env.do(t, http.MethodPost, "/api/v1/recipients/import", ImportRequest{
		Recipients: []ImportRecipient{
			{Phone: "+15550001111", ConsentStatus: "opted_in"},
			{Phone: "+15550002222", ConsentStatus: "opted_out"},
		},
	})

	w := env.do(t, http.MethodGet, "/api/v1/recipients?consent_status=opted_in", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	recipients := decode[[]models.Recipient](t, w)
	if len(recipients) != 1 || recipients[0].Phone != "+15550001111" {
		t.Errorf("Expected only the opted-in recipient, got %+v", recipients)
	}
}

func TestDeleteRecipient(t *testing.T) {
	env := newTestEnv(t, "test-key")

	env.do(t, http.MethodPost, "/api/v1/recipients/import", ImportRequest{
		Recipients: []ImportRecipient{{Phone: "+15550001111", ConsentStatus: "opted_in"}},
	})
	rec, err := env.recipients.GetByPhone("+15550001111")
	if err != nil || rec == nil {
		t.Fatalf("Failed to load recipient: %v", err)
	}

	w := env.do(t, http.MethodDelete, "/api/v1/recipients/"+rec.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	reloaded, err := env.recipients.GetByID(rec.ID)
	if err != nil {
		t.Fatalf("Failed to reload recipient: %v", err)
	}
	if reloaded == nil || !reloaded.IsDeleted {
		t.Errorf("Expected soft-deleted recipient, got %+v", reloaded)
	}

	w = env.do(t, http.MethodDelete, "/api/v1/recipients/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown recipient, got %d", w.Code)
	}
}

func TestDNDLifecycle(t *testing.T) {
	env := newTestEnv(t, "test-key")

	env.do(t, http.MethodPost, "/api/v1/recipients/import", ImportRequest{
		Recipients: []ImportRecipient{{Phone: "+15550001111", ConsentStatus: "opted_in"}},
	})

	w := env.do(t, http.MethodPost, "/api/v1/dnd", AddDNDRequest{Phone: "+15550001111", Source: "stop_keyword"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// adding to DND flips the contact's consent
	rec, err := env.recipients.GetByPhone("+15550001111")
	if err != nil || rec == nil {
		t.Fatalf("Failed to load recipient: %v", err)
	}
	if rec.ConsentStatus != models.ConsentOptedOut {
		t.Errorf("Expected opted_out after DND add, got %s", rec.ConsentStatus)
	}

	w = env.do(t, http.MethodGet, "/api/v1/dnd", nil)
	entries := decode[[]models.DNDEntry](t, w)
	if len(entries) != 1 || entries[0].Phone != "+15550001111" {
		t.Errorf("Expected one DND entry, got %+v", entries)
	}

	w = env.do(t, http.MethodDelete, "/api/v1/dnd/+15550001111", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 on removal, got %d", w.Code)
	}
	w = env.do(t, http.MethodDelete, "/api/v1/dnd/+15550001111", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on repeat removal, got %d", w.Code)
	}
}

func TestCreateTemplate_ComplianceBlock(t *testing.T) {
	env := newTestEnv(t, "test-key")

	w := env.do(t, http.MethodPost, "/api/v1/templates", TemplateRequest{
		Name: "spammy",
		Body: "FREE FREE FREE!!! Win cash now!!! Click here http://x.co",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422 for spam template, got %d: %s", w.Code, w.Body.String())
	}
	rejection := decode[TemplateRejection](t, w)
	if rejection.Compliance.Compliant {
		t.Error("Expected non-compliant verdict")
	}
	if len(rejection.Compliance.Violations) == 0 {
		t.Error("Expected violations to be reported")
	}

	// nothing persisted
	templates, err := env.templates.List()
	if err != nil {
		t.Fatalf("Failed to list templates: %v", err)
	}
	if len(templates) != 0 {
		t.Errorf("Expected no templates persisted, got %d", len(templates))
	}
}

func TestTemplateCRUD(t *testing.T) {
	env := newTestEnv(t, "test-key")

	w := env.do(t, http.MethodPost, "/api/v1/templates", TemplateRequest{
		Name: "greeting", Body: "Hi {{name}}, your order {{order_id}} is ready",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	created := decode[models.Template](t, w)

	w = env.do(t, http.MethodGet, "/api/v1/templates/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	w = env.do(t, http.MethodPut, "/api/v1/templates/"+created.ID, TemplateRequest{
		Name: "greeting", Body: "Hello {{name}}, your order is ready for pickup",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on update, got %d: %s", w.Code, w.Body.String())
	}

	// non-compliant update must leave the stored version untouched
	w = env.do(t, http.MethodPut, "/api/v1/templates/"+created.ID, TemplateRequest{
		Name: "greeting", Body: "FREE FREE FREE!!! Win cash now!!! Click here http://x.co",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 on spam update, got %d", w.Code)
	}
	stored, err := env.templates.GetByID(created.ID)
	if err != nil || stored == nil {
		t.Fatalf("Failed to reload template: %v", err)
	}
	if stored.Body != "Hello {{name}}, your order is ready for pickup" {
		t.Errorf("Expected stored body unchanged after rejected update, got %q", stored.Body)
	}

	w = env.do(t, http.MethodDelete, "/api/v1/templates/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on delete, got %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/api/v1/templates/"+created.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", w.Code)
	}
}

func TestComplianceCheck(t *testing.T) {
	env := newTestEnv(t, "test-key")

	w := env.do(t, http.MethodPost, "/api/v1/compliance/check", ComplianceCheckRequest{
		Body: "Hi {{name}}, your appointment is confirmed",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[ComplianceCheckResponse](t, w)
	if !resp.Result.Compliant {
		t.Errorf("Expected compliant verdict, got %+v", resp.Result)
	}
	if len(resp.Variables) != 1 || resp.Variables[0] != "name" {
		t.Errorf("Expected [name] variables, got %v", resp.Variables)
	}

	// recipient context: DND phone is blocked
	env.dnd.Add(&models.DNDEntry{Phone: "+15550009999", Source: models.DNDSourceStopKeyword})
	w = env.do(t, http.MethodPost, "/api/v1/compliance/check", ComplianceCheckRequest{
		Body:  "Hi there, quick reminder about tomorrow",
		Phone: "+15550009999",
	})
	resp = decode[ComplianceCheckResponse](t, w)
	if resp.Result.Compliant {
		t.Error("Expected non-compliant verdict for DND phone")
	}
}

func TestSchedulerStatus(t *testing.T) {
	env := newTestEnv(t, "test-key")
	env.control.statuses["c1"] = campaign.RunnerStatus{CampaignID: "c1", State: campaign.RunnerRunning}

	w := env.do(t, http.MethodGet, "/api/v1/scheduler/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[SchedulerStatusResponse](t, w)
	if resp.HealthScore != 90 {
		t.Errorf("Expected health score 90, got %d", resp.HealthScore)
	}
	if len(resp.Active) != 1 {
		t.Errorf("Expected one active runner, got %d", len(resp.Active))
	}
}
