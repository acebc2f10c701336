package repository

import (
	"testing"
	"time"

	"github.com/seleznev/blast/internal/models"
)

func createTestSend(t *testing.T, repo *SendRepository, campaignID, recipientID, phone string) *models.SendRecord {
	t.Helper()

	s := &models.SendRecord{
		CampaignID:  campaignID,
		RecipientID: recipientID,
		Phone:       phone,
		Body:        "hello",
	}
	if err := repo.Create(s); err != nil {
		t.Fatalf("failed to create send record: %v", err)
	}
	return s
}

func TestSendRepository_CreateAndAdvance(t *testing.T) {
	database := setupTestDB(t)
	repo := NewSendRepository(database)
	c := createTestCampaign(t, database, models.CampaignRunning)
	rec := createTestRecipient(t, database, "+15550001")

	s := createTestSend(t, repo, c.ID, rec.ID, rec.Phone)
	if s.Status != models.SendQueued {
		t.Errorf("new record status = %s, want queued", s.Status)
	}

	sentAt := time.Now()
	if err := repo.MarkSent(s.ID, "prov-123", sentAt); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}

	got, err := repo.GetByID(s.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != models.SendSent || got.ProviderID != "prov-123" || got.SentAt == nil {
		t.Errorf("after MarkSent: %+v", got)
	}
}

func TestSendRepository_MarkFailed(t *testing.T) {
	database := setupTestDB(t)
	repo := NewSendRepository(database)
	c := createTestCampaign(t, database, models.CampaignRunning)
	rec := createTestRecipient(t, database, "+15550002")

	s := createTestSend(t, repo, c.ID, rec.ID, rec.Phone)
	if err := repo.MarkFailed(s.ID, models.SendErrTransportNotReady, "gateway offline"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	got, _ := repo.GetByID(s.ID)
	if got.Status != models.SendFailed || got.ErrorCode != models.SendErrTransportNotReady {
		t.Errorf("after MarkFailed: %+v", got)
	}
}

func TestSendRepository_PhonesForCampaign(t *testing.T) {
	database := setupTestDB(t)
	repo := NewSendRepository(database)
	c := createTestCampaign(t, database, models.CampaignRunning)

	for _, phone := range []string{"+15550010", "+15550011"} {
		rec := createTestRecipient(t, database, phone)
		createTestSend(t, repo, c.ID, rec.ID, phone)
	}

	phones, err := repo.PhonesForCampaign(c.ID)
	if err != nil {
		t.Fatalf("PhonesForCampaign() error = %v", err)
	}
	if len(phones) != 2 {
		t.Errorf("got %d phones, want 2", len(phones))
	}
}

func TestSendRepository_StatsForCampaign(t *testing.T) {
	database := setupTestDB(t)
	repo := NewSendRepository(database)
	c := createTestCampaign(t, database, models.CampaignRunning)

	r1 := createTestRecipient(t, database, "+15550020")
	s1 := createTestSend(t, repo, c.ID, r1.ID, r1.Phone)
	repo.MarkSent(s1.ID, "p1", time.Now())

	r2 := createTestRecipient(t, database, "+15550021")
	s2 := createTestSend(t, repo, c.ID, r2.ID, r2.Phone)
	repo.MarkFailed(s2.ID, models.SendErrSendFailed, "boom")

	r3 := createTestRecipient(t, database, "+15550022")
	s3 := createTestSend(t, repo, c.ID, r3.ID, r3.Phone)
	repo.MarkSkipped(s3.ID, "compliance block")

	stats, err := repo.StatsForCampaign(c.ID)
	if err != nil {
		t.Fatalf("StatsForCampaign() error = %v", err)
	}
	if stats.Total != 3 || stats.Sent != 1 || stats.Failed != 1 || stats.Skipped != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSendRepository_ReconcileStale(t *testing.T) {
	database := setupTestDB(t)
	repo := NewSendRepository(database)
	c := createTestCampaign(t, database, models.CampaignRunning)
	rec := createTestRecipient(t, database, "+15550030")

	s := createTestSend(t, repo, c.ID, rec.ID, rec.Phone)

	// Cutoff in the future: the queued record is stale
	n, err := repo.ReconcileStale(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ReconcileStale() error = %v", err)
	}
	if n != 1 {
		t.Errorf("reconciled %d records, want 1", n)
	}

	got, _ := repo.GetByID(s.ID)
	if got.Status != models.SendFailed || got.ErrorCode != models.SendErrStaleQueued {
		t.Errorf("after reconcile: %+v", got)
	}
}

func TestSendRepository_WindowStats(t *testing.T) {
	database := setupTestDB(t)
	repo := NewSendRepository(database)
	c := createTestCampaign(t, database, models.CampaignRunning)

	r1 := createTestRecipient(t, database, "+15550040")
	s1 := createTestSend(t, repo, c.ID, r1.ID, r1.Phone)
	repo.MarkSent(s1.ID, "p1", time.Now())

	r2 := createTestRecipient(t, database, "+15550041")
	s2 := createTestSend(t, repo, c.ID, r2.ID, r2.Phone)
	repo.MarkFailed(s2.ID, models.SendErrSendFailed, "boom")

	stats, err := repo.WindowStats(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("WindowStats() error = %v", err)
	}
	if stats.Total != 2 || stats.Sent != 1 || stats.Failed != 1 {
		t.Errorf("window stats = %+v", stats)
	}

	n, err := repo.CountToPhoneSince(r1.Phone, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountToPhoneSince() error = %v", err)
	}
	if n != 1 {
		t.Errorf("CountToPhoneSince() = %d, want 1", n)
	}
}
