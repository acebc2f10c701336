package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/seleznev/blast/internal/models"
)

func TestCampaignRepository_Create(t *testing.T) {
	database := setupTestDB(t)
	c := createTestCampaign(t, database, "")

	if c.ID == "" {
		t.Error("Create() did not set ID")
	}
	if c.Status != models.CampaignDraft {
		t.Errorf("expected draft status, got %s", c.Status)
	}

	got, err := NewCampaignRepository(database).GetByID(c.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got == nil || got.Name != "spring promo" {
		t.Errorf("GetByID() = %+v", got)
	}
}

func TestCampaignRepository_GetByID_NotFound(t *testing.T) {
	database := setupTestDB(t)

	got, err := NewCampaignRepository(database).GetByID("missing")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing campaign, got %+v", got)
	}
}

func TestCampaignRepository_MarkRunning(t *testing.T) {
	database := setupTestDB(t)
	repo := NewCampaignRepository(database)
	c := createTestCampaign(t, database, "")

	got, err := repo.MarkRunning(c.ID, false)
	if err != nil {
		t.Fatalf("MarkRunning() error = %v", err)
	}
	if got.Status != models.CampaignRunning {
		t.Errorf("expected running, got %s", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("MarkRunning() did not set StartedAt")
	}

	// Already running: rejected without recover
	if _, err := repo.MarkRunning(c.ID, false); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second MarkRunning() error = %v, want ErrInvalidTransition", err)
	}

	// Crash recovery path accepts running -> running
	if _, err := repo.MarkRunning(c.ID, true); err != nil {
		t.Errorf("MarkRunning(recover) error = %v", err)
	}
}

func TestCampaignRepository_SetStatus_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		from    models.CampaignStatus
		to      models.CampaignStatus
		wantErr bool
	}{
		{"running to paused", models.CampaignRunning, models.CampaignPaused, false},
		{"running to completed", models.CampaignRunning, models.CampaignCompleted, false},
		{"running to stopped", models.CampaignRunning, models.CampaignStopped, false},
		{"paused to stopped", models.CampaignPaused, models.CampaignStopped, false},
		{"paused to completed", models.CampaignPaused, models.CampaignCompleted, true},
		{"completed to running", models.CampaignCompleted, models.CampaignRunning, true},
		{"stopped to paused", models.CampaignStopped, models.CampaignPaused, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			database := setupTestDB(t)
			repo := NewCampaignRepository(database)
			c := createTestCampaign(t, database, tt.from)

			err := repo.SetStatus(c.ID, tt.to, "")
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("SetStatus() error = %v, want ErrInvalidTransition", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SetStatus() error = %v", err)
			}

			got, _ := repo.GetByID(c.ID)
			if got.Status != tt.to {
				t.Errorf("status = %s, want %s", got.Status, tt.to)
			}
			if tt.to.Terminal() && got.CompletedAt == nil {
				t.Error("terminal transition did not record CompletedAt")
			}
		})
	}
}

func TestCampaignRepository_GetScheduledDue(t *testing.T) {
	database := setupTestDB(t)
	repo := NewCampaignRepository(database)

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	due := createTestCampaign(t, database, "")
	if err := repo.SetSchedule(due.ID, past); err != nil {
		t.Fatalf("SetSchedule() error = %v", err)
	}
	later := createTestCampaign(t, database, "")
	if err := repo.SetSchedule(later.ID, future); err != nil {
		t.Fatalf("SetSchedule() error = %v", err)
	}

	got, err := repo.GetScheduledDue(time.Now())
	if err != nil {
		t.Fatalf("GetScheduledDue() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Errorf("GetScheduledDue() returned %d campaigns, want just the due one", len(got))
	}
}

func TestCampaignRepository_UpdateCounters(t *testing.T) {
	database := setupTestDB(t)
	repo := NewCampaignRepository(database)
	c := createTestCampaign(t, database, models.CampaignRunning)

	if err := repo.UpdateCounters(c.ID, 10, 7, 2, 1); err != nil {
		t.Fatalf("UpdateCounters() error = %v", err)
	}

	got, _ := repo.GetByID(c.ID)
	if got.TotalRecipients != 10 || got.SentCount != 7 || got.FailedCount != 2 || got.OptedOutCount != 1 {
		t.Errorf("counters = %+v", got)
	}
}
