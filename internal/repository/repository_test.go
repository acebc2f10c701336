package repository

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/seleznev/blast/internal/db"
	"github.com/seleznev/blast/internal/models"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return database.DB
}

func createTestTemplate(t *testing.T, database *sql.DB) *models.Template {
	t.Helper()

	tmpl := &models.Template{
		Name: "welcome-" + uuid.NewString(),
		Body: "Hi {{name}}, thanks for signing up.",
	}
	if err := NewTemplateRepository(database).Create(tmpl); err != nil {
		t.Fatalf("failed to create template: %v", err)
	}
	return tmpl
}

func createTestCampaign(t *testing.T, database *sql.DB, status models.CampaignStatus) *models.Campaign {
	t.Helper()

	tmpl := createTestTemplate(t, database)
	c := &models.Campaign{
		Name:       "spring promo",
		TemplateID: tmpl.ID,
		Segment:    "main_list",
		Status:     status,
	}
	if err := NewCampaignRepository(database).Create(c); err != nil {
		t.Fatalf("failed to create campaign: %v", err)
	}
	return c
}

func createTestRecipient(t *testing.T, database *sql.DB, phone string) *models.Recipient {
	t.Helper()

	rec := &models.Recipient{
		Phone:         phone,
		Name:          "Test",
		ConsentStatus: models.ConsentOptedIn,
	}
	if err := NewRecipientRepository(database).Create(rec); err != nil {
		t.Fatalf("failed to create recipient: %v", err)
	}
	return rec
}
