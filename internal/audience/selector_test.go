package audience

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/seleznev/blast/internal/db"
	"github.com/seleznev/blast/internal/models"
	"github.com/seleznev/blast/internal/repository"
)

func setupSelector(t *testing.T) (*Selector, *repository.RecipientRepository, *repository.DNDRepository) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Migrate(); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	recipients := repository.NewRecipientRepository(database.DB)
	dnd := repository.NewDNDRepository(database.DB)
	return NewSelector(recipients, dnd), recipients, dnd
}

func addRecipient(t *testing.T, repo *repository.RecipientRepository, phone string, consent models.ConsentStatus, tags string) *models.Recipient {
	t.Helper()

	rec := &models.Recipient{
		Phone:         phone,
		Name:          "Test " + phone,
		ConsentStatus: consent,
		Tags:          tags,
	}
	if err := repo.Create(rec); err != nil {
		t.Fatalf("Failed to create recipient: %v", err)
	}
	return rec
}

func phones(recipients []models.Recipient) []string {
	out := make([]string, len(recipients))
	for i, r := range recipients {
		out[i] = r.Phone
	}
	return out
}

func TestResolve_MainListConsentFilter(t *testing.T) {
	selector, recipients, _ := setupSelector(t)

	addRecipient(t, recipients, "+15550001", models.ConsentOptedIn, "[]")
	addRecipient(t, recipients, "+15550002", models.ConsentUnknown, "[]")
	addRecipient(t, recipients, "+15550003", models.ConsentOptedOut, "[]")
	deleted := addRecipient(t, recipients, "+15550004", models.ConsentOptedIn, "[]")
	if err := recipients.SoftDelete(deleted.ID); err != nil {
		t.Fatalf("Failed to soft-delete recipient: %v", err)
	}

	resolved, err := selector.Resolve(SegmentMainList, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(resolved) != 1 {
		t.Fatalf("Expected 1 recipient, got %d: %v", len(resolved), phones(resolved))
	}
	if resolved[0].Phone != "+15550001" {
		t.Errorf("Expected opted-in recipient only, got %s", resolved[0].Phone)
	}
}

func TestResolve_AllContactsStillDropsOptedOut(t *testing.T) {
	selector, recipients, _ := setupSelector(t)

	addRecipient(t, recipients, "+15550001", models.ConsentOptedIn, "[]")
	addRecipient(t, recipients, "+15550002", models.ConsentUnknown, "[]")
	addRecipient(t, recipients, "+15550003", models.ConsentOptedOut, "[]")

	resolved, err := selector.Resolve(SegmentAllContacts, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(resolved) != 2 {
		t.Fatalf("Expected 2 recipients, got %d: %v", len(resolved), phones(resolved))
	}
	for _, rec := range resolved {
		if rec.ConsentStatus == models.ConsentOptedOut {
			t.Errorf("Opted-out recipient %s must never be selected", rec.Phone)
		}
	}
}

func TestResolve_TagSegments(t *testing.T) {
	selector, recipients, _ := setupSelector(t)

	addRecipient(t, recipients, "+15550001", models.ConsentOptedIn, `["vip"]`)
	addRecipient(t, recipients, "+15550002", models.ConsentOptedIn, `["promotional"]`)
	addRecipient(t, recipients, "+15550003", models.ConsentOptedIn, `["vip","promotional"]`)
	addRecipient(t, recipients, "+15550004", models.ConsentUnknown, `["vip"]`)

	vip, err := selector.Resolve(SegmentVIPCustomers, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(vip) != 2 {
		t.Errorf("Expected 2 vip recipients, got %v", phones(vip))
	}

	promo, err := selector.Resolve(SegmentPromotional, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(promo) != 2 {
		t.Errorf("Expected 2 promotional recipients, got %v", phones(promo))
	}
}

func TestResolve_NewSubscribersWindow(t *testing.T) {
	selector, recipients, _ := setupSelector(t)

	addRecipient(t, recipients, "+15550001", models.ConsentOptedIn, "[]")

	old := &models.Recipient{
		Phone:         "+15550002",
		ConsentStatus: models.ConsentOptedIn,
		Tags:          "[]",
		ImportedAt:    time.Now().Add(-45 * 24 * time.Hour),
	}
	if err := recipients.Create(old); err != nil {
		t.Fatalf("Failed to create recipient: %v", err)
	}

	resolved, err := selector.Resolve(SegmentNewSubscribers, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(resolved) != 1 || resolved[0].Phone != "+15550001" {
		t.Errorf("Expected only the recent import, got %v", phones(resolved))
	}
}

func TestResolve_DNDAndExclusionList(t *testing.T) {
	selector, recipients, dnd := setupSelector(t)

	addRecipient(t, recipients, "+15550001", models.ConsentOptedIn, "[]")
	addRecipient(t, recipients, "+15550002", models.ConsentOptedIn, "[]")
	addRecipient(t, recipients, "+15550003", models.ConsentOptedIn, "[]")

	if err := dnd.Add(&models.DNDEntry{Phone: "+15550002", Source: models.DNDSourceStopKeyword}); err != nil {
		t.Fatalf("Failed to add dnd entry: %v", err)
	}

	resolved, err := selector.Resolve(SegmentMainList, []string{"+15550003"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(resolved) != 1 || resolved[0].Phone != "+15550001" {
		t.Errorf("Expected dnd and excluded phones dropped, got %v", phones(resolved))
	}
}

func TestResolve_UnknownSegmentFallsBack(t *testing.T) {
	selector, recipients, _ := setupSelector(t)

	addRecipient(t, recipients, "+15550001", models.ConsentOptedIn, "[]")
	addRecipient(t, recipients, "+15550002", models.ConsentUnknown, "[]")

	resolved, err := selector.Resolve("no_such_segment", nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(resolved) != 1 || resolved[0].Phone != "+15550001" {
		t.Errorf("Expected fallback to opted-in filter, got %v", phones(resolved))
	}
}

func TestResolve_DeterministicOrder(t *testing.T) {
	selector, recipients, _ := setupSelector(t)

	addRecipient(t, recipients, "+15550003", models.ConsentOptedIn, "[]")
	addRecipient(t, recipients, "+15550001", models.ConsentOptedIn, "[]")
	addRecipient(t, recipients, "+15550002", models.ConsentOptedIn, "[]")

	first, err := selector.Resolve(SegmentMainList, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	second, err := selector.Resolve(SegmentMainList, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("Expected 3 recipients in both resolutions")
	}
	for i := range first {
		if first[i].Phone != second[i].Phone {
			t.Errorf("Expected identical order across resolutions, got %v vs %v", phones(first), phones(second))
		}
	}
}
