package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/foxzi/eventcast/internal/db"
	"github.com/foxzi/eventcast/internal/models"
)

// setupTestDB creates an in-memory SQLite database with all migrations applied
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	database, err := db.New(db.MemoryPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return database.DB
}

// seedEvent creates an event and an email template for it
func seedEvent(t *testing.T, sqlDB *sql.DB) (*models.Event, *models.Template) {
	t.Helper()
	ctx := context.Background()

	event := &models.Event{
		Name:      "Summit",
		Location:  "Berlin",
		StartDate: time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 5, 12, 18, 0, 0, 0, time.UTC),
	}
	if err := NewEventRepository(sqlDB).Create(ctx, event); err != nil {
		t.Fatalf("failed to create event: %v", err)
	}

	tmpl := &models.Template{EventID: event.ID, Name: "Invite", Channel: models.ChannelEmail, Subject: "Hi", Body: "Hello {{first_name}}"}
	if err := NewTemplateRepository(sqlDB).Create(ctx, tmpl); err != nil {
		t.Fatalf("failed to create template: %v", err)
	}
	return event, tmpl
}

func seedJob(t *testing.T, repo *JobRepository, event *models.Event, tmpl *models.Template, total int) *models.Job {
	t.Helper()
	job := &models.Job{
		EventID:      event.ID,
		TemplateID:   tmpl.ID,
		Channel:      models.ChannelEmail,
		Segmentation: models.Segmentation{Rules: []models.Rule{{Type: models.RuleAll}}},
		TotalCount:   total,
	}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	return job
}
