package repository

import (
	"context"
	"testing"

	"github.com/foxzi/eventcast/internal/models"
)

func TestParticipantRepository_CreateBatchAndList(t *testing.T) {
	sqlDB := setupTestDB(t)
	event, _ := seedEvent(t, sqlDB)
	repo := NewParticipantRepository(sqlDB)
	ctx := context.Background()

	participants := []models.Participant{
		{EventID: event.ID, FirstName: "Ann", Email: "ann@example.com", VIP: true, Variables: map[string]string{"table": "7"}},
		{EventID: event.ID, FirstName: "Bob", Phone: "+49 30 1234567", Status: models.ParticipantRegistered},
		{EventID: event.ID, FirstName: "Cid", Email: "cid@example.com", Language: "de"},
	}
	if err := repo.CreateBatch(ctx, participants); err != nil {
		t.Fatalf("failed to create participants: %v", err)
	}

	list, err := repo.ListByEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("failed to list participants: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 participants, got %d", len(list))
	}
	for i, name := range []string{"Ann", "Bob", "Cid"} {
		if list[i].FirstName != name {
			t.Errorf("position %d: expected %s, got %s", i, name, list[i].FirstName)
		}
	}
	if !list[0].VIP || list[1].VIP {
		t.Error("vip flag not round-tripped")
	}
	if list[0].Variables["table"] != "7" {
		t.Errorf("expected custom variable, got %v", list[0].Variables)
	}
	if list[0].Status != models.ParticipantInvited {
		t.Errorf("expected default status invited, got %s", list[0].Status)
	}
	if list[1].Status != models.ParticipantRegistered {
		t.Errorf("expected registered, got %s", list[1].Status)
	}

	if err := repo.SetStatus(ctx, list[0].ID, models.ParticipantDeclined); err != nil {
		t.Fatalf("failed to set status: %v", err)
	}
	got, err := repo.GetByID(ctx, list[0].ID)
	if err != nil || got == nil {
		t.Fatalf("failed to get participant: %v", err)
	}
	if got.Status != models.ParticipantDeclined {
		t.Errorf("expected declined, got %s", got.Status)
	}
}

func TestVariableRepository(t *testing.T) {
	sqlDB := setupTestDB(t)
	repo := NewVariableRepository(sqlDB)
	ctx := context.Background()

	if err := repo.Set(ctx, "company_name", "Acme"); err != nil {
		t.Fatalf("failed to set variable: %v", err)
	}
	if err := repo.Set(ctx, "company_name", "Acme GmbH"); err != nil {
		t.Fatalf("failed to overwrite variable: %v", err)
	}
	if err := repo.Set(ctx, "support", "help@acme.test"); err != nil {
		t.Fatalf("failed to set variable: %v", err)
	}
	if err := repo.Delete(ctx, "support"); err != nil {
		t.Fatalf("failed to delete variable: %v", err)
	}

	vars, err := repo.Map(ctx)
	if err != nil {
		t.Fatalf("failed to load variables: %v", err)
	}
	if len(vars) != 1 || vars["company_name"] != "Acme GmbH" {
		t.Errorf("unexpected variables: %v", vars)
	}
}

func TestEventRepository_GetByID(t *testing.T) {
	sqlDB := setupTestDB(t)
	event, tmpl := seedEvent(t, sqlDB)
	ctx := context.Background()

	got, err := NewEventRepository(sqlDB).GetByID(ctx, event.ID)
	if err != nil || got == nil {
		t.Fatalf("failed to get event: %v", err)
	}
	if !got.StartDate.Equal(event.StartDate) {
		t.Errorf("expected start %v, got %v", event.StartDate, got.StartDate)
	}

	tr := NewTemplateRepository(sqlDB)
	tmpl.Body = "Updated {{full_name}}"
	if err := tr.Update(ctx, tmpl); err != nil {
		t.Fatalf("failed to update template: %v", err)
	}
	gotT, err := tr.GetByID(ctx, tmpl.ID)
	if err != nil || gotT == nil {
		t.Fatalf("failed to get template: %v", err)
	}
	if gotT.Body != "Updated {{full_name}}" || gotT.EventID != event.ID {
		t.Errorf("unexpected template: %+v", gotT)
	}
}
