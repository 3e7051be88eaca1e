package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/foxzi/eventcast/internal/models"
	"github.com/google/uuid"
)

type ParticipantRepository struct {
	db *sql.DB
}

func NewParticipantRepository(db *sql.DB) *ParticipantRepository {
	return &ParticipantRepository{db: db}
}

const insertParticipant = `
	INSERT INTO participants (id, event_id, first_name, last_name, email, phone, company, language,
		status, vip, variables, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func participantArgs(p *models.Participant) ([]any, error) {
	var vars any
	if len(p.Variables) > 0 {
		data, err := json.Marshal(p.Variables)
		if err != nil {
			return nil, err
		}
		vars = string(data)
	}
	if p.Status == "" {
		p.Status = models.ParticipantInvited
	}
	return []any{p.ID, p.EventID, p.FirstName, p.LastName, p.Email, p.Phone, p.Company, p.Language,
		p.Status, p.VIP, vars, p.CreatedAt}, nil
}

// Create creates a new participant
func (r *ParticipantRepository) Create(ctx context.Context, p *models.Participant) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	args, err := participantArgs(p)
	if err != nil {
		return fmt.Errorf("failed to encode participant variables: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, insertParticipant, args...); err != nil {
		return fmt.Errorf("failed to create participant: %w", err)
	}
	return nil
}

// CreateBatch inserts participants in one transaction. Rows without a
// creation time get strictly increasing timestamps so store order follows
// slice order.
func (r *ParticipantRepository) CreateBatch(ctx context.Context, participants []models.Participant) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertParticipant)
	if err != nil {
		return err
	}
	defer stmt.Close()

	base := time.Now().UTC()
	for i := range participants {
		p := &participants[i]
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = base.Add(time.Duration(i) * time.Microsecond)
		}
		args, err := participantArgs(p)
		if err != nil {
			return fmt.Errorf("failed to encode participant variables: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to insert participant: %w", err)
		}
	}

	return tx.Commit()
}

// SetStatus updates the registration status of a participant
func (r *ParticipantRepository) SetStatus(ctx context.Context, id string, status models.ParticipantStatus) error {
	_, err := r.db.ExecContext(ctx, "UPDATE participants SET status = ? WHERE id = ?", status, id)
	return err
}

// GetByID returns a participant by ID
func (r *ParticipantRepository) GetByID(ctx context.Context, id string) (*models.Participant, error) {
	p, err := scanParticipant(r.db.QueryRowContext(ctx, "SELECT "+participantColumns+" FROM participants WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListByEvent returns all participants of an event in creation order
func (r *ParticipantRepository) ListByEvent(ctx context.Context, eventID string) ([]models.Participant, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+participantColumns+" FROM participants WHERE event_id = ? ORDER BY created_at, id", eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	participants := []models.Participant{}
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, *p)
	}
	return participants, rows.Err()
}

const participantColumns = `id, event_id, COALESCE(first_name, ''), COALESCE(last_name, ''),
	COALESCE(email, ''), COALESCE(phone, ''), COALESCE(company, ''), COALESCE(language, ''),
	status, vip, variables, created_at`

func scanParticipant(row rowScanner) (*models.Participant, error) {
	p := &models.Participant{}
	var vars sql.NullString
	err := row.Scan(&p.ID, &p.EventID, &p.FirstName, &p.LastName, &p.Email, &p.Phone, &p.Company,
		&p.Language, &p.Status, &p.VIP, &vars, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if vars.Valid && vars.String != "" {
		if err := json.Unmarshal([]byte(vars.String), &p.Variables); err != nil {
			return nil, fmt.Errorf("failed to decode participant variables: %w", err)
		}
	}
	return p, nil
}
