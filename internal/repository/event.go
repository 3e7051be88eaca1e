package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/eventcast/internal/models"
	"github.com/google/uuid"
)

type EventRepository struct {
	db *sql.DB
}

func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Create creates a new event
func (r *EventRepository) Create(ctx context.Context, e *models.Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO events (id, name, location, start_date, end_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.Location, e.StartDate.UTC(), e.EndDate.UTC(), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

// GetByID returns an event by ID
func (r *EventRepository) GetByID(ctx context.Context, id string) (*models.Event, error) {
	e := &models.Event{}
	var location sql.NullString
	var start, end sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, location, start_date, end_date, created_at
		FROM events WHERE id = ?`, id,
	).Scan(&e.ID, &e.Name, &location, &start, &end, &e.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Location = location.String
	e.StartDate = start.Time
	e.EndDate = end.Time
	return e, nil
}

type TemplateRepository struct {
	db *sql.DB
}

func NewTemplateRepository(db *sql.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// Create creates a new template
func (r *TemplateRepository) Create(ctx context.Context, t *models.Template) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = time.Now().UTC()
	t.UpdatedAt = t.CreatedAt

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO templates (id, event_id, name, channel, subject, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.EventID, t.Name, t.Channel, t.Subject, t.Body, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

// GetByID returns a template by ID
func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*models.Template, error) {
	t := &models.Template{}
	var subject sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, event_id, name, channel, subject, body, created_at, updated_at
		FROM templates WHERE id = ?`, id,
	).Scan(&t.ID, &t.EventID, &t.Name, &t.Channel, &subject, &t.Body, &t.CreatedAt, &t.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.Subject = subject.String
	return t, nil
}

// Update updates template content
func (r *TemplateRepository) Update(ctx context.Context, t *models.Template) error {
	t.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		UPDATE templates SET name = ?, subject = ?, body = ?, updated_at = ?
		WHERE id = ?`,
		t.Name, t.Subject, t.Body, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update template: %w", err)
	}
	return nil
}

// VariableRepository stores global merge variables
type VariableRepository struct {
	db *sql.DB
}

func NewVariableRepository(db *sql.DB) *VariableRepository {
	return &VariableRepository{db: db}
}

// Set creates or replaces a global variable
func (r *VariableRepository) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO global_variables (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set variable: %w", err)
	}
	return nil
}

// Delete removes a global variable
func (r *VariableRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM global_variables WHERE key = ?", key)
	return err
}

// Map returns all global variables keyed by name
func (r *VariableRepository) Map(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT key, value FROM global_variables")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vars := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		vars[k] = v
	}
	return vars, rows.Err()
}
