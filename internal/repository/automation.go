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

type AutomationRepository struct {
	db *sql.DB
}

func NewAutomationRepository(db *sql.DB) *AutomationRepository {
	return &AutomationRepository{db: db}
}

const automationColumns = `id, event_id, name, type, template_id, channel, segmentation, time_trigger,
	COALESCE(event_trigger, ''), is_active, next_run_at, last_run_at, created_at, updated_at`

func scanAutomation(row rowScanner) (*models.Automation, error) {
	a := &models.Automation{}
	var trigger sql.NullString
	var nextRun, lastRun sql.NullTime
	err := row.Scan(&a.ID, &a.EventID, &a.Name, &a.Type, &a.TemplateID, &a.Channel, &a.Segmentation,
		&trigger, &a.EventTrigger, &a.IsActive, &nextRun, &lastRun, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if trigger.Valid && trigger.String != "" {
		if err := json.Unmarshal([]byte(trigger.String), &a.Trigger); err != nil {
			return nil, fmt.Errorf("failed to decode automation trigger: %w", err)
		}
	}
	if nextRun.Valid {
		a.NextRunAt = &nextRun.Time
	}
	if lastRun.Valid {
		a.LastRunAt = &lastRun.Time
	}
	return a, nil
}

// Create creates a new automation
func (r *AutomationRepository) Create(ctx context.Context, a *models.Automation) error {
	a.ID = uuid.New().String()
	a.CreatedAt = time.Now().UTC()
	a.UpdatedAt = a.CreatedAt

	trigger, err := json.Marshal(a.Trigger)
	if err != nil {
		return fmt.Errorf("failed to encode automation trigger: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO automations (id, event_id, name, type, template_id, channel, segmentation, time_trigger,
			event_trigger, is_active, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.EventID, a.Name, a.Type, a.TemplateID, a.Channel, a.Segmentation, string(trigger),
		nullString(a.EventTrigger), a.IsActive, utcPtr(a.NextRunAt), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create automation: %w", err)
	}
	return nil
}

// GetByID returns an automation by ID
func (r *AutomationRepository) GetByID(ctx context.Context, id string) (*models.Automation, error) {
	a, err := scanAutomation(r.db.QueryRowContext(ctx, "SELECT "+automationColumns+" FROM automations WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// SetActive toggles an automation and stores its recomputed next run
func (r *AutomationRepository) SetActive(ctx context.Context, id string, active bool, nextRun *time.Time) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE automations SET is_active = ?, next_run_at = ?, updated_at = ? WHERE id = ?",
		active, utcPtr(nextRun), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to toggle automation: %w", err)
	}
	return nil
}

// SetNextRun stores a recomputed next run without touching the active flag
func (r *AutomationRepository) SetNextRun(ctx context.Context, id string, nextRun *time.Time) error {
	_, err := r.db.ExecContext(ctx, "UPDATE automations SET next_run_at = ?, updated_at = ? WHERE id = ?",
		utcPtr(nextRun), time.Now().UTC(), id)
	return err
}

// ListDue returns active time-based automations whose next run is at or before now
func (r *AutomationRepository) ListDue(ctx context.Context, now time.Time) ([]models.Automation, error) {
	return r.list(ctx, `SELECT `+automationColumns+` FROM automations
		WHERE is_active = 1 AND type = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at, id`, models.AutomationTimeBased, now.UTC())
}

// ListEventBased returns active automations of an event listening for the named signal
func (r *AutomationRepository) ListEventBased(ctx context.Context, eventID, signal string) ([]models.Automation, error) {
	return r.list(ctx, `SELECT `+automationColumns+` FROM automations
		WHERE is_active = 1 AND type = ? AND event_id = ? AND event_trigger = ?
		ORDER BY created_at, id`, models.AutomationEventBased, eventID, signal)
}

func (r *AutomationRepository) list(ctx context.Context, query string, args ...any) ([]models.Automation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	automations := []models.Automation{}
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		automations = append(automations, *a)
	}
	return automations, rows.Err()
}

// ClaimRun records a run at now and stores the re-armed next run. It only
// succeeds while the stored next run is still due, so overlapping trigger
// invocations fire each run once.
func (r *AutomationRepository) ClaimRun(ctx context.Context, id string, now time.Time, nextRun *time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE automations SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ? AND is_active = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?`,
		now.UTC(), utcPtr(nextRun), time.Now().UTC(), id, now.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim automation run: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkRun records a run of an event-based automation
func (r *AutomationRepository) MarkRun(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, "UPDATE automations SET last_run_at = ?, updated_at = ? WHERE id = ?",
		at.UTC(), time.Now().UTC(), id)
	return err
}

type FollowUpRepository struct {
	db *sql.DB
}

func NewFollowUpRepository(db *sql.DB) *FollowUpRepository {
	return &FollowUpRepository{db: db}
}

const followUpColumns = `id, event_id, name, trigger_type, base_job_id, offset_hours, template_id, channel,
	segmentation, is_active, next_run_at, COALESCE(fired_job_id, ''), created_at, updated_at`

func scanFollowUp(row rowScanner) (*models.FollowUp, error) {
	f := &models.FollowUp{}
	var nextRun sql.NullTime
	err := row.Scan(&f.ID, &f.EventID, &f.Name, &f.TriggerType, &f.BaseJobID, &f.OffsetHours, &f.TemplateID,
		&f.Channel, &f.Segmentation, &f.IsActive, &nextRun, &f.FiredJobID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if nextRun.Valid {
		f.NextRunAt = &nextRun.Time
	}
	return f, nil
}

// Create creates a new follow-up
func (r *FollowUpRepository) Create(ctx context.Context, f *models.FollowUp) error {
	f.ID = uuid.New().String()
	f.CreatedAt = time.Now().UTC()
	f.UpdatedAt = f.CreatedAt

	var seg any
	if !f.Segmentation.IsZero() {
		seg = f.Segmentation
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO follow_ups (id, event_id, name, trigger_type, base_job_id, offset_hours, template_id, channel,
			segmentation, is_active, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.EventID, f.Name, f.TriggerType, f.BaseJobID, f.OffsetHours, f.TemplateID, f.Channel,
		seg, f.IsActive, utcPtr(f.NextRunAt), f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create follow-up: %w", err)
	}
	return nil
}

// GetByID returns a follow-up by ID
func (r *FollowUpRepository) GetByID(ctx context.Context, id string) (*models.FollowUp, error) {
	f, err := scanFollowUp(r.db.QueryRowContext(ctx, "SELECT "+followUpColumns+" FROM follow_ups WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// SetActive toggles a follow-up and stores its recomputed next run
func (r *FollowUpRepository) SetActive(ctx context.Context, id string, active bool, nextRun *time.Time) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE follow_ups SET is_active = ?, next_run_at = ?, updated_at = ? WHERE id = ?",
		active, utcPtr(nextRun), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to toggle follow-up: %w", err)
	}
	return nil
}

// SetNextRun stores a recomputed next run
func (r *FollowUpRepository) SetNextRun(ctx context.Context, id string, nextRun *time.Time) error {
	_, err := r.db.ExecContext(ctx, "UPDATE follow_ups SET next_run_at = ?, updated_at = ? WHERE id = ?",
		utcPtr(nextRun), time.Now().UTC(), id)
	return err
}

// ListByBaseJob returns the follow-ups gated on a job
func (r *FollowUpRepository) ListByBaseJob(ctx context.Context, jobID string) ([]models.FollowUp, error) {
	return r.list(ctx, "SELECT "+followUpColumns+" FROM follow_ups WHERE base_job_id = ? ORDER BY created_at, id", jobID)
}

// ListDue returns active, unfired follow-ups whose next run is at or before now
func (r *FollowUpRepository) ListDue(ctx context.Context, now time.Time) ([]models.FollowUp, error) {
	return r.list(ctx, `SELECT `+followUpColumns+` FROM follow_ups
		WHERE is_active = 1 AND COALESCE(fired_job_id, '') = '' AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at, id`, now.UTC())
}

func (r *FollowUpRepository) list(ctx context.Context, query string, args ...any) ([]models.FollowUp, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	followUps := []models.FollowUp{}
	for rows.Next() {
		f, err := scanFollowUp(rows)
		if err != nil {
			return nil, err
		}
		followUps = append(followUps, *f)
	}
	return followUps, rows.Err()
}

// ClaimFire clears the next run of a due follow-up so it fires once
func (r *FollowUpRepository) ClaimFire(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE follow_ups SET next_run_at = NULL, updated_at = ?
		WHERE id = ? AND is_active = 1 AND COALESCE(fired_job_id, '') = ''
			AND next_run_at IS NOT NULL AND next_run_at <= ?`,
		time.Now().UTC(), id, now.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim follow-up: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkFired records the job created by a follow-up
func (r *FollowUpRepository) MarkFired(ctx context.Context, id, jobID string) error {
	_, err := r.db.ExecContext(ctx, "UPDATE follow_ups SET fired_job_id = ?, updated_at = ? WHERE id = ?",
		jobID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark follow-up fired: %w", err)
	}
	return nil
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
