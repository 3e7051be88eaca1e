package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/foxzi/eventcast/internal/models"
	"github.com/google/uuid"
)

var (
	// ErrAlreadyLogged is returned when a recipient already has a delivery log row for the job
	ErrAlreadyLogged = errors.New("recipient already logged for job")
	// ErrCounterLimit is returned when recording a delivery would exceed the job's total count
	ErrCounterLimit = errors.New("job has reached its total count")
	// ErrInvalidTransition is returned for status changes outside the job state machine
	ErrInvalidTransition = errors.New("invalid job status transition")
)

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, event_id, template_id, channel, segmentation, status,
	total_count, processed_count, success_count, fail_count,
	COALESCE(batch_id, ''), COALESCE(ab_test_id, ''), COALESCE(error, ''),
	started_at, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&job.ID, &job.EventID, &job.TemplateID, &job.Channel, &job.Segmentation, &job.Status,
		&job.TotalCount, &job.ProcessedCount, &job.SuccessCount, &job.FailCount,
		&job.BatchID, &job.ABTestID, &job.Error,
		&startedAt, &completedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return job, nil
}

// Create creates a new pending job. TotalCount must already be resolved.
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	job.ID = uuid.New().String()
	job.Status = models.JobPending
	job.ProcessedCount, job.SuccessCount, job.FailCount = 0, 0, 0
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaign_jobs (id, event_id, template_id, channel, segmentation, status, total_count,
			batch_id, ab_test_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.EventID, job.TemplateID, job.Channel, job.Segmentation, job.Status, job.TotalCount,
		nullString(job.BatchID), nullString(job.ABTestID), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetByID returns a job by ID
func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM campaign_jobs WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// List returns jobs with optional filtering
func (r *JobRepository) List(ctx context.Context, filter models.JobListFilter) ([]models.Job, int, error) {
	where := " WHERE 1=1"
	args := []any{}

	if filter.EventID != "" {
		where += " AND event_id = ?"
		args = append(args, filter.EventID)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.BatchID != "" {
		where += " AND batch_id = ?"
		args = append(args, filter.BatchID)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM campaign_jobs"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + jobColumns + " FROM campaign_jobs" + where + " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, *job)
	}

	return jobs, total, rows.Err()
}

// CountByStatus returns the number of jobs per status, optionally for one event
func (r *JobRepository) CountByStatus(ctx context.Context, eventID string) (map[models.JobStatus]int, error) {
	query := "SELECT status, COUNT(*) FROM campaign_jobs"
	args := []any{}
	if eventID != "" {
		query += " WHERE event_id = ?"
		args = append(args, eventID)
	}
	query += " GROUP BY status"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status models.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// NextPending returns the oldest pending job, or nil when there is none
func (r *JobRepository) NextPending(ctx context.Context) (*models.Job, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM campaign_jobs WHERE status = ? ORDER BY created_at, id LIMIT 1",
		models.JobPending))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Claim atomically moves a job from pending to processing.
// It returns false when another caller claimed it first.
func (r *JobRepository) Claim(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_jobs SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ? AND status = ?`,
		models.JobProcessing, now, now, id, models.JobPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClaimStale re-leases the oldest processing job not touched since cutoff.
// The status stays processing; only updated_at moves, so a concurrent caller
// observing the same row loses the race.
func (r *JobRepository) ClaimStale(ctx context.Context, cutoff time.Time) (*models.Job, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM campaign_jobs WHERE status = ? AND updated_at < ? ORDER BY updated_at, id LIMIT 1",
		models.JobProcessing, cutoff.UTC()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_jobs SET updated_at = ?
		WHERE id = ? AND status = ? AND updated_at < ?`,
		now, job.ID, models.JobProcessing, cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim stale job: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, nil
	}
	job.UpdatedAt = now
	return job, nil
}

// Touch refreshes the lease of a processing job
func (r *JobRepository) Touch(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "UPDATE campaign_jobs SET updated_at = ? WHERE id = ? AND status = ?",
		time.Now().UTC(), id, models.JobProcessing)
	return err
}

// Transition atomically moves a job from one status to another.
// It returns false when the job was not in the expected status.
func (r *JobRepository) Transition(ctx context.Context, id string, from, to models.JobStatus, errMsg string) (bool, error) {
	if !models.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := time.Now().UTC()
	var completedAt *time.Time
	if to.IsTerminal() {
		completedAt = &now
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_jobs SET status = ?, error = COALESCE(?, error),
			completed_at = COALESCE(?, completed_at), updated_at = ?
		WHERE id = ? AND status = ?`,
		to, nullString(errMsg), completedAt, now, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LoggedRecipients returns the recipient ids that already have a delivery log row
func (r *JobRepository) LoggedRecipients(ctx context.Context, jobID string) (map[string]struct{}, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT recipient_id FROM delivery_logs WHERE job_id = ?", jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logged := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		logged[id] = struct{}{}
	}
	return logged, rows.Err()
}

// RecordDelivery writes one delivery log row and bumps the job counters in a
// single transaction. A second row for the same (job, recipient) is rejected
// with ErrAlreadyLogged and leaves the counters untouched.
func (r *JobRepository) RecordDelivery(ctx context.Context, entry *models.DeliveryLog) error {
	if entry.SentAt.IsZero() {
		entry.SentAt = time.Now().UTC()
	}

	success, fail := 0, 0
	if entry.Status == models.DeliverySuccess {
		success = 1
	} else {
		fail = 1
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO delivery_logs (job_id, recipient_id, variant_id, address, status, failure_reason, error, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, recipient_id) DO NOTHING`,
		entry.JobID, entry.RecipientID, nullString(entry.VariantID), entry.Address, entry.Status,
		nullString(string(entry.FailureReason)), nullString(entry.Error), entry.SentAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert delivery log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyLogged
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE campaign_jobs SET processed_count = processed_count + 1,
			success_count = success_count + ?, fail_count = fail_count + ?, updated_at = ?
		WHERE id = ? AND processed_count < total_count`,
		success, fail, time.Now().UTC(), entry.JobID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCounterLimit
	}

	return tx.Commit()
}

// ListDeliveries returns delivery log rows of a job in write order
func (r *JobRepository) ListDeliveries(ctx context.Context, filter models.DeliveryFilter) ([]models.DeliveryLog, int, error) {
	where := " WHERE job_id = ?"
	args := []any{filter.JobID}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM delivery_logs"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, job_id, recipient_id, COALESCE(variant_id, ''), address, status,
		COALESCE(failure_reason, ''), COALESCE(error, ''), sent_at
		FROM delivery_logs` + where + " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	logs := []models.DeliveryLog{}
	for rows.Next() {
		var l models.DeliveryLog
		if err := rows.Scan(&l.ID, &l.JobID, &l.RecipientID, &l.VariantID, &l.Address, &l.Status,
			&l.FailureReason, &l.Error, &l.SentAt); err != nil {
			return nil, 0, err
		}
		logs = append(logs, l)
	}

	return logs, total, rows.Err()
}

// DeliveryStats aggregates the delivery log of a job
func (r *JobRepository) DeliveryStats(ctx context.Context, jobID string) (models.DeliveryStats, error) {
	stats := models.DeliveryStats{
		ByReason:  make(map[models.FailureReason]int),
		ByVariant: make(map[string]int),
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COALESCE(failure_reason, ''), COALESCE(variant_id, ''), COUNT(*)
		FROM delivery_logs WHERE job_id = ?
		GROUP BY status, failure_reason, variant_id`, jobID)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var status models.DeliveryStatus
		var reason models.FailureReason
		var variant string
		var n int
		if err := rows.Scan(&status, &reason, &variant, &n); err != nil {
			return stats, err
		}
		stats.Total += n
		if status == models.DeliverySuccess {
			stats.Success += n
		} else {
			stats.Failed += n
			stats.ByReason[reason] += n
		}
		if variant != "" {
			stats.ByVariant[variant] += n
		}
	}

	return stats, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
