package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/eventcast/internal/models"
	"github.com/google/uuid"
)

type ABTestRepository struct {
	db *sql.DB
}

func NewABTestRepository(db *sql.DB) *ABTestRepository {
	return &ABTestRepository{db: db}
}

// Create stores a draft test together with its variants
func (r *ABTestRepository) Create(ctx context.Context, t *models.ABTest) error {
	t.ID = uuid.New().String()
	t.Status = models.ABTestDraft
	t.CreatedAt = time.Now().UTC()
	t.UpdatedAt = t.CreatedAt

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ab_tests (id, event_id, name, channel, segmentation, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.EventID, t.Name, t.Channel, t.Segmentation, t.Status, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create ab test: %w", err)
	}

	for i := range t.Variants {
		v := &t.Variants[i]
		v.ID = uuid.New().String()
		v.TestID = t.ID
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ab_variants (id, test_id, name, template_id, weight, position)
			VALUES (?, ?, ?, ?, ?, ?)`,
			v.ID, v.TestID, v.Name, v.TemplateID, v.Weight, i,
		)
		if err != nil {
			return fmt.Errorf("failed to create ab variant: %w", err)
		}
	}

	return tx.Commit()
}

// GetByID returns a test with its variants in declaration order
func (r *ABTestRepository) GetByID(ctx context.Context, id string) (*models.ABTest, error) {
	t := &models.ABTest{}
	var jobID sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, event_id, name, channel, segmentation, status, job_id, created_at, updated_at
		FROM ab_tests WHERE id = ?`, id,
	).Scan(&t.ID, &t.EventID, &t.Name, &t.Channel, &t.Segmentation, &t.Status, &jobID, &t.CreatedAt, &t.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.JobID = jobID.String

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, test_id, name, template_id, weight
		FROM ab_variants WHERE test_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var v models.ABVariant
		if err := rows.Scan(&v.ID, &v.TestID, &v.Name, &v.TemplateID, &v.Weight); err != nil {
			return nil, err
		}
		t.Variants = append(t.Variants, v)
	}

	return t, rows.Err()
}

// SetStatus moves a test between statuses; false when it was not in from
func (r *ABTestRepository) SetStatus(ctx context.Context, id string, from, to models.ABTestStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE ab_tests SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		to, time.Now().UTC(), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to update ab test status: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetJob links the test to the job that delivers it
func (r *ABTestRepository) SetJob(ctx context.Context, id, jobID string) error {
	_, err := r.db.ExecContext(ctx, "UPDATE ab_tests SET job_id = ?, updated_at = ? WHERE id = ?",
		jobID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to link ab test job: %w", err)
	}
	return nil
}
