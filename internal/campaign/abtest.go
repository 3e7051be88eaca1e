package campaign

import (
	"context"
	"fmt"

	"github.com/foxzi/eventcast/internal/abtest"
	"github.com/foxzi/eventcast/internal/models"
)

// SaveABTest validates and stores a draft A/B test. Invalid variant weights
// or too few variants are rejected before anything is persisted.
func (s *Service) SaveABTest(ctx context.Context, test *models.ABTest) (string, error) {
	if err := abtest.Validate(test.Variants); err != nil {
		return "", err
	}
	if err := test.Segmentation.Validate(); err != nil {
		return "", err
	}
	if !test.Channel.Valid() {
		return "", fmt.Errorf("%w: unknown channel %q", ErrInvalidRequest, test.Channel)
	}
	if _, err := s.event(ctx, test.EventID); err != nil {
		return "", err
	}
	for _, v := range test.Variants {
		tmpl, err := s.template(ctx, test.EventID, v.TemplateID)
		if err != nil {
			return "", err
		}
		if tmpl.Channel != test.Channel {
			return "", fmt.Errorf("%w: variant %q template is for %s", ErrInvalidRequest, v.Name, tmpl.Channel)
		}
	}

	if err := s.repos.ABTests.Create(ctx, test); err != nil {
		return "", err
	}
	s.logger.Info("ab test saved", "test_id", test.ID, "event_id", test.EventID, "variants", len(test.Variants))
	return test.ID, nil
}

// GetABTest returns an A/B test of the event
func (s *Service) GetABTest(ctx context.Context, eventID, testID string) (*models.ABTest, error) {
	test, err := s.repos.ABTests.GetByID(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to get ab test: %w", err)
	}
	if test == nil {
		return nil, ErrNotFound
	}
	if test.EventID != eventID {
		return nil, ErrCrossTenant
	}
	return test, nil
}

// StartABTest moves a draft test to running and enqueues the single job
// that sends every variant
func (s *Service) StartABTest(ctx context.Context, eventID, testID string) (*models.Job, error) {
	test, err := s.GetABTest(ctx, eventID, testID)
	if err != nil {
		return nil, err
	}
	if test.Status != models.ABTestDraft {
		return nil, fmt.Errorf("%w: ab test is %s", ErrWrongStatus, test.Status)
	}

	ok, err := s.repos.ABTests.SetStatus(ctx, test.ID, models.ABTestDraft, models.ABTestRunning)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: ab test already started", ErrWrongStatus)
	}

	job, err := s.Enqueue(ctx, EnqueueRequest{
		EventID:      test.EventID,
		TemplateID:   test.Variants[0].TemplateID,
		Channel:      test.Channel,
		Segmentation: test.Segmentation,
		ABTestID:     test.ID,
	})
	if err != nil {
		if _, rerr := s.repos.ABTests.SetStatus(context.WithoutCancel(ctx), test.ID, models.ABTestRunning, models.ABTestDraft); rerr != nil {
			s.logger.Error("failed to revert ab test to draft", "test_id", test.ID, "error", rerr)
		}
		return nil, err
	}

	if err := s.repos.ABTests.SetJob(ctx, test.ID, job.ID); err != nil {
		return nil, err
	}
	s.logger.Info("ab test started", "test_id", test.ID, "job_id", job.ID, "total", job.TotalCount)
	return job, nil
}
