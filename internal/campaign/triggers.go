package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/eventcast/internal/metrics"
	"github.com/foxzi/eventcast/internal/models"
	"github.com/foxzi/eventcast/internal/schedule"
)

// SaveAutomation validates and stores a new automation. An active
// time-based automation gets its first run computed immediately.
func (s *Service) SaveAutomation(ctx context.Context, a *models.Automation) error {
	ev, err := s.event(ctx, a.EventID)
	if err != nil {
		return err
	}
	if err := a.Segmentation.Validate(); err != nil {
		return err
	}
	if !a.Channel.Valid() {
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidRequest, a.Channel)
	}
	if _, err := s.template(ctx, a.EventID, a.TemplateID); err != nil {
		return err
	}

	switch a.Type {
	case models.AutomationTimeBased:
		if err := schedule.ValidateTimeTrigger(a.Trigger); err != nil {
			return err
		}
	case models.AutomationEventBased:
		if a.EventTrigger == "" {
			return fmt.Errorf("%w: event_trigger is required", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown automation type %q", ErrInvalidRequest, a.Type)
	}

	a.LastRunAt = nil
	a.NextRunAt = schedule.ApplyMissedPolicy(schedule.AutomationNextRun(a, ev), s.now().UTC(), s.cfg.MissedPolicy)
	return s.repos.Automations.Create(ctx, a)
}

// ToggleAutomation activates or deactivates an automation and recomputes
// its next run
func (s *Service) ToggleAutomation(ctx context.Context, eventID, id string, active bool) (*models.Automation, error) {
	a, err := s.repos.Automations.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get automation: %w", err)
	}
	if a == nil {
		return nil, ErrNotFound
	}
	if a.EventID != eventID {
		return nil, ErrCrossTenant
	}

	ev, err := s.event(ctx, eventID)
	if err != nil {
		return nil, err
	}

	a.IsActive = active
	next := schedule.ApplyMissedPolicy(schedule.AutomationNextRun(a, ev), s.now().UTC(), s.cfg.MissedPolicy)
	if err := s.repos.Automations.SetActive(ctx, a.ID, active, next); err != nil {
		return nil, err
	}
	a.NextRunAt = next

	s.logger.Info("automation toggled", "automation_id", a.ID, "event_id", eventID, "active", active, "next_run_at", next)
	return a, nil
}

// SaveFollowUp validates and stores a follow-up on a base job of the same
// event. If the base job already completed the follow-up is scheduled now.
func (s *Service) SaveFollowUp(ctx context.Context, f *models.FollowUp) error {
	if err := schedule.ValidateFollowUp(f); err != nil {
		return err
	}
	if !f.Segmentation.IsZero() {
		if err := f.Segmentation.Validate(); err != nil {
			return err
		}
	}
	if !f.Channel.Valid() {
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidRequest, f.Channel)
	}
	if _, err := s.template(ctx, f.EventID, f.TemplateID); err != nil {
		return err
	}
	base, err := s.GetJob(ctx, f.EventID, f.BaseJobID)
	if err != nil {
		return err
	}

	f.FiredJobID = ""
	f.NextRunAt = schedule.ApplyMissedPolicy(schedule.FollowUpNextRun(f, base), s.now().UTC(), s.cfg.MissedPolicy)
	return s.repos.FollowUps.Create(ctx, f)
}

// ToggleFollowUp activates or deactivates a follow-up and recomputes its
// next run from the base job
func (s *Service) ToggleFollowUp(ctx context.Context, eventID, id string, active bool) (*models.FollowUp, error) {
	f, err := s.repos.FollowUps.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get follow-up: %w", err)
	}
	if f == nil {
		return nil, ErrNotFound
	}
	if f.EventID != eventID {
		return nil, ErrCrossTenant
	}

	base, err := s.repos.Jobs.GetByID(ctx, f.BaseJobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get base job: %w", err)
	}

	f.IsActive = active
	next := schedule.ApplyMissedPolicy(schedule.FollowUpNextRun(f, base), s.now().UTC(), s.cfg.MissedPolicy)
	if err := s.repos.FollowUps.SetActive(ctx, f.ID, active, next); err != nil {
		return nil, err
	}
	f.NextRunAt = next

	s.logger.Info("follow-up toggled", "follow_up_id", f.ID, "event_id", eventID, "active", active, "next_run_at", next)
	return f, nil
}

// TriggerReport summarises one RunDueTriggers pass
type TriggerReport struct {
	BatchID     string   `json:"batch_id"`
	Automations int      `json:"automations"`
	FollowUps   int      `json:"follow_ups"`
	JobIDs      []string `json:"job_ids"`
	Skipped     int      `json:"skipped"`
	Errors      []string `json:"errors,omitempty"`
}

// RunDueTriggers fires every automation and follow-up due at now. A run is
// claimed before its job is enqueued, so each due run fires at most once
// even when passes overlap. A run whose job fails to enqueue is released
// again for the next pass. All jobs of one pass share a batch id.
func (s *Service) RunDueTriggers(ctx context.Context, now time.Time) (*TriggerReport, error) {
	s.triggerM.Lock()
	defer s.triggerM.Unlock()

	now = now.UTC()
	report := &TriggerReport{BatchID: uuid.New().String(), JobIDs: []string{}}

	automations, err := s.repos.Automations.ListDue(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due automations: %w", err)
	}
	for i := range automations {
		s.fireAutomation(ctx, &automations[i], now, report)
	}

	followUps, err := s.repos.FollowUps.ListDue(ctx, now)
	if err != nil {
		return report, fmt.Errorf("failed to list due follow-ups: %w", err)
	}
	for i := range followUps {
		s.fireFollowUp(ctx, &followUps[i], now, report)
	}

	if report.Automations+report.FollowUps > 0 {
		s.logger.Info("triggers fired", "batch_id", report.BatchID,
			"automations", report.Automations, "follow_ups", report.FollowUps,
			"jobs", len(report.JobIDs), "skipped", report.Skipped)
	}
	return report, nil
}

func (s *Service) fireAutomation(ctx context.Context, a *models.Automation, now time.Time, report *TriggerReport) {
	ev, err := s.event(ctx, a.EventID)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("automation %s: %v", a.ID, err))
		return
	}

	prior := a.NextRunAt
	a.LastRunAt = &now
	next := schedule.ApplyMissedPolicy(schedule.AutomationNextRun(a, ev), now, schedule.MissedSkip)

	ok, err := s.repos.Automations.ClaimRun(ctx, a.ID, now, next)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("automation %s: %v", a.ID, err))
		return
	}
	if !ok {
		return
	}
	report.Automations++
	metrics.IncTriggerFired("automation")

	_, err = s.enqueueFired(ctx, "automation", a.ID, EnqueueRequest{
		EventID:      a.EventID,
		TemplateID:   a.TemplateID,
		Channel:      a.Channel,
		Segmentation: a.Segmentation,
		BatchID:      report.BatchID,
	}, report)
	if err != nil {
		// the run did not happen: put it back so the next pass retries it
		s.restoreNextRun(ctx, "automation", a.ID, prior, s.repos.Automations.SetNextRun)
	}
}

func (s *Service) fireFollowUp(ctx context.Context, f *models.FollowUp, now time.Time, report *TriggerReport) {
	base, err := s.repos.Jobs.GetByID(ctx, f.BaseJobID)
	if err != nil || base == nil {
		report.Errors = append(report.Errors, fmt.Sprintf("follow-up %s: base job unavailable: %v", f.ID, err))
		return
	}

	ok, err := s.repos.FollowUps.ClaimFire(ctx, f.ID, now)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("follow-up %s: %v", f.ID, err))
		return
	}
	if !ok {
		return
	}
	report.FollowUps++
	metrics.IncTriggerFired("follow_up")

	seg := f.Segmentation
	if seg.IsZero() {
		seg = base.Segmentation
	}
	job, err := s.enqueueFired(ctx, "follow_up", f.ID, EnqueueRequest{
		EventID:      f.EventID,
		TemplateID:   f.TemplateID,
		Channel:      f.Channel,
		Segmentation: seg,
		BatchID:      report.BatchID,
	}, report)
	if err != nil {
		s.restoreNextRun(ctx, "follow_up", f.ID, f.NextRunAt, s.repos.FollowUps.SetNextRun)
		return
	}
	if job == nil {
		return
	}
	if err := s.repos.FollowUps.MarkFired(ctx, f.ID, job.ID); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("follow-up %s: %v", f.ID, err))
	}
}

// enqueueFired enqueues the job of a fired trigger. An empty audience is
// counted as skipped and returns a nil job with a nil error. Any other
// failure is recorded in the report and returned.
func (s *Service) enqueueFired(ctx context.Context, kind, id string, req EnqueueRequest, report *TriggerReport) (*models.Job, error) {
	job, err := s.Enqueue(ctx, req)
	switch {
	case err == nil:
		report.JobIDs = append(report.JobIDs, job.ID)
		return job, nil
	case errors.Is(err, ErrNoRecipients):
		s.logger.Info("trigger matched no recipients", "kind", kind, "id", id, "event_id", req.EventID)
		report.Skipped++
		return nil, nil
	default:
		s.logger.Error("failed to enqueue trigger job", "kind", kind, "id", id, "error", err)
		report.Errors = append(report.Errors, fmt.Sprintf("%s %s: %v", kind, id, err))
		return nil, err
	}
}

// restoreNextRun undoes a claim whose job could not be enqueued. It runs
// even when ctx is cancelled so a claimed run is never silently dropped.
func (s *Service) restoreNextRun(ctx context.Context, kind, id string, prior *time.Time,
	set func(context.Context, string, *time.Time) error) {
	if err := set(context.WithoutCancel(ctx), id, prior); err != nil {
		s.logger.Error("failed to restore trigger after enqueue error", "kind", kind, "id", id, "error", err)
		return
	}
	s.logger.Warn("trigger run released for retry", "kind", kind, "id", id)
}

// TriggerEvent fires the active event-based automations of an event that
// listen for the named signal, e.g. participant_registered
func (s *Service) TriggerEvent(ctx context.Context, eventID, name string) (*TriggerReport, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: signal name is required", ErrInvalidRequest)
	}
	if _, err := s.event(ctx, eventID); err != nil {
		return nil, err
	}

	automations, err := s.repos.Automations.ListEventBased(ctx, eventID, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list automations: %w", err)
	}

	now := s.now().UTC()
	report := &TriggerReport{BatchID: uuid.New().String(), JobIDs: []string{}}
	for i := range automations {
		a := &automations[i]
		report.Automations++
		metrics.IncTriggerFired("signal")

		if err := s.repos.Automations.MarkRun(ctx, a.ID, now); err != nil {
			s.logger.Error("failed to record automation run", "automation_id", a.ID, "error", err)
		}
		_, _ = s.enqueueFired(ctx, "automation", a.ID, EnqueueRequest{
			EventID:      a.EventID,
			TemplateID:   a.TemplateID,
			Channel:      a.Channel,
			Segmentation: a.Segmentation,
			BatchID:      report.BatchID,
		}, report)
	}

	s.logger.Info("event signal handled", "event_id", eventID, "signal", name, "automations", report.Automations, "jobs", len(report.JobIDs))
	return report, nil
}
