// Package campaign exposes the trigger entrypoints of the engine: enqueueing
// jobs, running the next pending job, stopping jobs, A/B tests, automations
// and follow-ups. Every id-addressed operation is scoped by event id.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/eventcast/internal/models"
	"github.com/foxzi/eventcast/internal/repository"
	"github.com/foxzi/eventcast/internal/schedule"
)

var (
	ErrNoRecipients   = errors.New("segmentation resolves to no recipients")
	ErrWrongStatus    = errors.New("operation not allowed in current status")
	ErrNotFound       = errors.New("not found")
	ErrCrossTenant    = errors.New("resource belongs to another event")
	ErrInvalidRequest = errors.New("invalid request")
)

// Counter previews how many recipients a segmentation resolves to
type Counter interface {
	Count(ctx context.Context, eventID string, channel models.Channel, seg models.Segmentation) (int, error)
}

// Runner claims and processes jobs
type Runner interface {
	NextJob(ctx context.Context) (*models.Job, error)
	ProcessJob(ctx context.Context, job *models.Job) (models.JobStatus, error)
}

// Repositories groups the stores the service reads and writes
type Repositories struct {
	Events      *repository.EventRepository
	Templates   *repository.TemplateRepository
	Jobs        *repository.JobRepository
	ABTests     *repository.ABTestRepository
	Automations *repository.AutomationRepository
	FollowUps   *repository.FollowUpRepository
}

// Config holds service configuration
type Config struct {
	MissedPolicy schedule.MissedPolicy
}

// Service implements the campaign trigger entrypoints
type Service struct {
	cfg      Config
	repos    Repositories
	counter  Counter
	runner   Runner
	logger   *slog.Logger
	now      func() time.Time
	runMu    sync.Mutex
	triggerM sync.Mutex
}

// New creates a new campaign service
func New(cfg Config, repos Repositories, counter Counter, runner Runner, logger *slog.Logger) *Service {
	if cfg.MissedPolicy == "" {
		cfg.MissedPolicy = schedule.MissedSkip
	}
	return &Service{
		cfg:     cfg,
		repos:   repos,
		counter: counter,
		runner:  runner,
		logger:  logger.With("component", "campaign"),
		now:     time.Now,
	}
}

// EnqueueRequest describes a job to create
type EnqueueRequest struct {
	EventID      string              `json:"-"`
	TemplateID   string              `json:"template_id"`
	Channel      models.Channel      `json:"channel"`
	Segmentation models.Segmentation `json:"segmentation"`
	BatchID      string              `json:"batch_id,omitempty"`
	ABTestID     string              `json:"-"`
}

// Enqueue validates the request, resolves the audience once to freeze the
// total count and persists a pending job. An empty audience is rejected
// with ErrNoRecipients and nothing is stored.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*models.Job, error) {
	if err := req.Segmentation.Validate(); err != nil {
		return nil, err
	}
	if !req.Channel.Valid() {
		return nil, fmt.Errorf("%w: unknown channel %q", ErrInvalidRequest, req.Channel)
	}
	if req.TemplateID == "" {
		return nil, fmt.Errorf("%w: template_id is required", ErrInvalidRequest)
	}

	if _, err := s.event(ctx, req.EventID); err != nil {
		return nil, err
	}
	tmpl, err := s.template(ctx, req.EventID, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if tmpl.Channel != req.Channel {
		return nil, fmt.Errorf("%w: template is for %s, job is for %s", ErrInvalidRequest, tmpl.Channel, req.Channel)
	}

	total, err := s.counter.Count(ctx, req.EventID, req.Channel, req.Segmentation)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve segmentation: %w", err)
	}
	if total == 0 {
		return nil, ErrNoRecipients
	}

	job := &models.Job{
		EventID:      req.EventID,
		TemplateID:   req.TemplateID,
		Channel:      req.Channel,
		Segmentation: req.Segmentation,
		TotalCount:   total,
		BatchID:      req.BatchID,
		ABTestID:     req.ABTestID,
	}
	if err := s.repos.Jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("job enqueued", "job_id", job.ID, "event_id", job.EventID, "channel", job.Channel, "total", total)
	return job, nil
}

// PreviewSegment counts the recipients a segmentation resolves to
func (s *Service) PreviewSegment(ctx context.Context, eventID string, channel models.Channel, seg models.Segmentation) (int, error) {
	if err := seg.Validate(); err != nil {
		return 0, err
	}
	if !channel.Valid() {
		return 0, fmt.Errorf("%w: unknown channel %q", ErrInvalidRequest, channel)
	}
	if _, err := s.event(ctx, eventID); err != nil {
		return 0, err
	}
	return s.counter.Count(ctx, eventID, channel, seg)
}

// GetJob returns a job of the event
func (s *Service) GetJob(ctx context.Context, eventID, jobID string) (*models.Job, error) {
	job, err := s.repos.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return nil, ErrNotFound
	}
	if job.EventID != eventID {
		return nil, ErrCrossTenant
	}
	return job, nil
}

// ListJobs lists the jobs of an event
func (s *Service) ListJobs(ctx context.Context, filter models.JobListFilter) ([]models.Job, int, error) {
	if filter.EventID == "" {
		return nil, 0, fmt.Errorf("%w: event id is required", ErrInvalidRequest)
	}
	return s.repos.Jobs.List(ctx, filter)
}

// Deliveries lists the delivery log of a job with its aggregate stats
func (s *Service) Deliveries(ctx context.Context, eventID string, filter models.DeliveryFilter) ([]models.DeliveryLog, int, models.DeliveryStats, error) {
	if _, err := s.GetJob(ctx, eventID, filter.JobID); err != nil {
		return nil, 0, models.DeliveryStats{}, err
	}
	logs, total, err := s.repos.Jobs.ListDeliveries(ctx, filter)
	if err != nil {
		return nil, 0, models.DeliveryStats{}, fmt.Errorf("failed to list deliveries: %w", err)
	}
	stats, err := s.repos.Jobs.DeliveryStats(ctx, filter.JobID)
	if err != nil {
		return nil, 0, models.DeliveryStats{}, fmt.Errorf("failed to get delivery stats: %w", err)
	}
	return logs, total, stats, nil
}

// StopJob stops a processing job. The worker observes the stop at its next
// batch boundary; messages already sent stay sent.
func (s *Service) StopJob(ctx context.Context, eventID, jobID string) (*models.Job, error) {
	return s.haltJob(ctx, eventID, jobID, models.JobStopped, "")
}

// AbortJob marks a processing job as manually failed
func (s *Service) AbortJob(ctx context.Context, eventID, jobID string) (*models.Job, error) {
	return s.haltJob(ctx, eventID, jobID, models.JobFailedManual, "aborted by operator")
}

func (s *Service) haltJob(ctx context.Context, eventID, jobID string, to models.JobStatus, errMsg string) (*models.Job, error) {
	job, err := s.GetJob(ctx, eventID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobProcessing {
		return nil, fmt.Errorf("%w: job is %s", ErrWrongStatus, job.Status)
	}

	ok, err := s.repos.Jobs.Transition(ctx, job.ID, models.JobProcessing, to, errMsg)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: job left processing", ErrWrongStatus)
	}

	s.logger.Info("job halted", "job_id", job.ID, "event_id", eventID, "status", to)
	// the worker may be gone, so close the job here as well
	s.afterRun(context.WithoutCancel(ctx), job, to)
	return s.GetJob(ctx, eventID, jobID)
}

func (s *Service) event(ctx context.Context, eventID string) (*models.Event, error) {
	if eventID == "" {
		return nil, fmt.Errorf("%w: event id is required", ErrInvalidRequest)
	}
	ev, err := s.repos.Events.GetByID(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	if ev == nil {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	return ev, nil
}

func (s *Service) template(ctx context.Context, eventID, templateID string) (*models.Template, error) {
	tmpl, err := s.repos.Templates.GetByID(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	if tmpl == nil {
		return nil, fmt.Errorf("template %s: %w", templateID, ErrNotFound)
	}
	if tmpl.EventID != eventID {
		return nil, ErrCrossTenant
	}
	return tmpl, nil
}
